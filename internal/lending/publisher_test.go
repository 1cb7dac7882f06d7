package lending

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
)

func sampleEntry() model.LedgerEntry {
	return model.LedgerEntry{
		ID: "8b0c3f4e-5d1a-4a5e-9f51-2c7e4b1d9a10",
		Event: model.Event{
			Kind:     model.EventLiquidate,
			Market:   model.MarketID{0xab},
			Caller:   common.HexToAddress("0x0c"),
			OnBehalf: common.HexToAddress("0x0b"),
			Assets:   *uint256.NewInt(471),
			Shares:   *uint256.NewInt(471_000_000),
			Details:  map[string]string{"bad_debt_assets": "29"},
		},
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestNATSPublisher_Message(t *testing.T) {
	p := NewNATSPublisher(nil, "lending.events")
	entry := sampleEntry()

	msg, err := p.message(&entry)
	require.NoError(t, err)
	assert.Equal(t, "lending.events.liquidate", msg.Subject)
	assert.Equal(t, entry.ID, msg.Header.Get(nats.MsgIdHdr))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	event := decoded["event"].(map[string]any)
	assert.Equal(t, "471", event["assets"])
	assert.Equal(t, entry.Event.Market.String(), event["market_id"])
}

func TestNewWSMessage(t *testing.T) {
	entry := sampleEntry()
	msg := newWSMessage(&entry, "0.5")

	assert.Equal(t, "liquidate", msg.Type)
	assert.Equal(t, entry.Event.Market.String(), msg.MarketID)
	assert.Equal(t, "471", msg.Assets)
	assert.Equal(t, "0.5", msg.Utilization)
	assert.Empty(t, msg.Receiver, "zero receiver is omitted")
	assert.Equal(t, "29", msg.Details["bad_debt_assets"])
}
