package lending

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/atmx/lending-engine/internal/model"
)

// NATSPublisher publishes ledger entries as JSON on
// "<subject>.<event kind>", e.g. "lending.events.liquidate".
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher publishes through nc under subject.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject}
}

// Publish implements Publisher. The entry is identified by its id in the
// Nats-Msg-Id header so JetStream consumers can deduplicate retries.
func (p *NATSPublisher) Publish(ctx context.Context, entry *model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := p.message(entry)
	if err != nil {
		return err
	}
	return p.nc.PublishMsg(msg)
}

func (p *NATSPublisher) message(entry *model.LedgerEntry) (*nats.Msg, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry: %w", err)
	}
	msg := nats.NewMsg(p.subject + "." + string(entry.Event.Kind))
	msg.Header.Set(nats.MsgIdHdr, entry.ID)
	msg.Data = data
	return msg, nil
}
