// Package model defines the core domain types shared across the lending engine.
// All amounts are 256-bit unsigned integers in token base units; fractions are
// WAD-scaled (1e18 = 100%).
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidMarketID is returned when a market id string cannot be decoded.
var ErrInvalidMarketID = errors.New("model: invalid market id")

// MarketID is the keccak256 hash of a market's encoded parameters.
type MarketID [32]byte

// String returns the 0x-prefixed hex form of the id.
func (id MarketID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero id.
func (id MarketID) IsZero() bool {
	return id == MarketID{}
}

func (id MarketID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MarketID) UnmarshalText(text []byte) error {
	parsed, err := ParseMarketID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseMarketID decodes a 0x-prefixed, 64 hex digit market id.
func ParseMarketID(s string) (MarketID, error) {
	var id MarketID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidMarketID, s)
	}
	copy(id[:], raw)
	return id, nil
}

// MarketParams are the immutable parameters of a market. Two parameter sets
// with the same encoding are the same market.
type MarketParams struct {
	LoanToken            common.Address `json:"loan_token"`
	CollateralToken      common.Address `json:"collateral_token"`
	Oracle               common.Address `json:"oracle"`
	RateModel            common.Address `json:"rate_model"`
	LiquidationThreshold uint256.Int    `json:"liquidation_threshold"`
}

// Encode serializes the parameters into five 32-byte words: the four
// addresses left-padded, then the threshold big-endian.
func (p *MarketParams) Encode() []byte {
	out := make([]byte, 0, 5*32)
	for _, addr := range []common.Address{p.LoanToken, p.CollateralToken, p.Oracle, p.RateModel} {
		out = append(out, common.LeftPadBytes(addr.Bytes(), 32)...)
	}
	word := p.LiquidationThreshold.Bytes32()
	return append(out, word[:]...)
}

// ID derives the market id from the parameters.
func (p *MarketParams) ID() MarketID {
	h := sha3.NewLegacyKeccak256()
	h.Write(p.Encode())
	var id MarketID
	copy(id[:], h.Sum(nil))
	return id
}

// MarketState is the mutable aggregate state of one market.
type MarketState struct {
	TotalSupplyAssets uint256.Int `json:"total_supply_assets"`
	TotalSupplyShares uint256.Int `json:"total_supply_shares"`
	TotalBorrowAssets uint256.Int `json:"total_borrow_assets"`
	TotalBorrowShares uint256.Int `json:"total_borrow_shares"`
	LastUpdate        uint64      `json:"last_update"`
	Fee               uint256.Int `json:"fee"`        // WAD fraction of accrued interest
	FeeShares         uint256.Int `json:"fee_shares"` // cumulative shares minted as fees
	BadDebt           uint256.Int `json:"bad_debt"`   // deferred losses, see engine.DeferBadDebt
}

// Position is one account's holdings in one market.
type Position struct {
	SupplyShares uint256.Int `json:"supply_shares"`
	BorrowShares uint256.Int `json:"borrow_shares"`
	Collateral   uint256.Int `json:"collateral"`
}

// IsZero reports whether the position holds nothing. Zero positions are
// equivalent to absent ones.
func (p *Position) IsZero() bool {
	return p.SupplyShares.IsZero() && p.BorrowShares.IsZero() && p.Collateral.IsZero()
}

// PositionKey identifies a position.
type PositionKey struct {
	Market  MarketID       `json:"market_id"`
	Account common.Address `json:"account"`
}

// Market bundles a market's parameters and state for reads.
type Market struct {
	ID        MarketID     `json:"id"`
	Params    MarketParams `json:"params"`
	State     MarketState  `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// Authorization lets Authorized manage Authorizer's positions. It is the
// message signed for signature-based authorization.
type Authorization struct {
	Authorizer   common.Address `json:"authorizer"`
	Authorized   common.Address `json:"authorized"`
	IsAuthorized bool           `json:"is_authorized"`
	Nonce        uint64         `json:"nonce"`
	Deadline     uint64         `json:"deadline"`
}
