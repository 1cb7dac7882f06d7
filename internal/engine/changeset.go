package engine

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/model"
)

// Settings are the engine-wide administrative values.
type Settings struct {
	Owner        common.Address `json:"owner"`
	FeeRecipient common.Address `json:"fee_recipient"`
}

// PositionRecord is a position together with its key. A zero Position means
// the record was cleared.
type PositionRecord struct {
	Key      model.PositionKey `json:"key"`
	Position model.Position    `json:"position"`
}

// AuthorizationRecord is one (owner, operator) flag.
type AuthorizationRecord struct {
	Owner      common.Address `json:"owner"`
	Operator   common.Address `json:"operator"`
	Authorized bool           `json:"authorized"`
}

// NonceRecord is an account's next signature nonce.
type NonceRecord struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

// Changeset lists records by their current values. Drain fills it with what
// committed calls touched; Restore loads a complete one into a fresh engine.
type Changeset struct {
	Settings       *Settings
	Thresholds     []uint256.Int
	RateModels     []common.Address
	Markets        []model.Market
	Positions      []PositionRecord
	Authorizations []AuthorizationRecord
	Nonces         []NonceRecord
	Events         []model.Event
}

// IsEmpty reports whether nothing changed.
func (c *Changeset) IsEmpty() bool {
	return c.Settings == nil && len(c.Thresholds) == 0 && len(c.RateModels) == 0 &&
		len(c.Markets) == 0 && len(c.Positions) == 0 && len(c.Authorizations) == 0 &&
		len(c.Nonces) == 0 && len(c.Events) == 0
}

// Drain returns every record touched since the previous drain, with the
// events emitted by committed calls, and resets the tracking. It must not be
// called while a call is in progress.
func (e *Engine) Drain() Changeset {
	s := e.st
	var c Changeset
	if s.dirtySettings {
		c.Settings = &Settings{Owner: s.owner, FeeRecipient: s.feeRecipient}
	}
	// Enable order is kept so a restore lists them the same way.
	for _, v := range s.thresholds.Members() {
		if _, ok := s.dirtyThresholds[v]; ok {
			c.Thresholds = append(c.Thresholds, v)
		}
	}
	for _, a := range s.rateModels.Members() {
		if _, ok := s.dirtyRateModels[a]; ok {
			c.RateModels = append(c.RateModels, a)
		}
	}
	for _, id := range s.order {
		if _, ok := s.dirtyMarkets[id]; ok {
			c.Markets = append(c.Markets, s.markets[id])
		}
	}
	for key := range s.dirtyPositions {
		if _, ok := s.markets[key.Market]; !ok {
			continue
		}
		c.Positions = append(c.Positions, PositionRecord{Key: key, Position: s.positions[key]})
	}
	sort.Slice(c.Positions, func(i, j int) bool {
		a, b := c.Positions[i].Key, c.Positions[j].Key
		if a.Market != b.Market {
			return bytes.Compare(a.Market[:], b.Market[:]) < 0
		}
		return bytes.Compare(a.Account[:], b.Account[:]) < 0
	})
	for key := range s.dirtyAuth {
		c.Authorizations = append(c.Authorizations, AuthorizationRecord{
			Owner: key.owner, Operator: key.operator, Authorized: s.authorized[key],
		})
	}
	for a := range s.dirtyNonces {
		c.Nonces = append(c.Nonces, NonceRecord{Account: a, Nonce: s.nonces[a]})
	}
	c.Events = s.events
	s.events = nil
	s.resetDirty()
	return c
}

// Restore loads persisted state into an engine that has not served any call
// yet. Events in the changeset are ignored. Nothing is journaled or marked
// dirty.
func (e *Engine) Restore(c Changeset) {
	s := e.st
	if c.Settings != nil {
		s.owner = c.Settings.Owner
		s.feeRecipient = c.Settings.FeeRecipient
	}
	for _, v := range c.Thresholds {
		s.thresholds.Add(v)
	}
	for _, a := range c.RateModels {
		s.rateModels.Add(a)
	}
	for _, m := range c.Markets {
		if _, ok := s.markets[m.ID]; !ok {
			s.order = append(s.order, m.ID)
		}
		s.markets[m.ID] = m
	}
	for _, p := range c.Positions {
		if p.Position.IsZero() {
			delete(s.positions, p.Key)
			continue
		}
		s.positions[p.Key] = p.Position
	}
	for _, a := range c.Authorizations {
		key := authKey{a.Owner, a.Operator}
		if a.Authorized {
			s.authorized[key] = true
		} else {
			delete(s.authorized, key)
		}
	}
	for _, n := range c.Nonces {
		s.nonces[n.Account] = n.Nonce
	}
}

// Requeue marks the records in c dirty again and puts its events back in
// front of any emitted since, so the next Drain returns them. Used when a
// drained changeset could not be persisted.
func (e *Engine) Requeue(c Changeset) {
	s := e.st
	if c.Settings != nil {
		s.dirtySettings = true
	}
	for _, v := range c.Thresholds {
		s.dirtyThresholds[v] = struct{}{}
	}
	for _, a := range c.RateModels {
		s.dirtyRateModels[a] = struct{}{}
	}
	for _, m := range c.Markets {
		s.dirtyMarkets[m.ID] = struct{}{}
	}
	for _, p := range c.Positions {
		s.dirtyPositions[p.Key] = struct{}{}
	}
	for _, a := range c.Authorizations {
		s.dirtyAuth[authKey{a.Owner, a.Operator}] = struct{}{}
	}
	for _, n := range c.Nonces {
		s.dirtyNonces[n.Account] = struct{}{}
	}
	s.events = append(append([]model.Event(nil), c.Events...), s.events...)
}
