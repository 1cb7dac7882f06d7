// Package host resolves the collaborators a market names by address. Market
// parameters only ever store addresses; the implementation bound at an
// address is looked up again on every use.
package host

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotBound is returned when nothing is bound at an address.
	ErrNotBound = errors.New("host: no capability bound at address")

	// ErrWrongCapability is returned when the bound value does not implement
	// the requested interface.
	ErrWrongCapability = errors.New("host: capability does not implement interface")
)

// Directory maps addresses to the tokens, oracles, rate models and callback
// targets living there.
type Directory struct {
	mu    sync.RWMutex
	bound map[common.Address]any
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{bound: make(map[common.Address]any)}
}

// Bind places impl at addr, replacing whatever was there.
func (d *Directory) Bind(addr common.Address, impl any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound[addr] = impl
}

// Unbind removes the capability at addr.
func (d *Directory) Unbind(addr common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bound, addr)
}

// Lookup returns the raw value bound at addr.
func (d *Directory) Lookup(addr common.Address) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.bound[addr]
	return v, ok
}

// Resolve returns the value bound at addr as a T.
func Resolve[T any](d *Directory, addr common.Address) (T, error) {
	var zero T
	v, ok := d.Lookup(addr)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotBound, addr.Hex())
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrWrongCapability, addr.Hex(), v)
	}
	return t, nil
}

// Implements reports whether the value at addr is a T. Unbound addresses do
// not implement anything.
func Implements[T any](d *Directory, addr common.Address) bool {
	v, ok := d.Lookup(addr)
	if !ok {
		return false
	}
	_, ok = v.(T)
	return ok
}

// Clock supplies the current block-style timestamp in seconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock returns a clock stopped at now.
func NewManualClock(now uint64) *ManualClock {
	return &ManualClock{now: now}
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Set moves the clock to t. Moving backwards is allowed; the engine never
// lets a market's last update decrease.
func (c *ManualClock) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
