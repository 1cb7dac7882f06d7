// Package fixedpoint implements the 256-bit fixed-point arithmetic used by the
// lending engine. Every multiply-divide exists in a rounding-down and a
// rounding-up variant so callers state explicitly which side of a conversion
// absorbs the remainder.
//
// Arithmetic faults (overflow, underflow, division by zero) panic with an
// *Error. The engine recovers these at its public boundary and turns them into
// ordinary error returns, which keeps the accounting code free of error
// plumbing for conditions that only adversarial inputs can reach.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is raised when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: overflow")

	// ErrUnderflow is raised when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixedpoint: underflow")

	// ErrDivisionByZero is raised when a divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

// WAD is 1e18, the unit of every fraction handled by the engine.
var WAD = uint256.NewInt(1e18)

// Error is the panic value carried by arithmetic faults.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func fault(op string, err error) {
	panic(&Error{Op: op, Err: err})
}

// New returns a fresh integer holding v.
func New(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Zero returns a fresh zero integer.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Max returns the largest representable value.
func Max() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// Clone returns a copy of x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// Add returns x + y.
func Add(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		fault("add", ErrOverflow)
	}
	return z
}

// Sub returns x - y.
func Sub(x, y *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		fault("sub", ErrUnderflow)
	}
	return z
}

// ZeroFloorSub returns max(x - y, 0).
func ZeroFloorSub(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return Clone(x)
	}
	return Clone(y)
}

// MulDivDown returns x * y / d rounded down, using a 512-bit intermediate.
func MulDivDown(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		fault("mulDivDown", ErrDivisionByZero)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		fault("mulDivDown", ErrOverflow)
	}
	return z
}

// MulDivUp returns x * y / d rounded up.
func MulDivUp(x, y, d *uint256.Int) *uint256.Int {
	z := MulDivDown(x, y, d)
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		z = Add(z, uint256.NewInt(1))
	}
	return z
}

// WMulDown returns x * y / WAD rounded down.
func WMulDown(x, y *uint256.Int) *uint256.Int {
	return MulDivDown(x, y, WAD)
}

// WMulUp returns x * y / WAD rounded up.
func WMulUp(x, y *uint256.Int) *uint256.Int {
	return MulDivUp(x, y, WAD)
}

// WDivDown returns x * WAD / y rounded down.
func WDivDown(x, y *uint256.Int) *uint256.Int {
	return MulDivDown(x, WAD, y)
}

// WDivUp returns x * WAD / y rounded up.
func WDivUp(x, y *uint256.Int) *uint256.Int {
	return MulDivUp(x, WAD, y)
}

// WTaylorCompounded approximates e^(x*n) - 1 with the first three terms of
// its Taylor expansion, where x is a per-second WAD rate and n a number of
// seconds. The approximation undershoots, never overshoots, the true value.
func WTaylorCompounded(x *uint256.Int, n uint64) *uint256.Int {
	firstTerm := mul(x, uint256.NewInt(n))
	secondTerm := MulDivDown(firstTerm, firstTerm, mul(uint256.NewInt(2), WAD))
	thirdTerm := MulDivDown(secondTerm, firstTerm, mul(uint256.NewInt(3), WAD))
	return Add(Add(firstTerm, secondTerm), thirdTerm)
}

func mul(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		fault("mul", ErrOverflow)
	}
	return z
}
