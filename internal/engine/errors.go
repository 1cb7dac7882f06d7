package engine

import (
	"errors"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

// Validation errors.
var (
	ErrNotEnabled        = errors.New("engine: threshold or rate model not enabled")
	ErrMarketExists      = errors.New("engine: market already created")
	ErrMarketNotCreated  = errors.New("engine: market not created")
	ErrInvalidThreshold  = errors.New("engine: liquidation threshold out of range")
	ErrAlreadySet        = errors.New("engine: value already set")
	ErrInconsistentInput = errors.New("engine: exactly one of assets and shares must be non-zero")
	ErrZeroAssets        = errors.New("engine: zero assets")
	ErrZeroAddress       = errors.New("engine: zero address")
	ErrMaxFeeExceeded    = errors.New("engine: fee exceeds maximum")
	ErrSignatureExpired  = errors.New("engine: signature expired")
	ErrInvalidNonce      = errors.New("engine: invalid nonce")
	ErrInvalidSignature  = errors.New("engine: invalid signature")

	// ErrUnderflow surfaces when an amount exceeds what a position holds,
	// such as repaying more shares than were borrowed.
	ErrUnderflow = fixedpoint.ErrUnderflow
)

// ErrUnauthorized is returned when the caller may not act for the account.
var ErrUnauthorized = errors.New("engine: unauthorized")

// Solvency errors.
var (
	ErrInsufficientLiquidity  = errors.New("engine: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")
	ErrHealthyPosition        = errors.New("engine: position is healthy")
)

// Collaborator errors. The underlying failure is wrapped alongside.
var (
	ErrTransferFailed = errors.New("engine: token transfer failed")
	ErrOracle         = errors.New("engine: oracle failure")
	ErrRateModel      = errors.New("engine: rate model failure")
	ErrCallback       = errors.New("engine: callback failed")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassNotFound
	ClassAuthorization
	ClassSolvency
	ClassCollaborator
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassNotFound:
		return "not_found"
	case ClassAuthorization:
		return "authorization"
	case ClassSolvency:
		return "solvency"
	case ClassCollaborator:
		return "collaborator"
	default:
		return "internal"
	}
}

// Classify reports the class of an error returned by the engine. Collaborator
// errors take precedence, so a callback that failed with a solvency error is
// still reported as a collaborator failure.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrCallback), errors.Is(err, ErrTransferFailed),
		errors.Is(err, ErrOracle), errors.Is(err, ErrRateModel):
		return ClassCollaborator
	case errors.Is(err, ErrMarketNotCreated):
		return ClassNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSignatureExpired),
		errors.Is(err, ErrInvalidNonce), errors.Is(err, ErrInvalidSignature):
		return ClassAuthorization
	case errors.Is(err, ErrInsufficientLiquidity), errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrHealthyPosition):
		return ClassSolvency
	case errors.Is(err, ErrNotEnabled), errors.Is(err, ErrMarketExists),
		errors.Is(err, ErrInvalidThreshold), errors.Is(err, ErrAlreadySet),
		errors.Is(err, ErrInconsistentInput), errors.Is(err, ErrZeroAssets),
		errors.Is(err, ErrZeroAddress), errors.Is(err, ErrMaxFeeExceeded),
		errors.Is(err, fixedpoint.ErrUnderflow), errors.Is(err, fixedpoint.ErrOverflow):
		return ClassValidation
	default:
		return ClassInternal
	}
}
