package auction

import (
	"errors"
	"fmt"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
)

// Kind groups errors by how a caller should react to them.
type Kind uint8

const (
	// KindValidation means the input was wrong; nothing was written.
	KindValidation Kind = iota + 1
	// KindSequencing means the operation came too early or too late.
	KindSequencing
	// KindAuthorization means the caller may not perform the operation.
	KindAuthorization
	// KindIdempotency means the operation already happened.
	KindIdempotency
	// KindNotFound means the auction, bid or obligation does not exist.
	KindNotFound
	// KindExternal means the ledger or timelock network failed; retry
	// after re-reading state.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSequencing:
		return "sequencing"
	case KindAuthorization:
		return "authorization"
	case KindIdempotency:
		return "idempotency"
	case KindNotFound:
		return "not_found"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Error is a typed auction error. Errors match by Code under errors.Is,
// so a detailed error still matches its sentinel.
type Error struct {
	Kind   Kind   // Kind is the error class
	Code   string // Code is the stable error name
	Detail string // Detail describes this occurrence
	also   *Error // also is a broader sentinel this error matches
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}

	return e.Code + ": " + e.Detail
}

// Is matches sentinels by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e.Code == t.Code {
		return true
	}

	return e.also != nil && e.also.Code == t.Code
}

// newError declares a sentinel.
func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// errorf returns base with a formatted detail.
func errorf(base *Error, format string, args ...any) error {
	e := *base
	e.Detail = fmt.Sprintf(format, args...)

	return &e
}

// Wrap attaches cause to base, keeping both matchable with errors.Is.
func Wrap(base *Error, cause error) error {
	return fmt.Errorf("%w: %w", base, cause)
}

// Validation errors.
var (
	ErrInvalidSchedule     = newError(KindValidation, "InvalidSchedule")
	ErrInvalidCondition    = newError(KindValidation, "InvalidCondition")
	ErrConditionMismatch   = newError(KindValidation, "ConditionMismatch")
	ErrInvalidIdentity     = newError(KindValidation, "InvalidIdentity")
	ErrInvalidPlaintext    = newError(KindValidation, "InvalidPlaintext")
	ErrInsufficientFunds   = newError(KindValidation, "InsufficientFunds")
	ErrFeeBudgetExceeded   = newError(KindValidation, "FeeBudgetExceeded")
	ErrInsufficientPayment = newError(KindValidation, "InsufficientPayment")
)

// Sequencing errors.
var (
	ErrAuctionNotBidding = newError(KindSequencing, "AuctionNotBidding")
	ErrBiddingStillOpen  = newError(KindSequencing, "BiddingStillOpen")
	ErrRevealIncomplete  = newError(KindSequencing, "RevealIncomplete")
	ErrNotSealed         = newError(KindSequencing, "NotSealed")
	ErrAlreadyRevealed   = newError(KindSequencing, "AlreadyRevealed")
	ErrNotFinalized      = newError(KindSequencing, "NotFinalized")
)

// Authorization errors.
var (
	ErrNotWinner = newError(KindAuthorization, "NotWinner")
)

// Idempotency errors.
var (
	ErrAlreadyFinalized = newError(KindIdempotency, "AlreadyFinalized")
	ErrAlreadyPaid      = newError(KindIdempotency, "AlreadyPaid")
	ErrDuplicateBidder  = newError(KindIdempotency, "DuplicateBidder")
	ErrNoRefundDue      = newError(KindIdempotency, "NoRefundDue")

	// ErrAlreadyWithdrawn also matches ErrNoRefundDue: after a withdrawal
	// nothing is due either.
	ErrAlreadyWithdrawn = &Error{Kind: KindIdempotency, Code: "AlreadyWithdrawn", also: ErrNoRefundDue}
)

// Not-found errors.
var (
	ErrAuctionNotFound = newError(KindNotFound, "AuctionNotFound")
	ErrBidNotFound     = newError(KindNotFound, "BidNotFound")
)

// ErrRejected is the ledger's retryable conflict error.
var ErrRejected = chain.ErrRejected

// KindOf classifies err. Ledger rejections and other untyped failures
// are KindExternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindExternal
}

// CodeOf returns the code of a typed error, or "" for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	if errors.Is(err, chain.ErrRejected) {
		return "Rejected"
	}

	return ""
}
