package auction

import (
	"errors"
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
)

func TestDetailedErrorsMatchSentinels(t *testing.T) {
	err := errorf(ErrDuplicateBidder, "bidder %s", "alice")

	check.True(t, errors.Is(err, ErrDuplicateBidder))
	check.False(t, errors.Is(err, ErrNoRefundDue))
	check.Equal(t, "DuplicateBidder: bidder alice", err.Error())
	check.Equal(t, KindIdempotency, KindOf(err))
	check.Equal(t, "DuplicateBidder", CodeOf(err))

	wrapped := fmt.Errorf("place bid:\n%w", err)
	check.True(t, errors.Is(wrapped, ErrDuplicateBidder))
	check.Equal(t, KindIdempotency, KindOf(wrapped))
}

func TestAlreadyWithdrawnIsNoRefundDue(t *testing.T) {
	err := errorf(ErrAlreadyWithdrawn, "again")

	check.True(t, errors.Is(err, ErrAlreadyWithdrawn))
	check.True(t, errors.Is(err, ErrNoRefundDue))
	check.False(t, errors.Is(errorf(ErrNoRefundDue, "never bid"), ErrAlreadyWithdrawn))
}

func TestWrapKeepsBothErrors(t *testing.T) {
	cause := errors.New("short ciphertext")
	err := Wrap(ErrConditionMismatch, cause)

	check.True(t, errors.Is(err, ErrConditionMismatch))
	check.True(t, errors.Is(err, cause))
	check.Equal(t, KindValidation, KindOf(err))
}

func TestLedgerRejectionsAreExternal(t *testing.T) {
	err := fmt.Errorf("submit finalize:\n%w", fmt.Errorf("%w: version conflict", chain.ErrRejected))

	check.True(t, errors.Is(err, ErrRejected))
	check.Equal(t, KindExternal, KindOf(err))
	check.Equal(t, "Rejected", CodeOf(err))
	check.Equal(t, "", CodeOf(errors.New("boom")))
}
