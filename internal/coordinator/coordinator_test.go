package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/clock"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/storage"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// harness runs a coordinator over a real ledger and timelock network.
type harness struct {
	t       *testing.T
	ctx     context.Context
	ledger  *chain.Chain
	network *timelock.Network
	coord   *Coordinator
}

// newHarness funds every identity in funded with 100. The reveal
// pipeline is not started.
func newHarness(t *testing.T, cfg Config, funded ...string) *harness {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	assert.NoError(t, err)

	ledger, err := chain.Open(db)
	assert.NoError(t, err)

	t.Cleanup(func() {
		ledger.Close()
		db.Close()
	})

	alloc := make(map[string]amount.Amount, len(funded))
	for _, id := range funded {
		alloc[id] = amount.Whole(100)
	}

	if len(alloc) > 0 {
		_, err = ledger.ApplyGenesis(context.Background(), alloc)
		assert.NoError(t, err)
	}

	seed := make([]byte, timelock.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 7)
	}

	committee, err := timelock.NewCommittee(seed, 3)
	assert.NoError(t, err)

	network := timelock.NewNetwork(committee, ledger, timelock.DefaultFeeParams())

	netCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		network.Run(netCtx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	coord, err := New(cfg, ledger, clock.New(ledger, time.Second), network, prometheus.NewRegistry())
	assert.NoError(t, err)

	t.Cleanup(coord.Stop)

	return &harness{
		t:       t,
		ctx:     context.Background(),
		ledger:  ledger,
		network: network,
		coord:   coord,
	}
}

// advance produces n blocks.
func (h *harness) advance(n uint64) {
	h.t.Helper()

	_, err := h.ledger.Advance(h.ctx, n)
	assert.NoError(h.t, err)
}

// create opens an auction owned by "owner" that closes blocks from now.
func (h *harness) create(blocks uint64) *AuctionView {
	h.t.Helper()

	v, err := h.coord.CreateAuction(h.ctx, "owner", h.ledger.CurrentHeight()+blocks)
	assert.NoError(h.t, err)

	return v
}

// bid places a sealed bid of amt with a generous fee budget.
func (h *harness) bid(auctionID uint64, bidder string, amt amount.Amount) *BidView {
	h.t.Helper()

	v, err := h.coord.PlaceSealedBid(h.ctx, bidder, auctionID, amt, amount.Whole(1))
	assert.NoError(h.t, err)

	return v
}

func (h *harness) balance(id string) amount.Amount {
	h.t.Helper()

	bal, err := h.coord.Balance(h.ctx, id)
	assert.NoError(h.t, err)

	return bal
}

// stored reads an auction from the ledger, bypassing the view cache.
func (h *harness) stored(id uint64) *auction.Auction {
	h.t.Helper()

	a, err := h.coord.registry.Get(id)
	assert.NoError(h.t, err)

	return a
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// flakyLedger rejects the first reveal transactions it is handed.
type flakyLedger struct {
	*chain.Chain
	rejects atomic.Int32
}

func (l *flakyLedger) Submit(ctx context.Context, tx *chain.Tx) (*chain.Receipt, error) {
	if tx.Kind == "reveal" && l.rejects.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: injected", chain.ErrRejected)
	}

	return l.Chain.Submit(ctx, tx)
}

func TestPipelineRetriesFailedReveal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoFinalize = true
	cfg.RevealAttempts = 1
	cfg.RetryBackoff = 10 * time.Millisecond

	h := newHarness(t, cfg, "alice")

	flaky := &flakyLedger{Chain: h.ledger}
	flaky.rejects.Store(2)

	coord, err := New(cfg, flaky, clock.New(h.ledger, time.Second), h.network, prometheus.NewRegistry())
	assert.NoError(t, err)
	t.Cleanup(coord.Stop)
	h.coord = coord

	assert.NoError(t, h.coord.Start(h.ctx))

	a := h.create(2)
	h.bid(a.ID, "alice", amount.Whole(4))
	h.advance(2)

	eventually(t, func() bool {
		return h.stored(a.ID).State == auction.StateEnded
	})

	ended := h.stored(a.ID)
	assert.True(t, ended.HasWinner())
	check.Equal(t, amount.Whole(4), ended.HighestBidAmount)
	check.Equal(t, 2.0, testutil.ToFloat64(h.coord.metrics.Reveals.WithLabelValues("retried")))
	check.Equal(t, 1.0, testutil.ToFloat64(h.coord.metrics.Reveals.WithLabelValues("revealed")))
}

func TestRetryDelay(t *testing.T) {
	base := 500 * time.Millisecond

	check.Equal(t, base, retryDelay(base, 0))
	check.Equal(t, 2*time.Second, retryDelay(base, 2))
	check.Equal(t, maxRetryBackoff, retryDelay(base, 10))
	check.Equal(t, maxRetryBackoff, retryDelay(base, 1000))
}

func TestPipelineRevealsAndFinalizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoFinalize = true

	h := newHarness(t, cfg, "alice", "bob")
	assert.NoError(t, h.coord.Start(h.ctx))

	a := h.create(3)
	h.bid(a.ID, "alice", amount.Whole(10))
	winning := h.bid(a.ID, "bob", amount.Whole(30))

	fee := h.network.EstimateFee(cfg.CallbackGasLimit)
	check.Equal(t, amount.Whole(90)-fee, h.balance("alice"))

	h.advance(3)

	eventually(t, func() bool {
		return h.stored(a.ID).State == auction.StateEnded
	})

	ended := h.stored(a.ID)
	assert.True(t, ended.HasWinner())
	check.Equal(t, winning.ID, *ended.HighestBidID)
	check.Equal(t, amount.Whole(30), ended.HighestBidAmount)

	bids, err := h.coord.Bids(h.ctx, a.ID)
	assert.NoError(t, err)
	for _, b := range bids {
		check.Equal(t, "revealed", b.Status)
		check.NotNil(t, b.Amount)
	}

	check.Equal(t, 2.0, testutil.ToFloat64(h.coord.metrics.Reveals.WithLabelValues("revealed")))
	check.Equal(t, 1.0, testutil.ToFloat64(h.coord.metrics.AuctionsFinalized.WithLabelValues("true")))

	// Escrow covers the whole price.
	_, err = h.coord.FulfillHighestBid(h.ctx, "bob", a.ID, 0)
	assert.NoError(t, err)
	check.Equal(t, amount.Whole(30), h.balance("owner"))

	refund, err := h.coord.WithdrawRefund(h.ctx, "alice", a.ID)
	assert.NoError(t, err)
	check.Equal(t, amount.Whole(10), refund)
	check.Equal(t, amount.Whole(100)-fee, h.balance("alice"))

	_, err = h.coord.WithdrawRefund(h.ctx, "bob", a.ID)
	check.True(t, errors.Is(err, auction.ErrNoRefundDue))
	check.Equal(t, amount.Whole(70)-fee, h.balance("bob"))
}

func TestPipelineResumesAfterRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoFinalize = true

	h := newHarness(t, cfg, "alice")

	// Bids placed while the pipeline is down are picked up by Start.
	a := h.create(2)
	h.bid(a.ID, "alice", amount.Whole(4))
	h.advance(2)

	check.Equal(t, auction.StateBidding, h.stored(a.ID).State)

	assert.NoError(t, h.coord.Start(h.ctx))

	eventually(t, func() bool {
		return h.stored(a.ID).State == auction.StateEnded
	})

	check.Equal(t, amount.Whole(4), h.stored(a.ID).HighestBidAmount)
}

func TestPipelineWithoutAutoFinalize(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice")
	assert.NoError(t, h.coord.Start(h.ctx))

	a := h.create(2)
	h.bid(a.ID, "alice", amount.Whole(4))
	h.advance(2)

	eventually(t, func() bool {
		pending, err := h.coord.bids.Pending(a.ID)
		return err == nil && len(pending) == 0
	})

	check.Equal(t, auction.StateBidding, h.stored(a.ID).State)

	v, err := h.coord.FinalizeAuction(h.ctx, "anyone", a.ID)
	assert.NoError(t, err)
	check.Equal(t, "ended", v.State)
}

func TestManualReveal(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice", "bob")

	a := h.create(2)
	h.bid(a.ID, "alice", amount.Whole(12))
	h.bid(a.ID, "bob", amount.Whole(8))

	_, err := h.coord.Reveal(h.ctx, a.ID)
	check.True(t, errors.Is(err, auction.ErrBiddingStillOpen))

	_, err = h.coord.FinalizeAuction(h.ctx, "alice", a.ID)
	check.True(t, errors.Is(err, auction.ErrBiddingStillOpen))

	h.advance(2)

	_, err = h.coord.FinalizeAuction(h.ctx, "alice", a.ID)
	check.True(t, errors.Is(err, auction.ErrRevealIncomplete))

	n, err := h.coord.Reveal(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 2, n)

	n, err = h.coord.Reveal(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 0, n)

	v, err := h.coord.FinalizeAuction(h.ctx, "alice", a.ID)
	assert.NoError(t, err)
	check.NotNil(t, v.HighestBidAmount)
	check.Equal(t, amount.Whole(12), *v.HighestBidAmount)

	_, err = h.coord.Reveal(h.ctx, 99)
	check.True(t, errors.Is(err, auction.ErrAuctionNotFound))
}

func TestFeeBudgetExceeded(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice")
	a := h.create(5)

	_, err := h.coord.PlaceSealedBid(h.ctx, "alice", a.ID, amount.Whole(1), 0)
	check.True(t, errors.Is(err, auction.ErrFeeBudgetExceeded))
	check.Equal(t, auction.KindValidation, auction.KindOf(err))

	check.Equal(t, amount.Whole(100), h.balance("alice"))
	check.Equal(t, 1.0, testutil.ToFloat64(h.coord.metrics.Errors.WithLabelValues("bid", "FeeBudgetExceeded")))
	check.Equal(t, 0.0, testutil.ToFloat64(h.coord.metrics.BidsPlaced))
}

func TestSealedBidAfterEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice")
	a := h.create(1)
	h.advance(1)

	_, err := h.coord.PlaceSealedBid(h.ctx, "alice", a.ID, amount.Whole(1), amount.Whole(1))
	check.True(t, errors.Is(err, auction.ErrAuctionNotBidding))

	_, err = h.coord.PlaceSealedBid(h.ctx, "alice", 42, amount.Whole(1), amount.Whole(1))
	check.True(t, errors.Is(err, auction.ErrAuctionNotFound))
}

func TestCiphertextBid(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice", "bob")
	a := h.create(5)
	height := h.ledger.CurrentHeight()

	wrong, err := h.coord.Codec().Encrypt(auction.SealAmount(amount.Whole(5)), a.BiddingEndHeight+1, height)
	assert.NoError(t, err)

	_, err = h.coord.PlaceCiphertextBid(h.ctx, "alice", a.ID, wrong, amount.Whole(5), amount.Whole(1))
	check.True(t, errors.Is(err, auction.ErrConditionMismatch))

	_, err = h.coord.PlaceCiphertextBid(h.ctx, "alice", a.ID, []byte("not a ciphertext"), amount.Whole(5), amount.Whole(1))
	check.True(t, errors.Is(err, auction.ErrConditionMismatch))

	right, err := h.coord.Codec().Encrypt(auction.SealAmount(amount.Whole(5)), a.BiddingEndHeight, height)
	assert.NoError(t, err)

	b, err := h.coord.PlaceCiphertextBid(h.ctx, "alice", a.ID, right, amount.Whole(5), amount.Whole(1))
	assert.NoError(t, err)
	check.Equal(t, "sealed", b.Status)
	check.True(t, b.Amount == nil)
	check.Equal(t, a.BiddingEndHeight, b.ConditionHeight)

	_, err = h.coord.PlaceCiphertextBid(h.ctx, "alice", a.ID, right, amount.Whole(5), amount.Whole(1))
	check.True(t, errors.Is(err, auction.ErrDuplicateBidder))
}

func TestGetAuctionBoundedStaleness(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice", "bob")
	a := h.create(10)
	first := h.ledger.CurrentHeight()

	v, err := h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, uint64(0), v.BidCount)

	// A write that skips the coordinator leaves the snapshot in place.
	ct, err := h.coord.Codec().Encrypt(auction.SealAmount(amount.Whole(3)), a.BiddingEndHeight, first)
	assert.NoError(t, err)

	_, err = h.coord.bids.PlaceBid(h.ctx, auction.BidRequest{
		AuctionID:       a.ID,
		Bidder:          "alice",
		Ciphertext:      ct,
		ConditionHeight: a.BiddingEndHeight,
		Escrow:          amount.Whole(3),
	})
	assert.NoError(t, err)

	v, err = h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, uint64(0), v.BidCount)
	check.Equal(t, first, v.ObservedHeight)

	h.advance(1)

	v, err = h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, uint64(0), v.BidCount)

	h.advance(1)

	v, err = h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, uint64(1), v.BidCount)
	check.Equal(t, first+2, v.ObservedHeight)

	// Writes through the coordinator invalidate right away.
	h.bid(a.ID, "bob", amount.Whole(2))

	v, err = h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, uint64(2), v.BidCount)

	check.Equal(t, 2.0, testutil.ToFloat64(h.coord.metrics.CacheLookups.WithLabelValues("hit")))
	check.Equal(t, 3.0, testutil.ToFloat64(h.coord.metrics.CacheLookups.WithLabelValues("miss")))
}

func TestGetAuctionDerivesPhase(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.create(2)
	check.Equal(t, "bidding", a.State)

	h.advance(2)

	v, err := h.coord.GetAuction(h.ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bidding_closed", v.State)

	_, err = h.coord.GetAuction(h.ctx, 77)
	check.True(t, errors.Is(err, auction.ErrAuctionNotFound))
	check.Equal(t, 1.0, testutil.ToFloat64(h.coord.metrics.Errors.WithLabelValues("get", "AuctionNotFound")))
}

func TestCreateAuctionAt(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.coord.CreateAuctionAt(h.ctx, "owner", time.Now().Add(-time.Minute))
	check.True(t, errors.Is(err, auction.ErrInvalidSchedule))
	check.True(t, errors.Is(err, clock.ErrPastTime))

	v, err := h.coord.CreateAuctionAt(h.ctx, "owner", time.Now().Add(10*time.Second))
	assert.NoError(t, err)
	check.True(t, v.BiddingEndHeight > h.ledger.CurrentHeight())
	check.True(t, v.EstimatedEnd.After(time.Now()))
}

func TestListAuctionsAndRefund(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "alice")
	open := h.create(5)
	closed := h.create(1)
	h.bid(open.ID, "alice", amount.Whole(6))
	h.advance(1)

	active, err := h.coord.ListAuctions(h.ctx, auction.Filter{Active: true})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(active))
	check.Equal(t, open.ID, active[0].ID)

	all, err := h.coord.ListAuctions(h.ctx, auction.Filter{})
	assert.NoError(t, err)
	check.Equal(t, 2, len(all))

	r, err := h.coord.Refund(h.ctx, open.ID, "alice")
	assert.NoError(t, err)
	check.True(t, r.HasBid)
	check.Equal(t, amount.Whole(6), r.Amount)

	r, err = h.coord.Refund(h.ctx, closed.ID, "alice")
	assert.NoError(t, err)
	check.False(t, r.HasBid)
	check.Equal(t, amount.Amount(0), r.Amount)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.advance(3)

	s := h.coord.Status()
	check.Equal(t, uint64(3), s.Height)
	check.Equal(t, time.Second, s.BlockTime)
	check.Equal(t, h.network.EstimateFee(timelock.DefaultCallbackGasLimit), s.BidFee)
	check.Equal(t, string(h.network.PublicKey()), string(s.PublicKey))
}
