// Package coordinator is the single entry point for auction callers. It
// sequences the registry, bid ledger and settlement engine, encrypts bids
// for callers that do not encrypt themselves, and drives reveals from the
// timelock network into the bid ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/clock"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// Network is the timelock key-release network. *timelock.Network implements it.
type Network interface {
	PublicKey() []byte
	EstimateFee(gasLimit uint64) amount.Amount
	RequestDecryption(ctx context.Context, height uint64) (*timelock.Subscription, error)
	KeyFor(height uint64) ([]byte, error)
}

// Config tunes the coordinator.
type Config struct {
	CallbackGasLimit uint64        // CallbackGasLimit is the gas budgeted for each reveal callback
	MaxStaleness     uint64        // MaxStaleness is how many blocks a cached auction may lag
	CacheLifetime    time.Duration // CacheLifetime bounds how long a cached auction is kept at all
	RevealWorkers    int           // RevealWorkers bounds concurrent reveal transactions
	RevealAttempts   int           // RevealAttempts bounds retries of a rejected reveal
	RetryBackoff     time.Duration // RetryBackoff is the first delay before a failed reveal is queued again
	AutoFinalize     bool          // AutoFinalize finalizes auctions once every bid is revealed
	DedupTTL         time.Duration // DedupTTL is how long handled reveal messages are remembered
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CallbackGasLimit: timelock.DefaultCallbackGasLimit,
		MaxStaleness:     1,
		CacheLifetime:    time.Minute,
		RevealWorkers:    4,
		RevealAttempts:   8,
		RetryBackoff:     500 * time.Millisecond,
		AutoFinalize:     false,
		DedupTTL:         defaultDedupTTL,
	}
}

// Coordinator implements the caller-facing auction operations.
type Coordinator struct {
	cfg        Config
	ledger     auction.Ledger
	clock      *clock.BlockClock
	network    Network
	codec      *timelock.Codec
	registry   *auction.Registry
	bids       *auction.BidLedger
	settlement *auction.Settlement
	cache      *viewCache
	metrics    *Metrics
	reveals    *revealer

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a coordinator over ledger. Metrics are registered with reg.
func New(cfg Config, ledger auction.Ledger, blocks *clock.BlockClock, network Network, reg prometheus.Registerer) (*Coordinator, error) {
	codec, err := timelock.NewCodec(network.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("create codec:\n%w", err)
	}

	defaults := DefaultConfig()
	if cfg.CacheLifetime <= 0 {
		cfg.CacheLifetime = defaults.CacheLifetime
	}
	if cfg.RevealWorkers <= 0 {
		cfg.RevealWorkers = defaults.RevealWorkers
	}
	if cfg.RevealAttempts <= 0 {
		cfg.RevealAttempts = defaults.RevealAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	cache, err := newViewCache(cfg.CacheLifetime, cfg.MaxStaleness)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		ledger:     ledger,
		clock:      blocks,
		network:    network,
		codec:      codec,
		registry:   auction.NewRegistry(ledger),
		bids:       auction.NewBidLedger(ledger, codec),
		settlement: auction.NewSettlement(ledger),
		cache:      cache,
		metrics:    NewMetrics(reg),
	}

	c.reveals = newRevealer(c)

	return c, nil
}

// Start runs the reveal pipeline until Stop. Auctions with bids still
// sealed are picked up again, so a restart does not lose reveals.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error

	c.startOnce.Do(func() {
		c.reveals.start(ctx)
		err = c.reveals.resume()
	})

	return err
}

// Stop shuts down the reveal pipeline and releases the cache.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.reveals.stop()

		if err := c.cache.close(); err != nil {
			logger.Warn("failed to close view cache", "error", err)
		}
	})
}

// Codec returns the codec bids are encrypted with.
func (c *Coordinator) Codec() *timelock.Codec {
	return c.codec
}

// Status reports the chain height and network parameters.
func (c *Coordinator) Status() Status {
	return Status{
		Height:    c.clock.CurrentHeight(),
		BlockTime: c.clock.BlockTime(),
		PublicKey: c.codec.PublicKey(),
		BidFee:    c.network.EstimateFee(c.cfg.CallbackGasLimit),
	}
}

// CreateAuction opens an auction owned by caller that accepts bids until
// endHeight.
func (c *Coordinator) CreateAuction(ctx context.Context, caller string, endHeight uint64) (*AuctionView, error) {
	a, err := c.registry.Create(ctx, caller, endHeight)
	if err != nil {
		return nil, c.metrics.observe("create", err)
	}

	c.metrics.AuctionsCreated.Inc()

	height := c.ledger.CurrentHeight()

	return c.auctionView(a, height, height), nil
}

// CreateAuctionAt opens an auction whose bidding ends at the first block
// expected at or after endTime.
func (c *Coordinator) CreateAuctionAt(ctx context.Context, caller string, endTime time.Time) (*AuctionView, error) {
	endHeight, err := c.clock.HeightAt(endTime)
	if err != nil {
		return nil, c.metrics.observe("create", auction.Wrap(auction.ErrInvalidSchedule, err))
	}

	return c.CreateAuction(ctx, caller, endHeight)
}

// PlaceSealedBid encrypts amt to the auction end height and places it
// with amt as escrow. The network fee must fit in feeBudget.
func (c *Coordinator) PlaceSealedBid(ctx context.Context, caller string, auctionID uint64, amt, feeBudget amount.Amount) (*BidView, error) {
	fee, err := c.checkFee(feeBudget)
	if err != nil {
		return nil, c.metrics.observe("bid", err)
	}

	a, err := c.registry.Get(auctionID)
	if err != nil {
		return nil, c.metrics.observe("bid", err)
	}

	height := c.ledger.CurrentHeight()
	if phase := a.Phase(height); phase != auction.StateBidding {
		return nil, c.metrics.observe("bid", auction.Wrap(auction.ErrAuctionNotBidding, fmt.Errorf("auction %d is %s", a.ID, phase)))
	}

	ciphertext, err := c.codec.Encrypt(auction.SealAmount(amt), a.BiddingEndHeight, height)
	if err != nil {
		return nil, c.metrics.observe("bid", auction.Wrap(auction.ErrInvalidCondition, err))
	}

	return c.place(ctx, auction.BidRequest{
		AuctionID:       auctionID,
		Bidder:          caller,
		Ciphertext:      ciphertext,
		ConditionHeight: a.BiddingEndHeight,
		Escrow:          amt,
		Fee:             fee,
	})
}

// PlaceCiphertextBid places a bid the caller encrypted. The ciphertext
// must be bound to the auction end height.
func (c *Coordinator) PlaceCiphertextBid(ctx context.Context, caller string, auctionID uint64, ciphertext []byte, escrow, feeBudget amount.Amount) (*BidView, error) {
	fee, err := c.checkFee(feeBudget)
	if err != nil {
		return nil, c.metrics.observe("bid", err)
	}

	bound, err := c.codec.ConditionHeight(ciphertext)
	if err != nil {
		return nil, c.metrics.observe("bid", auction.Wrap(auction.ErrConditionMismatch, err))
	}

	return c.place(ctx, auction.BidRequest{
		AuctionID:       auctionID,
		Bidder:          caller,
		Ciphertext:      ciphertext,
		ConditionHeight: bound,
		Escrow:          escrow,
		Fee:             fee,
	})
}

// place appends a bid and makes sure its auction is watched for the key.
func (c *Coordinator) place(ctx context.Context, req auction.BidRequest) (*BidView, error) {
	bid, err := c.bids.PlaceBid(ctx, req)
	if err != nil {
		return nil, c.metrics.observe("bid", err)
	}

	c.metrics.BidsPlaced.Inc()
	c.cache.invalidate(req.AuctionID)
	c.reveals.watch(req.AuctionID, bid.ConditionHeight)

	return bidView(bid), nil
}

// checkFee estimates the network fee and checks it against budget.
func (c *Coordinator) checkFee(budget amount.Amount) (amount.Amount, error) {
	fee := c.network.EstimateFee(c.cfg.CallbackGasLimit)
	if fee > budget {
		return 0, auction.Wrap(auction.ErrFeeBudgetExceeded, fmt.Errorf("fee %s exceeds budget %s", fee, budget))
	}

	return fee, nil
}

// FinalizeAuction ends the auction and settles it.
func (c *Coordinator) FinalizeAuction(ctx context.Context, caller string, auctionID uint64) (*AuctionView, error) {
	a, out, err := c.registry.Finalize(ctx, caller, auctionID)
	if err != nil {
		return nil, c.metrics.observe("finalize", err)
	}

	c.metrics.AuctionsFinalized.WithLabelValues(fmt.Sprint(out.Winner != nil)).Inc()
	c.cache.invalidate(auctionID)

	height := c.ledger.CurrentHeight()

	return c.auctionView(a, height, height), nil
}

// FulfillHighestBid pays the winning price on behalf of caller.
func (c *Coordinator) FulfillHighestBid(ctx context.Context, caller string, auctionID uint64, payment amount.Amount) (*AuctionView, error) {
	a, err := c.settlement.FulfillHighestBid(ctx, auctionID, caller, payment)
	if err != nil {
		return nil, c.metrics.observe("fulfill", err)
	}

	c.metrics.Payments.Inc()
	c.cache.invalidate(auctionID)

	height := c.ledger.CurrentHeight()

	return c.auctionView(a, height, height), nil
}

// WithdrawRefund pays caller's refund obligation and returns the amount.
func (c *Coordinator) WithdrawRefund(ctx context.Context, caller string, auctionID uint64) (amount.Amount, error) {
	paid, err := c.settlement.WithdrawRefund(ctx, auctionID, caller)
	if err != nil {
		return 0, c.metrics.observe("withdraw", err)
	}

	c.metrics.RefundsWithdrawn.Inc()

	return paid, nil
}

// GetAuction returns an auction, possibly from a snapshot at most
// MaxStaleness blocks old.
func (c *Coordinator) GetAuction(_ context.Context, auctionID uint64) (*AuctionView, error) {
	height := c.ledger.CurrentHeight()

	if entry, ok := c.cache.get(auctionID, height); ok {
		c.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return c.auctionView(&entry.Auction, entry.Height, height), nil
	}

	c.metrics.CacheLookups.WithLabelValues("miss").Inc()

	a, err := c.registry.Get(auctionID)
	if err != nil {
		return nil, c.metrics.observe("get", err)
	}

	c.cache.put(a, height)

	return c.auctionView(a, height, height), nil
}

// ListAuctions returns the auctions matching f.
func (c *Coordinator) ListAuctions(_ context.Context, f auction.Filter) ([]*AuctionView, error) {
	height := c.ledger.CurrentHeight()

	list, err := c.registry.List(f)
	if err != nil {
		return nil, c.metrics.observe("list", err)
	}

	views := make([]*AuctionView, 0, len(list))
	for _, a := range list {
		views = append(views, c.auctionView(a, height, height))
	}

	return views, nil
}

// Bids returns every bid of an auction in submission order.
func (c *Coordinator) Bids(_ context.Context, auctionID uint64) ([]*BidView, error) {
	if _, err := c.registry.Get(auctionID); err != nil {
		return nil, c.metrics.observe("bids", err)
	}

	bids, err := c.bids.Bids(auctionID)
	if err != nil {
		return nil, c.metrics.observe("bids", err)
	}

	views := make([]*BidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, bidView(b))
	}

	return views, nil
}

// Refund returns what the auction owes bidder.
func (c *Coordinator) Refund(_ context.Context, auctionID uint64, bidder string) (*RefundView, error) {
	o, err := c.settlement.Refund(auctionID, bidder)
	if err != nil {
		return nil, c.metrics.observe("refund", err)
	}

	v := &RefundView{AuctionID: auctionID, Bidder: chain.NormalizeIdentity(bidder)}
	if o != nil {
		v.Amount = o.Amount
		v.Withdrawn = o.Withdrawn
		v.HasBid = true
	}

	return v, nil
}

// Balance returns the ledger balance of identity.
func (c *Coordinator) Balance(_ context.Context, identity string) (amount.Amount, error) {
	rec, found, err := c.ledger.Get(chain.AccountKey(identity))
	if err != nil {
		return 0, err
	}

	acct, err := chain.DecodeAccount(rec, found)
	if err != nil {
		return 0, err
	}

	return acct.Balance, nil
}

// Reveal applies the released key to every sealed bid of an auction
// right away and returns how many bids it moved out of Sealed. It is the
// manual path for when the pipeline is not running.
func (c *Coordinator) Reveal(ctx context.Context, auctionID uint64) (int, error) {
	a, err := c.registry.Get(auctionID)
	if err != nil {
		return 0, c.metrics.observe("reveal", err)
	}

	key, err := c.network.KeyFor(a.BiddingEndHeight)
	if errors.Is(err, timelock.ErrNotReleased) {
		return 0, c.metrics.observe("reveal", auction.Wrap(auction.ErrBiddingStillOpen, err))
	}
	if err != nil {
		return 0, c.metrics.observe("reveal", err)
	}

	pending, err := c.bids.Pending(auctionID)
	if err != nil {
		return 0, c.metrics.observe("reveal", err)
	}

	applied := 0
	for _, bidID := range pending {
		done, err := c.reveals.apply(ctx, revealMessage{AuctionID: auctionID, BidID: bidID, Key: key})
		if err != nil {
			return applied, c.metrics.observe("reveal", err)
		}
		if done {
			applied++
		}
	}

	c.cache.invalidate(auctionID)

	return applied, nil
}
