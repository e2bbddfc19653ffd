package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// autoFinalizer is the caller recorded for automatic finalization.
const autoFinalizer = "auto-finalize"

// maxRetryBackoff caps the delay between attempts of a failed reveal.
const maxRetryBackoff = 30 * time.Second

// revealMessage asks for one sealed bid to be opened with a released key.
type revealMessage struct {
	AuctionID uint64
	BidID     uint64
	Key       []byte
	Retries   int // Retries counts failed attempts; not part of the dedup key
}

// encode returns the bytes the message is deduplicated on.
func (m revealMessage) encode() []byte {
	buf := make([]byte, 0, 16+len(m.Key))
	buf = binary.BigEndian.AppendUint64(buf, m.AuctionID)
	buf = binary.BigEndian.AppendUint64(buf, m.BidID)

	return append(buf, m.Key...)
}

// revealer turns released keys into reveal transactions. One watcher per
// auction waits for the key and emits a message per sealed bid; a bounded
// pool of workers applies them in whatever order they arrive.
type revealer struct {
	c        *Coordinator
	dedup    *Dedup
	messages chan revealMessage
	sem      chan struct{} // sem holds one token per busy worker

	mu       sync.Mutex
	watching map[uint64]bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

// newRevealer creates an idle pipeline for c.
func newRevealer(c *Coordinator) *revealer {
	return &revealer{
		c:        c,
		dedup:    NewDedup(c.cfg.DedupTTL),
		messages: make(chan revealMessage, 64),
		sem:      make(chan struct{}, c.cfg.RevealWorkers),
		watching: make(map[uint64]bool),
	}
}

// start launches the dispatcher.
func (r *revealer) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.dispatch()

	logger.Info("reveal pipeline started", "workers", cap(r.sem), "auto_finalize", r.c.cfg.AutoFinalize)
}

// stop cancels every watcher and worker and waits for them.
func (r *revealer) stop() {
	r.mu.Lock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.dedup.Close()
}

// resume watches every unfinished auction that has bids.
func (r *revealer) resume() error {
	auctions, err := r.c.registry.List(auction.Filter{})
	if err != nil {
		return err
	}

	for _, a := range auctions {
		if a.State == auction.StateEnded || a.BidCount == 0 {
			continue
		}

		r.watch(a.ID, a.BiddingEndHeight)
	}

	return nil
}

// watch waits for the key of height on behalf of an auction, once.
func (r *revealer) watch(auctionID, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil || r.stopped || r.watching[auctionID] {
		return
	}

	r.watching[auctionID] = true
	r.c.metrics.WatchedAuctions.Inc()

	r.wg.Add(1)
	go r.await(auctionID, height)
}

// await receives the key for an auction and queues its sealed bids.
func (r *revealer) await(auctionID, height uint64) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.watching, auctionID)
		r.mu.Unlock()
		r.c.metrics.WatchedAuctions.Dec()
	}()

	sub, err := r.c.network.RequestDecryption(r.ctx, height)
	if err != nil {
		logger.Warn("decryption request failed", "auction", auctionID, "height", height, "error", err)
		return
	}

	var released timelock.ReleasedKey

	select {
	case k, ok := <-sub.C:
		if !ok {
			return
		}
		released = k
	case <-r.ctx.Done():
		return
	}

	pending, err := r.c.bids.Pending(auctionID)
	if err != nil {
		logger.Error("failed to list sealed bids", "auction", auctionID, "error", err)
		return
	}

	logger.Debug("key released for auction", "auction", auctionID, "height", released.Height, "sealed", len(pending))

	if len(pending) == 0 {
		r.finalize(auctionID)
		return
	}

	for _, bidID := range pending {
		msg := revealMessage{AuctionID: auctionID, BidID: bidID, Key: released.Key}
		if !r.dedup.Check(msg.encode()) {
			continue
		}

		select {
		case r.messages <- msg:
		case <-r.ctx.Done():
			return
		}
	}
}

// dispatch hands each message to a worker, waiting for a free slot.
func (r *revealer) dispatch() {
	defer r.wg.Done()

	for {
		select {
		case msg := <-r.messages:
			select {
			case r.sem <- struct{}{}:
			case <-r.ctx.Done():
				return
			}

			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() { <-r.sem }()

				r.handle(msg)
			}()

		case <-r.ctx.Done():
			return
		}
	}
}

// handle applies one message. On failure the message is forgotten and
// queued again after a backoff, since the auction's watcher has already
// delivered its key and exited.
func (r *revealer) handle(msg revealMessage) {
	done, err := r.apply(r.ctx, msg)
	if err != nil {
		r.dedup.Forget(msg.encode())

		if r.ctx.Err() != nil {
			return
		}

		logger.Error("reveal not applied",
			"auction", msg.AuctionID,
			"bid", msg.BidID,
			"retries", msg.Retries,
			"error", err,
		)
		r.retry(msg)
		return
	}

	if done {
		r.finalize(msg.AuctionID)
	}
}

// retry queues msg again after a delay that doubles with each failure.
func (r *revealer) retry(msg revealMessage) {
	delay := retryDelay(r.c.cfg.RetryBackoff, msg.Retries)
	msg.Retries++

	r.mu.Lock()
	if r.stopped || r.ctx == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.c.metrics.Reveals.WithLabelValues("retried").Inc()

	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}

		// Another delivery of the same key may have claimed it meanwhile.
		if !r.dedup.Check(msg.encode()) {
			return
		}

		select {
		case r.messages <- msg:
		case <-r.ctx.Done():
		}
	}()
}

// retryDelay returns base * 2^retries, capped at maxRetryBackoff.
func retryDelay(base time.Duration, retries int) time.Duration {
	delay := base
	for i := 0; i < retries && delay < maxRetryBackoff; i++ {
		delay *= 2
	}

	return min(delay, maxRetryBackoff)
}

// apply opens one bid, retrying ledger conflicts with a fresh read. It
// reports false when the bid had already left Sealed.
func (r *revealer) apply(ctx context.Context, msg revealMessage) (bool, error) {
	for attempt := 1; ; attempt++ {
		bid, err := r.c.bids.ApplyReveal(ctx, msg.AuctionID, msg.BidID, msg.Key)

		switch {
		case err == nil:
			r.c.metrics.Reveals.WithLabelValues(bid.Status.String()).Inc()
			return true, nil

		case errors.Is(err, auction.ErrAlreadyRevealed), errors.Is(err, auction.ErrNotSealed):
			r.c.metrics.Reveals.WithLabelValues("duplicate").Inc()
			return false, nil

		case errors.Is(err, auction.ErrRejected) && attempt < r.c.cfg.RevealAttempts:
			continue

		default:
			return false, err
		}
	}
}

// finalize ends the auction once no bid is sealed, if enabled.
func (r *revealer) finalize(auctionID uint64) {
	if !r.c.cfg.AutoFinalize {
		return
	}

	for attempt := 1; attempt <= r.c.cfg.RevealAttempts; attempt++ {
		pending, err := r.c.bids.Pending(auctionID)
		if err != nil || len(pending) > 0 {
			return
		}

		_, err = r.c.FinalizeAuction(r.ctx, autoFinalizer, auctionID)

		switch {
		case err == nil:
			return
		case errors.Is(err, auction.ErrRejected):
			continue
		case errors.Is(err, auction.ErrAlreadyFinalized), errors.Is(err, auction.ErrRevealIncomplete):
			return
		default:
			if r.ctx.Err() == nil {
				logger.Warn("auto finalize failed", "auction", auctionID, "error", err)
			}
			return
		}
	}
}
