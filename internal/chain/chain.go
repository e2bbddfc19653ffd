// Package chain is a single-sequencer, consensus-ordered ledger of
// versioned records. Transactions are conditional write sets applied in
// arrival order; blocks advance the height that transactions are guarded on.
package chain

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/storage"
)

// Key prefixes for storage.
var (
	prefixState = []byte("s:")     // s:<key> -> Record
	keyHead     = []byte("m:head") // m:head -> head
)

// head is the persisted tip of the chain.
type head struct {
	Height uint64 `cbor:"1,keyasint"` // Height is the current block height
	Time   int64  `cbor:"2,keyasint"` // Time is the unix nano time of the current block
	Nonce  uint64 `cbor:"3,keyasint"` // Nonce counts every accepted transaction
}

// request is a unit of work for the sequencer goroutine.
type request struct {
	tx     *Tx          // tx is the transaction to apply
	blocks uint64       // blocks is the number of blocks to produce
	run    func() error // run executes exclusively against the ledger
	done   chan result  // done receives exactly one result
}

// result is the sequencer's answer to a request.
type result struct {
	receipt *Receipt
	height  uint64
	err     error
}

// Chain is the ledger. All mutations go through one goroutine, so the
// order in which requests reach it is the consensus order.
type Chain struct {
	db *storage.Storage

	mu    sync.RWMutex
	head  head   // head is guarded by mu
	index uint32 // index is the next tx position in the current block

	requests chan request

	subsMu  sync.Mutex
	subs    map[uint64]chan uint64
	nextSub uint64

	now       func() time.Time
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the wall clock used to stamp blocks.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// Open loads the chain tip from db and starts the sequencer.
func Open(db *storage.Storage, opts ...Option) (*Chain, error) {
	c := &Chain{
		db:       db,
		requests: make(chan request),
		subs:     make(map[uint64]chan uint64),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.loadHead(); err != nil {
		return nil, fmt.Errorf("load head:\n%w", err)
	}

	c.wg.Add(1)
	go c.loop()

	return c, nil
}

// Close stops the sequencer. The storage is left open for the caller.
func (c *Chain) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}

// CurrentHeight returns the height of the latest block.
func (c *Chain) CurrentHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.head.Height
}

// LastBlockTime returns when the latest block was produced.
func (c *Chain) LastBlockTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Unix(0, c.head.Time)
}

// Get returns the record at key. The bool is false if the key was never written.
func (c *Chain) Get(key []byte) (Record, bool, error) {
	data, err := c.db.Get(stateKey(key))
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q:\n%w", key, err)
	}

	if data == nil {
		return Record{}, false, nil
	}

	var rec Record
	if err := Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %q:\n%w", key, err)
	}

	return rec, true, nil
}

// Scan calls fn for every record whose key starts with prefix, in key order.
func (c *Chain) Scan(prefix []byte, fn func(key []byte, rec Record) error) error {
	return c.db.IteratePrefix(stateKey(prefix), func(k, v []byte) error {
		var rec Record
		if err := Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode record %q:\n%w", k, err)
		}

		key := bytes.Clone(k[len(prefixState):])

		return fn(key, rec)
	})
}

// Submit hands tx to the sequencer and waits for the outcome.
// If ctx ends first Submit returns ctx.Err(), but a transaction that
// already reached the sequencer is still applied. Nothing is rolled back.
func (c *Chain) Submit(ctx context.Context, tx *Tx) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := c.do(ctx, request{tx: tx, done: make(chan result, 1)})
	if err != nil {
		return nil, err
	}

	return res.receipt, res.err
}

// Advance produces n empty blocks and returns the new height.
func (c *Chain) Advance(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		return c.CurrentHeight(), nil
	}

	res, err := c.do(ctx, request{blocks: n, done: make(chan result, 1)})
	if err != nil {
		return 0, err
	}

	return res.height, res.err
}

// Run produces one block every interval until ctx ends.
func (c *Chain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Advance(ctx, 1); err != nil {
				if ctx.Err() == nil {
					logger.Warn("block production failed", "error", err)
				}
				return
			}
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// SubscribeHeights returns a channel that receives new heights until ctx
// ends. Slow readers only see the most recent height.
func (c *Chain) SubscribeHeights(ctx context.Context) <-chan uint64 {
	ch := make(chan uint64, 1)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.stop:
		}

		c.subsMu.Lock()
		delete(c.subs, id)
		close(ch)
		c.subsMu.Unlock()
	}()

	return ch
}

// exclusive runs fn on the sequencer goroutine, so no transaction or
// block interleaves with it.
func (c *Chain) exclusive(ctx context.Context, fn func() error) error {
	res, err := c.do(ctx, request{run: fn, done: make(chan result, 1)})
	if err != nil {
		return err
	}

	return res.err
}

// do sends req to the sequencer and waits for its result.
func (c *Chain) do(ctx context.Context, req request) (result, error) {
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.stop:
		return result{}, ErrClosed
	}

	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.stop:
		return result{}, ErrClosed
	}
}

// loop is the sequencer.
func (c *Chain) loop() {
	defer c.wg.Done()

	for {
		select {
		case req := <-c.requests:
			switch {
			case req.tx != nil:
				receipt, err := c.apply(req.tx)
				req.done <- result{receipt: receipt, err: err}
			case req.run != nil:
				req.done <- result{err: req.run()}
			default:
				height, err := c.produce(req.blocks)
				req.done <- result{height: height, err: err}
			}

		case <-c.stop:
			return
		}
	}
}

// apply checks the guards of tx and writes it atomically.
func (c *Chain) apply(tx *Tx) (*Receipt, error) {
	if err := tx.validate(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	h := c.head
	c.mu.RUnlock()

	if !tx.inWindow(h.Height) {
		logger.Debug("tx outside height window",
			"kind", tx.Kind,
			"height", h.Height,
			"min", tx.MinHeight,
			"before", tx.Before,
		)
		return nil, fmt.Errorf("%w: height %d outside [%d, %d)", ErrRejected, h.Height, tx.MinHeight, tx.Before)
	}

	versions := make(map[string]uint64, len(tx.Reads))

	for _, r := range tx.Reads {
		rec, _, err := c.Get(r.Key)
		if err != nil {
			return nil, err
		}

		if rec.Version != r.Version {
			logger.Debug("tx version conflict", "kind", tx.Kind, "key", string(r.Key))
			return nil, fmt.Errorf("%w: version conflict on %q (have %d, want %d)", ErrRejected, r.Key, rec.Version, r.Version)
		}

		versions[string(r.Key)] = rec.Version
	}

	sealed := *tx
	sealed.Nonce = h.Nonce + 1

	pairs := make([]storage.KeyValue, 0, len(tx.Writes)+1)
	written := make(map[string]bool, len(tx.Writes))

	for _, w := range tx.Writes {
		if written[string(w.Key)] {
			return nil, fmt.Errorf("%w: duplicate write to %q", ErrMalformed, w.Key)
		}
		written[string(w.Key)] = true

		data, err := Marshal(Record{Version: versions[string(w.Key)] + 1, Value: w.Value})
		if err != nil {
			return nil, fmt.Errorf("encode record:\n%w", err)
		}

		pairs = append(pairs, storage.KeyValue{Key: stateKey(w.Key), Value: data})
	}

	next := h
	next.Nonce = sealed.Nonce

	headData, err := Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode head:\n%w", err)
	}

	pairs = append(pairs, storage.KeyValue{Key: keyHead, Value: headData})

	if err := c.db.SetBatch(pairs); err != nil {
		return nil, fmt.Errorf("commit tx:\n%w", err)
	}

	c.mu.Lock()
	c.head = next
	c.mu.Unlock()

	receipt := &Receipt{
		TxHash: sealed.Hash(),
		Height: h.Height,
		Index:  c.index,
	}
	c.index++

	return receipt, nil
}

// produce appends n empty blocks and notifies subscribers of each height.
func (c *Chain) produce(n uint64) (uint64, error) {
	for range n {
		c.mu.RLock()
		next := c.head
		c.mu.RUnlock()

		next.Height++
		next.Time = c.now().UnixNano()

		data, err := Marshal(next)
		if err != nil {
			return 0, fmt.Errorf("encode head:\n%w", err)
		}

		if err := c.db.Set(keyHead, data); err != nil {
			return 0, fmt.Errorf("persist head:\n%w", err)
		}

		c.mu.Lock()
		c.head = next
		c.mu.Unlock()

		c.index = 0
		c.notify(next.Height)
	}

	return c.CurrentHeight(), nil
}

// notify delivers height to every subscriber without blocking.
func (c *Chain) notify(height uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- height:
			continue
		default:
		}

		// Replace the stale height with the new one.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- height:
		default:
		}
	}
}

// loadHead restores the chain tip, starting a fresh chain at height 0.
func (c *Chain) loadHead() error {
	data, err := c.db.Get(keyHead)
	if err != nil {
		return err
	}

	if data == nil {
		c.head = head{Time: c.now().UnixNano()}
		return nil
	}

	return Unmarshal(data, &c.head)
}

// stateKey prefixes a record key for storage.
func stateKey(key []byte) []byte {
	k := make([]byte, 0, len(prefixState)+len(key))
	k = append(k, prefixState...)

	return append(k, key...)
}
