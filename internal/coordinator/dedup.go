package coordinator

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a reveal message is remembered.
	defaultDedupTTL = 2 * time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 10 * time.Second
)

// Dedup drops reveal messages that were already handled recently.
// Entries are keyed by the blake3 hash of the message and expire after a TTL.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps message hash to timestamp (unix nano)
	mu   sync.RWMutex       // mu protects the seen map
	ttl  int64              // ttl in nanoseconds
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a deduplication tracker. A non-positive ttl uses the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if data is new and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Another caller may have recorded it in between.
	if ts, exists = d.seen[hash]; exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Forget removes data so the next Check accepts it again. Used when
// handling a message failed and it should be retried on redelivery.
func (d *Dedup) Forget(data []byte) {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	delete(d.seen, hash)
	d.mu.Unlock()
}

// Len returns the number of remembered messages.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := d.now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
