package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
)

// cachedAuction is an auction snapshot and the height it was read at.
type cachedAuction struct {
	Height  uint64          `cbor:"1,keyasint"`
	Auction auction.Auction `cbor:"2,keyasint"`
}

// viewCache holds recent auction snapshots. A snapshot is served only
// while it is at most maxStaleness blocks behind the current height.
type viewCache struct {
	cache        *bigcache.BigCache
	maxStaleness uint64
}

// newViewCache creates a cache whose entries live at most lifetime.
func newViewCache(lifetime time.Duration, maxStaleness uint64) (*viewCache, error) {
	cfg := bigcache.DefaultConfig(lifetime)
	cfg.Shards = 64
	cfg.CleanWindow = lifetime
	cfg.MaxEntriesInWindow = 10_000
	cfg.MaxEntrySize = 512
	cfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create view cache:\n%w", err)
	}

	return &viewCache{cache: cache, maxStaleness: maxStaleness}, nil
}

// get returns the snapshot of id if it is fresh enough at height.
func (vc *viewCache) get(id uint64, height uint64) (*cachedAuction, bool) {
	data, err := vc.cache.Get(cacheKey(id))
	if err != nil {
		return nil, false
	}

	var entry cachedAuction
	if err := chain.Unmarshal(data, &entry); err != nil {
		return nil, false
	}

	if entry.Height > height || height-entry.Height > vc.maxStaleness {
		return nil, false
	}

	return &entry, true
}

// put stores a snapshot of a read at height.
func (vc *viewCache) put(a *auction.Auction, height uint64) {
	data, err := chain.Marshal(cachedAuction{Height: height, Auction: *a})
	if err != nil {
		return
	}

	_ = vc.cache.Set(cacheKey(a.ID), data)
}

// invalidate drops the snapshot of id.
func (vc *viewCache) invalidate(id uint64) {
	// ErrEntryNotFound is the only error Delete returns.
	_ = vc.cache.Delete(cacheKey(id))
}

// close releases the cache.
func (vc *viewCache) close() error {
	return vc.cache.Close()
}

// cacheKey is the bigcache key of an auction.
func cacheKey(id uint64) string {
	return string(binary.BigEndian.AppendUint64([]byte("a:"), id))
}
