// Package clock converts between wall-clock time and block heights.
package clock

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultBlockTime is the expected interval between blocks.
const DefaultBlockTime = 2 * time.Second

// ErrPastTime is returned when a target time is not in the future.
var ErrPastTime = errors.New("target time is not in the future")

// HeightSource reports the latest block height and when it was produced.
type HeightSource interface {
	CurrentHeight() uint64
	LastBlockTime() time.Time
}

// Observation is a height read stamped with the wall-clock time it was taken.
type Observation struct {
	Height uint64    // Height is the observed block height
	At     time.Time // At is when the height was observed
}

// BlockClock answers "what height is it" and "what height will it be".
type BlockClock struct {
	src       HeightSource
	blockTime time.Duration
	now       func() time.Time
}

// New creates a clock over src. A non-positive blockTime uses DefaultBlockTime.
func New(src HeightSource, blockTime time.Duration) *BlockClock {
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}

	return &BlockClock{src: src, blockTime: blockTime, now: time.Now}
}

// WithNow returns a copy of the clock reading wall time from now.
func (c *BlockClock) WithNow(now func() time.Time) *BlockClock {
	cp := *c
	cp.now = now

	return &cp
}

// BlockTime returns the expected interval between blocks.
func (c *BlockClock) BlockTime() time.Duration {
	return c.blockTime
}

// CurrentHeight returns the latest block height.
func (c *BlockClock) CurrentHeight() uint64 {
	return c.src.CurrentHeight()
}

// Observe returns the current height stamped with the current time.
func (c *BlockClock) Observe() Observation {
	return Observation{Height: c.src.CurrentHeight(), At: c.now()}
}

// HeightAt returns the first height expected to be reached at or after t:
// current + ceil((t - lastBlockTime) / blockTime), at least current + 1.
// Times not after now are ErrPastTime.
func (c *BlockClock) HeightAt(t time.Time) (uint64, error) {
	now := c.now()
	if !t.After(now) {
		return 0, fmt.Errorf("%w: %s", ErrPastTime, t.Format(time.RFC3339))
	}

	height := c.src.CurrentHeight()

	blocks := ceilBlocks(t.Sub(c.anchor(now)), c.blockTime)
	if blocks == 0 {
		blocks = 1
	}

	if blocks > math.MaxUint64-height {
		return math.MaxUint64, nil
	}

	return height + blocks, nil
}

// TimeAt estimates when height h will be reached, projecting from the
// last block. Heights already reached map to now; estimates never fall
// before now.
func (c *BlockClock) TimeAt(h uint64) time.Time {
	now := c.now()

	height := c.src.CurrentHeight()
	if h <= height {
		return now
	}

	est := c.anchor(now).Add(blocksDuration(h-height, c.blockTime))
	if est.Before(now) {
		return now
	}

	return est
}

// anchor is the time projections start from: the last block, or now if
// the source has not produced one.
func (c *BlockClock) anchor(now time.Time) time.Time {
	last := c.src.LastBlockTime()
	if last.IsZero() || last.After(now) {
		return now
	}

	return last
}

// ceilBlocks returns ceil(d / blockTime) for non-negative d.
func ceilBlocks(d, blockTime time.Duration) uint64 {
	if d <= 0 {
		return 0
	}

	n := uint64(d / blockTime)
	if d%blockTime != 0 {
		n++
	}

	return n
}

// blocksDuration returns n * blockTime, saturating at the largest Duration.
func blocksDuration(n uint64, blockTime time.Duration) time.Duration {
	if n > uint64(math.MaxInt64/blockTime) {
		return math.MaxInt64
	}

	return time.Duration(n) * blockTime
}
