package timelock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

var (
	// ErrUnavailable is returned when the network is not serving requests.
	ErrUnavailable = errors.New("timelock network unavailable")

	// ErrNotReleased is returned when asking for a key whose height has
	// not been reached.
	ErrNotReleased = errors.New("key not released yet")
)

// HeightFeed is the chain view the network releases keys against.
type HeightFeed interface {
	CurrentHeight() uint64
	SubscribeHeights(ctx context.Context) <-chan uint64
}

// ReleasedKey is the decryption key for one condition height.
type ReleasedKey struct {
	Height uint64 // Height is the condition height the key opens
	Key    []byte // Key is the compressed BLS signature over the height
}

// Subscription delivers exactly one ReleasedKey on C, then C is closed.
// C is closed without a value if the subscription is cancelled or the
// network stops.
type Subscription struct {
	ID     uuid.UUID          // ID identifies the request
	Height uint64             // Height is the requested condition height
	C      <-chan ReleasedKey // C receives the key once Height is reached

	ch chan ReleasedKey
}

// Network releases keys for heights as the chain reaches them.
type Network struct {
	committee *Committee
	feed      HeightFeed
	fees      FeeParams

	mu       sync.Mutex
	pending  map[uuid.UUID]*Subscription
	released map[uint64][]byte // released caches keys by height
	stopped  bool
}

// NewNetwork creates a key-release network for committee over feed.
func NewNetwork(committee *Committee, feed HeightFeed, fees FeeParams) *Network {
	return &Network{
		committee: committee,
		feed:      feed,
		fees:      fees,
		pending:   make(map[uuid.UUID]*Subscription),
		released:  make(map[uint64][]byte),
	}
}

// PublicKey returns the network public key ciphertexts are encrypted to.
func (n *Network) PublicKey() []byte {
	return n.committee.PublicKey()
}

// EstimateFee returns the fee for a decryption callback with gasLimit.
func (n *Network) EstimateFee(gasLimit uint64) amount.Amount {
	return n.fees.Estimate(gasLimit)
}

// Run releases keys for pending subscriptions as heights arrive. Requests
// may be made before Run starts. Run returns when ctx ends; pending
// subscriptions are then closed without a key and later requests fail
// with ErrUnavailable.
func (n *Network) Run(ctx context.Context) {
	heights := n.feed.SubscribeHeights(ctx)

	logger.Info("timelock network started", "signers", n.committee.Size())

	// Requests made before Run may already be due.
	n.releaseDue()

	for {
		select {
		case _, ok := <-heights:
			if !ok {
				n.shutdown()
				return
			}

			n.releaseDue()

		case <-ctx.Done():
			n.shutdown()
			return
		}
	}
}

// RequestDecryption subscribes to the key for height. If height has
// already been reached the key is delivered immediately.
func (n *Network) RequestDecryption(ctx context.Context, height uint64) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil, ErrUnavailable
	}

	ch := make(chan ReleasedKey, 1)
	sub := &Subscription{ID: uuid.New(), Height: height, C: ch, ch: ch}

	if height <= n.feed.CurrentHeight() {
		key, err := n.releaseLocked(height)
		if err != nil {
			return nil, err
		}

		ch <- ReleasedKey{Height: height, Key: key}
		close(ch)

		return sub, nil
	}

	n.pending[sub.ID] = sub

	context.AfterFunc(ctx, func() { n.Cancel(sub.ID) })

	logger.Debug("decryption requested", "id", sub.ID, "height", height)

	return sub, nil
}

// Cancel drops a pending subscription and closes its channel.
func (n *Network) Cancel(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.pending[id]; ok {
		delete(n.pending, id)
		close(sub.ch)
	}
}

// KeyFor returns the key for a height that has already been reached.
func (n *Network) KeyFor(height uint64) ([]byte, error) {
	if height > n.feed.CurrentHeight() {
		return nil, fmt.Errorf("%w: height %d", ErrNotReleased, height)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.releaseLocked(height)
}

// releaseDue delivers every pending subscription whose height is reached.
func (n *Network) releaseDue() {
	current := n.feed.CurrentHeight()

	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.pending {
		if sub.Height > current {
			continue
		}

		key, err := n.releaseLocked(sub.Height)
		if err != nil {
			logger.Error("key release failed", "height", sub.Height, "error", err)
			continue
		}

		sub.ch <- ReleasedKey{Height: sub.Height, Key: key}
		close(sub.ch)
		delete(n.pending, id)

		logger.Debug("key released", "id", id, "height", sub.Height)
	}
}

// releaseLocked returns the cached key for height, signing it on first use.
func (n *Network) releaseLocked(height uint64) ([]byte, error) {
	if key, ok := n.released[height]; ok {
		return key, nil
	}

	key, err := n.committee.Release(height)
	if err != nil {
		return nil, err
	}

	n.released[height] = key

	return key, nil
}

// shutdown stops accepting requests and closes pending subscriptions.
func (n *Network) shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopped = true

	for id, sub := range n.pending {
		close(sub.ch)
		delete(n.pending, id)
	}

	logger.Info("timelock network stopped")
}
