package auction

import (
	"context"
	"strings"
	"unicode"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// maxIdentityLen bounds identities so they stay usable as key suffixes.
const maxIdentityLen = 128

// Filter selects auctions by derived phase and owner. With no phase flag
// set every phase matches.
type Filter struct {
	Active        bool   // Active matches auctions still accepting bids
	BiddingClosed bool   // BiddingClosed matches auctions past their end height but not finalized
	Ended         bool   // Ended matches finalized auctions
	OwnedBy       string // OwnedBy restricts to one owner when set
}

// matches reports whether a at height passes the filter.
func (f Filter) matches(a *Auction, height uint64) bool {
	if f.OwnedBy != "" && a.Owner != chain.NormalizeIdentity(f.OwnedBy) {
		return false
	}

	if !f.Active && !f.BiddingClosed && !f.Ended {
		return true
	}

	switch a.Phase(height) {
	case StateBidding:
		return f.Active
	case StateBiddingClosed:
		return f.BiddingClosed
	case StateEnded:
		return f.Ended
	default:
		return false
	}
}

// Registry owns auctions and their lifecycle transitions.
type Registry struct {
	ledger Ledger
}

// NewRegistry creates a registry over ledger.
func NewRegistry(ledger Ledger) *Registry {
	return &Registry{ledger: ledger}
}

// Create allocates an auction owned by owner that accepts bids until
// endHeight. The auction is stored directly in the Bidding state.
func (r *Registry) Create(ctx context.Context, owner string, endHeight uint64) (*Auction, error) {
	owner, err := normalizeIdentity(owner)
	if err != nil {
		return nil, err
	}

	height := r.ledger.CurrentHeight()
	if endHeight <= height {
		return nil, errorf(ErrInvalidSchedule, "end height %d is not after current height %d", endHeight, height)
	}

	t := newTxn(r.ledger, "create_auction", owner)

	var seq sequence
	if _, err := t.load(keySequence, &seq); err != nil {
		return nil, err
	}

	a := &Auction{
		ID:               seq.Last + 1,
		Owner:            owner,
		BiddingEndHeight: endHeight,
		State:            StateBidding,
		CreatedHeight:    height,
	}
	seq.Last = a.ID

	if err := t.store(keySequence, seq); err != nil {
		return nil, err
	}

	if err := t.store(auctionKey(a.ID), a); err != nil {
		return nil, err
	}

	// Must land while the end height is still in the future.
	t.window(0, endHeight)

	receipt, err := t.commit(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("auction created",
		"auction", a.ID,
		"owner", owner,
		"end_height", endHeight,
		"height", receipt.Height,
	)

	return a, nil
}

// Get returns the stored auction.
func (r *Registry) Get(id uint64) (*Auction, error) {
	return getAuction(r.ledger, id)
}

// List returns the auctions matching f in id order.
func (r *Registry) List(f Filter) ([]*Auction, error) {
	height := r.ledger.CurrentHeight()

	var out []*Auction

	err := r.ledger.Scan(prefixAuction, func(_ []byte, rec chain.Record) error {
		var a Auction
		if err := chain.Unmarshal(rec.Value, &a); err != nil {
			return err
		}

		if f.matches(&a, height) {
			out = append(out, &a)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Finalize ends the auction and persists its settlement. Anyone may call
// it once the end height is reached and every bid has been revealed or
// has failed to reveal; caller is only recorded. EndedHeight is the
// height of the block that includes the finalization.
func (r *Registry) Finalize(ctx context.Context, caller string, id uint64) (*Auction, *Outcome, error) {
	caller = chain.NormalizeIdentity(caller)

	t := newTxn(r.ledger, "finalize", caller)

	var a Auction
	found, err := t.load(auctionKey(id), &a)
	if err != nil {
		return nil, nil, err
	}

	if !found {
		return nil, nil, errorf(ErrAuctionNotFound, "auction %d", id)
	}

	if a.State == StateEnded {
		return nil, nil, errorf(ErrAlreadyFinalized, "auction %d ended at height %d", id, a.EndedHeight)
	}

	height := r.ledger.CurrentHeight()
	if height < a.BiddingEndHeight {
		return nil, nil, errorf(ErrBiddingStillOpen, "auction %d closes at height %d, now %d", id, a.BiddingEndHeight, height)
	}

	bids, err := scanBids(r.ledger, id, t.guard)
	if err != nil {
		return nil, nil, err
	}

	out, err := settle(bids)
	if err != nil {
		return nil, nil, err
	}

	a.State = StateEnded
	a.EndedHeight = height

	if out.Winner != nil {
		winnerID := out.Winner.ID
		a.HighestBidID = &winnerID
		a.HighestBidAmount = out.Amount

		var o RefundObligation
		if _, err := t.load(refundKey(id, out.Winner.Bidder), &o); err != nil {
			return nil, nil, err
		}

		o.AuctionID = id
		o.Bidder = out.Winner.Bidder
		o.Amount = out.Refunds[out.Winner.Bidder]

		if err := t.store(refundKey(id, o.Bidder), o); err != nil {
			return nil, nil, err
		}
	}

	if err := t.store(auctionKey(id), a); err != nil {
		return nil, nil, err
	}

	// EndedHeight is only true if the tx lands in the block it was
	// evaluated at; a later block rejects it and the caller retries.
	t.window(height, height+1)

	receipt, err := t.commit(ctx)
	if err != nil {
		return nil, nil, err
	}

	if out.Winner != nil {
		logger.Info("auction finalized",
			"auction", id,
			"winner", out.Winner.Bidder,
			"bid", out.Winner.ID,
			"amount", out.Amount,
			"caller", caller,
			"height", receipt.Height,
		)
	} else {
		logger.Info("auction finalized without winner", "auction", id, "bids", len(bids), "caller", caller, "height", receipt.Height)
	}

	return &a, out, nil
}

// getAuction reads an auction without guarding it.
func getAuction(ledger Ledger, id uint64) (*Auction, error) {
	rec, found, err := ledger.Get(auctionKey(id))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errorf(ErrAuctionNotFound, "auction %d", id)
	}

	var a Auction
	if err := chain.Unmarshal(rec.Value, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// normalizeIdentity canonicalizes id and rejects unusable identities.
func normalizeIdentity(id string) (string, error) {
	n := chain.NormalizeIdentity(id)

	if n == "" || len(n) > maxIdentityLen {
		return "", errorf(ErrInvalidIdentity, "%q", id)
	}

	if strings.IndexFunc(n, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", errorf(ErrInvalidIdentity, "%q", id)
	}

	return n, nil
}
