package auction

import (
	"cmp"
	"context"
	"encoding/binary"
	"iter"
	"slices"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// plaintextSize is the length of a sealed bid amount.
const plaintextSize = 8

// revealSender is the tx sender recorded for reveal transactions.
const revealSender = "timelock"

// Opener reads the height binding of a sealed bid and opens it with a
// released key. *timelock.Codec implements it.
type Opener interface {
	ConditionHeight(ciphertext []byte) (uint64, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// BidRequest is a sealed bid as submitted.
type BidRequest struct {
	AuctionID       uint64
	Bidder          string
	Ciphertext      []byte        // Ciphertext is the timelock-encrypted amount
	ConditionHeight uint64        // ConditionHeight must equal the auction end height
	Escrow          amount.Amount // Escrow is locked until settlement
	Fee             amount.Amount // Fee pays the timelock network
}

// BidLedger records sealed bids and their reveals.
type BidLedger struct {
	ledger Ledger
	codec  Opener
}

// NewBidLedger creates a bid ledger over ledger.
func NewBidLedger(ledger Ledger, codec Opener) *BidLedger {
	return &BidLedger{ledger: ledger, codec: codec}
}

// PlaceBid appends a sealed bid. Escrow and fee leave the bidder's
// account in the same transaction, and the full escrow is recorded as a
// provisional refund obligation.
func (l *BidLedger) PlaceBid(ctx context.Context, req BidRequest) (*Bid, error) {
	bidder, err := normalizeIdentity(req.Bidder)
	if err != nil {
		return nil, err
	}

	t := newTxn(l.ledger, "place_bid", bidder)

	var a Auction
	found, err := t.load(auctionKey(req.AuctionID), &a)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errorf(ErrAuctionNotFound, "auction %d", req.AuctionID)
	}

	height := l.ledger.CurrentHeight()
	if phase := a.Phase(height); phase != StateBidding {
		return nil, errorf(ErrAuctionNotBidding, "auction %d is %s at height %d", a.ID, phase, height)
	}

	if req.ConditionHeight != a.BiddingEndHeight {
		return nil, errorf(ErrConditionMismatch, "condition height %d, auction ends at %d", req.ConditionHeight, a.BiddingEndHeight)
	}

	bound, err := l.codec.ConditionHeight(req.Ciphertext)
	if err != nil {
		return nil, Wrap(ErrConditionMismatch, err)
	}

	if bound != req.ConditionHeight {
		return nil, errorf(ErrConditionMismatch, "ciphertext is bound to height %d, not %d", bound, req.ConditionHeight)
	}

	var prior RefundObligation
	exists, err := t.load(refundKey(a.ID, bidder), &prior)
	if err != nil {
		return nil, err
	}

	if exists {
		return nil, errorf(ErrDuplicateBidder, "%s already bid on auction %d", bidder, a.ID)
	}

	total, err := req.Escrow.Add(req.Fee)
	if err != nil {
		return nil, errorf(ErrInsufficientFunds, "escrow plus fee overflows")
	}

	if err := t.debit(bidder, total); err != nil {
		return nil, err
	}

	a.BidCount++

	bid := &Bid{
		ID:              a.BidCount,
		AuctionID:       a.ID,
		Bidder:          bidder,
		Ciphertext:      req.Ciphertext,
		ConditionHeight: req.ConditionHeight,
		Escrow:          req.Escrow,
		Fee:             req.Fee,
		SubmittedHeight: height,
		Status:          BidSealed,
	}

	obligation := RefundObligation{AuctionID: a.ID, Bidder: bidder, Amount: req.Escrow}

	if err := t.store(auctionKey(a.ID), a); err != nil {
		return nil, err
	}

	if err := t.store(bidKey(a.ID, bid.ID), bid); err != nil {
		return nil, err
	}

	if err := t.store(refundKey(a.ID, bidder), obligation); err != nil {
		return nil, err
	}

	t.window(0, a.BiddingEndHeight)

	receipt, err := t.commit(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("sealed bid placed",
		"auction", a.ID,
		"bid", bid.ID,
		"bidder", bidder,
		"escrow", req.Escrow,
		"fee", req.Fee,
		"height", receipt.Height,
	)

	return bid, nil
}

// RecordReveal marks a sealed bid revealed with the decrypted plaintext.
func (l *BidLedger) RecordReveal(ctx context.Context, auctionID, bidID uint64, plaintext []byte) (*Bid, error) {
	amt, err := OpenAmount(plaintext)
	if err != nil {
		return nil, err
	}

	return l.transition(ctx, auctionID, bidID, &amt)
}

// RecordRevealFailure marks a sealed bid as impossible to reveal. It
// settles as a zero bid and its escrow stays refundable.
func (l *BidLedger) RecordRevealFailure(ctx context.Context, auctionID, bidID uint64) (*Bid, error) {
	return l.transition(ctx, auctionID, bidID, nil)
}

// ApplyReveal opens a sealed bid with the released key and records the
// outcome. A ciphertext that does not open, or opens to something that
// is not an amount, is recorded as a failed reveal.
func (l *BidLedger) ApplyReveal(ctx context.Context, auctionID, bidID uint64, key []byte) (*Bid, error) {
	bid, err := l.Bid(auctionID, bidID)
	if err != nil {
		return nil, err
	}

	if err := checkSealed(bid); err != nil {
		return nil, err
	}

	plaintext, err := l.codec.Decrypt(bid.Ciphertext, key)
	if err != nil {
		logger.Warn("bid did not decrypt", "auction", auctionID, "bid", bidID, "error", err)
		return l.RecordRevealFailure(ctx, auctionID, bidID)
	}

	amt, err := OpenAmount(plaintext)
	if err != nil {
		logger.Warn("bid plaintext is not an amount", "auction", auctionID, "bid", bidID, "size", len(plaintext))
		return l.RecordRevealFailure(ctx, auctionID, bidID)
	}

	return l.transition(ctx, auctionID, bidID, &amt)
}

// transition moves a sealed bid to Revealed when amt is set, else to
// RevealFailed. It can only land at or after the condition height.
func (l *BidLedger) transition(ctx context.Context, auctionID, bidID uint64, amt *amount.Amount) (*Bid, error) {
	kind := "reveal"
	if amt == nil {
		kind = "reveal_failure"
	}

	t := newTxn(l.ledger, kind, revealSender)

	var bid Bid
	found, err := t.load(bidKey(auctionID, bidID), &bid)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errorf(ErrBidNotFound, "bid %d of auction %d", bidID, auctionID)
	}

	if err := checkSealed(&bid); err != nil {
		return nil, err
	}

	height := l.ledger.CurrentHeight()
	if height < bid.ConditionHeight {
		return nil, errorf(ErrBiddingStillOpen, "bid %d unlocks at height %d, now %d", bidID, bid.ConditionHeight, height)
	}

	bid.RevealedHeight = height
	if amt != nil {
		bid.Status = BidRevealed
		bid.RevealedAmount = amt
	} else {
		bid.Status = BidRevealFailed
	}

	if err := t.store(bidKey(auctionID, bidID), bid); err != nil {
		return nil, err
	}

	t.window(bid.ConditionHeight, 0)

	receipt, err := t.commit(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("bid reveal recorded",
		"auction", auctionID,
		"bid", bidID,
		"status", bid.Status,
		"height", receipt.Height,
	)

	return &bid, nil
}

// Bid returns one bid.
func (l *BidLedger) Bid(auctionID, bidID uint64) (*Bid, error) {
	rec, found, err := l.ledger.Get(bidKey(auctionID, bidID))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errorf(ErrBidNotFound, "bid %d of auction %d", bidID, auctionID)
	}

	var bid Bid
	if err := chain.Unmarshal(rec.Value, &bid); err != nil {
		return nil, err
	}

	return &bid, nil
}

// Bids returns every bid of an auction in submission order.
func (l *BidLedger) Bids(auctionID uint64) ([]*Bid, error) {
	return scanBids(l.ledger, auctionID, nil)
}

// Pending returns the ids of bids that are still sealed.
func (l *BidLedger) Pending(auctionID uint64) ([]uint64, error) {
	bids, err := scanBids(l.ledger, auctionID, nil)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, b := range bids {
		if b.Status == BidSealed {
			ids = append(ids, b.ID)
		}
	}

	return ids, nil
}

// RevealedBids yields the revealed bids of an auction, highest amount
// first and earliest bid first among equal amounts. Each iteration reads
// the ledger afresh; a read error is yielded once and ends the sequence.
func (l *BidLedger) RevealedBids(auctionID uint64) iter.Seq2[*Bid, error] {
	return func(yield func(*Bid, error) bool) {
		bids, err := scanBids(l.ledger, auctionID, nil)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, b := range rankRevealed(bids) {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// checkSealed returns the sequencing error for a bid that already left Sealed.
func checkSealed(bid *Bid) error {
	switch bid.Status {
	case BidSealed:
		return nil
	case BidRevealed:
		return errorf(ErrAlreadyRevealed, "bid %d of auction %d", bid.ID, bid.AuctionID)
	default:
		return errorf(ErrNotSealed, "bid %d of auction %d is %s", bid.ID, bid.AuctionID, bid.Status)
	}
}

// scanBids reads every bid of an auction in id order. visit, when set,
// sees each record's key and version.
func scanBids(ledger Ledger, auctionID uint64, visit func(key []byte, version uint64)) ([]*Bid, error) {
	var bids []*Bid

	err := ledger.Scan(bidPrefix(auctionID), func(key []byte, rec chain.Record) error {
		var b Bid
		if err := chain.Unmarshal(rec.Value, &b); err != nil {
			return err
		}

		if visit != nil {
			visit(key, rec.Version)
		}

		bids = append(bids, &b)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return bids, nil
}

// rankRevealed returns the revealed bids ordered by amount descending,
// then by bid id ascending.
func rankRevealed(bids []*Bid) []*Bid {
	ranked := make([]*Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == BidRevealed {
			ranked = append(ranked, b)
		}
	}

	slices.SortFunc(ranked, func(x, y *Bid) int {
		if c := cmp.Compare(y.Value(), x.Value()); c != 0 {
			return c
		}

		return cmp.Compare(x.ID, y.ID)
	})

	return ranked
}

// SealAmount encodes a bid amount as plaintext for encryption.
func SealAmount(amt amount.Amount) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, plaintextSize), uint64(amt))
}

// OpenAmount decodes a revealed bid plaintext.
func OpenAmount(plaintext []byte) (amount.Amount, error) {
	if len(plaintext) != plaintextSize {
		return 0, errorf(ErrInvalidPlaintext, "%d bytes, want %d", len(plaintext), plaintextSize)
	}

	return amount.Amount(binary.BigEndian.Uint64(plaintext)), nil
}
