package auction

import (
	"context"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// Outcome is the settlement of an auction.
type Outcome struct {
	Winner     *Bid                     // Winner is nil when no bid revealed
	Amount     amount.Amount            // Amount is the winning price
	PaymentDue amount.Amount            // PaymentDue is the price not covered by the winner's escrow
	Refunds    map[string]amount.Amount // Refunds is what each bidder is owed after settlement
}

// settle picks the winner among bids. Every bid must have left Sealed.
func settle(bids []*Bid) (*Outcome, error) {
	sealed := 0
	for _, b := range bids {
		if b.Status == BidSealed {
			sealed++
		}
	}

	if sealed > 0 {
		return nil, errorf(ErrRevealIncomplete, "%d of %d bids still sealed", sealed, len(bids))
	}

	out := &Outcome{Refunds: make(map[string]amount.Amount, len(bids))}

	for _, b := range bids {
		out.Refunds[b.Bidder] = b.Escrow
	}

	ranked := rankRevealed(bids)
	if len(ranked) == 0 {
		return out, nil
	}

	w := ranked[0]
	out.Winner = w
	out.Amount = w.Value()
	out.PaymentDue = out.Amount.SaturatingSub(w.Escrow)
	out.Refunds[w.Bidder] = w.Escrow.SaturatingSub(out.Amount)

	return out, nil
}

// Settlement computes winners and moves the funds that follow from them.
type Settlement struct {
	ledger Ledger
}

// NewSettlement creates a settlement engine over ledger.
func NewSettlement(ledger Ledger) *Settlement {
	return &Settlement{ledger: ledger}
}

// ComputeWinner settles the auction from its current bids without
// writing anything. It fails with ErrRevealIncomplete while any bid is
// still sealed.
func (s *Settlement) ComputeWinner(auctionID uint64) (*Outcome, error) {
	if _, err := getAuction(s.ledger, auctionID); err != nil {
		return nil, err
	}

	bids, err := scanBids(s.ledger, auctionID, nil)
	if err != nil {
		return nil, err
	}

	return settle(bids)
}

// FulfillHighestBid pays for the won lot. The winner's escrow counts
// toward the price, so payment must cover only the remainder; only that
// remainder is taken from payer. The owner receives the full price.
func (s *Settlement) FulfillHighestBid(ctx context.Context, auctionID uint64, payer string, payment amount.Amount) (*Auction, error) {
	payer = chain.NormalizeIdentity(payer)

	t := newTxn(s.ledger, "fulfill", payer)

	var a Auction
	found, err := t.load(auctionKey(auctionID), &a)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errorf(ErrAuctionNotFound, "auction %d", auctionID)
	}

	if a.State != StateEnded {
		return nil, errorf(ErrNotFinalized, "auction %d", auctionID)
	}

	if !a.HasWinner() {
		return nil, errorf(ErrNotWinner, "auction %d ended without a winner", auctionID)
	}

	// Revealed bids are immutable.
	var w Bid
	if _, err := t.peek(bidKey(auctionID, *a.HighestBidID), &w); err != nil {
		return nil, err
	}

	if w.Bidder != payer {
		return nil, errorf(ErrNotWinner, "%s did not win auction %d", payer, auctionID)
	}

	if a.HighestBidPaid {
		return nil, errorf(ErrAlreadyPaid, "auction %d", auctionID)
	}

	due := a.HighestBidAmount.SaturatingSub(w.Escrow)
	if payment < due {
		return nil, errorf(ErrInsufficientPayment, "paid %s, due %s", payment, due)
	}

	if err := t.debit(payer, due); err != nil {
		return nil, err
	}

	if err := t.credit(a.Owner, a.HighestBidAmount); err != nil {
		return nil, err
	}

	a.HighestBidPaid = true

	if err := t.store(auctionKey(auctionID), a); err != nil {
		return nil, err
	}

	receipt, err := t.commit(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("highest bid paid",
		"auction", auctionID,
		"winner", payer,
		"price", a.HighestBidAmount,
		"due", due,
		"height", receipt.Height,
	)

	return &a, nil
}

// WithdrawRefund pays out the bidder's whole obligation. It succeeds at
// most once per bidder and auction.
func (s *Settlement) WithdrawRefund(ctx context.Context, auctionID uint64, bidder string) (amount.Amount, error) {
	bidder = chain.NormalizeIdentity(bidder)

	t := newTxn(s.ledger, "withdraw", bidder)

	// Ended is terminal, so the auction is not guarded. This keeps
	// withdrawals from conflicting with payment.
	var a Auction
	found, err := t.peek(auctionKey(auctionID), &a)
	if err != nil {
		return 0, err
	}

	if !found {
		return 0, errorf(ErrAuctionNotFound, "auction %d", auctionID)
	}

	if a.State != StateEnded {
		return 0, errorf(ErrNotFinalized, "auction %d", auctionID)
	}

	var o RefundObligation
	found, err = t.load(refundKey(auctionID, bidder), &o)
	if err != nil {
		return 0, err
	}

	switch {
	case !found:
		return 0, errorf(ErrNoRefundDue, "%s has no bid on auction %d", bidder, auctionID)
	case o.Withdrawn:
		return 0, errorf(ErrAlreadyWithdrawn, "%s on auction %d", bidder, auctionID)
	case o.Amount == 0:
		return 0, errorf(ErrNoRefundDue, "%s is owed nothing on auction %d", bidder, auctionID)
	}

	paid := o.Amount
	o.Amount = 0
	o.Withdrawn = true

	if err := t.store(refundKey(auctionID, bidder), o); err != nil {
		return 0, err
	}

	if err := t.credit(bidder, paid); err != nil {
		return 0, err
	}

	receipt, err := t.commit(ctx)
	if err != nil {
		return 0, err
	}

	logger.Info("refund withdrawn", "auction", auctionID, "bidder", bidder, "amount", paid, "height", receipt.Height)

	return paid, nil
}

// Refund returns the obligation owed to bidder, or nil if bidder never
// bid on the auction.
func (s *Settlement) Refund(auctionID uint64, bidder string) (*RefundObligation, error) {
	if _, err := getAuction(s.ledger, auctionID); err != nil {
		return nil, err
	}

	rec, found, err := s.ledger.Get(refundKey(auctionID, chain.NormalizeIdentity(bidder)))
	if err != nil || !found {
		return nil, err
	}

	var o RefundObligation
	if err := chain.Unmarshal(rec.Value, &o); err != nil {
		return nil, err
	}

	return &o, nil
}

// Custody returns the funds the auction currently holds: outstanding
// obligations, the winner's escrow while the price is unpaid, and the
// fees collected with its bids.
func (s *Settlement) Custody(auctionID uint64) (amount.Amount, error) {
	a, err := getAuction(s.ledger, auctionID)
	if err != nil {
		return 0, err
	}

	bids, err := scanBids(s.ledger, auctionID, nil)
	if err != nil {
		return 0, err
	}

	var held amount.Amount

	for _, b := range bids {
		held = held.SaturatingAdd(b.Fee)

		if a.HasWinner() && b.ID == *a.HighestBidID && !a.HighestBidPaid {
			held = held.SaturatingAdd(amount.Min(b.Escrow, a.HighestBidAmount))
		}
	}

	err = s.ledger.Scan(refundPrefix(auctionID), func(_ []byte, rec chain.Record) error {
		var o RefundObligation
		if err := chain.Unmarshal(rec.Value, &o); err != nil {
			return err
		}

		held = held.SaturatingAdd(o.Amount)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return held, nil
}
