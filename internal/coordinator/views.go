package coordinator

import (
	"time"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
)

// AuctionView is an auction as callers see it, with its phase derived
// from the current height.
type AuctionView struct {
	ID               uint64         `json:"id"`
	Owner            string         `json:"owner"`
	BiddingEndHeight uint64         `json:"biddingEndHeight"`
	EstimatedEnd     time.Time      `json:"estimatedEnd"`
	State            string         `json:"state"`
	HighestBidID     *uint64        `json:"highestBidId,omitempty"`
	HighestBidAmount *amount.Amount `json:"highestBidAmount,omitempty"`
	HighestBidPaid   bool           `json:"highestBidPaid"`
	BidCount         uint64         `json:"bidCount"`
	CreatedHeight    uint64         `json:"createdHeight"`
	EndedHeight      uint64         `json:"endedHeight,omitempty"`
	ObservedHeight   uint64         `json:"observedHeight"` // ObservedHeight is when the stored fields were read
}

// BidView is a bid as callers see it. The amount is only present once revealed.
type BidView struct {
	ID              uint64         `json:"id"`
	AuctionID       uint64         `json:"auctionId"`
	Bidder          string         `json:"bidder"`
	ConditionHeight uint64         `json:"conditionHeight"`
	Escrow          amount.Amount  `json:"escrow"`
	Fee             amount.Amount  `json:"fee"`
	SubmittedHeight uint64         `json:"submittedHeight"`
	Status          string         `json:"status"`
	Amount          *amount.Amount `json:"amount,omitempty"`
	RevealedHeight  uint64         `json:"revealedHeight,omitempty"`
	Ciphertext      []byte         `json:"ciphertext"`
}

// RefundView is what an auction owes one bidder.
type RefundView struct {
	AuctionID uint64        `json:"auctionId"`
	Bidder    string        `json:"bidder"`
	Amount    amount.Amount `json:"amount"`
	Withdrawn bool          `json:"withdrawn"`
	HasBid    bool          `json:"hasBid"`
}

// Status describes the chain and timelock network the coordinator runs on.
type Status struct {
	Height    uint64        `json:"height"`
	BlockTime time.Duration `json:"blockTimeNanos"`
	PublicKey []byte        `json:"publicKey"`
	BidFee    amount.Amount `json:"bidFee"`
}

// auctionView renders a at height. observed is when a was read.
func (c *Coordinator) auctionView(a *auction.Auction, observed, height uint64) *AuctionView {
	v := &AuctionView{
		ID:               a.ID,
		Owner:            a.Owner,
		BiddingEndHeight: a.BiddingEndHeight,
		EstimatedEnd:     c.clock.TimeAt(a.BiddingEndHeight),
		State:            a.Phase(height).String(),
		HighestBidPaid:   a.HighestBidPaid,
		BidCount:         a.BidCount,
		CreatedHeight:    a.CreatedHeight,
		EndedHeight:      a.EndedHeight,
		ObservedHeight:   observed,
	}

	if a.HasWinner() {
		id, amt := *a.HighestBidID, a.HighestBidAmount
		v.HighestBidID = &id
		v.HighestBidAmount = &amt
	}

	return v
}

// bidView renders b.
func bidView(b *auction.Bid) *BidView {
	v := &BidView{
		ID:              b.ID,
		AuctionID:       b.AuctionID,
		Bidder:          b.Bidder,
		ConditionHeight: b.ConditionHeight,
		Escrow:          b.Escrow,
		Fee:             b.Fee,
		SubmittedHeight: b.SubmittedHeight,
		Status:          b.Status.String(),
		RevealedHeight:  b.RevealedHeight,
		Ciphertext:      b.Ciphertext,
	}

	if b.Status == auction.BidRevealed {
		amt := b.Value()
		v.Amount = &amt
	}

	return v
}
