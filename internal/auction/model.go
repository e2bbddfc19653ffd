// Package auction implements the sealed-bid auction state machine:
// the registry of auctions, the ledger of sealed bids and their reveals,
// and settlement of the winning payment and losing refunds. All state
// lives in a consensus-ordered ledger and every mutation is a single
// conditional transaction against it.
package auction

import (
	"encoding/binary"
	"fmt"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
)

// State is an auction lifecycle state.
type State uint8

const (
	// StateCreated exists only at allocation; auctions are stored as Bidding.
	StateCreated State = iota
	// StateBidding accepts bids until BiddingEndHeight.
	StateBidding
	// StateBiddingClosed is derived, never stored: Bidding at or past the end height.
	StateBiddingClosed
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBidding:
		return "bidding"
	case StateBiddingClosed:
		return "bidding_closed"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Auction is a single-lot first-price sealed-bid auction.
type Auction struct {
	ID               uint64        `cbor:"1,keyasint"`
	Owner            string        `cbor:"2,keyasint"`
	BiddingEndHeight uint64        `cbor:"3,keyasint"`
	State            State         `cbor:"4,keyasint"` // State is Bidding or Ended
	HighestBidID     *uint64       `cbor:"5,keyasint,omitempty"`
	HighestBidAmount amount.Amount `cbor:"6,keyasint"`
	HighestBidPaid   bool          `cbor:"7,keyasint"`
	BidCount         uint64        `cbor:"8,keyasint"` // BidCount is also the last allocated bid ID
	CreatedHeight    uint64        `cbor:"9,keyasint"`
	EndedHeight      uint64        `cbor:"10,keyasint"` // EndedHeight is the block that included finalization
}

// Phase derives the lifecycle state at height.
func (a *Auction) Phase(height uint64) State {
	if a.State == StateBidding && height >= a.BiddingEndHeight {
		return StateBiddingClosed
	}

	return a.State
}

// HasWinner reports whether settlement selected a winning bid.
func (a *Auction) HasWinner() bool {
	return a.HighestBidID != nil
}

// BidStatus is the reveal state of a bid.
type BidStatus uint8

const (
	BidSealed BidStatus = iota
	BidRevealed
	BidRevealFailed
)

func (s BidStatus) String() string {
	switch s {
	case BidSealed:
		return "sealed"
	case BidRevealed:
		return "revealed"
	case BidRevealFailed:
		return "reveal_failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further reveal transition is possible.
func (s BidStatus) Terminal() bool {
	return s == BidRevealed || s == BidRevealFailed
}

// Bid is a sealed bid. Ciphertext and ConditionHeight never change after
// placement; only Status, RevealedAmount and RevealedHeight do.
type Bid struct {
	ID              uint64         `cbor:"1,keyasint"` // ID is auction-scoped and follows submission order
	AuctionID       uint64         `cbor:"2,keyasint"`
	Bidder          string         `cbor:"3,keyasint"`
	Ciphertext      []byte         `cbor:"4,keyasint"`
	ConditionHeight uint64         `cbor:"5,keyasint"`
	Escrow          amount.Amount  `cbor:"6,keyasint"`
	Fee             amount.Amount  `cbor:"7,keyasint"` // Fee is paid to the timelock network
	SubmittedHeight uint64         `cbor:"8,keyasint"`
	Status          BidStatus      `cbor:"9,keyasint"`
	RevealedAmount  *amount.Amount `cbor:"10,keyasint,omitempty"`
	RevealedHeight  uint64         `cbor:"11,keyasint"`
}

// Value is the amount the bid competes with; failed and sealed bids are zero.
func (b *Bid) Value() amount.Amount {
	if b.Status != BidRevealed || b.RevealedAmount == nil {
		return 0
	}

	return *b.RevealedAmount
}

// RefundObligation is what the auction owes a bidder. It starts as the
// full escrow, is reduced for the winner at settlement, and drops to zero
// on the single withdrawal.
type RefundObligation struct {
	AuctionID uint64        `cbor:"1,keyasint"`
	Bidder    string        `cbor:"2,keyasint"`
	Amount    amount.Amount `cbor:"3,keyasint"`
	Withdrawn bool          `cbor:"4,keyasint"`
}

// sequence is the auction ID allocator.
type sequence struct {
	Last uint64 `cbor:"1,keyasint"`
}

// Key prefixes for ledger records.
var (
	prefixAuction = []byte("a:")        // a:<id> -> Auction
	prefixBid     = []byte("b:")        // b:<auction><bid> -> Bid
	prefixRefund  = []byte("o:")        // o:<auction><bidder> -> RefundObligation
	keySequence   = []byte("n:auction") // n:auction -> sequence
)

// auctionKey returns the record key of an auction.
func auctionKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixAuction...), id)
}

// bidPrefix returns the key prefix of every bid of an auction.
func bidPrefix(auctionID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixBid...), auctionID)
}

// bidKey returns the record key of a bid.
func bidKey(auctionID, bidID uint64) []byte {
	return binary.BigEndian.AppendUint64(bidPrefix(auctionID), bidID)
}

// refundPrefix returns the key prefix of every obligation of an auction.
func refundPrefix(auctionID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixRefund...), auctionID)
}

// refundKey returns the record key of a bidder's obligation.
func refundKey(auctionID uint64, bidder string) []byte {
	return append(refundPrefix(auctionID), bidder...)
}
