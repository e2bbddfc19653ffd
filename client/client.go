// Package client talks to a sealed-bid auction node over its HTTP API.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/api"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// Client connects to a node via HTTP and acts as one identity.
type Client struct {
	baseURL  string       // baseURL is the node root (e.g. "http://127.0.0.1:8080")
	identity string       // identity is sent as the caller on every request
	http     *http.Client // http performs the requests
}

// NewClient creates a client for the node at nodeAddr acting as identity.
// nodeAddr may be a bare host:port or a full URL.
func NewClient(nodeAddr, identity string) *Client {
	base := nodeAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		identity: identity,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// As returns a client for the same node acting as identity.
func (c *Client) As(identity string) *Client {
	cp := *c
	cp.identity = identity

	return &cp
}

// Identity returns the identity the client acts as.
func (c *Client) Identity() string {
	return c.identity
}

// Status returns the node height, block time, network key and bid fee.
func (c *Client) Status() (*coordinator.Status, error) {
	var status coordinator.Status
	if err := c.httpGet("/status", &status); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &status, nil
}

// CreateAuction opens an auction that accepts bids until endHeight.
func (c *Client) CreateAuction(endHeight uint64) (*coordinator.AuctionView, error) {
	return c.createAuction(api.CreateAuctionRequest{BiddingEndHeight: endHeight})
}

// CreateAuctionAt opens an auction that accepts bids until about endTime.
func (c *Client) CreateAuctionAt(endTime time.Time) (*coordinator.AuctionView, error) {
	return c.createAuction(api.CreateAuctionRequest{EndTime: &endTime})
}

func (c *Client) createAuction(req api.CreateAuctionRequest) (*coordinator.AuctionView, error) {
	var view coordinator.AuctionView
	if err := c.httpPostJSON("/auctions", req, &view); err != nil {
		return nil, fmt.Errorf("create auction:\n%w", err)
	}

	return &view, nil
}

// GetAuction returns one auction.
func (c *Client) GetAuction(id uint64) (*coordinator.AuctionView, error) {
	var view coordinator.AuctionView
	if err := c.httpGet(auctionPath(id, ""), &view); err != nil {
		return nil, fmt.Errorf("get auction %d:\n%w", id, err)
	}

	return &view, nil
}

// ListAuctions returns the auctions matching f.
func (c *Client) ListAuctions(f auction.Filter) ([]*coordinator.AuctionView, error) {
	q := url.Values{}
	if f.Active {
		q.Set("active", "true")
	}
	if f.BiddingClosed {
		q.Set("closed", "true")
	}
	if f.Ended {
		q.Set("ended", "true")
	}
	if f.OwnedBy != "" {
		q.Set("owner", f.OwnedBy)
	}

	path := "/auctions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var views []*coordinator.AuctionView
	if err := c.httpGet(path, &views); err != nil {
		return nil, fmt.Errorf("list auctions:\n%w", err)
	}

	return views, nil
}

// Bids returns every bid of an auction.
func (c *Client) Bids(id uint64) ([]*coordinator.BidView, error) {
	var views []*coordinator.BidView
	if err := c.httpGet(auctionPath(id, "/bids"), &views); err != nil {
		return nil, fmt.Errorf("list bids of %d:\n%w", id, err)
	}

	return views, nil
}

// PlaceBid asks the node to encrypt amt and place it with amt as escrow.
func (c *Client) PlaceBid(id uint64, amt, feeBudget amount.Amount) (*coordinator.BidView, error) {
	return c.placeBid(id, api.PlaceBidRequest{Amount: &amt, FeeBudget: feeBudget})
}

// PlaceCiphertextBid places a bid the caller already encrypted.
func (c *Client) PlaceCiphertextBid(id uint64, ciphertext []byte, escrow, feeBudget amount.Amount) (*coordinator.BidView, error) {
	return c.placeBid(id, api.PlaceBidRequest{Ciphertext: ciphertext, Escrow: escrow, FeeBudget: feeBudget})
}

// SealBid encrypts amt locally to the auction's end height with the
// network public key, so the node never sees the amount, and places it
// with escrow attached.
func (c *Client) SealBid(id uint64, amt, escrow, feeBudget amount.Amount) (*coordinator.BidView, error) {
	status, err := c.Status()
	if err != nil {
		return nil, err
	}

	a, err := c.GetAuction(id)
	if err != nil {
		return nil, err
	}

	codec, err := timelock.NewCodec(status.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("load network key:\n%w", err)
	}

	ciphertext, err := codec.Encrypt(auction.SealAmount(amt), a.BiddingEndHeight, status.Height)
	if err != nil {
		return nil, fmt.Errorf("seal bid:\n%w", err)
	}

	return c.PlaceCiphertextBid(id, ciphertext, escrow, feeBudget)
}

func (c *Client) placeBid(id uint64, req api.PlaceBidRequest) (*coordinator.BidView, error) {
	var view coordinator.BidView
	if err := c.httpPostJSON(auctionPath(id, "/bids"), req, &view); err != nil {
		return nil, fmt.Errorf("place bid on %d:\n%w", id, err)
	}

	return &view, nil
}

// Reveal opens every sealed bid of an ended auction and returns how many
// changed state.
func (c *Client) Reveal(id uint64) (int, error) {
	var resp api.RevealResponse
	if err := c.httpPostJSON(auctionPath(id, "/reveal"), nil, &resp); err != nil {
		return 0, fmt.Errorf("reveal %d:\n%w", id, err)
	}

	return resp.Revealed, nil
}

// Finalize ends and settles an auction.
func (c *Client) Finalize(id uint64) (*coordinator.AuctionView, error) {
	var view coordinator.AuctionView
	if err := c.httpPostJSON(auctionPath(id, "/finalize"), nil, &view); err != nil {
		return nil, fmt.Errorf("finalize %d:\n%w", id, err)
	}

	return &view, nil
}

// Fulfill pays the winning price.
func (c *Client) Fulfill(id uint64, payment amount.Amount) (*coordinator.AuctionView, error) {
	var view coordinator.AuctionView
	if err := c.httpPostJSON(auctionPath(id, "/fulfill"), api.FulfillRequest{Payment: payment}, &view); err != nil {
		return nil, fmt.Errorf("fulfill %d:\n%w", id, err)
	}

	return &view, nil
}

// Withdraw pays out the client's refund obligation.
func (c *Client) Withdraw(id uint64) (amount.Amount, error) {
	var resp api.WithdrawResponse
	if err := c.httpPostJSON(auctionPath(id, "/withdraw"), nil, &resp); err != nil {
		return 0, fmt.Errorf("withdraw from %d:\n%w", id, err)
	}

	return resp.Amount, nil
}

// Refund returns what an auction owes bidder.
func (c *Client) Refund(id uint64, bidder string) (*coordinator.RefundView, error) {
	var view coordinator.RefundView
	if err := c.httpGet(auctionPath(id, "/refunds/"+url.PathEscape(bidder)), &view); err != nil {
		return nil, fmt.Errorf("get refund:\n%w", err)
	}

	return &view, nil
}

// Balance returns the ledger balance of account.
func (c *Client) Balance(account string) (amount.Amount, error) {
	var resp api.BalanceResponse
	if err := c.httpGet("/accounts/"+url.PathEscape(account), &resp); err != nil {
		return 0, fmt.Errorf("get balance:\n%w", err)
	}

	return resp.Balance, nil
}

// Faucet mints amt to account on nodes that enable it.
func (c *Client) Faucet(account string, amt amount.Amount) (uint64, error) {
	var resp api.FaucetResponse
	if err := c.httpPostJSON("/faucet", api.FaucetRequest{Account: account, Amount: amt}, &resp); err != nil {
		return 0, fmt.Errorf("faucet:\n%w", err)
	}

	return resp.Height, nil
}

// auctionPath returns the route of an auction with an optional suffix.
func auctionPath(id uint64, suffix string) string {
	return "/auctions/" + strconv.FormatUint(id, 10) + suffix
}
