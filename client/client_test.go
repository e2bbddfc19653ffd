package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/api"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/clock"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/storage"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// startNode serves a full node over httptest with the faucet enabled.
// The chain only advances when the test calls Advance.
func startNode(t *testing.T) (*chain.Chain, string) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ledger, err := chain.Open(db)
	if err != nil {
		db.Close()
		t.Fatalf("failed to open chain: %v", err)
	}

	t.Cleanup(func() {
		ledger.Close()
		db.Close()
	})

	seed, err := timelock.GenerateSeed()
	if err != nil {
		t.Fatalf("failed to generate seed: %v", err)
	}

	committee, err := timelock.NewCommittee(seed, 3)
	if err != nil {
		t.Fatalf("failed to create committee: %v", err)
	}

	network := timelock.NewNetwork(committee, ledger, timelock.DefaultFeeParams())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		network.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	reg := prometheus.NewRegistry()

	coord, err := coordinator.New(coordinator.DefaultConfig(), ledger, clock.New(ledger, time.Second), network, reg)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	t.Cleanup(coord.Stop)

	srv := httptest.NewServer(api.New("", coord, ledger, reg).Handler())
	t.Cleanup(srv.Close)

	return ledger, srv.URL
}

func TestAuctionLifecycle(t *testing.T) {
	ledger, url := startNode(t)
	ctx := context.Background()

	owner := NewClient(url, "owner")
	alice := owner.As("alice")
	bob := owner.As("bob")

	for _, c := range []*Client{alice, bob} {
		if _, err := c.Faucet(c.Identity(), amount.Whole(50)); err != nil {
			t.Fatalf("faucet for %s failed: %v", c.Identity(), err)
		}
	}

	status, err := owner.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	a, err := owner.CreateAuction(status.Height + 3)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// alice encrypts locally and over-escrows; bob lets the node encrypt.
	if _, err := alice.SealBid(a.ID, amount.Whole(5), amount.Whole(7), amount.Whole(1)); err != nil {
		t.Fatalf("alice bid failed: %v", err)
	}

	if _, err := bob.PlaceBid(a.ID, amount.Whole(8), amount.Whole(1)); err != nil {
		t.Fatalf("bob bid failed: %v", err)
	}

	bids, err := owner.Bids(a.ID)
	if err != nil {
		t.Fatalf("bids failed: %v", err)
	}

	for _, b := range bids {
		if b.Status != "sealed" || b.Amount != nil {
			t.Fatalf("bid %d visible before reveal: %+v", b.ID, b)
		}
	}

	if _, err := ledger.Advance(ctx, 3); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	n, err := owner.Reveal(a.ID)
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("revealed %d bids, want 2", n)
	}

	ended, err := owner.Finalize(a.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if ended.State != "ended" || ended.HighestBidAmount == nil || *ended.HighestBidAmount != amount.Whole(8) {
		t.Fatalf("unexpected settlement: %+v", ended)
	}

	if _, err := bob.Fulfill(a.ID, 0); err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	paid, err := alice.Withdraw(a.ID)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if paid != amount.Whole(7) {
		t.Errorf("alice withdrew %s, want 7", paid)
	}

	_, err = alice.Withdraw(a.ID)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("second withdraw returned %v, want APIError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Body.Code != "AlreadyWithdrawn" {
		t.Errorf("second withdraw = %d %s, want 409 AlreadyWithdrawn", apiErr.Status, apiErr.Body.Code)
	}

	bal, err := owner.Balance("owner")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if bal != amount.Whole(8) {
		t.Errorf("owner balance = %s, want 8", bal)
	}

	refund, err := owner.Refund(a.ID, "alice")
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if !refund.Withdrawn || !refund.HasBid {
		t.Errorf("unexpected refund view: %+v", refund)
	}

	ended2, err := owner.ListAuctions(auction.Filter{Ended: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ended2) != 1 || ended2[0].ID != a.ID {
		t.Errorf("ended auctions = %+v", ended2)
	}
}

func TestAPIErrors(t *testing.T) {
	_, url := startNode(t)
	c := NewClient(url, "alice")

	_, err := c.GetAuction(404)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Body.Kind != "not_found" {
		t.Errorf("got %d %s, want 404 not_found", apiErr.Status, apiErr.Body.Kind)
	}
	if apiErr.Retryable() {
		t.Error("not found should not be retryable")
	}

	_, err = c.CreateAuction(0)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("create without end = %v, want 400", err)
	}

	a, err := c.CreateAuction(5)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = c.PlaceBid(a.ID, amount.Whole(1), amount.Whole(1))
	if !errors.As(err, &apiErr) || apiErr.Body.Code != "InsufficientFunds" {
		t.Errorf("unfunded bid = %v, want InsufficientFunds", err)
	}
}

func TestNewClientBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080":         "http://127.0.0.1:8080",
		"http://node:9000/":      "http://node:9000",
		"https://auctions.local": "https://auctions.local",
	}

	for in, want := range cases {
		if got := NewClient(in, "x").baseURL; got != want {
			t.Errorf("NewClient(%q).baseURL = %q, want %q", in, got, want)
		}
	}
}
