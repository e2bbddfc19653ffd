package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
)

// maxBodySize bounds request bodies. Ciphertexts are well below it.
const maxBodySize = 64 << 10

// CreateAuctionRequest opens an auction. Exactly one of the fields is set.
type CreateAuctionRequest struct {
	BiddingEndHeight uint64     `json:"biddingEndHeight,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
}

// PlaceBidRequest places a bid. Amount asks the server to encrypt;
// Ciphertext places a bid the caller encrypted with Escrow attached.
type PlaceBidRequest struct {
	Amount     *amount.Amount `json:"amount,omitempty"`
	Ciphertext []byte         `json:"ciphertext,omitempty"`
	Escrow     amount.Amount  `json:"escrow"`
	FeeBudget  amount.Amount  `json:"feeBudget"`
}

// FulfillRequest pays the winning price.
type FulfillRequest struct {
	Payment amount.Amount `json:"payment"`
}

// FaucetRequest mints test funds.
type FaucetRequest struct {
	Account string        `json:"account"`
	Amount  amount.Amount `json:"amount"`
}

// WithdrawResponse reports a paid refund.
type WithdrawResponse struct {
	AuctionID uint64        `json:"auctionId"`
	Bidder    string        `json:"bidder"`
	Amount    amount.Amount `json:"amount"`
}

// RevealResponse reports a manual reveal.
type RevealResponse struct {
	AuctionID uint64 `json:"auctionId"`
	Revealed  int    `json:"revealed"`
}

// BalanceResponse reports an account balance.
type BalanceResponse struct {
	Account string        `json:"account"`
	Balance amount.Amount `json:"balance"`
}

// FaucetResponse reports a mint.
type FaucetResponse struct {
	Account string        `json:"account"`
	Amount  amount.Amount `json:"amount"`
	Height  uint64        `json:"height"`
}

// validate checks that exactly one end is given.
func (r *CreateAuctionRequest) validate() error {
	if (r.BiddingEndHeight == 0) == (r.EndTime == nil) {
		return errors.New("exactly one of biddingEndHeight and endTime is required")
	}

	return nil
}

// validate checks that exactly one bid form is given.
func (r *PlaceBidRequest) validate() error {
	if (r.Amount == nil) == (len(r.Ciphertext) == 0) {
		return errors.New("exactly one of amount and ciphertext is required")
	}

	if r.Amount != nil && r.Escrow != 0 {
		return errors.New("escrow is the amount for server-encrypted bids")
	}

	return nil
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return fmt.Errorf("invalid body: %v", err)
	}

	return nil
}

// auctionID parses the {id} path parameter.
func auctionID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid auction id %q", raw)
	}

	return id, nil
}

// caller returns the identity the request is made as.
func caller(r *http.Request) string {
	return r.Header.Get(IdentityHeader)
}

// queryFlag reads a boolean query parameter; absent means false.
func queryFlag(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s flag %q", name, raw)
	}

	return v, nil
}
