package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auctions.Status())
}

// handleCreateAuction handles POST /auctions requests.
func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		view *coordinator.AuctionView
		err  error
	)

	if req.EndTime != nil {
		view, err = s.auctions.CreateAuctionAt(r.Context(), caller(r), *req.EndTime)
	} else {
		view, err = s.auctions.CreateAuction(r.Context(), caller(r), req.BiddingEndHeight)
	}

	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// handleListAuctions handles GET /auctions requests.
func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	var (
		f   auction.Filter
		err error
	)

	for name, dst := range map[string]*bool{"active": &f.Active, "closed": &f.BiddingClosed, "ended": &f.Ended} {
		if *dst, err = queryFlag(r, name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	f.OwnedBy = r.URL.Query().Get("owner")

	views, err := s.auctions.ListAuctions(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetAuction handles GET /auctions/{id} requests.
func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.auctions.GetAuction(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleListBids handles GET /auctions/{id}/bids requests.
func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := s.auctions.Bids(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handlePlaceBid handles POST /auctions/{id}/bids requests.
func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req PlaceBidRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var view *coordinator.BidView

	if req.Amount != nil {
		view, err = s.auctions.PlaceSealedBid(r.Context(), caller(r), id, *req.Amount, req.FeeBudget)
	} else {
		view, err = s.auctions.PlaceCiphertextBid(r.Context(), caller(r), id, req.Ciphertext, req.Escrow, req.FeeBudget)
	}

	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// handleReveal handles POST /auctions/{id}/reveal requests.
func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.auctions.Reveal(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RevealResponse{AuctionID: id, Revealed: n})
}

// handleFinalize handles POST /auctions/{id}/finalize requests.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.auctions.FinalizeAuction(r.Context(), caller(r), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleFulfill handles POST /auctions/{id}/fulfill requests.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req FulfillRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.auctions.FulfillHighestBid(r.Context(), caller(r), id, req.Payment)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleWithdraw handles POST /auctions/{id}/withdraw requests.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	paid, err := s.auctions.WithdrawRefund(r.Context(), caller(r), id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WithdrawResponse{
		AuctionID: id,
		Bidder:    chain.NormalizeIdentity(caller(r)),
		Amount:    paid,
	})
}

// handleRefund handles GET /auctions/{id}/refunds/{bidder} requests.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := auctionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.auctions.Refund(r.Context(), id, chi.URLParam(r, "bidder"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleBalance handles GET /accounts/{account} requests.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	bal, err := s.auctions.Balance(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{Account: chain.NormalizeIdentity(account), Balance: bal})
}

// handleFaucet handles POST /faucet requests.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Account == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "account and a positive amount are required")
		return
	}

	receipt, err := s.minter.Mint(r.Context(), req.Account, req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}

	logger.Info("faucet mint", "account", req.Account, "amount", req.Amount, "height", receipt.Height)

	writeJSON(w, http.StatusOK, FaucetResponse{
		Account: chain.NormalizeIdentity(req.Account),
		Amount:  req.Amount,
		Height:  receipt.Height,
	})
}
