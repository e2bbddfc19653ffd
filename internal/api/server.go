package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

// IdentityHeader carries the caller identity on every request.
const IdentityHeader = "X-Identity"

// Auctions is the coordinator surface served over HTTP.
type Auctions interface {
	Status() coordinator.Status
	CreateAuction(ctx context.Context, caller string, endHeight uint64) (*coordinator.AuctionView, error)
	CreateAuctionAt(ctx context.Context, caller string, endTime time.Time) (*coordinator.AuctionView, error)
	PlaceSealedBid(ctx context.Context, caller string, auctionID uint64, amt, feeBudget amount.Amount) (*coordinator.BidView, error)
	PlaceCiphertextBid(ctx context.Context, caller string, auctionID uint64, ciphertext []byte, escrow, feeBudget amount.Amount) (*coordinator.BidView, error)
	FinalizeAuction(ctx context.Context, caller string, auctionID uint64) (*coordinator.AuctionView, error)
	FulfillHighestBid(ctx context.Context, caller string, auctionID uint64, payment amount.Amount) (*coordinator.AuctionView, error)
	WithdrawRefund(ctx context.Context, caller string, auctionID uint64) (amount.Amount, error)
	Reveal(ctx context.Context, auctionID uint64) (int, error)
	GetAuction(ctx context.Context, auctionID uint64) (*coordinator.AuctionView, error)
	ListAuctions(ctx context.Context, f auction.Filter) ([]*coordinator.AuctionView, error)
	Bids(ctx context.Context, auctionID uint64) ([]*coordinator.BidView, error)
	Refund(ctx context.Context, auctionID uint64, bidder string) (*coordinator.RefundView, error)
	Balance(ctx context.Context, identity string) (amount.Amount, error)
}

// Minter credits accounts for the dev faucet.
type Minter interface {
	Mint(ctx context.Context, id string, amt amount.Amount) (*chain.Receipt, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	auctions Auctions            // auctions serves every auction route
	minter   Minter              // minter backs /faucet; nil disables it
	gatherer prometheus.Gatherer // gatherer backs /metrics; nil disables it
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP API server. minter and gatherer may be nil.
func New(addr string, auctions Auctions, minter Minter, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		auctions: auctions,
		minter:   minter,
		gatherer: gatherer,
	}
}

// Handler returns the router serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/auctions", func(r chi.Router) {
		r.Post("/", s.handleCreateAuction)
		r.Get("/", s.handleListAuctions)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAuction)
			r.Get("/bids", s.handleListBids)
			r.Post("/bids", s.handlePlaceBid)
			r.Post("/reveal", s.handleReveal)
			r.Post("/finalize", s.handleFinalize)
			r.Post("/fulfill", s.handleFulfill)
			r.Post("/withdraw", s.handleWithdraw)
			r.Get("/refunds/{bidder}", s.handleRefund)
		})
	})

	r.Get("/accounts/{account}", s.handleBalance)

	if s.minter != nil {
		r.Post("/faucet", s.handleFaucet)
	}

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr, "faucet", s.minter != nil)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// requestLogger logs every request at debug level once it is served.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			"id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.Timed(start),
		)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
