package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	AuctionsCreated   prometheus.Counter
	BidsPlaced        prometheus.Counter
	Reveals           *prometheus.CounterVec // Reveals is labelled by outcome
	AuctionsFinalized *prometheus.CounterVec // AuctionsFinalized is labelled by whether there was a winner
	Payments          prometheus.Counter
	RefundsWithdrawn  prometheus.Counter
	Errors            *prometheus.CounterVec // Errors is labelled by operation and error code
	CacheLookups      *prometheus.CounterVec // CacheLookups is labelled hit or miss
	WatchedAuctions   prometheus.Gauge
}

// NewMetrics registers the coordinator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AuctionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "auctions_created_total",
			Help:      "Auctions created.",
		}),
		BidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "bids_placed_total",
			Help:      "Sealed bids accepted by the ledger.",
		}),
		Reveals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "reveals_total",
			Help:      "Bid reveals by outcome.",
		}, []string{"outcome"}),
		AuctionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "auctions_finalized_total",
			Help:      "Auctions finalized.",
		}, []string{"winner"}),
		Payments: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "payments_total",
			Help:      "Winning bids paid.",
		}),
		RefundsWithdrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "refunds_withdrawn_total",
			Help:      "Refund obligations withdrawn.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "operation_errors_total",
			Help:      "Failed coordinator operations by error code.",
		}, []string{"op", "code"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealedbid",
			Name:      "view_cache_lookups_total",
			Help:      "Auction view cache lookups.",
		}, []string{"result"}),
		WatchedAuctions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sealedbid",
			Name:      "watched_auctions",
			Help:      "Auctions waiting for their decryption key.",
		}),
	}
}

// observe counts err against op and returns it unchanged.
func (m *Metrics) observe(op string, err error) error {
	if err == nil {
		return nil
	}

	code := auction.CodeOf(err)
	if code == "" {
		code = "Internal"
		if errors.Is(err, timelock.ErrUnavailable) {
			code = "Unavailable"
		}
	}

	m.Errors.WithLabelValues(op, code).Inc()

	return err
}
