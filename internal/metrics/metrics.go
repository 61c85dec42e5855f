package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dropline server.
type Metrics struct {
	// Reservation metrics
	ReservationsTotal   *prometheus.CounterVec
	BasketReleasesTotal *prometheus.CounterVec
	ReservedClampsTotal prometheus.Counter

	// Payment metrics
	DepositsCreatedTotal *prometheus.CounterVec
	IPNEventsTotal       *prometheus.CounterVec
	FinalizeTotal        *prometheus.CounterVec
	FinalizeRetriesTotal prometheus.Counter
	FinalizeDuration     prometheus.Histogram
	PaidAmountTotal      *prometheus.CounterVec

	// Delivery metrics
	DeliveriesTotal *prometheus.CounterVec

	// Discount metrics
	DiscountAppliesTotal *prometheus.CounterVec

	// Price oracle metrics
	PriceFetchesTotal  *prometheus.CounterVec
	PriceCacheHits     *prometheus.CounterVec
	PriceFetchDuration *prometheus.HistogramVec

	// Bot fleet metrics
	FleetProbesTotal    *prometheus.CounterVec
	FleetFailoversTotal *prometheus.CounterVec
	OutboundSendsTotal  *prometheus.CounterVec
	BotUpdatesTotal     *prometheus.CounterVec

	// Job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Chain watcher metrics
	ChainTransfersTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBBusyRetries   prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_reservations_total",
				Help: "Total basket reservation attempts",
			},
			[]string{"outcome"}, // reserved, out_of_stock, error
		),
		BasketReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_basket_releases_total",
				Help: "Total basket entry releases",
			},
			[]string{"reason"}, // removed, expired, snapshot, restored
		),
		ReservedClampsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropline_reserved_clamps_total",
				Help: "Times a release found reserved already at zero",
			},
		),

		DepositsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_deposits_created_total",
				Help: "Total pending deposits created",
			},
			[]string{"kind"}, // purchase, refill
		),
		IPNEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_ipn_events_total",
				Help: "Total IPN webhook events by kind and handling outcome",
			},
			[]string{"kind", "outcome"},
		),
		FinalizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_finalize_total",
				Help: "Total purchase finalize attempts",
			},
			[]string{"outcome"}, // committed, partial, underpaid, already_processed, failed
		),
		FinalizeRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropline_finalize_retries_total",
				Help: "Total finalize retry attempts after a failed commit",
			},
		),
		FinalizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dropline_finalize_duration_seconds",
				Help:    "Time from IPN receipt to finalize commit",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		PaidAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_paid_amount_cents_total",
				Help: "Total EUR cents received, by settlement outcome",
			},
			[]string{"outcome"}, // purchase, refill, underpayment_refund, overpayment_credit
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_deliveries_total",
				Help: "Total delivery dispatches to customers",
			},
			[]string{"outcome"}, // sent, failed, blocked
		),

		DiscountAppliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_discount_applies_total",
				Help: "Total discount code apply attempts",
			},
			[]string{"outcome"}, // applied, rejected, limit_reached, detached
		),

		PriceFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_price_fetches_total",
				Help: "Total live price fetches by provider",
			},
			[]string{"provider", "outcome"},
		),
		PriceCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_price_cache_hits_total",
				Help: "Price lookups served per cache layer",
			},
			[]string{"layer"}, // memory, durable, live, stale, unavailable
		),
		PriceFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropline_price_fetch_duration_seconds",
				Help:    "Live price fetch duration",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
			},
			[]string{"provider"},
		),

		FleetProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_fleet_probes_total",
				Help: "Bot identity probe results",
			},
			[]string{"outcome"}, // ok, auth_invalid, transient
		),
		FleetFailoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_fleet_failovers_total",
				Help: "Bot token failover attempts",
			},
			[]string{"outcome"}, // promoted, exhausted, failed
		),
		OutboundSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_outbound_sends_total",
				Help: "Outbound Telegram sends",
			},
			[]string{"kind", "outcome"},
		),
		BotUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_bot_updates_total",
				Help: "Inbound Telegram updates by kind",
			},
			[]string{"kind"}, // message, callback, ignored, unknown_action
		),

		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_job_runs_total",
				Help: "Periodic job executions",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropline_job_duration_seconds",
				Help:    "Periodic job execution duration",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"job"},
		),

		ChainTransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_chain_transfers_total",
				Help: "Inbound transfers seen by the watched-wallet poller",
			},
			[]string{"outcome"}, // matched, unmatched, settle_failed
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropline_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"route", "method"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropline_rate_limit_hits_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropline_db_query_duration_seconds",
				Help:    "Store operation duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
		DBBusyRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropline_db_busy_retries_total",
				Help: "Store operations retried after a busy/locked error",
			},
		),
	}
}

// ObserveReservation records a basket reservation attempt.
func (m *Metrics) ObserveReservation(outcome string) {
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRelease records a basket entry release with its reason.
func (m *Metrics) ObserveRelease(reason string, clamped bool) {
	m.BasketReleasesTotal.WithLabelValues(reason).Inc()
	if clamped {
		m.ReservedClampsTotal.Inc()
	}
}

// ObserveDeposit records a created pending deposit by kind.
func (m *Metrics) ObserveDeposit(kind string) {
	m.DepositsCreatedTotal.WithLabelValues(kind).Inc()
}

// ObserveIPN records a webhook event and how it was handled.
func (m *Metrics) ObserveIPN(kind, outcome string) {
	m.IPNEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFinalizeRetry records one finalize retry after a failed commit.
func (m *Metrics) ObserveFinalizeRetry() {
	m.FinalizeRetriesTotal.Inc()
}

// ObserveFinalize records a finalize attempt and, when it committed, the
// time from IPN receipt to commit.
func (m *Metrics) ObserveFinalize(outcome string, duration time.Duration) {
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
	if outcome == "committed" || outcome == "partial" {
		m.FinalizeDuration.Observe(duration.Seconds())
	}
}

// ObservePaid records settled EUR cents by outcome.
func (m *Metrics) ObservePaid(outcome string, cents int64) {
	m.PaidAmountTotal.WithLabelValues(outcome).Add(float64(cents))
}

// ObserveDelivery records a delivery dispatch outcome.
func (m *Metrics) ObserveDelivery(outcome string) {
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDiscountApply records a code apply attempt.
func (m *Metrics) ObserveDiscountApply(outcome string) {
	m.DiscountAppliesTotal.WithLabelValues(outcome).Inc()
}

// ObservePriceFetch records a live provider fetch.
func (m *Metrics) ObservePriceFetch(provider string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PriceFetchesTotal.WithLabelValues(provider, outcome).Inc()
	m.PriceFetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObservePriceLayer records which cache layer served a price lookup.
func (m *Metrics) ObservePriceLayer(layer string) {
	m.PriceCacheHits.WithLabelValues(layer).Inc()
}

// ObserveProbe records a bot identity probe result.
func (m *Metrics) ObserveProbe(outcome string) {
	m.FleetProbesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFailover records a failover attempt result.
func (m *Metrics) ObserveFailover(outcome string) {
	m.FleetFailoversTotal.WithLabelValues(outcome).Inc()
}

// ObserveSend records an outbound Telegram send.
func (m *Metrics) ObserveSend(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OutboundSendsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveUpdate records an inbound Telegram update by kind.
func (m *Metrics) ObserveUpdate(kind string) {
	m.BotUpdatesTotal.WithLabelValues(kind).Inc()
}

// ObserveJob records a periodic job run.
func (m *Metrics) ObserveJob(job string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveChainTransfer records one inbound transfer seen on the watched
// wallet and how it was resolved.
func (m *Metrics) ObserveChainTransfer(outcome string) {
	m.ChainTransfersTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records a completed HTTP request.
func (m *Metrics) ObserveHTTP(route, method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a store operation.
func (m *Metrics) ObserveDBQuery(operation string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
