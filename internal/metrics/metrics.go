package metrics

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the marketplace.
type Metrics struct {
	// HTTP request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Registry funnel metrics
	ProfilesRegisteredTotal prometheus.Counter
	ProfilesUpdatedTotal    prometheus.Counter
	OnchainRefreshesTotal   prometheus.Counter
	DiscoveryQueriesTotal   prometheus.Counter
	HiresCreatedTotal       prometheus.Counter
	RunsCreatedTotal        *prometheus.CounterVec
	RunsFinishedTotal       *prometheus.CounterVec
	RunDuration             *prometheus.HistogramVec

	// Paywall metrics
	ChallengesIssuedTotal prometheus.Counter
	ChallengesSweptTotal  prometheus.Counter
	VerificationsTotal    *prometheus.CounterVec
	SettlementsTotal      *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
	ReplaysBlockedTotal   prometheus.Counter

	// Spend authorization metrics
	SpendAuthConsumesTotal *prometheus.CounterVec

	// External call metrics (facilitator, on-chain RPC)
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Idempotency metrics
	IdempotentReplaysTotal    prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Funnel counters mirrored as atomics so the registry metrics
	// endpoint can report a point-in-time snapshot without scraping
	// the Prometheus registry.
	profilesRegistered atomic.Uint64
	profilesUpdated    atomic.Uint64
	onchainRefreshes   atomic.Uint64
	discoveryQueries   atomic.Uint64
	hiresCreated       atomic.Uint64
	runsCreated        atomic.Uint64
}

// Snapshot is a point-in-time view of the registry funnel counters,
// served as JSON by the marketplace metrics endpoint.
type Snapshot struct {
	ProfilesRegistered uint64 `json:"profiles_registered"`
	ProfilesUpdated    uint64 `json:"profiles_updated"`
	OnchainRefreshes   uint64 `json:"onchain_refreshes"`
	DiscoveryQueries   uint64 `json:"discovery_queries"`
	HiresCreated       uint64 `json:"hires_created"`
	RunsCreated        uint64 `json:"runs_created"`
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// HTTP request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_request_duration_seconds",
				Help:    "Time taken to handle an HTTP request (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route", "method"},
		),

		// Registry funnel metrics
		ProfilesRegisteredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_profiles_registered_total",
				Help: "Total number of agent profiles registered or upserted",
			},
		),
		ProfilesUpdatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_profiles_updated_total",
				Help: "Total number of operator profile patches applied",
			},
		),
		OnchainRefreshesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_onchain_refreshes_total",
				Help: "Total number of on-chain reconciliation refreshes",
			},
		),
		DiscoveryQueriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_discovery_queries_total",
				Help: "Total number of discovery queries served",
			},
		),
		HiresCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_hires_created_total",
				Help: "Total number of hires created",
			},
		),
		RunsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_runs_created_total",
				Help: "Total number of runs accepted into the pipeline",
			},
			[]string{"billable"},
		),
		RunsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_runs_finished_total",
				Help: "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_run_duration_seconds",
				Help:    "Time from run acceptance to terminal status",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"agent_type"},
		),

		// Paywall metrics
		ChallengesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_paywall_challenges_issued_total",
				Help: "Total number of x402 challenges issued",
			},
		),
		ChallengesSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_paywall_challenges_swept_total",
				Help: "Total number of expired challenges removed by the sweeper",
			},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_paywall_verifications_total",
				Help: "Total number of payment verifications by outcome",
			},
			[]string{"outcome", "reason"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_paywall_settlements_total",
				Help: "Total number of settlement attempts by mode and result",
			},
			[]string{"mode", "status"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_settlement_duration_seconds",
				Help:    "Time from settlement submission to confirmation",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network"},
		),
		ReplaysBlockedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_paywall_replays_blocked_total",
				Help: "Total number of payment replays rejected by the replay registry",
			},
		),

		// Spend authorization metrics
		SpendAuthConsumesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_spend_auth_consumes_total",
				Help: "Total number of spend authorization consume attempts",
			},
			[]string{"outcome"},
		),

		// External call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_rpc_calls_total",
				Help: "Total number of calls to external services",
			},
			[]string{"service", "operation"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_rpc_call_duration_seconds",
				Help:    "Duration of calls to external services (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"service", "operation"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_rpc_errors_total",
				Help: "Total number of external service call errors",
			},
			[]string{"service", "operation", "error_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloak_rate_limit_hits_total",
				Help: "Total number of requests denied by rate limiting",
			},
			[]string{"scope"},
		),

		// Idempotency metrics
		IdempotentReplaysTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_idempotent_replays_total",
				Help: "Total number of responses served from the idempotency cache",
			},
		),
		IdempotencyConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cloak_idempotency_conflicts_total",
				Help: "Total number of idempotency key reuses with a different request",
			},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloak_db_query_duration_seconds",
				Help:    "Duration of database queries (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cloak_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveRequest records a handled HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveProfileRegistered records a profile registration or upsert.
func (m *Metrics) ObserveProfileRegistered() {
	m.ProfilesRegisteredTotal.Inc()
	m.profilesRegistered.Add(1)
}

// ObserveProfileUpdated records an operator patch to a profile.
func (m *Metrics) ObserveProfileUpdated() {
	m.ProfilesUpdatedTotal.Inc()
	m.profilesUpdated.Add(1)
}

// ObserveOnchainRefresh records an on-chain reconciliation refresh.
func (m *Metrics) ObserveOnchainRefresh() {
	m.OnchainRefreshesTotal.Inc()
	m.onchainRefreshes.Add(1)
}

// ObserveDiscoveryQuery records a discovery query that reached the
// ranking stage. Rate-limited denials never reach it and are not counted.
func (m *Metrics) ObserveDiscoveryQuery() {
	m.DiscoveryQueriesTotal.Inc()
	m.discoveryQueries.Add(1)
}

// ObserveHireCreated records a newly created hire.
func (m *Metrics) ObserveHireCreated() {
	m.HiresCreatedTotal.Inc()
	m.hiresCreated.Add(1)
}

// ObserveRunCreated records a run accepted into the pipeline.
func (m *Metrics) ObserveRunCreated(billable bool) {
	label := "false"
	if billable {
		label = "true"
	}
	m.RunsCreatedTotal.WithLabelValues(label).Inc()
	m.runsCreated.Add(1)
}

// ObserveRunFinished records a run reaching a terminal status.
func (m *Metrics) ObserveRunFinished(status, agentType string, duration time.Duration) {
	m.RunsFinishedTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// ObserveChallengeIssued records an issued x402 challenge.
func (m *Metrics) ObserveChallengeIssued() {
	m.ChallengesIssuedTotal.Inc()
}

// ObserveChallengesSwept records expired challenges removed by the sweeper.
func (m *Metrics) ObserveChallengesSwept(count int) {
	if count <= 0 {
		return
	}
	m.ChallengesSweptTotal.Add(float64(count))
}

// ObserveVerification records a payment verification outcome. Accepted
// verifications carry reason "none".
func (m *Metrics) ObserveVerification(accepted bool, reason string) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	if reason == "" {
		reason = "none"
	}
	m.VerificationsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveSettlement records a settlement attempt.
func (m *Metrics) ObserveSettlement(mode, status, network string, duration time.Duration) {
	m.SettlementsTotal.WithLabelValues(mode, status).Inc()
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveReplayBlocked records a payment replay rejected by the replay registry.
func (m *Metrics) ObserveReplayBlocked() {
	m.ReplaysBlockedTotal.Inc()
}

// ObserveSpendAuthConsume records a spend authorization consume attempt.
func (m *Metrics) ObserveSpendAuthConsume(outcome string) {
	m.SpendAuthConsumesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRPCCall records a call to an external service (facilitator or
// on-chain RPC) with duration and error categorization.
func (m *Metrics) ObserveRPCCall(service, operation string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(service, operation).Inc()
	m.RPCCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())

	if err != nil {
		errorType := categorizeError(err)
		m.RPCErrorsTotal.WithLabelValues(service, operation, errorType).Inc()
	}
}

// ObserveRateLimit records a rate limit denial.
func (m *Metrics) ObserveRateLimit(scope string) {
	m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// ObserveIdempotentReplay records a response served from the idempotency cache.
func (m *Metrics) ObserveIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// ObserveIdempotencyConflict records an idempotency key reuse with a
// different request hash.
func (m *Metrics) ObserveIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
}

// ObserveDBQuery records database query duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// Snapshot returns the current funnel counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ProfilesRegistered: m.profilesRegistered.Load(),
		ProfilesUpdated:    m.profilesUpdated.Load(),
		OnchainRefreshes:   m.onchainRefreshes.Load(),
		DiscoveryQueries:   m.discoveryQueries.Load(),
		HiresCreated:       m.hiresCreated.Load(),
		RunsCreated:        m.runsCreated.Load(),
	}
}

// categorizeError buckets external call errors into coarse types for
// the error counter.
func categorizeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused"):
		return "connection"
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429"):
		return "rate_limit"
	case strings.Contains(msg, "circuit"):
		return "circuit_open"
	default:
		return "other"
	}
}
