package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"amm-sandbox/internal/engine"
	"amm-sandbox/internal/model"
)

// Metrics holds the sandbox's Prometheus collectors. It satisfies
// engine.Observer and notify.Stats.
type Metrics struct {
	// --- Trading ---
	TradesExecuted *prometheus.CounterVec
	TradesRejected *prometheus.CounterVec
	QuoteVolume    *prometheus.CounterVec
	Price          *prometheus.GaugeVec
	TokenReserves  *prometheus.GaugeVec
	QuoteReserves  *prometheus.GaugeVec

	// --- Generator ---
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunsActive   *prometheus.GaugeVec

	// --- Delivery ---
	NotificationsDropped *prometheus.CounterVec
	DeliveryFailures     *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_trades_executed_total",
			Help: "Trades applied to a market",
		}, []string{"market", "side"}),

		TradesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_trades_rejected_total",
			Help: "Trades rejected before any state change",
		}, []string{"market", "side", "reason"}),

		QuoteVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_quote_volume_total",
			Help: "Quote paid in by buys and paid out by sells",
		}, []string{"market", "side"}),

		Price: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amm_price",
			Help: "Spot price in quote per token",
		}, []string{"market"}),

		TokenReserves: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amm_token_reserves",
			Help: "Token side of the pool",
		}, []string{"market"}),

		QuoteReserves: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amm_quote_reserves",
			Help: "Quote side of the pool",
		}, []string{"market"}),

		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_generator_runs_started_total",
			Help: "Random trade runs started",
		}, []string{"market"}),

		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_generator_runs_finished_total",
			Help: "Random trade runs finished, by final status",
		}, []string{"market", "status"}),

		RunsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amm_generator_runs_active",
			Help: "Random trade runs in progress",
		}, []string{"market"}),

		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_notifications_dropped_total",
			Help: "Order notifications dropped because a sink queue was full",
		}, []string{"sink"}),

		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_notification_delivery_failures_total",
			Help: "Order notifications a sink failed to accept",
		}, []string{"sink"}),
	}
}

func (m *Metrics) TradeExecuted(t model.Trade, r model.Reserves) {
	side := string(t.Type)
	m.TradesExecuted.WithLabelValues(t.MarketKey, side).Inc()
	quote := t.AmountIn
	if t.Type == model.SideSell {
		quote = t.AmountOut
	}
	m.QuoteVolume.WithLabelValues(t.MarketKey, side).Add(quote)
	m.Price.WithLabelValues(t.MarketKey).Set(t.Price)
	m.TokenReserves.WithLabelValues(t.MarketKey).Set(r.Token)
	m.QuoteReserves.WithLabelValues(t.MarketKey).Set(r.Quote)
}

func (m *Metrics) TradeRejected(market string, side model.Side, err error) {
	m.TradesRejected.WithLabelValues(market, string(side), Reason(err)).Inc()
}

func (m *Metrics) RunStarted(market string) {
	m.RunsStarted.WithLabelValues(market).Inc()
	m.RunsActive.WithLabelValues(market).Inc()
}

func (m *Metrics) RunFinished(market string, status model.RunStatus) {
	m.RunsFinished.WithLabelValues(market, string(status)).Inc()
	m.RunsActive.WithLabelValues(market).Dec()
}

func (m *Metrics) NotificationDropped(sink string) {
	m.NotificationsDropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) DeliveryFailed(sink string) { m.DeliveryFailures.WithLabelValues(sink).Inc() }

// Reason turns an engine error into a bounded label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, engine.ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, engine.ErrNoFeasibleWallet):
		return "no_feasible_wallet"
	case errors.Is(err, engine.ErrInvalidRegime):
		return "invalid_regime"
	default:
		return "other"
	}
}
