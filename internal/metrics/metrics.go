// Package metrics exposes Prometheus instruments for detection and trading units.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_signals_total", Help: "Anomaly signals emitted by the detector"},
		[]string{"kind"},
	)
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_scans_total", Help: "Detector polls by outcome"},
		[]string{"result"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_orders_total", Help: "Order placements by side, type and outcome"},
		[]string{"side", "type", "result"},
	)
	GatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_gateway_retries_total", Help: "Retried gateway operations"},
		[]string{"op"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_trades_total", Help: "Finished pump trades by final state"},
		[]string{"state"},
	)
	ActiveTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pumpwatch_active_trades", Help: "Trade units currently running"},
	)
	RealizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pumpwatch_realized_profit_quote", Help: "Realized profit in quote currency"},
		[]string{"strategy"},
	)
	SpreadEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_spread_events_total", Help: "Spread capture outcomes (capture, abandon, flatten)"},
		[]string{"event"},
	)
	AlertsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_alerts_dropped_total", Help: "Items dropped by a bounded queue on overflow"},
		[]string{"queue"},
	)
	UnitFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pumpwatch_unit_faults_total", Help: "Recovered panics and errors of trading units"},
		[]string{"unit"},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsTotal, ScansTotal, OrdersTotal, GatewayRetriesTotal, TradesTotal,
		ActiveTrades, RealizedProfit, SpreadEventsTotal, AlertsDroppedTotal, UnitFaultsTotal,
	)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
