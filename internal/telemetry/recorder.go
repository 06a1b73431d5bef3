package telemetry

import (
	"context"
	"net/http"

	"trapwatch/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trapwatch"

// Recorder turns lane events into Prometheus series. It is both a
// notification sink and the lanes' error counter.
type Recorder struct {
	registry *prometheus.Registry

	features       *prometheus.CounterVec
	lastMid        *prometheus.GaugeVec
	spread         *prometheus.GaugeVec
	signalsOpened  *prometheus.CounterVec
	signalsClosed  *prometheus.CounterVec
	pnl            *prometheus.HistogramVec
	alerts         *prometheus.CounterVec
	pipelineErrors *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		features: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "features_total", Help: "Features computed per lane."},
			[]string{"source", "ticker"},
		),
		lastMid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "mid_price", Help: "Latest mid price per lane."},
			[]string{"source", "ticker"},
		),
		spread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "spread_bps", Help: "Latest bid/ask spread per lane."},
			[]string{"source", "ticker"},
		),
		signalsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_opened_total", Help: "Signals that passed every filter."},
			[]string{"source", "ticker", "side"},
		),
		signalsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_closed_total", Help: "Signals closed, by outcome."},
			[]string{"source", "ticker", "status"},
		),
		pnl: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "signal_pnl_bps",
				Help:      "Realised pnl of closed signals in basis points.",
				Buckets:   []float64{-100, -50, -25, -10, 0, 10, 25, 50, 100, 200},
			},
			[]string{"ticker", "status"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "alerts_total", Help: "Alerts raised."},
			[]string{"type", "priority"},
		),
		pipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "pipeline_errors_total", Help: "Per-tick failures swallowed by lanes."},
			[]string{"source", "ticker", "stage"},
		),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.features, r.lastMid, r.spread, r.signalsOpened, r.signalsClosed, r.pnl, r.alerts, r.pipelineErrors,
	)
	return r
}

func (r *Recorder) Name() string { return "prometheus" }

func (r *Recorder) Deliver(_ context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventFeature:
		if ev.Feature == nil {
			return nil
		}
		r.features.WithLabelValues(ev.Source, ev.Ticker).Inc()
		r.lastMid.WithLabelValues(ev.Source, ev.Ticker).Set(ev.Feature.Mid)
		if ev.Feature.SpreadBps != nil {
			r.spread.WithLabelValues(ev.Source, ev.Ticker).Set(*ev.Feature.SpreadBps)
		}
	case domain.EventSignalOpened:
		if ev.Signal != nil {
			r.signalsOpened.WithLabelValues(ev.Source, ev.Ticker, string(ev.Signal.Side)).Inc()
		}
	case domain.EventSignalClosed:
		if ev.Signal == nil {
			return nil
		}
		status := string(ev.Signal.Status)
		r.signalsClosed.WithLabelValues(ev.Source, ev.Ticker, status).Inc()
		if ev.Signal.ResultPnlBps != nil {
			r.pnl.WithLabelValues(ev.Ticker, status).Observe(*ev.Signal.ResultPnlBps)
		}
	case domain.EventAlert:
		if ev.Alert != nil {
			r.alerts.WithLabelValues(string(ev.Alert.Type), string(ev.Alert.Priority)).Inc()
		}
	}
	return nil
}

func (r *Recorder) PipelineError(lane domain.Lane, stage string) {
	r.pipelineErrors.WithLabelValues(lane.Source, lane.Ticker, stage).Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
