package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/mqttio/core/metrics"
)

// PromSink records driver activity in Prometheus metrics.
type PromSink struct {
	dispatches  *prometheus.CounterVec
	polls       *prometheus.CounterVec
	pollLatency prometheus.Histogram
	maintenance prometheus.Counter
}

// NewPromSink registers driver metrics on the default Prometheus registerer.
// The HTTP endpoint is served separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by an earlier sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttio_dispatch_events_total",
		Help: "Engine events handed to the dispatch bridge, by kind and outcome",
	}, []string{"kind", "outcome"})
	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttio_polls_total",
		Help: "Event loop passes, by readiness and result",
	}, []string{"ready", "ok"})
	pollLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqttio_poll_duration_seconds",
		Help:    "Time spent in one event loop pass including the readiness wait",
		Buckets: prometheus.DefBuckets,
	})
	maintenance := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqttio_maintenance_runs_total",
		Help: "Number of keep-alive/retry maintenance steps run",
	})

	var err error
	if dispatches, err = register(reg, dispatches); err != nil {
		return nil, err
	}
	if polls, err = register(reg, polls); err != nil {
		return nil, err
	}
	if pollLatency, err = register(reg, pollLatency); err != nil {
		return nil, err
	}
	if maintenance, err = register(reg, maintenance); err != nil {
		return nil, err
	}
	return &PromSink{dispatches: dispatches, polls: polls, pollLatency: pollLatency, maintenance: maintenance}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordDispatch increments the dispatch counter.
func (s *PromSink) RecordDispatch(ev coremetrics.DispatchEvent) error {
	s.dispatches.WithLabelValues(ev.Kind, ev.Outcome).Inc()
	return nil
}

// RecordPoll records one event loop pass.
func (s *PromSink) RecordPoll(ev coremetrics.PollEvent) error {
	s.polls.WithLabelValues(ev.Ready, strconv.FormatBool(ev.OK)).Inc()
	s.pollLatency.Observe(ev.Duration.Seconds())
	if ev.Maintenance {
		s.maintenance.Inc()
	}
	return nil
}
