package driver

import (
	"time"

	"github.com/kilianp07/mqttio/core/coio"
	"github.com/kilianp07/mqttio/core/logger"
	"github.com/kilianp07/mqttio/core/metrics"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
	infracoio "github.com/kilianp07/mqttio/infra/coio"
	inframqtt "github.com/kilianp07/mqttio/infra/mqtt"
)

// DefaultMaintenanceInterval is how often PollOne runs the engine's
// keep-alive and retry step.
const DefaultMaintenanceInterval = 1200 * time.Millisecond

type options struct {
	factory  coremqtt.Factory
	waiter   coio.Waiter
	clock    func() time.Time
	log      logger.Logger
	sink     metrics.MetricsSink
	interval time.Duration
}

func defaultOptions() options {
	return options{
		factory:  inframqtt.NewFactory(),
		waiter:   infracoio.PollWaiter{},
		clock:    time.Now,
		log:      logger.NopLogger{},
		sink:     metrics.NopSink{},
		interval: DefaultMaintenanceInterval,
	}
}

// Option customises a Handle.
type Option func(*options)

// WithEngineFactory replaces the bundled engine.
func WithEngineFactory(f coremqtt.Factory) Option {
	return func(o *options) {
		if f != nil {
			o.factory = f
		}
	}
}

// WithWaiter replaces the poll(2) readiness wait.
func WithWaiter(w coio.Waiter) Option {
	return func(o *options) {
		if w != nil {
			o.waiter = w
		}
	}
}

// WithClock replaces time.Now for maintenance scheduling.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithLogger sets the logger used for handler failures and lifecycle events.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetricsSink records dispatch outcomes, and poll passes when the sink
// also implements metrics.PollRecorder.
func WithMetricsSink(s metrics.MetricsSink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithMaintenanceInterval changes how often the maintenance step runs.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}
