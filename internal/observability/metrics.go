// Package observability bundles the Prometheus metrics for a run: tick
// throughput and latency, run status, leaf outcomes, observer count and
// the index queue mirrors.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warebot.ai/internal/sim"
)

// RunCollector registers and drives the run metrics. It implements
// sim.StepMetrics so the engine can feed it directly.
type RunCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal    prometheus.Counter
	TickDuration  prometheus.Histogram
	CurrentTick   prometheus.Gauge
	RunStatus     *prometheus.GaugeVec
	RootResults   *prometheus.CounterVec
	Observers     prometheus.Gauge
	LeafOutcomes  *prometheus.CounterVec
	TraceFailures prometheus.Counter

	IndexQueueDepth    prometheus.Gauge
	IndexQueueCapacity prometheus.Gauge
	IndexTickDrops     prometheus.Gauge
	IndexRunDrops      prometheus.Gauge
}

// NewRunCollector registers the run metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Total number of evaluated ticks.",
	})
	ticks, err := registerCounter(reg, ticks, "sim_ticks_total")
	if err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall time of one root evaluation including trace and publish fan-out.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})
	duration, err = registerHistogram(reg, duration, "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	current, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_current_tick",
		Help: "Next tick number to be evaluated.",
	}), "sim_current_tick")
	if err != nil {
		return nil, err
	}

	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_run_status",
		Help: "Run status as a one-hot gauge, labeled by status.",
	}, []string{"status"})
	status, err = registerGaugeVec(reg, status, "sim_run_status")
	if err != nil {
		return nil, err
	}

	roots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_root_results_total",
		Help: "Root evaluation outcomes, labeled by boolean result.",
	}, []string{"result"})
	roots, err = registerCounterVec(reg, roots, "sim_root_results_total")
	if err != nil {
		return nil, err
	}

	observers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_observers",
		Help: "Number of attached feed watchers.",
	}), "sim_observers")
	if err != nil {
		return nil, err
	}

	leaves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_leaf_outcomes_total",
		Help: "Behavior-tree leaf outcomes, labeled by leaf name and result.",
	}, []string{"leaf", "ok"})
	leaves, err = registerCounterVec(reg, leaves, "sim_leaf_outcomes_total")
	if err != nil {
		return nil, err
	}

	traceFails := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_trace_write_failures_total",
		Help: "Tick records the trace sink failed to persist.",
	})
	traceFails, err = registerCounter(reg, traceFails, "sim_trace_write_failures_total")
	if err != nil {
		return nil, err
	}

	queueDepth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runindex_queue_depth",
		Help: "Buffered writes waiting for the index goroutine, as last polled.",
	}), "runindex_queue_depth")
	if err != nil {
		return nil, err
	}
	queueCap, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runindex_queue_capacity",
		Help: "Capacity of the index write queue.",
	}), "runindex_queue_capacity")
	if err != nil {
		return nil, err
	}
	tickDrops, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runindex_tick_drops",
		Help: "Cumulative tick rows dropped by the index queue, as last polled.",
	}), "runindex_tick_drops")
	if err != nil {
		return nil, err
	}
	runDrops, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runindex_run_drops",
		Help: "Cumulative run rows dropped by the index queue, as last polled.",
	}), "runindex_run_drops")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:           gatherer,
		TicksTotal:         ticks,
		TickDuration:       duration,
		CurrentTick:        current,
		RunStatus:          status,
		RootResults:        roots,
		Observers:          observers,
		LeafOutcomes:       leaves,
		TraceFailures:      traceFails,
		IndexQueueDepth:    queueDepth,
		IndexQueueCapacity: queueCap,
		IndexTickDrops:     tickDrops,
		IndexRunDrops:      runDrops,
	}, nil
}

// TickStepped implements sim.StepMetrics.
func (c *RunCollector) TickStepped(rec sim.TickRecord, d time.Duration) {
	if c == nil {
		return
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.CurrentTick != nil {
		c.CurrentTick.Set(float64(rec.Tick + 1))
	}
	if c.RunStatus != nil {
		for _, s := range []sim.Status{sim.StatusRunning, sim.StatusDelivered, sim.StatusCapReached} {
			v := 0.0
			if string(s) == rec.Status {
				v = 1
			}
			c.RunStatus.WithLabelValues(string(s)).Set(v)
		}
	}
	if c.RootResults != nil {
		c.RootResults.WithLabelValues(strconv.FormatBool(rec.Root)).Inc()
	}
	if c.LeafOutcomes != nil {
		for _, l := range rec.Leaves {
			c.LeafOutcomes.WithLabelValues(l.Name, strconv.FormatBool(l.OK)).Inc()
		}
	}
}

// ObserverCount implements sim.StepMetrics.
func (c *RunCollector) ObserverCount(n int) {
	if c == nil || c.Observers == nil {
		return
	}
	c.Observers.Set(float64(n))
}

// TraceWriteFailed implements sim.StepMetrics.
func (c *RunCollector) TraceWriteFailed() {
	if c == nil || c.TraceFailures == nil {
		return
	}
	c.TraceFailures.Inc()
}

// SetIndexQueue mirrors the index queue counters. Callers poll the
// index and push the values here.
func (c *RunCollector) SetIndexQueue(depth, capacity int, tickDrops, runDrops uint64) {
	if c == nil {
		return
	}
	if c.IndexQueueDepth != nil {
		c.IndexQueueDepth.Set(float64(depth))
	}
	if c.IndexQueueCapacity != nil {
		c.IndexQueueCapacity.Set(float64(capacity))
	}
	if c.IndexTickDrops != nil {
		c.IndexTickDrops.Set(float64(tickDrops))
	}
	if c.IndexRunDrops != nil {
		c.IndexRunDrops.Set(float64(runDrops))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RunCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
