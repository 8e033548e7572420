package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"traffic-state/internal/platform/metrics"
)

// DefaultBroadcastInterval is the default snapshot cadence.
const DefaultBroadcastInterval = 250 * time.Millisecond

// Sink receives every snapshot the Aggregator builds. Publish must not
// block on slow consumers; the aggregator calls sinks in turn on its tick.
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap Snapshot) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// AggregatorOptions configure an Aggregator.
type AggregatorOptions struct {
	Interval   time.Duration
	Thresholds Thresholds
	WindowSec  float64
	Clock      func() float64
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Aggregator collects the latest measurement of every live source on a
// fixed cadence and hands one consolidated Snapshot to its sinks. It never
// waits on a worker.
type Aggregator struct {
	reg    *Registry
	opts   AggregatorOptions
	sinks  []Sink
	latest atomic.Pointer[Snapshot]
}

// NewAggregator returns an aggregator over reg publishing to sinks.
func NewAggregator(reg *Registry, opts AggregatorOptions, sinks ...Sink) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultBroadcastInterval
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.WindowSec <= 0 {
		opts.WindowSec = DefaultWindowSec
	}
	if opts.Clock == nil {
		opts.Clock = WallClock
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Aggregator{reg: reg, opts: opts, sinks: sinks}
}

// Run ticks until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	t := time.NewTicker(a.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.Tick(ctx)
		}
	}
}

// Tick builds one snapshot and publishes it to every sink. A failing sink
// is logged and does not affect the others.
func (a *Aggregator) Tick(ctx context.Context) Snapshot {
	snap := a.Build()
	a.latest.Store(&snap)
	a.opts.Metrics.IncSnapshots()

	for _, s := range a.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			a.opts.Log.Warn("snapshot sink failed",
				slog.String("sink", fmt.Sprintf("%T", s)),
				slog.String("error", err.Error()))
		}
	}
	return snap
}

// Build reads every live worker's measurement cell and assembles a snapshot.
// Sources stopped or removed since the last tick are left out.
func (a *Aggregator) Build() Snapshot {
	workers := a.reg.Workers()
	roads := make([]RoadMeasurement, 0, len(workers))
	for _, w := range workers {
		if !w.Live() {
			continue
		}
		roads = append(roads, RoadMeasurement{ID: w.ID(), Name: w.Name(), Measurement: w.Latest()})
	}
	a.opts.Metrics.SetLiveSources(len(roads))
	return BuildSnapshot(a.opts.Clock(), roads, a.opts.Thresholds, a.opts.WindowSec)
}

// Latest returns the most recent snapshot. The ok return is false before
// the first tick.
func (a *Aggregator) Latest() (Snapshot, bool) {
	if s := a.latest.Load(); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}
