package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"traffic-state/internal/platform/metrics"
)

// State is the lifecycle state of a source worker.
type State int32

const (
	StateInit State = iota
	StateOpen
	StateSampling
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateSampling:
		return "sampling"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Worker defaults.
const (
	DefaultSampleInterval = 250 * time.Millisecond
	DefaultRetryDelay     = 500 * time.Millisecond
)

// WorkerOptions are the collaborators and settings shared by every worker.
type WorkerOptions struct {
	Opener       Opener
	Detector     Detector
	Thresholds   Thresholds
	WindowSec    float64
	CrossingMode CrossingMode

	// SampleInterval paces degraded workers whose target could not be opened.
	SampleInterval time.Duration
	// RetryDelay is the pause after a cycle whose read and rewind both failed.
	RetryDelay time.Duration

	// Clock returns the current time in seconds. Defaults to wall time.
	Clock func() float64

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.WindowSec <= 0 {
		o.WindowSec = DefaultWindowSec
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.Clock == nil {
		o.Clock = WallClock
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// WallClock returns the Unix time in fractional seconds.
func WallClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Worker owns one source: its capture handle, ROI and counting state. It
// samples in its own goroutine and publishes into a single-slot cell that
// readers load without blocking.
type Worker struct {
	cfg  SourceConfig
	opts WorkerOptions
	log  *slog.Logger

	roi atomic.Pointer[ROI]

	// Worker-owned; only the run goroutine touches these.
	src       FrameSource
	window    *WindowCounter
	lastFrame time.Time
	fps       float64

	// Timebase of the last frame: its timestamp and the clock reading when
	// it was sampled. Zero publishes continue from here.
	lastTS    float64
	lastClock float64
	haveTS    bool

	crossing *CrossingCounter // nil unless the discipline counts crossings

	latest atomic.Pointer[Measurement]
	state  atomic.Int32

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	release sync.Once
}

// NewWorker returns a worker in StateInit. Call Start to begin sampling.
func NewWorker(cfg SourceConfig, opts WorkerOptions) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Discipline == "" {
		cfg.Discipline = DisciplineWindow
	}
	opts = opts.withDefaults()
	if opts.Detector == nil || opts.Opener == nil {
		return nil, fmt.Errorf("source %s: detector and opener are required", cfg.ID)
	}

	w := &Worker{
		cfg:  cfg,
		opts: opts,
		log:  opts.Log.With(slog.String("road_id", cfg.ID)),
		done: make(chan struct{}),
	}
	roi := cfg.ROI
	w.roi.Store(&roi)
	if cfg.Discipline.windowed() {
		w.window = NewWindowCounter(opts.WindowSec)
	}
	if cfg.Discipline.crossing() {
		w.crossing = NewCrossingCounter(cfg.Line, opts.CrossingMode)
	}
	return w, nil
}

// ID returns the source id.
func (w *Worker) ID() string { return w.cfg.ID }

// Name returns the display name, falling back to the id.
func (w *Worker) Name() string {
	if w.cfg.Name == "" {
		return w.cfg.ID
	}
	return w.cfg.Name
}

// Config returns the source configuration with the current ROI and line.
func (w *Worker) Config() SourceConfig {
	cfg := w.cfg
	cfg.ROI = *w.roi.Load()
	if w.crossing != nil {
		cfg.Line = w.crossing.Line()
	}
	return cfg
}

// State returns the lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Live reports whether the worker has been started and not stopped.
func (w *Worker) Live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.closed
}

// Latest returns the last published measurement, or a zero LOW measurement
// if the worker has not sampled yet.
func (w *Worker) Latest() Measurement {
	if m := w.latest.Load(); m != nil {
		return *m
	}
	return Measurement{Level: LevelLow}
}

// Start launches the sampling goroutine. Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSourceClosed
	}
	if w.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.started = true
	go w.run(ctx)
	return nil
}

// Stop asks the worker to finish its current cycle, waits for it and
// releases the capture handle. A stopped worker cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrSourceClosed
	}
	w.closed = true
	started := w.started
	if started {
		w.cancel()
	}
	w.mu.Unlock()

	if started {
		<-w.done
		return nil
	}
	w.closeSource()
	w.state.Store(int32(StateClosed))
	close(w.done)
	return nil
}

// Done is closed once the worker reaches StateClosed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Reset clears the crossing counter.
func (w *Worker) Reset() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.crossing == nil {
		return ErrCrossingDisabled
	}
	w.crossing.Reset()
	w.log.Info("crossing counter reset")
	return nil
}

// SetLine replaces the crossing line.
func (w *Worker) SetLine(l Line) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.crossing == nil {
		return ErrCrossingDisabled
	}
	if err := l.Validate(); err != nil {
		return err
	}
	w.crossing.SetLine(l)
	w.log.Info("crossing line updated",
		slog.Float64("x1", l.X1), slog.Float64("y1", l.Y1),
		slog.Float64("x2", l.X2), slog.Float64("y2", l.Y2))
	return nil
}

// SetROI replaces the region of interest. It applies from the next frame.
func (w *Worker) SetROI(r ROI) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	w.roi.Store(&r)
	w.log.Info("roi updated",
		slog.Float64("x1", r.X1), slog.Float64("y1", r.Y1),
		slog.Float64("x2", r.X2), slog.Float64("y2", r.Y2))
	return nil
}

// Crossings returns the crossing totals.
func (w *Worker) Crossings() (Counts, error) {
	if err := w.checkOpen(); err != nil {
		return Counts{}, err
	}
	if w.crossing == nil {
		return Counts{}, ErrCrossingDisabled
	}
	return w.crossing.Counts(), nil
}

func (w *Worker) checkOpen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSourceClosed
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.closeSource()
		w.state.Store(int32(StateClosed))
		w.log.Info("source closed")
	}()

	src, err := w.opts.Opener(w.cfg.Target)
	w.state.Store(int32(StateOpen))
	if err != nil {
		w.log.Warn("cannot open source, publishing zero counts",
			slog.String("target", w.cfg.Target),
			slog.String("error", fmt.Errorf("%w: %w", ErrSourceUnavailable, err).Error()))
		w.degraded(ctx)
		return
	}
	w.src = src
	w.log.Info("source opened", slog.String("target", w.cfg.Target))

	w.state.Store(int32(StateSampling))
	for ctx.Err() == nil {
		w.cycle(ctx)
	}
}

// degraded publishes a zero measurement every SampleInterval until ctx ends.
func (w *Worker) degraded(ctx context.Context) {
	t := time.NewTicker(w.opts.SampleInterval)
	defer t.Stop()
	w.publish(w.stamp(), Counts{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.publish(w.stamp(), Counts{})
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	frame, ok := w.src.Read(ctx)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		w.state.Store(int32(StateRecovering))
		w.opts.Metrics.IncRecoveries(w.cfg.ID)
		frame, ok = w.recover(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			w.publish(w.stamp(), Counts{})
			w.state.Store(int32(StateSampling))
			sleepCtx(ctx, w.opts.RetryDelay)
			return
		}
		w.state.Store(int32(StateSampling))
	}

	clock := w.opts.Clock()
	ts := frame.Timestamp
	if ts == 0 {
		ts = clock
	}
	w.lastTS, w.lastClock, w.haveTS = ts, clock, true
	w.trackFPS()

	dets, err := w.opts.Detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.opts.Metrics.IncDetectorFailures(w.cfg.ID)
		w.log.Debug("detector failed, counting zero detections",
			slog.String("error", fmt.Errorf("%w: %w", ErrDetectorFailure, err).Error()))
		dets = nil
	}
	w.opts.Metrics.IncFramesProcessed(w.cfg.ID)
	w.publish(ts, w.count(dets))
}

// recover rewinds a finite feed and retries the read once.
func (w *Worker) recover(ctx context.Context) (Frame, bool) {
	if err := w.src.Rewind(); err != nil {
		w.log.Debug("rewind failed", slog.String("error", err.Error()))
		return Frame{}, false
	}
	return w.src.Read(ctx)
}

// count applies the ROI filter and feeds the crossing counter.
func (w *Worker) count(dets []Detection) Counts {
	roi := *w.roi.Load()
	var now Counts
	for _, d := range dets {
		cls, ok := ParseClass(d.Label)
		if !ok || !Contains(d.Box, roi) {
			continue
		}
		if cls == ClassVehicle {
			now.Vehicles++
		} else {
			now.People++
		}
		if w.crossing != nil {
			w.crossing.Observe(Observation{ID: d.ID, Class: cls, Box: d.Box})
		}
	}
	return now
}

func (w *Worker) publish(ts float64, now Counts) {
	m := Measurement{
		At:     ts,
		Now:    now,
		Smooth: Smoothed{Vehicles: float64(now.Vehicles), People: float64(now.People)},
		FPS:    w.fps,
	}
	if w.window != nil {
		m.Smooth.Vehicles, m.Smooth.People = w.window.Sample(ts, now.Vehicles, now.People)
	}
	if w.crossing != nil {
		c := w.crossing.Counts()
		m.Crossed = &c
	}
	m.Level = w.opts.Thresholds.Classify(m.Smooth.Vehicles)
	w.latest.Store(&m)
}

// stamp returns a timestamp for a measurement that has no frame behind it,
// on the same timebase as the last frame.
func (w *Worker) stamp() float64 {
	now := w.opts.Clock()
	if !w.haveTS {
		return now
	}
	return w.lastTS + (now - w.lastClock)
}

func (w *Worker) trackFPS() {
	now := time.Now()
	if !w.lastFrame.IsZero() {
		if d := now.Sub(w.lastFrame).Seconds(); d > 0 {
			w.fps = math.Round(10/d) / 10
		}
	}
	w.lastFrame = now
}

func (w *Worker) closeSource() {
	w.release.Do(func() {
		if w.src == nil {
			return
		}
		if err := w.src.Close(); err != nil {
			w.log.Warn("release source failed", slog.String("error", err.Error()))
		}
	})
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
