package traffic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"traffic-state/internal/platform/logger"
)

// gatedSource hands out frames pushed by the test, one per Read.
type gatedSource struct {
	frames chan Frame

	mu      sync.Mutex
	closes  int
	rewinds int
}

func newGatedSource() *gatedSource {
	return &gatedSource{frames: make(chan Frame)}
}

func (s *gatedSource) Read(ctx context.Context) (Frame, bool) {
	select {
	case <-ctx.Done():
		return Frame{}, false
	case f, ok := <-s.frames:
		return f, ok
	}
}

func (s *gatedSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewinds++
	return nil
}

func (s *gatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *gatedSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// push delivers f to the worker or fails the test after a second.
func (s *gatedSource) push(t *testing.T, f Frame) {
	t.Helper()
	select {
	case s.frames <- f:
	case <-time.After(time.Second):
		t.Fatal("worker did not read the frame")
	}
}

// deadSource fails every read; rewinds succeed but change nothing.
type deadSource struct {
	mu      sync.Mutex
	reads   int
	rewinds int
	closes  int
}

func (s *deadSource) Read(ctx context.Context) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return Frame{}, false
}

func (s *deadSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewinds++
	return nil
}

func (s *deadSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *deadSource) counts() (reads, rewinds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.rewinds
}

// loopSource replays a fixed frame list and supports rewinding.
type loopSource struct {
	mu     sync.Mutex
	frames []Frame
	pos    int
}

func (s *loopSource) Read(ctx context.Context) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.frames) {
		return Frame{}, false
	}
	f := s.frames[s.pos]
	s.pos++
	return f, true
}

func (s *loopSource) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	return nil
}

func (s *loopSource) Close() error { return nil }

// openerFor returns an Opener mapping targets to prepared sources. Unknown
// targets fail to open.
func openerFor(sources map[string]FrameSource) Opener {
	return func(target string) (FrameSource, error) {
		if src, ok := sources[target]; ok {
			return src, nil
		}
		return nil, errors.New("no such device")
	}
}

var passthrough = DetectorFunc(func(_ context.Context, f Frame) ([]Detection, error) {
	return f.Detections, nil
})

// vehicles returns n vehicle detections inside the default test ROI.
func vehicles(n int) []Detection {
	out := make([]Detection, n)
	for i := range out {
		out[i] = Detection{Box: BBox{10, 10, 20, 20}, Label: "car", Confidence: 0.9}
	}
	return out
}

var testROI = ROI{X1: 0, Y1: 0, X2: 1000, Y2: 1000}

func testOptions(sources map[string]FrameSource) WorkerOptions {
	return WorkerOptions{
		Opener:         openerFor(sources),
		Detector:       passthrough,
		Thresholds:     Thresholds{Yellow: 10, Red: 25},
		WindowSec:      2.0,
		SampleInterval: 10 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		Log:            logger.Discard(),
	}
}
