// Package replay implements a finite, rewindable frame source that plays
// back a recorded detection log.
//
// The log is JSON lines, one frame per line:
//
//	{"detections":[{"bbox":[100,200,180,260],"class":"car","confidence":0.9,"id":"t17"}]}
//	{"image":"frames/000002.jpg"}
//
// "image" paths are relative to the log file. Frames without an image carry
// their detections directly and are meant for the Passthrough detector.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"traffic-state/internal/traffic"
)

const maxLineSize = 4 << 20

type record struct {
	Image      string              `json:"image,omitempty"`
	Detections []traffic.Detection `json:"detections,omitempty"`
}

// Source plays a detection log at a fixed frame interval.
type Source struct {
	path     string
	f        *os.File
	sc       *bufio.Scanner
	interval time.Duration
	next     time.Time
}

// Open opens the log at path. interval paces reads; zero reads as fast as
// the caller asks.
func Open(path string, interval time.Duration) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", traffic.ErrSourceUnavailable, err)
	}
	s := &Source{path: path, f: f, interval: interval}
	s.sc = newScanner(f)
	return s, nil
}

// Opener returns a traffic.Opener that opens replay logs with interval.
func Opener(interval time.Duration) traffic.Opener {
	return func(target string) (traffic.FrameSource, error) {
		src, err := Open(target, interval)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

// Read implements traffic.FrameSource. It returns ok=false at the end of
// the log and for lines that fail to decode.
func (s *Source) Read(ctx context.Context) (traffic.Frame, bool) {
	if s.interval > 0 {
		if wait := time.Until(s.next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return traffic.Frame{}, false
			case <-t.C:
			}
		}
		s.next = time.Now().Add(s.interval)
	}

	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return traffic.Frame{}, false
		}
		frame := traffic.Frame{Detections: rec.Detections}
		if rec.Image != "" {
			data, err := os.ReadFile(filepath.Join(filepath.Dir(s.path), rec.Image))
			if err != nil {
				return traffic.Frame{}, false
			}
			frame.Data = data
		}
		return frame, true
	}
	return traffic.Frame{}, false
}

// Rewind implements traffic.FrameSource.
func (s *Source) Rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", s.path, err)
	}
	s.sc = newScanner(s.f)
	s.next = time.Time{}
	return nil
}

// Close implements traffic.FrameSource.
func (s *Source) Close() error {
	return s.f.Close()
}

// Passthrough is a traffic.Detector that returns the detections a replay
// frame already carries.
type Passthrough struct{}

// Detect implements traffic.Detector.
func (Passthrough) Detect(_ context.Context, frame traffic.Frame) ([]traffic.Detection, error) {
	return frame.Detections, nil
}
