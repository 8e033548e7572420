package traffic

import "context"

// Frame is one unit read from a capture target.
type Frame struct {
	// Timestamp is the capture time in seconds. Zero means unknown, in which
	// case the worker stamps the frame with its own clock.
	Timestamp float64
	// Data is the encoded image, if the source produces pixels.
	Data []byte
	// Detections are pre-computed detections carried by replay sources.
	Detections []Detection
}

// FrameSource is a capture handle. It is owned by exactly one worker.
type FrameSource interface {
	// Read returns the next frame. ok=false signals end of stream or a
	// transient read failure; the two are not distinguished.
	Read(ctx context.Context) (frame Frame, ok bool)
	// Rewind seeks a replayable source back to its start.
	Rewind() error
	// Close releases the handle.
	Close() error
}

// Opener acquires a capture handle for a target.
type Opener func(target string) (FrameSource, error)

// Detector runs object detection on a frame. It may be arbitrarily slow.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, frame Frame) ([]Detection, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}
