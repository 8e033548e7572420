package traffic

import (
	"fmt"
	"strings"
)

// Class is one of the object classes the pipeline counts.
type Class string

const (
	ClassPerson  Class = "person"
	ClassVehicle Class = "vehicle"
)

// ParseClass maps a detector label onto a Class. COCO vehicle sub-types
// (car, motorcycle, bus, truck) collapse to ClassVehicle. The ok return is
// false for labels the pipeline does not count.
func ParseClass(label string) (Class, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "person":
		return ClassPerson, true
	case "vehicle", "car", "motorcycle", "bus", "truck":
		return ClassVehicle, true
	}
	return "", false
}

// BBox is an axis-aligned bounding box in pixel coordinates: x1, y1, x2, y2.
type BBox [4]float64

// Centroid returns the centre point of the box.
func (b BBox) Centroid() (cx, cy float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// Detection is a single object reported by the detector for one frame.
// ID is an optional identity token assigned outside the pipeline.
type Detection struct {
	Box        BBox    `json:"bbox"`
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	ID         string  `json:"id,omitempty"`
}

// ROI is the rectangle, inclusive on all sides, that scopes which detections
// count for a source.
type ROI struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Validate reports whether the rectangle is well ordered.
func (r ROI) Validate() error {
	if r.X1 > r.X2 || r.Y1 > r.Y2 {
		return fmt.Errorf("invalid roi (%g,%g)-(%g,%g): corners out of order", r.X1, r.Y1, r.X2, r.Y2)
	}
	return nil
}

// Line is the counting line of a crossing counter, from (X1,Y1) to (X2,Y2).
type Line struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// DefaultLine is the horizontal line at y=300 across a 640 px frame.
var DefaultLine = Line{X1: 0, Y1: 300, X2: 640, Y2: 300}

// Validate rejects zero-length lines, which have no sides.
func (l Line) Validate() error {
	if l.X1 == l.X2 && l.Y1 == l.Y2 {
		return fmt.Errorf("invalid line (%g,%g)-(%g,%g): zero length", l.X1, l.Y1, l.X2, l.Y2)
	}
	return nil
}

// Side returns +1 or -1 depending on which side of the line (x, y) lies,
// and 0 for points on the line. It is the sign of the cross product of the
// line direction and the vector from the first endpoint to the point.
func (l Line) Side(x, y float64) int {
	cross := (l.X2-l.X1)*(y-l.Y1) - (l.Y2-l.Y1)*(x-l.X1)
	switch {
	case cross > 0:
		return 1
	case cross < 0:
		return -1
	}
	return 0
}

// Discipline selects which counting discipline a source runs.
type Discipline string

const (
	// DisciplineWindow smooths instantaneous ROI counts over a trailing window.
	DisciplineWindow Discipline = "window"
	// DisciplineCrossing keeps cumulative identity-deduplicated crossing counts.
	DisciplineCrossing Discipline = "crossing"
	// DisciplineBoth runs both views side by side.
	DisciplineBoth Discipline = "both"
)

// ParseDiscipline parses a discipline name; the empty string selects DisciplineWindow.
func ParseDiscipline(s string) (Discipline, error) {
	switch d := Discipline(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DisciplineWindow, nil
	case DisciplineWindow, DisciplineCrossing, DisciplineBoth:
		return d, nil
	}
	return "", fmt.Errorf("unknown counting discipline %q", s)
}

func (d Discipline) windowed() bool { return d == DisciplineWindow || d == DisciplineBoth }
func (d Discipline) crossing() bool { return d == DisciplineCrossing || d == DisciplineBoth }

// SourceConfig describes one traffic source (a road camera feed).
type SourceConfig struct {
	ID         string
	Name       string
	Target     string // capture target handed to the Opener (file path, URL, device index)
	ROI        ROI
	Line       Line
	Discipline Discipline
}

// Validate checks the configuration before a worker is created for it.
func (c SourceConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if err := c.ROI.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", c.ID, err)
	}
	if c.Discipline.crossing() {
		if err := c.Line.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", c.ID, err)
		}
	}
	return nil
}

// Counts are integer per-class counts.
type Counts struct {
	Vehicles int `json:"vehicles"`
	People   int `json:"people"`
}

// Smoothed are window-averaged per-class counts.
type Smoothed struct {
	Vehicles float64 `json:"vehicles"`
	People   float64 `json:"people"`
}

// Measurement is the latest result a worker publishes for its source.
// A published Measurement is never modified.
type Measurement struct {
	At      float64  // sample timestamp in seconds
	Now     Counts   // instantaneous ROI counts of the last frame
	Smooth  Smoothed // trailing-window means (equal to Now without a window)
	Crossed *Counts  // cumulative crossing totals, nil without a crossing counter
	Level   Level
	FPS     float64
}
