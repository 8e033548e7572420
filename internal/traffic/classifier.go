package traffic

import "fmt"

// Level is the discrete congestion level of a source.
type Level string

const (
	LevelLow  Level = "LOW"
	LevelMed  Level = "MED"
	LevelHigh Level = "HIGH"
)

// Default thresholds, in vehicles inside the ROI.
const (
	DefaultYellowThreshold = 10
	DefaultRedThreshold    = 25
)

// Thresholds are the process-wide congestion thresholds. Yellow must be
// strictly below Red.
type Thresholds struct {
	Red    int `json:"red"`
	Yellow int `json:"yellow"`
}

// DefaultThresholds returns yellow=10, red=25.
func DefaultThresholds() Thresholds {
	return Thresholds{Red: DefaultRedThreshold, Yellow: DefaultYellowThreshold}
}

// Validate checks 0 <= yellow < red.
func (t Thresholds) Validate() error {
	if t.Yellow < 0 || t.Red < 0 {
		return fmt.Errorf("thresholds must be non-negative (yellow=%d red=%d)", t.Yellow, t.Red)
	}
	if t.Yellow >= t.Red {
		return fmt.Errorf("yellow threshold %d must be below red threshold %d", t.Yellow, t.Red)
	}
	return nil
}

// Classify maps a vehicle measure to a Level.
func (t Thresholds) Classify(vehicles float64) Level {
	switch {
	case vehicles >= float64(t.Red):
		return LevelHigh
	case vehicles >= float64(t.Yellow):
		return LevelMed
	}
	return LevelLow
}
