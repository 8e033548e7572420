package traffic

import (
	"math"
	"sort"
)

// RoadSnapshot is one source's entry in a Snapshot.
type RoadSnapshot struct {
	Name         string   `json:"name"`
	CountsNow    Counts   `json:"counts_now"`
	CountsSmooth Smoothed `json:"counts_smooth"`
	Level        Level    `json:"level"`
	Crossed      *Counts  `json:"crossed,omitempty"`
}

// Snapshot is the point-in-time state of every live source, the unit sent
// to subscribers. It is not modified after BuildSnapshot returns it.
type Snapshot struct {
	TS         float64                 `json:"ts"`
	Roads      map[string]RoadSnapshot `json:"roads"`
	Thresholds Thresholds              `json:"thresholds"`
	WindowSec  float64                 `json:"window_sec"`
}

// RoadMeasurement pairs a source's identity with its latest measurement.
type RoadMeasurement struct {
	ID          string
	Name        string
	Measurement Measurement
}

// RoadSample is one recorded history row for a source.
type RoadSample struct {
	TS           float64  `json:"ts"`
	RoadID       string   `json:"road_id"`
	Name         string   `json:"name"`
	CountsNow    Counts   `json:"counts_now"`
	CountsSmooth Smoothed `json:"counts_smooth"`
	Level        Level    `json:"level"`
}

// BuildSnapshot assembles a Snapshot at ts from the given measurements.
// Smoothed counts are rounded to one decimal. Roads is never nil, so an
// empty pipeline still encodes as "roads": {}.
func BuildSnapshot(ts float64, roads []RoadMeasurement, th Thresholds, windowSec float64) Snapshot {
	snap := Snapshot{
		TS:         ts,
		Roads:      make(map[string]RoadSnapshot, len(roads)),
		Thresholds: th,
		WindowSec:  windowSec,
	}
	for _, r := range roads {
		m := r.Measurement
		level := m.Level
		if level == "" {
			level = LevelLow
		}
		rs := RoadSnapshot{
			Name:      r.Name,
			CountsNow: m.Now,
			CountsSmooth: Smoothed{
				Vehicles: round1(m.Smooth.Vehicles),
				People:   round1(m.Smooth.People),
			},
			Level: level,
		}
		if m.Crossed != nil {
			c := *m.Crossed
			rs.Crossed = &c
		}
		snap.Roads[r.ID] = rs
	}
	return snap
}

// Samples flattens a snapshot into per-road history rows ordered by road id.
func (s Snapshot) Samples() []RoadSample {
	ids := make([]string, 0, len(s.Roads))
	for id := range s.Roads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]RoadSample, 0, len(ids))
	for _, id := range ids {
		rs := s.Roads[id]
		out = append(out, RoadSample{
			TS:           s.TS,
			RoadID:       id,
			Name:         rs.Name,
			CountsNow:    rs.CountsNow,
			CountsSmooth: rs.CountsSmooth,
			Level:        rs.Level,
		})
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
