package traffic

import (
	"fmt"
	"strings"
	"sync"
)

// CrossingMode selects the line test used by a CrossingCounter.
type CrossingMode string

const (
	// CrossingSide counts an identity when its centroid changes side of the
	// line between two observations.
	CrossingSide CrossingMode = "side"
	// CrossingThreshold counts an identity once its centroid y exceeds the
	// line's y1. It only holds for roughly horizontal lines.
	CrossingThreshold CrossingMode = "threshold"
)

// ParseCrossingMode parses a mode name; the empty string selects CrossingSide.
func ParseCrossingMode(s string) (CrossingMode, error) {
	switch m := CrossingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return CrossingSide, nil
	case CrossingSide, CrossingThreshold:
		return m, nil
	}
	return "", fmt.Errorf("unknown crossing mode %q", s)
}

// DefaultSideMemory bounds how many recently seen, uncounted identities a
// side-mode counter remembers.
const DefaultSideMemory = 4096

type sideMemo struct {
	side int
	seen uint64 // observation sequence number of the last sighting
}

// Observation is one sighting of an identified entity.
type Observation struct {
	ID    string
	Class Class
	Box   BBox
}

// CrossingCounter keeps cumulative per-class counts of distinct identities
// that crossed the configured line since the last reset. No identity is
// counted twice.
//
// The worker is the only writer through Observe; Reset and SetLine arrive
// from the control surface, so all state sits behind one lock.
type CrossingCounter struct {
	mu      sync.RWMutex
	mode    CrossingMode
	line    Line
	counts  map[Class]int
	counted map[string]struct{}
	sides   map[string]sideMemo // last known side per uncounted identity (side mode)
	seq     uint64
	limit   int
}

// NewCrossingCounter returns an empty counter for line.
func NewCrossingCounter(line Line, mode CrossingMode) *CrossingCounter {
	if mode == "" {
		mode = CrossingSide
	}
	return &CrossingCounter{
		mode:    mode,
		line:    line,
		counts:  make(map[Class]int),
		counted: make(map[string]struct{}),
		sides:   make(map[string]sideMemo),
		limit:   DefaultSideMemory,
	}
}

// Observe feeds one observation and reports whether it produced a crossing.
// Observations without an identity cannot be deduplicated and are ignored.
func (c *CrossingCounter) Observe(obs Observation) bool {
	if obs.ID == "" {
		return false
	}
	cx, cy := obs.Box.Centroid()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.counted[obs.ID]; done {
		return false
	}
	if !c.crossedLocked(obs.ID, cx, cy) {
		return false
	}
	c.counts[obs.Class]++
	c.counted[obs.ID] = struct{}{}
	delete(c.sides, obs.ID)
	return true
}

// crossedLocked applies the line test. Caller must hold c.mu in write mode.
func (c *CrossingCounter) crossedLocked(id string, cx, cy float64) bool {
	if c.mode == CrossingThreshold {
		return cy > c.line.Y1
	}
	side := c.line.Side(cx, cy)
	if side == 0 {
		// On the line: keep the previous side.
		return false
	}
	c.seq++
	prev, seen := c.sides[id]
	c.sides[id] = sideMemo{side: side, seen: c.seq}
	if len(c.sides) > c.limit {
		c.forgetStaleLocked()
	}
	return seen && prev.side != side
}

// forgetStaleLocked drops identities not sighted in the last limit/2
// observations, so a tracker that keeps issuing fresh ids cannot grow the
// side memory without bound. Caller must hold c.mu in write mode.
func (c *CrossingCounter) forgetStaleLocked() {
	keep := uint64(c.limit / 2)
	for id, m := range c.sides {
		if c.seq-m.seen >= keep {
			delete(c.sides, id)
		}
	}
}

// Counts returns the current totals.
func (c *CrossingCounter) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countsLocked()
}

// State returns the totals together with the number of counted identities,
// read under one lock.
func (c *CrossingCounter) State() (Counts, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countsLocked(), len(c.counted)
}

func (c *CrossingCounter) countsLocked() Counts {
	return Counts{Vehicles: c.counts[ClassVehicle], People: c.counts[ClassPerson]}
}

// Reset zeroes every count and forgets every identity in one step.
func (c *CrossingCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[Class]int)
	c.counted = make(map[string]struct{})
	c.sides = make(map[string]sideMemo)
}

// SetLine replaces the counting line. Identities already counted stay counted;
// remembered sides refer to the old line and are dropped.
func (c *CrossingCounter) SetLine(l Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.line = l
	c.sides = make(map[string]sideMemo)
}

// Line returns the active counting line.
func (c *CrossingCounter) Line() Line {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.line
}
