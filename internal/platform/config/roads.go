package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoadsFile is the on-disk list of traffic sources.
type RoadsFile struct {
	Roads []Road `yaml:"roads"`
}

// Road describes one source as written in the roads file.
type Road struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	Video      string    `yaml:"video"`      // capture target; relative paths resolve against the file
	ROI        []float64 `yaml:"roi"`        // x1, y1, x2, y2
	Line       []float64 `yaml:"line"`       // x1, y1, x2, y2 (optional)
	Discipline string    `yaml:"discipline"` // window, crossing or both (default window)
}

// LoadRoads reads and validates the roads file at path.
func LoadRoads(path string) ([]Road, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roads file: %w", err)
	}
	roads, err := ParseRoads(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range roads {
		v := roads[i].Video
		if v != "" && !filepath.IsAbs(v) && !isDeviceOrURL(v) {
			roads[i].Video = filepath.Join(base, v)
		}
	}
	return roads, nil
}

// ParseRoads decodes and validates a roads document.
func ParseRoads(data []byte) ([]Road, error) {
	var f RoadsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roads: %w", err)
	}
	if len(f.Roads) == 0 {
		return nil, fmt.Errorf("no roads defined")
	}
	seen := make(map[string]bool, len(f.Roads))
	for i, r := range f.Roads {
		if r.ID == "" {
			return nil, fmt.Errorf("road %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("road %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if len(r.ROI) != 4 {
			return nil, fmt.Errorf("road %s: roi needs 4 values, got %d", r.ID, len(r.ROI))
		}
		if r.ROI[0] > r.ROI[2] || r.ROI[1] > r.ROI[3] {
			return nil, fmt.Errorf("road %s: roi corners out of order", r.ID)
		}
		if len(r.Line) != 0 && len(r.Line) != 4 {
			return nil, fmt.Errorf("road %s: line needs 4 values, got %d", r.ID, len(r.Line))
		}
	}
	return f.Roads, nil
}

// isDeviceOrURL reports whether target is a camera index or a URL rather
// than a file path.
func isDeviceOrURL(target string) bool {
	if _, err := strconv.Atoi(target); err == nil {
		return true
	}
	return strings.Contains(target, "://")
}
