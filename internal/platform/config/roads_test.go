package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoads = `
roads:
  - id: road_1
    name: Main St
    video: videos/main.jsonl
    roi: [100, 100, 1100, 650]
  - id: road_2
    name: Ring Rd
    video: "0"
    roi: [0, 0, 640, 480]
    line: [0, 300, 640, 300]
    discipline: both
  - id: road_3
    video: rtsp://cam.local/stream
    roi: [0, 0, 10, 10]
`

func TestParseRoads(t *testing.T) {
	roads, err := ParseRoads([]byte(sampleRoads))
	require.NoError(t, err)
	require.Len(t, roads, 3)

	assert.Equal(t, "Main St", roads[0].Name)
	assert.Equal(t, []float64{100, 100, 1100, 650}, roads[0].ROI)
	assert.Empty(t, roads[0].Line)
	assert.Equal(t, "both", roads[1].Discipline)
	assert.Equal(t, []float64{0, 300, 640, 300}, roads[1].Line)
}

func TestParseRoads_errors(t *testing.T) {
	tests := map[string]string{
		"empty":        "roads: []",
		"not yaml":     "roads: [",
		"missing id":   "roads:\n  - roi: [0, 0, 1, 1]",
		"duplicate id": "roads:\n  - {id: a, roi: [0, 0, 1, 1]}\n  - {id: a, roi: [0, 0, 1, 1]}",
		"short roi":    "roads:\n  - {id: a, roi: [0, 0, 1]}",
		"inverted roi": "roads:\n  - {id: a, roi: [5, 0, 1, 1]}",
		"short line":   "roads:\n  - {id: a, roi: [0, 0, 1, 1], line: [0, 1]}",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRoads([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRoads_resolves_relative_video(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoads), 0o644))

	roads, err := LoadRoads(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "videos", "main.jsonl"), roads[0].Video)
	assert.Equal(t, "0", roads[1].Video, "device indices are left alone")
	assert.Equal(t, "rtsp://cam.local/stream", roads[2].Video, "urls are left alone")
}

func TestLoadRoads_missing_file(t *testing.T) {
	_, err := LoadRoads(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
