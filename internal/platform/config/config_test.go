package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TRAFFIC_TEST_STR", "abc")
	assert.Equal(t, "abc", GetEnv("TRAFFIC_TEST_STR", "x"))
	assert.Equal(t, "x", GetEnv("TRAFFIC_TEST_UNSET", "x"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TRAFFIC_TEST_INT", "42")
	t.Setenv("TRAFFIC_TEST_BAD", "forty")
	assert.Equal(t, 42, GetEnvInt("TRAFFIC_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("TRAFFIC_TEST_BAD", 1))
	assert.Equal(t, 1, GetEnvInt("TRAFFIC_TEST_UNSET", 1))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TRAFFIC_TEST_FLOAT", "2.5")
	assert.Equal(t, 2.5, GetEnvFloat("TRAFFIC_TEST_FLOAT", 1))
	assert.Equal(t, 1.0, GetEnvFloat("TRAFFIC_TEST_UNSET", 1))
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"5s", 5 * time.Second},
		{"0.25", 250 * time.Millisecond},
		{"2", 2 * time.Second},
		{"soon", time.Minute},
		{"", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TRAFFIC_TEST_DUR", tt.value)
			assert.Equal(t, tt.want, GetEnvDuration("TRAFFIC_TEST_DUR", time.Minute))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TRAFFIC_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TRAFFIC_TEST_DOTENV") })

	require.NoError(t, Load(path))
	assert.Equal(t, "loaded", os.Getenv("TRAFFIC_TEST_DOTENV"))

	assert.Error(t, Load(filepath.Join(dir, "missing.env")))
}
