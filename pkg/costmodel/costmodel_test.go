package costmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_FallbackToDefault(t *testing.T) {
	table, err := New(map[string]float64{"gpt-4o": 0.4, "default": 0.5})
	require.NoError(t, err)

	assert.Equal(t, 0.4, table.Factor("gpt-4o"))
	assert.Equal(t, 0.5, table.Factor("mystery-model"))
}

func TestTable_EstimateKWh(t *testing.T) {
	table, err := New(map[string]float64{"m": 0.4, "default": 0.5})
	require.NoError(t, err)

	// 1000 tokens at 0.4 kWh/100k.
	assert.InDelta(t, 0.004, table.EstimateKWh("m", 1000), 1e-9)
	assert.InDelta(t, 0.0, table.EstimateKWh("m", 0), 1e-9)
}

func TestNew_RequiresDefault(t *testing.T) {
	_, err := New(map[string]float64{"m": 0.4})
	assert.Error(t, err)
}

func TestNew_RejectsNonPositive(t *testing.T) {
	_, err := New(map[string]float64{"m": -1, "default": 0.5})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("factors:\n  gpt-4o: 0.4\n  default: 0.5\n"), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.4, table.Factor("gpt-4o"))
}
