package loadtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Small(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	c, err := Setup(Config{Dir: t.TempDir(), Sites: 3, Rounds: 2, RecordsPerRound: 5, BatchSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	ctx := context.Background()
	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Latency.Errors)
	assert.Equal(t, 6, res.Latency.Cycles)
	assert.Equal(t, 30, res.Pushed)
	assert.Positive(t, res.Throughput)
	require.NoError(t, c.Verify(ctx))

	var out bytes.Buffer
	res.Latency.Print(&out)
	assert.Contains(t, out.String(), "Cycles:       6")
}

func TestSetup_RejectsEmptyConfig(t *testing.T) {
	_, err := Setup(Config{Dir: t.TempDir(), Sites: 0, Rounds: 1, RecordsPerRound: 1, BatchSize: 1})
	assert.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
	assert.Equal(t, 100, stats.Cycles)
	assert.Equal(t, time.Duration(100)*time.Millisecond, durations[0], "input is not reordered")
}
