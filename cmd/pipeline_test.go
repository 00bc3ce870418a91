package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPipeline(t *testing.T, p string) {
	t.Helper()
	prev := pipeline
	pipeline = p
	t.Cleanup(func() { pipeline = prev })
}

func TestValidatePipeline(t *testing.T) {
	for _, p := range []string{"", "r", "rp", "REP", "ep"} {
		withPipeline(t, p)
		assert.NoError(t, validatePipeline(), "pipeline %q", p)
	}

	withPipeline(t, "rmp")
	err := validatePipeline()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'m'")
}

func TestFollowUpSteps(t *testing.T) {
	withPipeline(t, "rEp")
	assert.Equal(t, "ep", string(followUpSteps()))
}

func TestExecutePipeline_StepNotFound(t *testing.T) {
	withPipeline(t, "ep")
	assert.Error(t, executePipeline(nil, nil, 'r'), "start step is not in the pipeline")

	withPipeline(t, "")
	assert.NoError(t, executePipeline(nil, nil, 'r'), "empty pipeline is a no-op")
}

func TestLevelMeter(t *testing.T) {
	tests := []struct {
		level  float64
		filled int
	}{
		{-1, 0},
		{0, 0},
		{0.5, meterWidth / 2},
		{1, meterWidth},
		{2, meterWidth},
	}
	for _, tt := range tests {
		got := levelMeter(tt.level)
		assert.Len(t, got, meterWidth+2, "level %v", tt.level)
		assert.Equal(t, tt.filled, strings.Count(got, "#"), "level %v", tt.level)
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "01:23", formatElapsed(83*time.Second+400*time.Millisecond))
	assert.Equal(t, "00:00", formatElapsed(0))
}
