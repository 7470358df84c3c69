package thresholds_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/thresholds"
)

func TestGetThresholdsClampsToRange(t *testing.T) {
	tr := thresholds.New(thresholds.Config{Mode: thresholds.ModeEMA})
	got := tr.GetThresholds()
	require.GreaterOrEqual(t, got.ExplicitThreshold, thresholds.MinThreshold)
	require.LessOrEqual(t, got.ExplicitThreshold, thresholds.MaxThreshold)
	// With no observations both thresholds collapse to the floor.
	require.Equal(t, thresholds.MinThreshold, got.SuggestionThreshold)
}

func TestRecordToolOutcomeMovesEMATowardObservedSuccessRate(t *testing.T) {
	tr := thresholds.New(thresholds.Config{Mode: thresholds.ModeEMA, EMADecay: 0.5})
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.RecordToolOutcome("t1", true))
	}
	got := tr.GetThresholds()
	require.Greater(t, got.ExplicitThreshold, 0.8)
}

func TestRecordToolOutcomeRejectsEmptyID(t *testing.T) {
	tr := thresholds.New(thresholds.Config{})
	require.Error(t, tr.RecordToolOutcome("", true))
}

func TestThompsonReferenceUsesNamedTools(t *testing.T) {
	tr := thresholds.New(thresholds.Config{
		Mode:           thresholds.ModeThompsonReference,
		ReferenceTools: []string{"ref1"},
		Seed:           7,
	})
	for i := 0; i < 30; i++ {
		require.NoError(t, tr.RecordToolOutcome("ref1", true))
		require.NoError(t, tr.RecordToolOutcome("noise", false))
	}
	got := tr.GetThresholds()
	require.GreaterOrEqual(t, got.ExplicitThreshold, thresholds.MinThreshold)
	require.LessOrEqual(t, got.ExplicitThreshold, thresholds.MaxThreshold)
	// Only ref1 (Beta(31, 1)) is sampled; averaging in the failing "noise"
	// tool would pull the threshold near 0.5.
	require.Greater(t, got.ExplicitThreshold, 0.8)
}

func TestGetThresholdsWithNoObservationsReturnsFloor(t *testing.T) {
	tr := thresholds.New(thresholds.Config{Mode: thresholds.ModeThompsonReference})
	got := tr.GetThresholds()
	require.Equal(t, thresholds.MinThreshold, got.ExplicitThreshold)
}
