package thresholds_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/procmem/thresholds"
)

// TestGetThresholdsAlwaysClampedAndOrdered exercises the invariant that,
// regardless of the outcome sequence recorded, both thresholds stay within
// [MinThreshold, MaxThreshold] and the suggestion threshold never exceeds the
// explicit one.
func TestGetThresholdsAlwaysClampedAndOrdered(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("thresholds stay clamped and ordered", prop.ForAllNoShrink(
		func(outcomes []bool) bool {
			tr := thresholds.New(thresholds.Config{Seed: 7})
			for i, o := range outcomes {
				toolID := fmt.Sprintf("tool-%d", i%3)
				if err := tr.RecordToolOutcome(toolID, o); err != nil {
					return false
				}
			}
			got := tr.GetThresholds()
			if got.ExplicitThreshold < thresholds.MinThreshold || got.ExplicitThreshold > thresholds.MaxThreshold {
				return false
			}
			if got.SuggestionThreshold < thresholds.MinThreshold || got.SuggestionThreshold > thresholds.MaxThreshold {
				return false
			}
			return got.SuggestionThreshold <= got.ExplicitThreshold
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
