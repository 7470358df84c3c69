package subprocess_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/graph"
	"goa.design/procmem/procerrors"
	"goa.design/procmem/replay/subprocess"
	"goa.design/procmem/scorer"
)

func newScorer(t *testing.T) *scorer.Scorer {
	t.Helper()
	b := graph.New(2)
	s, err := scorer.New(b, scorer.Config{Dim: 2, Heads: 2, Seed: 1})
	require.NoError(t, err)
	return s
}

func TestTrainBatchImportsSubprocessResponse(t *testing.T) {
	s := newScorer(t)
	paramsJSON, err := json.Marshal(s.ExportParams())
	require.NoError(t, err)

	responseJSON := `{"params":` + string(paramsJSON) + `,"loss":0.42,"accuracy":0.75,"td_errors":[0.1,0.2]}`
	trainer := subprocess.New(s, subprocess.Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat >/dev/null; printf '%s' " + shellQuote(responseJSON)},
	})

	res, err := trainer.TrainBatch(context.Background(), []scorer.Example{
		{IntentEmbedding: []float64{1, 0}, TargetCapabilityID: "cap", Outcome: 1},
	}, []float64{1})
	require.NoError(t, err)
	require.InDelta(t, 0.42, res.Loss, 1e-9)
	require.InDelta(t, 0.75, res.Accuracy, 1e-9)
	require.Equal(t, []float64{0.1, 0.2}, res.TDErrors)
}

func TestTrainBatchReportsSubprocessFailure(t *testing.T) {
	s := newScorer(t)
	trainer := subprocess.New(s, subprocess.Config{Command: "/bin/sh", Args: []string{"-c", "exit 1"}})

	_, err := trainer.TrainBatch(context.Background(), []scorer.Example{
		{IntentEmbedding: []float64{1, 0}, TargetCapabilityID: "cap", Outcome: 1},
	}, []float64{1})
	require.Error(t, err)
	require.True(t, procerrors.IsKind(err, procerrors.SubprocessFailure))
}

// shellQuote wraps s in single quotes for embedding in a generated `sh -c`
// script, escaping any single quotes already present.
func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}
