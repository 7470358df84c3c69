// Package subprocess implements the PER pipeline's subprocess training
// variant: examples, current parameters, batch size, and epoch count are
// shipped to an external worker process over stdin/stdout as a single JSON
// request/response, and the returned parameters and per-example TD errors
// are imported back into the scorer.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"goa.design/procmem/procerrors"
	"goa.design/procmem/scorer"
)

// Config configures a Trainer.
type Config struct {
	// Command is the subprocess executable.
	Command string
	// Args are passed to Command.
	Args []string
	// Epochs is the number of passes the worker should take over the
	// shipped examples.
	Epochs int
}

// Trainer implements replay.Trainer by delegating each TrainBatch call to an
// external process. It satisfies replay.Trainer so a Pipeline can be
// constructed with either the in-process scorer.Scorer or this subprocess
// variant interchangeably.
type Trainer struct {
	cfg    Config
	scorer *scorer.Scorer
}

// New constructs a subprocess Trainer that checkpoints and restores params
// on s around each training request.
func New(s *scorer.Scorer, cfg Config) *Trainer {
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	return &Trainer{cfg: cfg, scorer: s}
}

type request struct {
	Examples          []scorer.Example `json:"examples"`
	ImportanceWeights []float64        `json:"importance_weights"`
	Params            scorer.Params    `json:"params"`
	BatchSize         int              `json:"batch_size"`
	Epochs            int              `json:"epochs"`
}

type response struct {
	Params   scorer.Params `json:"params"`
	Loss     float64       `json:"loss"`
	Accuracy float64       `json:"accuracy"`
	TDErrors []float64     `json:"td_errors"`
}

// TrainBatch ships examples and the scorer's current parameters to the
// configured subprocess, then imports the returned parameters.
func (t *Trainer) TrainBatch(ctx context.Context, examples []scorer.Example, importanceWeights []float64) (scorer.BatchResult, error) {
	req := request{
		Examples:          examples,
		ImportanceWeights: importanceWeights,
		Params:            t.scorer.ExportParams(),
		BatchSize:         len(examples),
		Epochs:            t.cfg.Epochs,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return scorer.BatchResult{}, procerrors.Wrap(procerrors.Internal, "marshal subprocess training request", err)
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return scorer.BatchResult{}, procerrors.Wrap(procerrors.SubprocessFailure,
			fmt.Sprintf("training subprocess failed: %s", stderr.String()), err)
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return scorer.BatchResult{}, procerrors.Wrap(procerrors.SubprocessFailure, "decode subprocess training response", err)
	}

	t.scorer.ImportParams(resp.Params)

	return scorer.BatchResult{
		Loss:     resp.Loss,
		Accuracy: resp.Accuracy,
		TDErrors: resp.TDErrors,
	}, nil
}
