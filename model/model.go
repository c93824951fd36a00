// Package model defines the embedding field producer contract, a concrete
// convolutional embedder, and the momentum SGD optimizer that trains it.
package model

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Mode is the train/eval state of an embedder. Transitions are explicit;
// checkpoint saves flip to Evaluation and must restore Training plus the
// freeze policy afterward.
type Mode int

const (
	// Training enables gradient bookkeeping in the forward pass.
	Training Mode = iota
	// Evaluation disables it.
	Evaluation
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "train"
	case Evaluation:
		return "eval"
	default:
		return "unknown"
	}
}

// Parameter is one named weight tensor with its gradient accumulator. Frozen
// parameters accumulate no gradient and take no optimizer step.
type Parameter struct {
	Name   string
	Value  []float64
	Grad   []float64
	Frozen bool
}

// State is a serializable snapshot of all parameter values.
type State map[string][]float64

// Embedder maps a triplet of frames to dense per-pixel embedding fields and
// accepts upstream gradients with respect to those fields.
type Embedder interface {
	// Embed maps three (H, W, C) float64 frames to three (H', W', D) float64
	// embedding fields.
	Embed(ctx context.Context, frames []*tensor.Dense) ([]*tensor.Dense, error)
	// Backward accumulates parameter gradients from per-frame field gradients
	// of the most recent training-mode Embed.
	Backward(fieldGrads []*tensor.Dense) error

	Parameters() []*Parameter
	SetMode(Mode)
	CurrentMode() Mode
	// FreezeFeatureExtraction marks the feature-extraction parameters frozen
	// so only the embedding head trains.
	FreezeFeatureExtraction()

	StateDict() State
	LoadStateDict(State) error
}

// CloneState deep-copies a state snapshot.
func CloneState(s State) State {
	out := make(State, len(s))
	for name, vals := range s {
		cp := make([]float64, len(vals))
		copy(cp, vals)
		out[name] = cp
	}
	return out
}

func loadInto(params []*Parameter, s State) error {
	for _, p := range params {
		vals, ok := s[p.Name]
		if !ok {
			return errors.Errorf("state has no entry for parameter %q", p.Name)
		}
		if len(vals) != len(p.Value) {
			return errors.Errorf("parameter %q has %d values, state has %d", p.Name, len(p.Value), len(vals))
		}
	}
	for _, p := range params {
		copy(p.Value, s[p.Name])
	}
	return nil
}
