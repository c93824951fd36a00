package triplet

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// Grads holds loss gradients with respect to the three batches of one
// Forward call. Anchor is dense (one row per anchor); Positive and Negative
// are pool-shaped with nonzero rows only at each anchor's closest member.
type Grads struct {
	Anchor   *tensor.Dense
	Positive *tensor.Dense
	Negative *tensor.Dense
}

// MinTripletLoss is the pooled triplet margin objective: each anchor is pulled
// within alpha of its closest positive-pool member relative to its closest
// negative-pool member.
type MinTripletLoss struct {
	alpha float64
}

// NewMinTripletLoss returns a loss with the given margin.
func NewMinTripletLoss(alpha float64) *MinTripletLoss {
	return &MinTripletLoss{alpha: alpha}
}

// Alpha returns the margin.
func (l *MinTripletLoss) Alpha() float64 {
	return l.alpha
}

// Forward computes the mean hinge loss over all anchors together with the
// gradients needed for a backward pass. For anchor a with closest positive p
// and closest negative n (L2), the per-anchor term is
// max(0, d(a,p) - d(a,n) + alpha).
func (l *MinTripletLoss) Forward(anchor, positive, negative *tensor.Dense) (float64, *Grads, error) {
	return l.eval(anchor, positive, negative, true)
}

// Validation computes the same scalar as Forward without any gradient work.
func (l *MinTripletLoss) Validation(anchor, positive, negative *tensor.Dense) (float64, error) {
	loss, _, err := l.eval(anchor, positive, negative, false)
	return loss, err
}

func (l *MinTripletLoss) eval(anchor, positive, negative *tensor.Dense, withGrads bool) (float64, *Grads, error) {
	aRows, aData, d, err := batchRows(anchor)
	if err != nil {
		return 0, nil, errors.Wrap(err, "anchor batch")
	}
	pRows, pData, pd, err := batchRows(positive)
	if err != nil {
		return 0, nil, errors.Wrap(err, "positive pool")
	}
	nRows, nData, nd, err := batchRows(negative)
	if err != nil {
		return 0, nil, errors.Wrap(err, "negative pool")
	}
	if aRows == 0 || pRows == 0 || nRows == 0 {
		// Emptiness is excluded by the pool builder; degrade to zero loss.
		return 0, nil, nil
	}
	if pd != d || nd != d {
		return 0, nil, errors.Errorf("embedding dims disagree: anchor %d, positive %d, negative %d", d, pd, nd)
	}

	var grads *Grads
	var gA, gP, gN []float64
	if withGrads {
		grads = zeroGrads(aRows, pRows, nRows, d)
		gA = grads.Anchor.Data().([]float64)
		gP = grads.Positive.Data().([]float64)
		gN = grads.Negative.Data().([]float64)
	}

	scale := 1.0 / float64(aRows)
	total := 0.0
	for i := 0; i < aRows; i++ {
		a := aData[i*d : (i+1)*d]
		pIdx, dPos := closest(a, pData, pRows, d)
		nIdx, dNeg := closest(a, nData, nRows, d)
		hinge := dPos - dNeg + l.alpha
		if hinge <= 0 {
			continue
		}
		total += hinge * scale
		if !withGrads {
			continue
		}
		p := pData[pIdx*d : (pIdx+1)*d]
		n := nData[nIdx*d : (nIdx+1)*d]
		diff := make([]float64, d)
		// d/da ||a-p|| = (a-p)/||a-p||; undefined at zero distance, so the
		// term is dropped when the anchor coincides with its match.
		if dPos > 0 {
			floats.SubTo(diff, a, p)
			floats.AddScaled(gA[i*d:(i+1)*d], scale/dPos, diff)
			floats.AddScaled(gP[pIdx*d:(pIdx+1)*d], -scale/dPos, diff)
		}
		if dNeg > 0 {
			floats.SubTo(diff, a, n)
			floats.AddScaled(gA[i*d:(i+1)*d], -scale/dNeg, diff)
			floats.AddScaled(gN[nIdx*d:(nIdx+1)*d], scale/dNeg, diff)
		}
	}
	return total, grads, nil
}

// closest returns the index and L2 distance of the pool row nearest to a.
func closest(a, pool []float64, rows, d int) (int, float64) {
	best, bestDist := 0, floats.Distance(a, pool[:d], 2)
	for i := 1; i < rows; i++ {
		if dist := floats.Distance(a, pool[i*d:(i+1)*d], 2); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best, bestDist
}

func batchRows(t *tensor.Dense) (rows int, data []float64, d int, err error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return 0, nil, 0, errors.Errorf("batch must be 2D, got shape %v", shape)
	}
	if shape[0] == 0 {
		return 0, nil, shape[1], nil
	}
	return shape[0], t.Data().([]float64), shape[1], nil
}

func zeroGrads(aRows, pRows, nRows, d int) *Grads {
	mk := func(rows int) *tensor.Dense {
		return tensor.New(tensor.WithShape(rows, d), tensor.WithBacking(make([]float64, rows*d)))
	}
	return &Grads{Anchor: mk(aRows), Positive: mk(pRows), Negative: mk(nRows)}
}
