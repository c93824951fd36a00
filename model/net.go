package model

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

const (
	featWeightName = "features.weight"
	headWeightName = "head.weight"
	headBiasName   = "head.bias"
)

// NetConfig sizes a Net. Stride is the spatial downsampling factor between
// input frames and embedding fields; frame dimensions must be divisible by it.
type NetConfig struct {
	InChannels    int
	FeatureDims   int
	EmbeddingDims int
	Stride        int
	Seed          int64
}

// Net is a per-pixel embedder: average-pool spatial downsampling, a 1x1
// convolutional feature layer with ReLU, and a 1x1 convolutional embedding
// head. The feature layer stands in for a pretrained extractor and is the part
// FreezeFeatureExtraction pins.
type Net struct {
	cfg   NetConfig
	featW *Parameter // (C, F)
	headW *Parameter // (F, D)
	headB *Parameter // (D)
	mode  Mode

	// forward cache for the backward pass, valid only in training mode
	lastIn   *mat.Dense
	lastFeat *mat.Dense
	lastH    int
	lastW    int
}

// NewNet builds a Net with deterministic weight init from cfg.Seed.
func NewNet(cfg NetConfig) (*Net, error) {
	if cfg.InChannels <= 0 || cfg.FeatureDims <= 0 || cfg.EmbeddingDims <= 0 {
		return nil, errors.Errorf("non-positive dims in config %+v", cfg)
	}
	if cfg.Stride <= 0 {
		return nil, errors.Errorf("non-positive stride %d", cfg.Stride)
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))
	n := &Net{
		cfg:   cfg,
		featW: initParam(featWeightName, cfg.InChannels*cfg.FeatureDims, cfg.InChannels, rnd),
		headW: initParam(headWeightName, cfg.FeatureDims*cfg.EmbeddingDims, cfg.FeatureDims, rnd),
		headB: &Parameter{Name: headBiasName, Value: make([]float64, cfg.EmbeddingDims), Grad: make([]float64, cfg.EmbeddingDims)},
		mode:  Training,
	}
	return n, nil
}

func initParam(name string, size, fanIn int, rnd *rand.Rand) *Parameter {
	vals := make([]float64, size)
	scale := 1.0 / float64(fanIn)
	for i := range vals {
		vals[i] = rnd.NormFloat64() * scale
	}
	return &Parameter{Name: name, Value: vals, Grad: make([]float64, size)}
}

// Embed maps three (H, W, C) frames to three (H/stride, W/stride, D) embedding
// fields. In training mode the activations are cached for Backward.
func (n *Net) Embed(_ context.Context, frames []*tensor.Dense) ([]*tensor.Dense, error) {
	if len(frames) != 3 {
		return nil, errors.Errorf("expected 3 frames, got %d", len(frames))
	}
	shape := frames[0].Shape()
	if len(shape) != 3 || shape[2] != n.cfg.InChannels {
		return nil, errors.Errorf("frame shape %v does not match %d input channels", shape, n.cfg.InChannels)
	}
	imgH, imgW := shape[0], shape[1]
	if imgH%n.cfg.Stride != 0 || imgW%n.cfg.Stride != 0 {
		return nil, errors.Errorf("frame dims %dx%d not divisible by stride %d", imgH, imgW, n.cfg.Stride)
	}
	for i := 0; i < 3; i++ {
		if frames[i].Dtype() != tensor.Float64 {
			return nil, errors.Errorf("frame %d has dtype %v, want float64", i, frames[i].Dtype())
		}
		if !frames[i].Shape().Eq(shape) {
			return nil, errors.Errorf("frame %d shape %v does not match %v", i, frames[i].Shape(), shape)
		}
	}

	h, w := imgH/n.cfg.Stride, imgW/n.cfg.Stride
	pooled := n.avgPool(frames, imgH, imgW, h, w)

	c, f, d := n.cfg.InChannels, n.cfg.FeatureDims, n.cfg.EmbeddingDims
	rows := 3 * h * w
	in := mat.NewDense(rows, c, pooled)

	var feat mat.Dense
	feat.Mul(in, mat.NewDense(c, f, n.featW.Value))
	relu(feat.RawMatrix().Data)

	var out mat.Dense
	out.Mul(&feat, mat.NewDense(f, d, n.headW.Value))
	outData := out.RawMatrix().Data
	for r := 0; r < rows; r++ {
		floats.Add(outData[r*d:(r+1)*d], n.headB.Value)
	}

	if n.mode == Training {
		n.lastIn, n.lastFeat, n.lastH, n.lastW = in, &feat, h, w
	} else {
		n.clearCache()
	}

	fields := make([]*tensor.Dense, 3)
	per := h * w * d
	for i := range fields {
		backing := make([]float64, per)
		copy(backing, outData[i*per:(i+1)*per])
		fields[i] = tensor.New(tensor.WithShape(h, w, d), tensor.WithBacking(backing))
	}
	return fields, nil
}

// avgPool mean-pools each stride x stride block per channel, stacking the
// three frames into one pixels-as-rows backing slice.
func (n *Net) avgPool(frames []*tensor.Dense, imgH, imgW, h, w int) []float64 {
	s, c := n.cfg.Stride, n.cfg.InChannels
	out := make([]float64, 3*h*w*c)
	norm := 1.0 / float64(s*s)
	for fi, frame := range frames {
		data := frame.Data().([]float64)
		base := fi * h * w * c
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				row := out[base+(y*w+x)*c : base+(y*w+x+1)*c]
				for dy := 0; dy < s; dy++ {
					for dx := 0; dx < s; dx++ {
						px := data[((y*s+dy)*imgW+(x*s+dx))*c : ((y*s+dy)*imgW+(x*s+dx))*c+c]
						floats.Add(row, px)
					}
				}
				floats.Scale(norm, row)
			}
		}
	}
	return out
}

// Backward accumulates parameter gradients from three (h, w, D) field
// gradients matching the most recent training-mode Embed.
func (n *Net) Backward(fieldGrads []*tensor.Dense) error {
	if n.mode != Training {
		return errors.New("backward called in eval mode")
	}
	if n.lastIn == nil {
		return errors.New("backward called with no cached forward pass")
	}
	if len(fieldGrads) != 3 {
		return errors.Errorf("expected 3 field gradients, got %d", len(fieldGrads))
	}
	h, w, d, f := n.lastH, n.lastW, n.cfg.EmbeddingDims, n.cfg.FeatureDims
	rows := 3 * h * w
	per := h * w * d
	dOutData := make([]float64, rows*d)
	for i, fg := range fieldGrads {
		want := tensor.Shape{h, w, d}
		if !fg.Shape().Eq(want) {
			return errors.Errorf("field gradient %d shape %v, want %v", i, fg.Shape(), want)
		}
		copy(dOutData[i*per:(i+1)*per], fg.Data().([]float64))
	}
	dOut := mat.NewDense(rows, d, dOutData)

	if !n.headW.Frozen {
		var dWh mat.Dense
		dWh.Mul(n.lastFeat.T(), dOut)
		floats.Add(n.headW.Grad, dWh.RawMatrix().Data)
		for r := 0; r < rows; r++ {
			floats.Add(n.headB.Grad, dOutData[r*d:(r+1)*d])
		}
	}

	if !n.featW.Frozen {
		var dFeat mat.Dense
		dFeat.Mul(dOut, mat.NewDense(f, d, n.headW.Value).T())
		dFeatData := dFeat.RawMatrix().Data
		featData := n.lastFeat.RawMatrix().Data
		for i, v := range featData {
			if v <= 0 {
				dFeatData[i] = 0
			}
		}
		var dWf mat.Dense
		dWf.Mul(n.lastIn.T(), &dFeat)
		floats.Add(n.featW.Grad, dWf.RawMatrix().Data)
	}
	return nil
}

// Parameters returns the trainable and frozen parameters.
func (n *Net) Parameters() []*Parameter {
	return []*Parameter{n.featW, n.headW, n.headB}
}

// SetMode switches train/eval state. Entering eval drops the forward cache.
func (n *Net) SetMode(m Mode) {
	n.mode = m
	if m == Evaluation {
		n.clearCache()
	}
}

// CurrentMode returns the train/eval state.
func (n *Net) CurrentMode() Mode {
	return n.mode
}

// FreezeFeatureExtraction pins the feature-layer weights.
func (n *Net) FreezeFeatureExtraction() {
	n.featW.Frozen = true
}

// FeatureExtractionFrozen reports whether the feature layer is pinned.
func (n *Net) FeatureExtractionFrozen() bool {
	return n.featW.Frozen
}

// StateDict snapshots all parameter values.
func (n *Net) StateDict() State {
	out := make(State, 3)
	for _, p := range n.Parameters() {
		cp := make([]float64, len(p.Value))
		copy(cp, p.Value)
		out[p.Name] = cp
	}
	return out
}

// LoadStateDict replaces all parameter values from a snapshot. The snapshot
// must cover every parameter at the exact size; nothing is modified on error.
func (n *Net) LoadStateDict(s State) error {
	return loadInto(n.Parameters(), s)
}

func (n *Net) clearCache() {
	n.lastIn, n.lastFeat = nil, nil
}

func relu(vals []float64) {
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
}
