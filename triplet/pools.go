// Package triplet builds foreground/background pixel-embedding pools from
// sparse annotations and evaluates the pooled min-triplet margin loss over them.
package triplet

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Pixel is a spatial coordinate into a mask or embedding field.
type Pixel struct {
	Y, X int
}

// PoolSet holds the six pixel-embedding batches built from one frame triplet.
// Each batch is an (N, D) float64 tensor. FgNegative is the same tensor as
// BgPositive and BgNegative the same as FgPositive: the positive pool of one
// class is the negative pool of the other.
type PoolSet struct {
	FgAnchor   *tensor.Dense
	FgPositive *tensor.Dense
	FgNegative *tensor.Dense
	BgAnchor   *tensor.Dense
	BgPositive *tensor.Dense
	BgNegative *tensor.Dense

	// Index lists the batches were gathered at. Anchor indices address the
	// anchor frame; pool indices address the combined pool, where x values
	// at or beyond PoolSplit belong to the second pool frame.
	FgAnchorIdx []Pixel
	BgAnchorIdx []Pixel
	FgPoolIdx   []Pixel
	BgPoolIdx   []Pixel
	PoolSplit   int

	// Frame geometry, needed to scatter gradients back into fields.
	FrameH, FrameW, Dims int
}

// BuildPools gathers the anchor and pool batches for one sample. masks must be
// three (H, W) uint8 binary annotation masks and fields three matching
// (H, W, D) float64 embedding fields; index 0 is the anchor frame. The two
// pool frames are stacked horizontally into one combined search space so every
// anchor pixel is compared against both frames at once inside the loss.
//
// A degenerate sample, where the anchor or the combined pool has no foreground
// or no background pixels left (annotation downsampling can collapse a sparse
// mask), returns (nil, nil): the caller skips the sample. Errors are reserved
// for malformed input.
func BuildPools(masks, fields []*tensor.Dense) (*PoolSet, error) {
	if len(masks) != 3 || len(fields) != 3 {
		return nil, errors.Errorf("expected 3 masks and 3 fields, got %d and %d", len(masks), len(fields))
	}
	h, w, d, err := checkShapes(masks, fields)
	if err != nil {
		return nil, err
	}

	fgAnchorIdx, bgAnchorIdx := maskIndices(masks[0])
	if len(fgAnchorIdx) == 0 || len(bgAnchorIdx) == 0 {
		return nil, nil
	}

	poolMask, err := masks[1].Concat(1, masks[2])
	if err != nil {
		return nil, errors.Wrap(err, "concatenating pool masks")
	}
	fgPoolIdx, bgPoolIdx := maskIndices(poolMask)
	if len(fgPoolIdx) == 0 || len(bgPoolIdx) == 0 {
		return nil, nil
	}

	poolField, err := fields[1].Concat(1, fields[2])
	if err != nil {
		return nil, errors.Wrap(err, "concatenating pool fields")
	}

	ps := &PoolSet{
		FgAnchor:    gather(fields[0], fgAnchorIdx, w, d),
		BgAnchor:    gather(fields[0], bgAnchorIdx, w, d),
		FgPositive:  gather(poolField, fgPoolIdx, 2*w, d),
		BgPositive:  gather(poolField, bgPoolIdx, 2*w, d),
		FgAnchorIdx: fgAnchorIdx,
		BgAnchorIdx: bgAnchorIdx,
		FgPoolIdx:   fgPoolIdx,
		BgPoolIdx:   bgPoolIdx,
		PoolSplit:   w,
		FrameH:      h,
		FrameW:      w,
		Dims:        d,
	}
	ps.FgNegative = ps.BgPositive
	ps.BgNegative = ps.FgPositive
	return ps, nil
}

func checkShapes(masks, fields []*tensor.Dense) (h, w, d int, err error) {
	ms := masks[0].Shape()
	if len(ms) != 2 {
		return 0, 0, 0, errors.Errorf("masks must be 2D, got shape %v", ms)
	}
	fs := fields[0].Shape()
	if len(fs) != 3 {
		return 0, 0, 0, errors.Errorf("fields must be 3D, got shape %v", fs)
	}
	h, w, d = fs[0], fs[1], fs[2]
	if ms[0] != h || ms[1] != w {
		return 0, 0, 0, errors.Errorf("mask shape %v does not match field shape %v", ms, fs)
	}
	for i := 0; i < 3; i++ {
		if masks[i].Dtype() != tensor.Uint8 {
			return 0, 0, 0, errors.Errorf("mask %d has dtype %v, want uint8", i, masks[i].Dtype())
		}
		if fields[i].Dtype() != tensor.Float64 {
			return 0, 0, 0, errors.Errorf("field %d has dtype %v, want float64", i, fields[i].Dtype())
		}
		if !masks[i].Shape().Eq(ms) {
			return 0, 0, 0, errors.Errorf("mask %d shape %v does not match %v", i, masks[i].Shape(), ms)
		}
		if !fields[i].Shape().Eq(fs) {
			return 0, 0, 0, errors.Errorf("field %d shape %v does not match %v", i, fields[i].Shape(), fs)
		}
	}
	return h, w, d, nil
}

// maskIndices enumerates foreground and background coordinates of a binary
// mask in row-major order.
func maskIndices(mask *tensor.Dense) (fg, bg []Pixel) {
	shape := mask.Shape()
	h, w := shape[0], shape[1]
	data := mask.Data().([]uint8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if data[y*w+x] != 0 {
				fg = append(fg, Pixel{Y: y, X: x})
			} else {
				bg = append(bg, Pixel{Y: y, X: x})
			}
		}
	}
	return fg, bg
}

// gather copies the embedding vector at each index into an (N, D) batch. The
// channel-last field layout keeps each pixel's vector contiguous, so a gather
// is one copy per pixel rather than D strided reads.
func gather(field *tensor.Dense, idx []Pixel, w, d int) *tensor.Dense {
	data := field.Data().([]float64)
	out := make([]float64, 0, len(idx)*d)
	for _, p := range idx {
		off := (p.Y*w + p.X) * d
		out = append(out, data[off:off+d]...)
	}
	return tensor.New(tensor.WithShape(len(idx), d), tensor.WithBacking(out))
}

// ScatterGrads routes pool-batch gradients from the fg and bg loss terms back
// to per-frame field gradients, reversing the gather and the horizontal
// concatenation. Returns three (H, W, D) float64 tensors in frame order.
func (ps *PoolSet) ScatterGrads(fg, bg *Grads) []*tensor.Dense {
	out := make([]*tensor.Dense, 3)
	for i := range out {
		out[i] = tensor.New(
			tensor.WithShape(ps.FrameH, ps.FrameW, ps.Dims),
			tensor.WithBacking(make([]float64, ps.FrameH*ps.FrameW*ps.Dims)),
		)
	}
	anchor := out[0].Data().([]float64)
	ps.scatterAnchor(anchor, fg.Anchor, ps.FgAnchorIdx)
	ps.scatterAnchor(anchor, bg.Anchor, ps.BgAnchorIdx)

	f1 := out[1].Data().([]float64)
	f2 := out[2].Data().([]float64)
	// The negative pool of each class is the positive pool of the other, so
	// fg.Negative rows line up with BgPoolIdx and bg.Negative with FgPoolIdx.
	ps.scatterPool(f1, f2, fg.Positive, ps.FgPoolIdx)
	ps.scatterPool(f1, f2, fg.Negative, ps.BgPoolIdx)
	ps.scatterPool(f1, f2, bg.Positive, ps.BgPoolIdx)
	ps.scatterPool(f1, f2, bg.Negative, ps.FgPoolIdx)
	return out
}

func (ps *PoolSet) scatterAnchor(dst []float64, batch *tensor.Dense, idx []Pixel) {
	src := batch.Data().([]float64)
	for i, p := range idx {
		off := (p.Y*ps.FrameW + p.X) * ps.Dims
		row := src[i*ps.Dims : (i+1)*ps.Dims]
		for j, v := range row {
			dst[off+j] += v
		}
	}
}

func (ps *PoolSet) scatterPool(f1, f2 []float64, batch *tensor.Dense, idx []Pixel) {
	src := batch.Data().([]float64)
	for i, p := range idx {
		dst, x := f1, p.X
		if p.X >= ps.PoolSplit {
			dst, x = f2, p.X-ps.PoolSplit
		}
		off := (p.Y*ps.FrameW + x) * ps.Dims
		row := src[i*ps.Dims : (i+1)*ps.Dims]
		for j, v := range row {
			dst[off+j] += v
		}
	}
}
