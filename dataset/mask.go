package dataset

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DownsampleMask reduces a binary (H, W) uint8 mask by nearest-neighbor
// sampling at the given factor. This reduction is what can collapse a sparse
// mask to all background; the pool builder guards that case downstream.
func DownsampleMask(mask *tensor.Dense, factor int) (*tensor.Dense, error) {
	if factor <= 0 {
		return nil, errors.Errorf("non-positive downsample factor %d", factor)
	}
	shape := mask.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("mask must be 2D, got shape %v", shape)
	}
	h, w := shape[0], shape[1]
	if h%factor != 0 || w%factor != 0 {
		return nil, errors.Errorf("mask dims %dx%d not divisible by factor %d", h, w, factor)
	}
	if factor == 1 {
		return mask, nil
	}
	data := mask.Data().([]uint8)
	oh, ow := h/factor, w/factor
	out := make([]uint8, oh*ow)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			out[y*ow+x] = data[y*factor*w+x*factor]
		}
	}
	return tensor.New(tensor.WithShape(oh, ow), tensor.WithBacking(out)), nil
}
