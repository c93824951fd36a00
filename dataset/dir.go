package dataset

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DirConfig sizes frames and masks loaded from disk. Frames are resized to
// Width x Height; masks are resized the same way, thresholded, then reduced by
// MaskStride to embedding-field resolution.
type DirConfig struct {
	Width      int
	Height     int
	MaskStride int
}

// DirSequences loads sequences from a directory tree of the form
//
//	root/<sequence>/frames/<name>.png
//	root/<sequence>/masks/<name>.png
//
// where every frame has a mask of the same file name. Sequences and frames are
// ordered by name.
type DirSequences struct {
	cfg    DirConfig
	root   string
	seqs   []string
	frames [][]string
}

// NewDirSequences scans root and indexes its sequences.
func NewDirSequences(root string, cfg DirConfig) (*DirSequences, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.MaskStride <= 0 {
		return nil, errors.Errorf("invalid dir config %+v", cfg)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset root %q", root)
	}
	ds := &DirSequences{cfg: cfg, root: root}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names, err := pngNames(filepath.Join(root, e.Name(), "frames"))
		if err != nil {
			return nil, errors.Wrapf(err, "indexing sequence %q", e.Name())
		}
		if len(names) == 0 {
			continue
		}
		ds.seqs = append(ds.seqs, e.Name())
		ds.frames = append(ds.frames, names)
	}
	if len(ds.seqs) == 0 {
		return nil, errors.Errorf("no sequences found under %q", root)
	}
	return ds, nil
}

func pngNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".png" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of sequences.
func (ds *DirSequences) Len() int { return len(ds.seqs) }

// FrameCount returns the number of frames in sequence i.
func (ds *DirSequences) FrameCount(i int) int { return len(ds.frames[i]) }

// Load reads, resizes, and tensorizes one frame with its mask.
func (ds *DirSequences) Load(_ context.Context, seq, frame int) (*tensor.Dense, *tensor.Dense, error) {
	if seq < 0 || seq >= len(ds.seqs) || frame < 0 || frame >= len(ds.frames[seq]) {
		return nil, nil, errors.Errorf("no frame %d in sequence %d", frame, seq)
	}
	name := ds.frames[seq][frame]
	img, err := imaging.Open(filepath.Join(ds.root, ds.seqs[seq], "frames", name))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening frame")
	}
	maskImg, err := imaging.Open(filepath.Join(ds.root, ds.seqs[seq], "masks", name))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening mask")
	}

	img = imaging.Resize(img, ds.cfg.Width, ds.cfg.Height, imaging.Lanczos)
	maskImg = imaging.Resize(maskImg, ds.cfg.Width, ds.cfg.Height, imaging.NearestNeighbor)

	mask, err := DownsampleMask(maskToTensor(maskImg), ds.cfg.MaskStride)
	if err != nil {
		return nil, nil, err
	}
	return frameToTensor(img), mask, nil
}

// frameToTensor converts an image to an (H, W, 3) float64 tensor in [0, 1].
func frameToTensor(img image.Image) *tensor.Dense {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	data := make([]float64, h*w*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, _ := img.At(x, y).RGBA()
			data[i] = float64(r) / 0xffff
			data[i+1] = float64(g) / 0xffff
			data[i+2] = float64(bb) / 0xffff
			i += 3
		}
	}
	return tensor.New(tensor.WithShape(h, w, 3), tensor.WithBacking(data))
}

// maskToTensor thresholds an image into a binary (H, W) uint8 mask.
func maskToTensor(img image.Image) *tensor.Dense {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	data := make([]uint8, h*w)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, _ := img.At(x, y).RGBA()
			if r+g+bb >= 3*0x8000 {
				data[i] = 1
			}
			i++
		}
	}
	return tensor.New(tensor.WithShape(h, w), tensor.WithBacking(data))
}
