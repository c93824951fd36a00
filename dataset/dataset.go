// Package dataset supplies frame triplets with their annotation masks to the
// training and validation loops.
package dataset

import (
	"context"
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Sample is one frame triplet: index 0 is the anchor frame, 1 and 2 the pool
// frames. Frames are (H, W, C) float64 tensors; Annotations are binary
// (H', W') uint8 masks at embedding-field resolution.
type Sample struct {
	Frames      []*tensor.Dense
	Annotations []*tensor.Dense
}

// Source yields samples one at a time. Next returns io.EOF once the current
// pass over the data is exhausted; Reset begins a new pass.
type Source interface {
	Next(ctx context.Context) (*Sample, error)
	Reset()
}

// Sequences is an ordered collection of annotated video sequences.
type Sequences interface {
	// Len is the number of sequences.
	Len() int
	// FrameCount is the number of frames in sequence i.
	FrameCount(i int) int
	// Load returns the frame and annotation mask at the given position.
	Load(ctx context.Context, seq, frame int) (*tensor.Dense, *tensor.Dense, error)
}

// TripletSource draws one triplet per sequence per pass: an anchor frame plus
// two other frames of the same sequence. With randomize set, sequence order
// and frame choice are drawn from the seeded source; otherwise the anchor is
// frame 0 and the pool frames are the two that follow it.
type TripletSource struct {
	seqs      Sequences
	randomize bool
	rnd       *rand.Rand
	order     []int
	pos       int
}

// NewTripletSource builds a source over seqs.
func NewTripletSource(seqs Sequences, randomize bool, seed int64) *TripletSource {
	s := &TripletSource{
		seqs:      seqs,
		randomize: randomize,
		rnd:       rand.New(rand.NewSource(seed)),
	}
	s.Reset()
	return s
}

// Next returns the next sequence's triplet, or io.EOF at end of pass.
func (s *TripletSource) Next(ctx context.Context) (*Sample, error) {
	if s.pos >= len(s.order) {
		return nil, io.EOF
	}
	seq := s.order[s.pos]
	s.pos++

	count := s.seqs.FrameCount(seq)
	if count < 3 {
		return nil, errors.Errorf("sequence %d has %d frames, need at least 3", seq, count)
	}
	anchor, f1, f2 := s.pickFrames(count)

	sample := &Sample{
		Frames:      make([]*tensor.Dense, 3),
		Annotations: make([]*tensor.Dense, 3),
	}
	for i, frame := range []int{anchor, f1, f2} {
		img, mask, err := s.seqs.Load(ctx, seq, frame)
		if err != nil {
			return nil, errors.Wrapf(err, "loading sequence %d frame %d", seq, frame)
		}
		sample.Frames[i] = img
		sample.Annotations[i] = mask
	}
	return sample, nil
}

func (s *TripletSource) pickFrames(count int) (anchor, f1, f2 int) {
	if !s.randomize {
		return 0, 1, 2
	}
	anchor = s.rnd.Intn(count)
	f1 = s.rnd.Intn(count - 1)
	if f1 >= anchor {
		f1++
	}
	f2 = s.rnd.Intn(count - 2)
	for _, taken := range sorted2(anchor, f1) {
		if f2 >= taken {
			f2++
		}
	}
	return anchor, f1, f2
}

func sorted2(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// Reset starts a new pass, reshuffling sequence order when randomized.
func (s *TripletSource) Reset() {
	if s.order == nil {
		s.order = make([]int, s.seqs.Len())
		for i := range s.order {
			s.order[i] = i
		}
	}
	if s.randomize {
		s.rnd.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.pos = 0
}

// AnnotatedFrame pairs a frame with its annotation mask.
type AnnotatedFrame struct {
	Frame *tensor.Dense
	Mask  *tensor.Dense
}

// SliceSequences is an in-memory Sequences implementation.
type SliceSequences [][]AnnotatedFrame

// Len returns the number of sequences.
func (s SliceSequences) Len() int { return len(s) }

// FrameCount returns the number of frames in sequence i.
func (s SliceSequences) FrameCount(i int) int { return len(s[i]) }

// Load returns the stored frame and mask.
func (s SliceSequences) Load(_ context.Context, seq, frame int) (*tensor.Dense, *tensor.Dense, error) {
	if seq < 0 || seq >= len(s) || frame < 0 || frame >= len(s[seq]) {
		return nil, nil, errors.Errorf("no frame %d in sequence %d", frame, seq)
	}
	af := s[seq][frame]
	return af.Frame, af.Mask, nil
}
