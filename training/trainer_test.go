package training

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/bfvos/bfvos/dataset"
	"github.com/bfvos/bfvos/model"
	"github.com/bfvos/bfvos/triplet"
)

// sliceSource replays in-memory samples and counts how many were consumed.
type sliceSource struct {
	samples []*dataset.Sample
	pos     int
	reads   int
}

func (s *sliceSource) Next(context.Context) (*dataset.Sample, error) {
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}
	sample := s.samples[s.pos]
	s.pos++
	s.reads++
	return sample, nil
}

func (s *sliceSource) Reset() { s.pos = 0 }

type metricEntry struct {
	name  string
	step  int
	value float64
}

type recordingMetrics struct {
	entries []metricEntry
}

func (m *recordingMetrics) Scalar(name string, step int, value float64) {
	m.entries = append(m.entries, metricEntry{name, step, value})
}

func (m *recordingMetrics) named(name string) []metricEntry {
	var out []metricEntry
	for _, e := range m.entries {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type recordingCkpt struct {
	tags     []string
	failSave bool
	onSave   func()
}

func (c *recordingCkpt) Save(_ context.Context, tag string, _ model.State) error {
	if c.onSave != nil {
		c.onSave()
	}
	if c.failSave {
		return errors.New("disk full")
	}
	c.tags = append(c.tags, tag)
	return nil
}

func (c *recordingCkpt) SaveConfig(_ context.Context, tag string, _ interface{}) error {
	c.tags = append(c.tags, tag+".config")
	return nil
}

func newTestNet(t *testing.T) *model.Net {
	t.Helper()
	n, err := model.NewNet(model.NetConfig{InChannels: 1, FeatureDims: 4, EmbeddingDims: 2, Stride: 2, Seed: 7})
	test.That(t, err, test.ShouldBeNil)
	// Known weights keep the feature layer alive for foreground pixels.
	err = n.LoadStateDict(model.State{
		"features.weight": {1, 0.5, -0.5, 0.25},
		"head.weight":     {0.1, 0, 0, 0.1, 0.05, 0.05, 0, 0},
		"head.bias":       {0, 0},
	})
	test.That(t, err, test.ShouldBeNil)
	return n
}

// testFrame is a (4, 4, 1) frame whose top-left 2x2 block holds v; with
// stride 2 it pools to a 2x2 grid with the block at (0, 0).
func testFrame(v float64) *tensor.Dense {
	vals := make([]float64, 16)
	for _, i := range []int{0, 1, 4, 5} {
		vals[i] = v
	}
	return tensor.New(tensor.WithShape(4, 4, 1), tensor.WithBacking(vals))
}

func testMask(fg ...uint8) *tensor.Dense {
	return tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(fg))
}

func validSample() *dataset.Sample {
	return &dataset.Sample{
		Frames:      []*tensor.Dense{testFrame(1), testFrame(0.8), testFrame(0.9)},
		Annotations: []*tensor.Dense{testMask(1, 0, 0, 0), testMask(1, 0, 0, 0), testMask(1, 0, 0, 0)},
	}
}

func degenerateSample() *dataset.Sample {
	return &dataset.Sample{
		Frames:      []*tensor.Dense{testFrame(1), testFrame(0.8), testFrame(0.9)},
		Annotations: []*tensor.Dense{testMask(1, 1, 1, 1), testMask(1, 0, 0, 0), testMask(1, 0, 0, 0)},
	}
}

func newTestTrainer(t *testing.T, cfg Config, n *model.Net, metrics MetricsSink, ckpt CheckpointSink, logger golog.Logger) *Trainer {
	t.Helper()
	optim := model.NewSGD(n.Parameters(), cfg.LearningRate, cfg.Momentum)
	return NewTrainer(cfg, n, triplet.NewMinTripletLoss(cfg.Alpha), optim, metrics, ckpt, logger)
}

func baseConfig() Config {
	return Config{
		Epochs:             1,
		Alpha:              1.0,
		LearningRate:       0.01,
		Momentum:           0.1,
		LogInterval:        1,
		CheckpointInterval: 100,
		NumValSamples:      -1,
	}
}

func TestTrainEpochSkipDoesNotMutate(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	n := newTestNet(t)
	metrics := &recordingMetrics{}
	trainer := newTestTrainer(t, baseConfig(), n, metrics, &recordingCkpt{}, logger)

	before := n.StateDict()
	src := &sliceSource{samples: []*dataset.Sample{degenerateSample()}}
	test.That(t, trainer.TrainEpoch(context.Background(), 0, src), test.ShouldBeNil)

	test.That(t, n.StateDict(), test.ShouldResemble, before)
	test.That(t, metrics.entries, test.ShouldHaveLength, 0)
	test.That(t, logs.FilterMessageSnippet("skipping").Len(), test.ShouldEqual, 1)
}

func TestTrainEpochUpdatesParameters(t *testing.T) {
	n := newTestNet(t)
	metrics := &recordingMetrics{}
	cfg := baseConfig()
	trainer := newTestTrainer(t, cfg, n, metrics, &recordingCkpt{}, golog.NewTestLogger(t))

	before := n.StateDict()
	src := &sliceSource{samples: []*dataset.Sample{validSample(), validSample()}}
	test.That(t, trainer.TrainEpoch(context.Background(), 0, src), test.ShouldBeNil)

	test.That(t, n.StateDict(), test.ShouldNotResemble, before)
	// Frozen-by-policy feature weights stay put.
	test.That(t, n.StateDict()["features.weight"], test.ShouldResemble, before["features.weight"])

	losses := metrics.named("train_loss")
	test.That(t, losses, test.ShouldHaveLength, 2)
	test.That(t, losses[0].step, test.ShouldEqual, 1)
	test.That(t, losses[1].step, test.ShouldEqual, 2)
	test.That(t, losses[0].value, test.ShouldBeGreaterThan, 0)

	lrs := metrics.named("train_lr_group0")
	test.That(t, lrs, test.ShouldHaveLength, 2)
	test.That(t, lrs[0].value, test.ShouldEqual, cfg.LearningRate)
}

func TestTrainEpochCheckpointModeRoundTrip(t *testing.T) {
	n := newTestNet(t)
	ckpt := &recordingCkpt{}
	sawEval := false
	ckpt.onSave = func() {
		sawEval = n.CurrentMode() == model.Evaluation
	}
	cfg := baseConfig()
	cfg.CheckpointInterval = 1
	trainer := newTestTrainer(t, cfg, n, &recordingMetrics{}, ckpt, golog.NewTestLogger(t))

	src := &sliceSource{samples: []*dataset.Sample{validSample()}}
	test.That(t, trainer.TrainEpoch(context.Background(), 0, src), test.ShouldBeNil)

	test.That(t, ckpt.tags, test.ShouldResemble, []string{"ckpt_epoch_1_batch_id_1"})
	test.That(t, sawEval, test.ShouldBeTrue)
	// The save-time mode switch must not leak into later steps.
	test.That(t, n.CurrentMode(), test.ShouldEqual, model.Training)
	test.That(t, n.FeatureExtractionFrozen(), test.ShouldBeTrue)
}

func TestTrainEpochCheckpointFailureIsFatal(t *testing.T) {
	n := newTestNet(t)
	cfg := baseConfig()
	cfg.CheckpointInterval = 1
	trainer := newTestTrainer(t, cfg, n, &recordingMetrics{}, &recordingCkpt{failSave: true}, golog.NewTestLogger(t))

	src := &sliceSource{samples: []*dataset.Sample{validSample(), validSample()}}
	err := trainer.TrainEpoch(context.Background(), 0, src)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "disk full")
	// Mode was still restored before the error surfaced.
	test.That(t, n.CurrentMode(), test.ShouldEqual, model.Training)
	// Only the first sample was consumed.
	test.That(t, src.reads, test.ShouldEqual, 1)
}

func TestTrainEpochCancellation(t *testing.T) {
	n := newTestNet(t)
	trainer := newTestTrainer(t, baseConfig(), n, &recordingMetrics{}, &recordingCkpt{}, golog.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sliceSource{samples: []*dataset.Sample{validSample()}}
	err := trainer.TrainEpoch(ctx, 0, src)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, src.reads, test.ShouldEqual, 0)
}

func TestValidateCap(t *testing.T) {
	n := newTestNet(t)
	metrics := &recordingMetrics{}
	cfg := baseConfig()
	cfg.LogInterval = 100
	cfg.NumValSamples = 3
	trainer := newTestTrainer(t, cfg, n, metrics, &recordingCkpt{}, golog.NewTestLogger(t))

	samples := make([]*dataset.Sample, 10)
	for i := range samples {
		samples[i] = validSample()
	}
	src := &sliceSource{samples: samples}
	before := n.StateDict()
	test.That(t, trainer.Validate(context.Background(), 0, src), test.ShouldBeNil)

	// Indices 0..3 inclusive: exactly four samples.
	test.That(t, src.reads, test.ShouldEqual, 4)
	// No optimizer runs in validation.
	test.That(t, n.StateDict(), test.ShouldResemble, before)
	test.That(t, n.CurrentMode(), test.ShouldEqual, model.Evaluation)

	// Off-cadence terminal sample still logs.
	losses := metrics.named("val_loss")
	test.That(t, losses, test.ShouldHaveLength, 1)
	test.That(t, losses[0].step, test.ShouldEqual, 4)
}

func TestValidateShortSourceExhausts(t *testing.T) {
	n := newTestNet(t)
	cfg := baseConfig()
	cfg.NumValSamples = 50
	trainer := newTestTrainer(t, cfg, n, &recordingMetrics{}, &recordingCkpt{}, golog.NewTestLogger(t))

	src := &sliceSource{samples: []*dataset.Sample{validSample(), validSample()}}
	test.That(t, trainer.Validate(context.Background(), 0, src), test.ShouldBeNil)
	test.That(t, src.reads, test.ShouldEqual, 2)
}

func TestValidateNoCap(t *testing.T) {
	n := newTestNet(t)
	trainer := newTestTrainer(t, baseConfig(), n, &recordingMetrics{}, &recordingCkpt{}, golog.NewTestLogger(t))

	samples := make([]*dataset.Sample, 5)
	for i := range samples {
		samples[i] = validSample()
	}
	src := &sliceSource{samples: samples}
	test.That(t, trainer.Validate(context.Background(), 0, src), test.ShouldBeNil)
	test.That(t, src.reads, test.ShouldEqual, 5)
}

func TestValidateSkipsDegenerate(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	n := newTestNet(t)
	trainer := newTestTrainer(t, baseConfig(), n, &recordingMetrics{}, &recordingCkpt{}, logger)

	src := &sliceSource{samples: []*dataset.Sample{degenerateSample(), validSample()}}
	test.That(t, trainer.Validate(context.Background(), 0, src), test.ShouldBeNil)
	test.That(t, src.reads, test.ShouldEqual, 2)
	test.That(t, logs.FilterMessageSnippet("skipping").Len(), test.ShouldEqual, 1)
}

func TestSaveFinal(t *testing.T) {
	n := newTestNet(t)
	cfg := baseConfig()
	cfg.Epochs = 2
	trainer := newTestTrainer(t, cfg, n, &recordingMetrics{}, &recordingCkpt{}, golog.NewTestLogger(t))

	sink := &recordingCkpt{}
	clk := clock.NewMock()
	clk.Add(1234 * time.Second)
	tag, err := trainer.SaveFinal(context.Background(), sink, clk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tag, test.ShouldEqual, "epoch_2_1234")
	test.That(t, sink.tags, test.ShouldResemble, []string{"epoch_2_1234", "epoch_2_1234.config"})
}
