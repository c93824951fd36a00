// Package training drives the epoch loops: embedding, pool building, loss,
// optimization, metrics, and checkpointing.
package training

import (
	"context"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/bfvos/bfvos/dataset"
	"github.com/bfvos/bfvos/model"
	"github.com/bfvos/bfvos/triplet"
)

const defaultMeterWindow = 20

// Config is the immutable training configuration, threaded through the
// trainer rather than held as process globals.
type Config struct {
	Epochs             int     `json:"epochs"`
	Alpha              float64 `json:"alpha"`
	LearningRate       float64 `json:"learning_rate"`
	Momentum           float64 `json:"momentum"`
	LogInterval        int     `json:"log_interval"`
	CheckpointInterval int     `json:"checkpoint_interval"`
	// NumValSamples caps validation at sample index NumValSamples inclusive,
	// so k processes k+1 samples. Negative means no cap: validation runs
	// until the source is exhausted. A source shorter than the cap also just
	// exhausts normally.
	NumValSamples int   `json:"num_val_samples"`
	Seed          int64 `json:"seed"`
	MeterWindow   int   `json:"meter_window,omitempty"`
}

// Trainer runs training and validation epochs over a model. Single logical
// thread of control; model parameters mutate only inside the optimizer step.
type Trainer struct {
	cfg     Config
	model   model.Embedder
	loss    *triplet.MinTripletLoss
	optim   *model.SGD
	metrics MetricsSink
	ckpt    CheckpointSink
	meter   *MovingAverageMeter
	logger  golog.Logger
}

// NewTrainer wires a trainer together.
func NewTrainer(
	cfg Config,
	m model.Embedder,
	loss *triplet.MinTripletLoss,
	optim *model.SGD,
	metrics MetricsSink,
	ckpt CheckpointSink,
	logger golog.Logger,
) *Trainer {
	window := cfg.MeterWindow
	if window == 0 {
		window = defaultMeterWindow
	}
	if cfg.LogInterval < 1 {
		cfg.LogInterval = 1
	}
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = 1
	}
	return &Trainer{
		cfg:     cfg,
		model:   m,
		loss:    loss,
		optim:   optim,
		metrics: metrics,
		ckpt:    ckpt,
		meter:   NewMovingAverageMeter(window),
		logger:  logger,
	}
}

// TrainEpoch runs one optimization pass over src. Degenerate samples, where
// the pool builder finds no usable triplets, are skipped without touching
// loss accumulators or parameters.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, src dataset.Source) error {
	t.model.SetMode(model.Training)
	t.model.FreezeFeatureExtraction()

	var aggFg, aggBg float64
	for idx := 0; ; idx++ {
		sample, err := nextSample(ctx, src)
		if err != nil {
			return err
		}
		if sample == nil {
			return nil
		}

		fields, err := t.model.Embed(ctx, sample.Frames)
		if err != nil {
			return errors.Wrapf(err, "embedding sample %d", idx+1)
		}
		pools, err := triplet.BuildPools(sample.Annotations, fields)
		if err != nil {
			return errors.Wrapf(err, "building pools for sample %d", idx+1)
		}
		if pools == nil {
			t.logger.Debugf("skipping sample %d: degenerate pools", idx+1)
			continue
		}

		fgLoss, fgGrads, err := t.loss.Forward(pools.FgAnchor, pools.FgPositive, pools.FgNegative)
		if err != nil {
			return errors.Wrapf(err, "fg loss for sample %d", idx+1)
		}
		bgLoss, bgGrads, err := t.loss.Forward(pools.BgAnchor, pools.BgPositive, pools.BgNegative)
		if err != nil {
			return errors.Wrapf(err, "bg loss for sample %d", idx+1)
		}

		t.optim.ZeroGrad()
		if err := t.model.Backward(pools.ScatterGrads(fgGrads, bgGrads)); err != nil {
			return errors.Wrapf(err, "backward for sample %d", idx+1)
		}
		t.optim.Step()

		aggFg += fgLoss
		aggBg += bgLoss
		t.meter.Add(fgLoss + bgLoss)

		if (idx+1)%t.cfg.LogInterval == 0 {
			t.logProgress("train", epoch, idx, aggFg, aggBg)
			t.metrics.Scalar("train_loss", idx+1, t.meter.Value())
			for i, g := range t.optim.ParamGroups() {
				t.metrics.Scalar(fmt.Sprintf("train_lr_group%d", i), idx+1, g.LearningRate)
			}
		}
		if (idx+1)%t.cfg.CheckpointInterval == 0 {
			if err := t.saveCheckpoint(ctx, epoch, idx); err != nil {
				return err
			}
		}
	}
}

// Validate runs loss evaluation without parameter updates. The model stays in
// eval mode for the whole loop. The loop ends at source exhaustion or after
// the sample at index cfg.NumValSamples, whichever comes first.
func (t *Trainer) Validate(ctx context.Context, epoch int, src dataset.Source) error {
	t.model.SetMode(model.Evaluation)

	var aggFg, aggBg float64
	for idx := 0; ; idx++ {
		sample, err := nextSample(ctx, src)
		if err != nil {
			return err
		}
		if sample == nil {
			return nil
		}

		fields, err := t.model.Embed(ctx, sample.Frames)
		if err != nil {
			return errors.Wrapf(err, "embedding sample %d", idx+1)
		}
		pools, err := triplet.BuildPools(sample.Annotations, fields)
		if err != nil {
			return errors.Wrapf(err, "building pools for sample %d", idx+1)
		}
		atCap := idx == t.cfg.NumValSamples
		if pools == nil {
			t.logger.Debugf("skipping sample %d: degenerate pools", idx+1)
			if atCap {
				return nil
			}
			continue
		}

		fgLoss, err := t.loss.Validation(pools.FgAnchor, pools.FgPositive, pools.FgNegative)
		if err != nil {
			return errors.Wrapf(err, "fg loss for sample %d", idx+1)
		}
		bgLoss, err := t.loss.Validation(pools.BgAnchor, pools.BgPositive, pools.BgNegative)
		if err != nil {
			return errors.Wrapf(err, "bg loss for sample %d", idx+1)
		}

		aggFg += fgLoss
		aggBg += bgLoss
		t.meter.Add(fgLoss + bgLoss)

		if (idx+1)%t.cfg.LogInterval == 0 || atCap {
			t.logProgress("val", epoch, idx, aggFg, aggBg)
			t.metrics.Scalar("val_loss", idx+1, t.meter.Value())
		}
		if atCap {
			return nil
		}
	}
}

// nextSample fetches the next sample, mapping end-of-pass to a nil sample and
// honoring context cancellation between samples.
func nextSample(ctx context.Context, src dataset.Source) (*dataset.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sample, err := src.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return sample, nil
}

func (t *Trainer) logProgress(phase string, epoch, idx int, aggFg, aggBg float64) {
	n := float64(idx + 1)
	t.logger.Infow("progress",
		"phase", phase,
		"epoch", epoch+1,
		"batch", idx+1,
		"avg_fg_loss", aggFg/n,
		"avg_bg_loss", aggBg/n,
		"avg_total_loss", (aggFg+aggBg)/n,
	)
}

// saveCheckpoint persists the model mid-epoch. The save happens in eval mode;
// training mode and the freeze policy are restored afterward regardless of
// the save's outcome, so a failed save never leaks eval mode upward.
func (t *Trainer) saveCheckpoint(ctx context.Context, epoch, idx int) error {
	t.model.SetMode(model.Evaluation)
	tag := fmt.Sprintf("ckpt_epoch_%d_batch_id_%d", epoch+1, idx+1)
	err := t.ckpt.Save(ctx, tag, t.model.StateDict())
	t.model.SetMode(model.Training)
	t.model.FreezeFeatureExtraction()
	if err != nil {
		return errors.Wrapf(err, "saving checkpoint %q", tag)
	}
	t.logger.Infow("checkpoint saved", "tag", tag)
	return nil
}

// SaveFinal persists the trained model and a sidecar record of the config
// that produced it, tagged with the epoch count and the current time.
func (t *Trainer) SaveFinal(ctx context.Context, sink CheckpointSink, clk clock.Clock) (string, error) {
	t.model.SetMode(model.Evaluation)
	tag := fmt.Sprintf("epoch_%d_%d", t.cfg.Epochs, clk.Now().Unix())
	if err := sink.Save(ctx, tag, t.model.StateDict()); err != nil {
		return "", errors.Wrapf(err, "saving final model %q", tag)
	}
	if err := sink.SaveConfig(ctx, tag, t.cfg); err != nil {
		return "", errors.Wrapf(err, "saving config sidecar %q", tag)
	}
	t.logger.Infow("final model saved", "tag", tag)
	return tag, nil
}
