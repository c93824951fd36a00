// Package main trains the embedding model on a directory of annotated video
// sequences.
package main

import (
	"context"
	"flag"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/bfvos/bfvos/dataset"
	"github.com/bfvos/bfvos/model"
	"github.com/bfvos/bfvos/training"
	"github.com/bfvos/bfvos/triplet"
)

var logger = golog.NewDevelopmentLogger("bfvos_train")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	dataDir := flags.String("data-dir", "dataset", "dataset root with train/ and val/ sequence dirs")
	outDir := flags.String("out-dir", "training", "output directory for checkpoints and models")
	imageWidth := flags.Int("image-width", 256, "input image width")
	imageHeight := flags.Int("image-height", 256, "input image height")
	embeddingDims := flags.Int("embedding-dims", 128, "embedding vector dimensions")
	featureDims := flags.Int("feature-dims", 64, "feature layer dimensions")
	stride := flags.Int("stride", 8, "spatial downsampling factor")
	logInterval := flags.Int("log-interval", 10, "samples between progress logs")
	checkpointInterval := flags.Int("checkpoint-interval", 10, "samples between checkpoints")
	epochs := flags.Int("epochs", 1, "number of epochs")
	learningRate := flags.Float64("learning-rate", 0.01, "SGD learning rate")
	momentum := flags.Float64("momentum", 0.1, "SGD momentum")
	alpha := flags.Float64("alpha", 1.0, "triplet loss margin")
	numValSamples := flags.Int("num-val-samples", 10, "validation sample cap per epoch")
	seed := flags.Int64("seed", 1, "random seed")
	pretrained := flags.String("pretrained", "", "state snapshot to initialize the model from")
	checkpointDB := flags.String("checkpoint-db", "", "store checkpoints in a single bolt db instead of files")
	debug := flags.Bool("debug", false, "print debug messages")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	if *debug {
		logger = golog.NewDebugLogger("bfvos_train")
	}

	dirCfg := dataset.DirConfig{Width: *imageWidth, Height: *imageHeight, MaskStride: *stride}
	trainSeqs, err := dataset.NewDirSequences(filepath.Join(*dataDir, "train"), dirCfg)
	if err != nil {
		return err
	}
	valSeqs, err := dataset.NewDirSequences(filepath.Join(*dataDir, "val"), dirCfg)
	if err != nil {
		return err
	}
	trainSrc := dataset.NewTripletSource(trainSeqs, true, *seed)
	valSrc := dataset.NewTripletSource(valSeqs, true, *seed+1)

	net, err := model.NewNet(model.NetConfig{
		InChannels:    3,
		FeatureDims:   *featureDims,
		EmbeddingDims: *embeddingDims,
		Stride:        *stride,
		Seed:          *seed,
	})
	if err != nil {
		return err
	}
	if *pretrained != "" {
		state, err := training.LoadState(*pretrained)
		if err != nil {
			return err
		}
		if err := net.LoadStateDict(state); err != nil {
			return err
		}
		logger.Infow("loaded pretrained weights", "path", *pretrained)
	}

	cfg := training.Config{
		Epochs:             *epochs,
		Alpha:              *alpha,
		LearningRate:       *learningRate,
		Momentum:           *momentum,
		LogInterval:        *logInterval,
		CheckpointInterval: *checkpointInterval,
		NumValSamples:      *numValSamples,
		Seed:               *seed,
	}

	var ckpt training.CheckpointSink
	var finalSink training.CheckpointSink
	if *checkpointDB != "" {
		bs, berr := training.NewBoltSink(*checkpointDB)
		if berr != nil {
			return berr
		}
		defer func() {
			err = multierr.Combine(err, bs.Close())
		}()
		ckpt, finalSink = bs, bs
	} else {
		fs, err := training.NewFileSink(filepath.Join(*outDir, "checkpoints"))
		if err != nil {
			return err
		}
		ms, err := training.NewFileSink(filepath.Join(*outDir, "models"))
		if err != nil {
			return err
		}
		ckpt, finalSink = fs, ms
	}

	optim := model.NewSGD(net.Parameters(), *learningRate, *momentum)
	trainer := training.NewTrainer(cfg, net, triplet.NewMinTripletLoss(*alpha), optim, training.NewLogSink(logger), ckpt, logger)

	bar := progressbar.Default(int64(*epochs), "epochs")
	for epoch := 0; epoch < *epochs; epoch++ {
		logger.Infow("starting epoch", "epoch", epoch+1, "of", *epochs)
		trainSrc.Reset()
		if err := trainer.TrainEpoch(ctx, epoch, trainSrc); err != nil {
			return err
		}
		valSrc.Reset()
		if err := trainer.Validate(ctx, epoch, valSrc); err != nil {
			return err
		}
		goutils.UncheckedError(bar.Add(1))
	}

	tag, err := trainer.SaveFinal(ctx, finalSink, clock.New())
	if err != nil {
		return err
	}
	logger.Infow("training complete", "model", tag)
	return nil
}
