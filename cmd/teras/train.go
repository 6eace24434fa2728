package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/janpfeifer/teras/internal/models"
	"github.com/janpfeifer/teras/internal/parallel"
	"github.com/janpfeifer/teras/internal/ui/spinning"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagTrainSteps  = flag.Int("train_steps", 200, "Number of training steps. Each step uses batch_size sentences.")
	flagParallelism = flag.Int("parallelism", 0, "If > 0 ignore GOMAXPROCS and score these many batches simultaneously.")
)

// train runs *flagTrainSteps steps cycling over the batches of corpus.
func train(ctx context.Context, scorer *models.ArcScorer, corpus *Corpus) error {
	if *flagTrainSteps <= 0 || corpus.Len() == 0 {
		return nil
	}
	batches := corpus.Batches(scorer.BatchSize())

	// The first step compiles the training graph.
	first := batches[0]
	loss, err := spinning.While(ctx, os.Stderr, "Compiling train step", func() (float32, error) {
		return scorer.TrainStep(first.Words, first.Tags, first.Heads)
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("Initial loss: %g", loss)

	bar := progressbar.NewOptions(*flagTrainSteps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	_ = bar.Add(1)
	start := time.Now()
	for step := 1; step < *flagTrainSteps; step++ {
		if ctx.Err() != nil {
			return nil
		}
		batch := batches[step%len(batches)]
		loss, err = scorer.TrainStep(batch.Words, batch.Tags, batch.Heads)
		if err != nil {
			return errors.WithMessagef(err, "train step #%d", step)
		}
		bar.Describe(fmt.Sprintf("Training (loss=%.4f)", loss))
		_ = bar.Add(1)
	}
	klog.Infof("Trained %d steps in %s, last loss %.4f", *flagTrainSteps, time.Since(start), loss)
	return nil
}

// evaluate predicts the heads of corpus, scoring batches in parallel, and returns the number of correct
// heads and the number of tokens. Root tokens are not counted.
func evaluate(ctx context.Context, scorer *models.ArcScorer, corpus *Corpus) (correct, total int, err error) {
	options := []parallel.Option{parallel.WithDescription("Scoring")}
	if *flagParallelism > 0 {
		options = append(options, parallel.WithParallelism(*flagParallelism))
	}
	predictions, err := parallel.Apply(ctx, corpus.Batches(scorer.BatchSize()),
		func(_ context.Context, batch *Corpus) ([][]int, error) {
			return scorer.Predict(batch.Words, batch.Tags)
		}, options...)
	if err != nil {
		return 0, 0, err
	}
	sentenceIdx := 0
	for _, batch := range predictions {
		for _, predicted := range batch {
			gold := corpus.Heads[sentenceIdx]
			for tokenIdx := 1; tokenIdx < len(gold); tokenIdx++ {
				total++
				if predicted[tokenIdx] == gold[tokenIdx] {
					correct++
				}
			}
			sentenceIdx++
		}
	}
	return correct, total, nil
}
