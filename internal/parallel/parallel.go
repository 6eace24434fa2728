// Package parallel implements Apply, a parallel map over a slice with an optional progress bar.
package parallel

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"k8s.io/klog/v2"
)

type config struct {
	parallelism int
	progress    io.Writer
	description string
}

// Option configures Apply.
type Option func(c *config)

// WithParallelism limits the number of items processed simultaneously.
// A value <= 0 means runtime.GOMAXPROCS(0), the default.
func WithParallelism(parallelism int) Option {
	return func(c *config) { c.parallelism = parallelism }
}

// WithProgress writes a progress bar to w.
// By default, the progress bar is written to os.Stdout only if it is a terminal.
func WithProgress(w io.Writer) Option {
	return func(c *config) { c.progress = w }
}

// WithoutProgress disables the progress bar.
func WithoutProgress() Option {
	return func(c *config) { c.progress = nil }
}

// WithDescription sets the description displayed before the progress bar.
func WithDescription(description string) Option {
	return func(c *config) { c.description = description }
}

// defaultProgress returns os.Stdout if it is a terminal, or nil otherwise.
func defaultProgress() io.Writer {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stdout
	}
	return nil
}

// Apply calls fn for every item, with at most the configured parallelism calls running at the same
// time, and returns the results in the same order as items.
//
// The first error returned by fn cancels the context passed to the remaining calls, and is returned.
// If ctx is cancelled, no new items are started and ctx.Err() is returned, unless all items had
// already completed.
func Apply[In, Out any](ctx context.Context, items []In, fn func(ctx context.Context, item In) (Out, error), options ...Option) ([]Out, error) {
	c := &config{progress: defaultProgress()}
	for _, option := range options {
		option(c)
	}
	if c.parallelism <= 0 {
		c.parallelism = runtime.GOMAXPROCS(0)
	}
	klog.V(1).Infof("parallel.Apply: %d items, parallelism=%d", len(items), c.parallelism)

	var bar *progressbar.ProgressBar
	if c.progress != nil && len(items) > 0 {
		w := c.progress
		bar = progressbar.NewOptions(len(items),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(c.description),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }))
	}

	results := make([]Out, len(items))
	var completed atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for ii, item := range items {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			result, err := fn(gCtx, item)
			if err != nil {
				return errors.WithMessagef(err, "parallel.Apply: item #%d", ii)
			}
			results[ii] = result
			completed.Add(1)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, err
	}
	if int(completed.Load()) < len(items) {
		return nil, ctx.Err()
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return results, nil
}
