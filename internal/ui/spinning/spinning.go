// Package spinning shows a spinner with a message while a long-running operation, like
// compiling a computation graph, blocks the program.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("\U0001F311\U0001F312\U0001F313\U0001F314\U0001F315\U0001F316\U0001F317\U0001F318")

	// DefaultTheme used by New.
	DefaultTheme = ThemeAscii

	// Interval between frames.
	Interval = 200 * time.Millisecond
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Fprintln(os.Stderr)
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset(os.Stderr)
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset(w io.Writer) {
	_, _ = fmt.Fprint(w, "\033[?25h\033[39;49;0m\n")
}

// Spinner is a running spinner, started with New and stopped with Done.
type Spinner struct {
	w       io.Writer
	message string
	theme   []rune
	wg      sync.WaitGroup
	cancel  func()
	frames  int
}

// New starts a spinner writing "message <symbol>" to w, on a separate goroutine, until Done is called
// or ctx is cancelled.
func New(ctx context.Context, w io.Writer, message string) *Spinner {
	s := &Spinner{w: w, message: message, theme: DefaultTheme}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(s.w, "\033[?25l") // Hide cursor.
		for {
			_, _ = fmt.Fprintf(s.w, "\r%s %c", s.message, s.theme[s.frames%len(s.theme)])
			s.frames++
			select {
			case <-ctx.Done():
				// Clear line and restore cursor.
				_, _ = fmt.Fprint(s.w, "\r\033[K\033[?25h")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clear its line. It returns the number of frames displayed.
func (s *Spinner) Done() int {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	return s.frames
}

// While runs fn with a spinner showing message, and returns fn's result.
func While[T any](ctx context.Context, w io.Writer, message string, fn func() (T, error)) (T, error) {
	s := New(ctx, w, message)
	defer s.Done()
	return fn()
}
