// Package streamutil provides the lifecycle-managed channel pipeline the
// relay uses to move normalized chunks from the upstream loop to the HTTP
// writer.
package streamutil

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pipeline runs producer goroutines under an errgroup and exposes their
// output as a single buffered channel. Cancelling the parent context stops
// producers; the channel closes once all producers return.
type Pipeline[T any] struct {
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	output     chan T
	onComplete func(err error, elapsed time.Duration)
	startTime  time.Time
}

// Config tunes a Pipeline.
type Config struct {
	// BufferSize for the output channel (default 128).
	BufferSize int

	// OnComplete runs after all producers finish (optional).
	OnComplete func(err error, elapsed time.Duration)
}

// New creates a pipeline under parent.
func New[T any](parent context.Context, cfg Config) *Pipeline[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline[T]{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan T, cfg.BufferSize),
		onComplete: cfg.OnComplete,
		startTime:  time.Now(),
	}
}

// Context returns the pipeline's derived context.
func (p *Pipeline[T]) Context() context.Context { return p.ctx }

// Output returns the read side of the pipeline.
func (p *Pipeline[T]) Output() <-chan T { return p.output }

// Go starts a producer. A producer error cancels the group.
func (p *Pipeline[T]) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send delivers one value, reporting false once the pipeline is cancelled.
func (p *Pipeline[T]) Send(v T) bool {
	select {
	case p.output <- v:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Start arranges for the output channel to close after all producers return.
// Consumers detect completion via channel close.
func (p *Pipeline[T]) Start() {
	go func() {
		err := p.group.Wait()
		close(p.output)
		if p.onComplete != nil {
			p.onComplete(err, time.Since(p.startTime))
		}
		p.cancel()
	}()
}

// Cancel stops the pipeline immediately.
func (p *Pipeline[T]) Cancel() { p.cancel() }
