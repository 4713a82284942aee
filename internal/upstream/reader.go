package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/zrelay/zrelay/internal/logging"
)

// ErrStreamStalled marks a stream aborted by the idle watchdog.
var ErrStreamStalled = errors.New("upstream: stream stalled past idle timeout")

// BodyReader wraps a response body with context-aware cancellation and idle
// detection. Cancelling ctx closes the body, which unblocks any pending Read;
// the idle watchdog does the same when the upstream goes silent for longer
// than idleTimeout. A watchdog close surfaces to the scanner as a read error,
// which the relay classifies as a stream failure.
type BodyReader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
	idleTimeout  time.Duration
	stop         chan struct{}
	stalled      atomic.Bool
}

// NewBodyReader starts the watchers over body. idleTimeout 0 disables idle
// detection.
func NewBodyReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration) *BodyReader {
	br := &BodyReader{
		body:        body,
		ctx:         ctx,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	br.touch()
	go br.watchContext()
	if idleTimeout > 0 {
		go br.watchIdle()
	}
	return br
}

func (br *BodyReader) touch() {
	br.lastActivity.Store(time.Now().UnixNano())
}

func (br *BodyReader) watchContext() {
	select {
	case <-br.ctx.Done():
		br.closeWithReason("context cancelled")
	case <-br.stop:
	}
}

func (br *BodyReader) watchIdle() {
	// Check at a quarter of the timeout, clamped to [250ms, 5s].
	interval := br.idleTimeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-br.ctx.Done():
			return
		case <-br.stop:
			return
		case <-ticker.C:
			if br.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, br.lastActivity.Load()))
			if idle > br.idleTimeout {
				log.Warnf("upstream: stream stalled for %v (limit %v), closing",
					idle.Round(time.Second), br.idleTimeout)
				br.stalled.Store(true)
				br.closeWithReason("idle timeout")
				return
			}
		}
	}
}

// Read implements io.Reader and refreshes the idle timer on progress.
func (br *BodyReader) Read(p []byte) (int, error) {
	if br.closed.Load() {
		if br.stalled.Load() {
			return 0, ErrStreamStalled
		}
		return 0, io.EOF
	}
	n, err := br.body.Read(p)
	if n > 0 {
		br.touch()
	}
	if err != nil && br.stalled.Load() {
		err = ErrStreamStalled
	}
	return n, err
}

// Stalled reports whether the idle watchdog fired.
func (br *BodyReader) Stalled() bool { return br.stalled.Load() }

func (br *BodyReader) closeWithReason(reason string) {
	br.closeOnce.Do(func() {
		br.closed.Store(true)
		br.closeErr = br.body.Close()
		log.Debugf("upstream: stream closed: %s", reason)
	})
}

// Close implements io.Closer and is safe to call repeatedly.
func (br *BodyReader) Close() error {
	br.closeWithReason("explicit close")
	select {
	case <-br.stop:
	default:
		close(br.stop)
	}
	return br.closeErr
}
