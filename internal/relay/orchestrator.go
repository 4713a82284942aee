package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zrelay/zrelay/internal/config"
	"github.com/zrelay/zrelay/internal/credential"
	"github.com/zrelay/zrelay/internal/ir"
	log "github.com/zrelay/zrelay/internal/logging"
	"github.com/zrelay/zrelay/internal/resilience"
	"github.com/zrelay/zrelay/internal/streamutil"
	"github.com/zrelay/zrelay/internal/transport"
	"github.com/zrelay/zrelay/internal/upstream"
)

// TokenSource supplies anonymous guest tokens.
type TokenSource interface {
	Fetch(ctx context.Context) (string, error)
}

// Orchestrator drives one upstream exchange per inbound request: credential
// selection, the bounded retry loop, and the streaming pipeline. Every
// execution delivers exactly one terminal chunk (finish or error) unless the
// caller cancels first.
type Orchestrator struct {
	cfg     *config.Config
	pool    *credential.Pool
	guest   TokenSource
	client  *http.Client
	breaker *resilience.CircuitBreaker
	budget  *resilience.RetryBudget
}

// New builds an orchestrator over pool and client.
func New(cfg *config.Config, pool *credential.Pool, client *http.Client) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		pool:    pool,
		client:  client,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("upstream")),
		budget:  resilience.NewRetryBudget(50),
	}
}

// SetGuestSource enables anonymous mode: guest tokens are preferred and the
// pool becomes the fallback.
func (o *Orchestrator) SetGuestSource(src TokenSource) { o.guest = src }

// Breaker exposes the connect breaker for the admin surface.
func (o *Orchestrator) Breaker() *resilience.CircuitBreaker { return o.breaker }

// Execute runs the exchange and returns the normalized chunk stream. The
// channel closes after the terminal chunk, or without one if ctx is
// cancelled mid-flight.
func (o *Orchestrator) Execute(ctx context.Context, req *upstream.Request) <-chan ir.Chunk {
	pipe := streamutil.New[ir.Chunk](ctx, streamutil.Config{
		BufferSize: 128,
		OnComplete: func(err error, elapsed time.Duration) {
			if err != nil {
				log.WithError(err).Errorf("relay: pipeline failed for %s", req.RequestedModel)
			} else {
				log.Debugf("relay: %s completed in %v", req.RequestedModel, elapsed.Round(time.Millisecond))
			}
		},
	})
	pipe.Go(func(ctx context.Context) error {
		o.run(ctx, req, pipe)
		return nil
	})
	pipe.Start()
	return pipe.Output()
}

// run is the attempt loop. Terminal conditions, in priority order: a
// completed stream, a non-retryable failure, partial output followed by a
// failure, and exhaustion of the retry bound.
func (o *Orchestrator) run(ctx context.Context, req *upstream.Request, pipe *streamutil.Pipeline[ir.Chunk]) {
	emitted := false
	last := Outcome{Kind: FailureExhausted, Message: "no attempt made"}
	maxRetries := o.cfg.Retry.MaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if !o.budget.TryAcquire() {
				last = Outcome{Kind: FailureExhausted, Message: "retry budget exhausted"}
				break
			}
			delay := o.cfg.Retry.Delay.Std()
			if last.GrowDelay {
				delay = resilience.GrowDelay(attempt, delay, o.cfg.Retry.MaxDelay.Std())
			}
			waitErr := resilience.WaitWithContext(ctx, delay)
			o.budget.Release()
			if waitErr != nil {
				return
			}
			log.Debugf("relay: attempt %d/%d after %s (%s)", attempt+1, maxRetries+1, delay, last.Kind)
		}

		token, ok := o.acquireToken(ctx)
		if !ok {
			pipe.Send(ir.Fail((&Error{
				Kind:    FailureExhausted,
				Message: "no upstream credential available",
			}).Detail()))
			return
		}

		outcome, terminal := o.attempt(ctx, req, token, pipe, &emitted)
		if terminal {
			return
		}
		last = outcome
	}

	pipe.Send(ir.Fail((&Error{
		Kind:    FailureExhausted,
		Status:  last.Status,
		Message: fmt.Sprintf("upstream failed after %d attempts: %s", maxRetries+1, last.Message),
	}).Detail()))
}

// acquireToken prefers a guest token in anonymous mode and falls back to the
// pool either way.
func (o *Orchestrator) acquireToken(ctx context.Context) (string, bool) {
	if o.guest != nil {
		if tok, err := o.guest.Fetch(ctx); err == nil {
			return tok, true
		} else {
			log.Warnf("relay: guest token fetch failed, falling back to pool: %v", err)
		}
	}
	return o.pool.Next()
}

// attempt performs one exchange. terminal=true means a terminal chunk was
// sent (or the caller cancelled) and the loop must stop.
func (o *Orchestrator) attempt(ctx context.Context, req *upstream.Request, token string, pipe *streamutil.Pipeline[ir.Chunk], emitted *bool) (Outcome, bool) {
	httpReq, err := upstream.NewHTTPRequest(ctx, o.cfg.Upstream.Endpoint, token, req)
	if err != nil {
		pipe.Send(ir.Fail((&Error{
			Kind:    FailureUpstreamReject,
			Status:  http.StatusInternalServerError,
			Message: "building upstream request: " + err.Error(),
		}).Detail()))
		return Outcome{}, true
	}

	resp, err := o.do(httpReq)
	if err != nil {
		if canceled(ctx, err) {
			return Outcome{}, true
		}
		if resilience.ErrOpenState(err) {
			return Outcome{
				Kind:      FailureUpstreamServer,
				Retryable: true,
				Message:   "upstream circuit open",
			}, false
		}
		return classifyTransportError(err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
		outcome := classifyStatus(resp.StatusCode, body)
		if outcome.CredentialFault {
			o.pool.ReportFailure(token)
		}
		log.Warnf("relay: upstream status %d (%s): %s", resp.StatusCode, outcome.Kind, outcome.Message)
		if !outcome.Retryable {
			pipe.Send(ir.Fail(outcome.Err().Detail()))
			return outcome, true
		}
		return outcome, false
	}

	if err := transport.Decompress(resp); err != nil {
		return classifyStreamError(err), false
	}
	o.pool.ReportSuccess(token)

	streamErr := o.stream(ctx, resp.Body, req, pipe, emitted)
	if streamErr == nil {
		return Outcome{}, true
	}
	if canceled(ctx, streamErr) {
		return Outcome{}, true
	}

	outcome := classifyStreamError(streamErr)
	if outcome.CredentialFault {
		o.pool.ReportFailure(token)
	}
	if *emitted {
		// Output already reached the client; close the frame rather than
		// replaying the response from a fresh attempt.
		pipe.Send(ir.Fail(outcome.Err().Detail()))
		return outcome, true
	}
	return outcome, false
}

// do runs the request under the connect breaker.
func (o *Orchestrator) do(req *http.Request) (*http.Response, error) {
	result, err := o.breaker.Execute(func() (any, error) {
		return o.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// stream decodes the event stream into chunks. A nil return means a terminal
// finish (or upstream-reported error) was delivered; a non-nil error is a
// candidate for retry classification.
func (o *Orchestrator) stream(ctx context.Context, body io.ReadCloser, req *upstream.Request, pipe *streamutil.Pipeline[ir.Chunk], emitted *bool) error {
	reader := upstream.NewBodyReader(ctx, body, o.cfg.Upstream.IdleTimeout.Std())
	defer reader.Close()

	sc := upstream.NewScanner(reader, o.cfg.Upstream.MaxLineBuffer)
	rec := NewReconciler()
	var asm *Assembler
	if req.HasTools {
		asm = NewAssembler()
	}

	send := func(chunks []ir.Chunk) bool {
		for _, c := range chunks {
			if !pipe.Send(c) {
				return false
			}
			*emitted = true
		}
		return true
	}

	finish := func() {
		send(rec.Flush())
		reason := ir.FinishReasonStop
		usage := rec.Usage()
		if asm != nil {
			send(asm.Flush())
			// Emitted invocations or an explicit tool-turn close both mean
			// the model answered with tools.
			if asm.Emitted() || asm.TurnEnded() {
				reason = ir.FinishReasonToolCalls
			}
			if usage == nil {
				usage = asm.Usage()
			}
		}
		pipe.Send(ir.Finish(reason, usage))
	}

	for {
		ev, err := sc.Next()
		if errors.Is(err, upstream.ErrStreamDone) || errors.Is(err, io.EOF) {
			finish()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if fail := ev.ErrorInfo(); fail != nil {
			detail := fail.Detail
			if detail == "" {
				detail = "upstream reported an unspecified error"
			}
			return fmt.Errorf("upstream error event: %s", detail)
		}

		var chunks []ir.Chunk
		switch ev.Data.Phase {
		case upstream.PhaseToolCall, upstream.PhaseOther:
			if asm != nil {
				chunks = asm.Feed(ev)
			}
		default:
			chunks = rec.Feed(ev)
		}
		if !send(chunks) {
			return ctx.Err()
		}

		if ev.IsDone() {
			finish()
			return nil
		}
	}
}
