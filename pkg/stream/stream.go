// Package stream implements a resilient consumer for line-oriented upstream
// byte streams.
//
// The package separates "attempt" (one HTTP call plus stream drain) from
// "retry policy" (attempt orchestration): the request is a zero-argument
// factory and the line-to-event parser is injected, so the same resilience
// logic wraps any upstream regardless of wire format.
//
// Retried failure classes: network errors, HTTP 5xx, and stalled-stream
// heartbeat timeouts. A bounded-buffer violation is fatal with zero retries,
// as is any unclassified error. Retries use exponential backoff with a
// configurable floor and ceiling and ±20% random jitter.
//
// Retrying a partially-consumed stream re-invokes the request factory from
// scratch; events already delivered are not withdrawn, so a caller that
// cannot tolerate duplicated partial output must set MaxRetries to zero.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/debug"
	"github.com/pfeil-dev/pfeil/pkg/observability"
)

// AttemptFunc performs one attempt at issuing the upstream request and
// returns the response byte stream. It is safe to call again after a
// retryable failure.
type AttemptFunc func(ctx context.Context) (io.ReadCloser, error)

// LineParser maps one complete line to at most one normalized event.
// ok=false skips the line. An EventStreamEnd event terminates consumption.
type LineParser func(line string) (api.StreamEvent, bool)

// Config tunes the retry and per-attempt behavior.
type Config struct {
	// MaxRetries is the number of re-attempts after the initial one.
	MaxRetries int
	// InitialBackoff is the backoff floor; doubled per retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HeartbeatTimeout is the maximum silence between reads before the
	// attempt counts as stalled. Stalls are retryable.
	HeartbeatTimeout time.Duration
	// MaxBufferBytes bounds the line-assembly buffer. Exceeding it before
	// a line boundary is a fatal, non-retryable failure.
	MaxBufferBytes int
	// ChannelBuffer sizes the delivered event channel.
	ChannelBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		MaxBufferBytes:   1 << 20,
		ChannelBuffer:    16,
	}
}

// ErrBufferOverflow reports that the accumulation buffer exceeded
// MaxBufferBytes before a line boundary was found. Fatal, never retried.
var ErrBufferOverflow = errors.New("stream: line buffer overflow")

// ErrStalled reports that no chunk arrived within the heartbeat window.
// Retryable, counts toward the attempt budget.
var ErrStalled = errors.New("stream: stalled, no data within heartbeat window")

// HTTPError is returned by attempt functions for non-2xx upstream responses
// so the retry policy can classify by status class.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, debug.Truncate(e.Body, 200))
}

// retryable classifies one attempt failure. Unclassified errors are fatal.
func retryable(err error) bool {
	if errors.Is(err, ErrBufferOverflow) {
		return false
	}
	if errors.Is(err, ErrStalled) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

// retryReason labels a retryable failure for the retry counter.
func retryReason(err error) string {
	if errors.Is(err, ErrStalled) {
		return "stall"
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return "http_5xx"
	}
	return "network"
}

// Backoff computes the delay before retry n (1-based): the exponential
// schedule min(initial·2^(n-1), max) with ±20% random jitter.
func Backoff(cfg Config, retry int) time.Duration {
	d := cfg.InitialBackoff << (retry - 1)
	if d > cfg.MaxBackoff || d <= 0 {
		d = cfg.MaxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// Consume produces a single logical lazy event sequence from the upstream.
// Events are delivered in exact parse order. The channel closes after
// EventStreamEnd, a fatal EventError, or cancellation; it is consumed
// exactly once by one caller.
func Consume(ctx context.Context, attempt AttemptFunc, parse LineParser, cfg Config) <-chan api.StreamEvent {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 16
	}
	ch := make(chan api.StreamEvent, cfg.ChannelBuffer)

	go func() {
		defer close(ch)

		maxAttempts := cfg.MaxRetries + 1
		for n := 1; n <= maxAttempts; n++ {
			ended, err := runAttempt(ctx, attempt, parse, cfg, ch)
			if err == nil {
				if !ended {
					// Graceful EOF without an explicit sentinel.
					emit(ctx, ch, api.StreamEvent{Type: api.EventStreamEnd})
				}
				return
			}
			if ctx.Err() != nil {
				emit(ctx, ch, api.StreamEvent{
					Type: api.EventError,
					Err:  api.NewStreamError(n, false, "stream cancelled", ctx.Err()),
				})
				return
			}

			canRetry := retryable(err)
			if !canRetry || n == maxAttempts {
				emit(ctx, ch, api.StreamEvent{
					Type: api.EventError,
					Err:  api.NewStreamError(n, canRetry, "stream failed", err),
				})
				return
			}

			observability.StreamRetriesTotal.WithLabelValues(retryReason(err)).Inc()
			delay := Backoff(cfg, n)
			debug.Log("streaming", "retrying attempt",
				"attempt", n, "delay", delay.String(), "cause", err.Error())

			// The backoff sleep observes cancellation so an abandoned
			// request never schedules another attempt.
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				emit(ctx, ch, api.StreamEvent{
					Type: api.EventError,
					Err:  api.NewStreamError(n, false, "stream cancelled during backoff", ctx.Err()),
				})
				return
			}
		}
	}()

	return ch
}

type readResult struct {
	data []byte
	err  error
}

// runAttempt performs one HTTP call and drains its stream. It returns
// ended=true when an EventStreamEnd was emitted (sentinel or final-chunk
// termination); err is nil on graceful end-of-stream.
func runAttempt(ctx context.Context, attempt AttemptFunc, parse LineParser, cfg Config, ch chan<- api.StreamEvent) (ended bool, err error) {
	rc, err := attempt(ctx)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	// Reader goroutine so each read can be raced against the heartbeat
	// timer and cancellation. Closing rc unblocks a pending Read; done
	// unblocks a pending send when the attempt aborts mid-delivery.
	done := make(chan struct{})
	defer close(done)
	reads := make(chan readResult, 1)
	go func() {
		defer close(reads)
		for {
			buf := make([]byte, 4096)
			n, rerr := rc.Read(buf)
			if n > 0 {
				select {
				case reads <- readResult{data: buf[:n]}:
				case <-done:
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					select {
					case reads <- readResult{err: rerr}:
					case <-done:
					}
				}
				return
			}
		}
	}()

	heartbeat := time.NewTimer(cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	var buf []byte
	for {
		select {
		case res, open := <-reads:
			if !open {
				// Graceful end: parse any non-empty trailing fragment once.
				if line := bytes.TrimSpace(buf); len(line) > 0 {
					if ev, ok := parse(string(line)); ok {
						ended = ev.Type == api.EventStreamEnd
						emit(ctx, ch, ev)
					}
				}
				return ended, nil
			}
			if res.err != nil {
				return false, res.err
			}

			if !heartbeat.Stop() {
				<-heartbeat.C
			}
			heartbeat.Reset(cfg.HeartbeatTimeout)

			buf = append(buf, res.data...)
			var done bool
			buf, done = drainLines(ctx, buf, parse, ch)
			if done {
				return true, nil
			}

			// A malformed or adversarial upstream must not grow the
			// buffer without bound while never producing a line.
			if cfg.MaxBufferBytes > 0 && len(buf) > cfg.MaxBufferBytes {
				rc.Close()
				return false, fmt.Errorf("%w: %d bytes without a line boundary", ErrBufferOverflow, len(buf))
			}

		case <-heartbeat.C:
			rc.Close()
			observability.StreamStallsTotal.Inc()
			return false, ErrStalled

		case <-ctx.Done():
			rc.Close()
			return false, ctx.Err()
		}
	}
}

// drainLines extracts and parses every complete line in buf, returning the
// remaining partial fragment. Splitting only at '\n' keeps multi-byte UTF-8
// sequences split across read boundaries intact inside the fragment.
// done=true means an EventStreamEnd was emitted.
func drainLines(ctx context.Context, buf []byte, parse LineParser, ch chan<- api.StreamEvent) (rest []byte, done bool) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf, false
		}
		line := string(buf[:idx])
		buf = buf[idx+1:]

		ev, ok := parse(line)
		if !ok {
			continue
		}
		emit(ctx, ch, ev)
		if ev.Type == api.EventStreamEnd {
			return buf, true
		}
	}
}

// emit delivers an event unless the caller has gone away.
func emit(ctx context.Context, ch chan<- api.StreamEvent, ev api.StreamEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
