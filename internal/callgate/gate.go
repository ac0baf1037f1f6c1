// Package callgate makes automation host calls resilient to the host's
// single-caller contract.
//
// The host serves one caller at a time and rejects overlapping requests with
// a retry-later signal (host.ErrBusy). A Gate is a scoped guard: the
// orchestration entry point acquires it before the first host call, every
// host call goes through Invoke or Call, and Release tears it down after the
// last call. While acquired, the gate also answers host-issued
// responsiveness pings so the host does not give up on the caller.
package callgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/logging"
	"github.com/tcflow/tcflow/internal/metrics"
)

// DefaultRetryInterval is the fixed wait between busy retries.
const DefaultRetryInterval = 100 * time.Millisecond

// ErrReleased is returned by calls made after Release.
var ErrReleased = errors.New("call gate released")

// Options configures a Gate.
type Options struct {
	RetryInterval time.Duration
	Logger        *log.Logger
	Metrics       *metrics.Recorder
	Tracer        trace.Tracer
}

// Gate wraps host calls with unbounded busy-retry semantics.
type Gate struct {
	interval time.Duration
	logger   *log.Logger
	metrics  *metrics.Recorder
	tracer   trace.Tracer

	released atomic.Bool
	retries  atomic.Int64
	pings    atomic.Int64

	mu       sync.Mutex
	attached []host.ResponderAware
}

// Acquire installs a new gate. The caller must Release it when the last host
// call has returned.
func Acquire(opts Options) *Gate {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tcflow/callgate")
	}
	return &Gate{
		interval: interval,
		logger:   logger.With("component", "callgate"),
		metrics:  opts.Metrics,
		tracer:   tracer,
	}
}

// Attach installs the gate as the pending-ping responder on hosts that accept
// one. Release uninstalls it again.
func (g *Gate) Attach(target any) {
	if g == nil || g.released.Load() {
		return
	}
	aware, ok := target.(host.ResponderAware)
	if !ok {
		return
	}
	aware.SetResponder(g)

	g.mu.Lock()
	g.attached = append(g.attached, aware)
	g.mu.Unlock()
}

// RespondPending answers a host responsiveness ping.
func (g *Gate) RespondPending() host.PendingReply {
	if g == nil || g.released.Load() {
		return host.PendingCancel
	}
	g.pings.Add(1)
	return host.PendingWait
}

// Invoke runs fn against the host, absorbing busy rejections.
func (g *Gate) Invoke(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Call(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn against the host and returns its value, absorbing busy
// rejections with a fixed wait and no retry ceiling. Any other error is
// returned on first sight.
func Call[T any](ctx context.Context, g *Gate, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil {
		return zero, errors.New("call gate is nil")
	}
	if fn == nil {
		return zero, errors.New("host operation is required")
	}
	if g.released.Load() {
		return zero, ErrReleased
	}
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()
	ctx, span := g.tracer.Start(ctx, "host.call", trace.WithAttributes(attribute.String("op", op)))
	retries := 0
	defer func() {
		span.SetAttributes(
			attribute.Int("retries", retries),
			attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
		span.End()
	}()

	value, err := backoff.Retry(
		ctx,
		func() (T, error) {
			if g.released.Load() {
				return zero, backoff.Permanent(ErrReleased)
			}
			result, callErr := fn(ctx)
			if callErr == nil {
				return result, nil
			}
			if host.IsBusy(callErr) {
				return zero, callErr
			}
			return zero, backoff.Permanent(callErr)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			retries++
			g.retries.Add(1)
			g.metrics.HostRetry(op)
			g.logger.Debug("host busy, retrying", "op", op, "retry", retries, "wait", wait)
		}),
	)
	if err != nil {
		g.metrics.HostCall(op, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	g.metrics.HostCall(op, "ok")
	span.SetStatus(codes.Ok, "host call completed")
	return value, nil
}

// Retries returns the number of busy rejections absorbed so far.
func (g *Gate) Retries() int64 {
	if g == nil {
		return 0
	}
	return g.retries.Load()
}

// Pings returns the number of responsiveness pings answered so far.
func (g *Gate) Pings() int64 {
	if g == nil {
		return 0
	}
	return g.pings.Load()
}

// Released reports whether Release has run.
func (g *Gate) Released() bool {
	return g == nil || g.released.Load()
}

// Release tears the gate down and uninstalls it from attached hosts. It is
// safe to call more than once.
func (g *Gate) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}

	g.mu.Lock()
	attached := g.attached
	g.attached = nil
	g.mu.Unlock()

	for _, aware := range attached {
		aware.SetResponder(nil)
	}
	g.logger.Debug("call gate released", "retries", g.retries.Load(), "pings", g.pings.Load())
}
