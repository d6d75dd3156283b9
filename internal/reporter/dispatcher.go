package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"phoneguard/internal/violation"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Timeout bounds each report. Zero means 10s.
	Timeout time.Duration

	// Logger receives one warn line per failed report.
	Logger *slog.Logger

	// OnResult, if set, is called after every report from the report's
	// goroutine. Used for metrics.
	OnResult func(Result)
}

// Dispatcher sends each violation on its own goroutine and never blocks the
// caller. Failures are logged and dropped.
type Dispatcher struct {
	reporter Reporter
	timeout  time.Duration
	logger   *slog.Logger
	onResult func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wraps r.
func NewDispatcher(r Reporter, opts DispatcherOptions) *Dispatcher {
	if r == nil {
		r = NopReporter{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reporter: r,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		onResult: opts.OnResult,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch starts delivery of v and returns immediately.
func (d *Dispatcher) Dispatch(sessionID string, v violation.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(sessionID, v)
	}()
}

func (d *Dispatcher) send(sessionID string, v violation.Event) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	started := time.Now()
	err := d.reporter.Report(ctx, sessionID, v)
	res := Result{
		SessionID: sessionID,
		Event:     v,
		Err:       err,
		Elapsed:   time.Since(started),
	}

	if err != nil {
		d.logger.Warn("violation report failed",
			"session_id", sessionID,
			"type", v.Kind,
			"error", err,
		)
	} else {
		d.logger.Debug("violation reported",
			"session_id", sessionID,
			"type", v.Kind,
			"elapsed", res.Elapsed,
		)
	}

	if d.onResult != nil {
		d.onResult(res)
	}
}

// Wait blocks until every dispatched report has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts in-flight reports and waits for their goroutines to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
