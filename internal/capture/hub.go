package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Source produces signals until its context is cancelled.
type Source interface {
	// Name identifies the source in logs and on forwarded signals.
	Name() string
	// Run delivers signals to sink and blocks until ctx is done or the source
	// fails. Returning ctx.Err() on cancellation is not treated as a failure.
	Run(ctx context.Context, sink Sink) error
}

// Hub errors.
var (
	ErrDuplicateSource = errors.New("capture: source already registered")
	ErrHubRunning      = errors.New("capture: hub already running")
)

// HubOptions configures a Hub.
type HubOptions struct {
	Logger *slog.Logger

	// OnSignal, if set, observes every valid signal before it reaches the
	// sink.
	OnSignal func(Signal)
}

// Hub fans signals from its sources into one sink.
type Hub struct {
	sink     Sink
	logger   *slog.Logger
	onSignal func(Signal)

	mu      sync.Mutex
	sources []Source
	names   map[string]bool
	running bool
}

// NewHub returns a hub delivering to sink.
func NewHub(sink Sink, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		sink:     sink,
		logger:   opts.Logger,
		onSignal: opts.OnSignal,
		names:    make(map[string]bool),
	}
}

// Register adds src. Sources can only be registered before Run.
func (h *Hub) Register(src Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubRunning
	}
	if h.names[src.Name()] {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name())
	}
	h.names[src.Name()] = true
	h.sources = append(h.sources, src)
	return nil
}

// Sources returns the names of the registered sources.
func (h *Hub) Sources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.sources))
	for i, s := range h.sources {
		names[i] = s.Name()
	}
	return names
}

// Run starts every source and blocks until all have returned. A source that
// fails does not stop the others. The returned error joins every failure.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubRunning
	}
	h.running = true
	sources := append([]Source(nil), h.sources...)
	h.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			h.logger.Info("signal source started", "source", src.Name())
			err := src.Run(ctx, h.forwarder(src.Name()))
			if err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Error("signal source failed", "source", src.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
				mu.Unlock()
				return
			}
			h.logger.Info("signal source stopped", "source", src.Name())
		}(src)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HandleSignal lets a hub act as a sink itself, for callers that push
// signals directly.
func (h *Hub) HandleSignal(s Signal) {
	h.deliver(s)
}

func (h *Hub) forwarder(name string) Sink {
	return SinkFunc(func(s Signal) {
		if s.Source == "" {
			s.Source = name
		}
		h.deliver(s)
	})
}

func (h *Hub) deliver(s Signal) {
	if !s.Kind.Valid() {
		h.logger.Debug("ignoring unknown signal", "kind", s.Kind, "source", s.Source)
		return
	}
	if h.onSignal != nil {
		h.onSignal(s)
	}
	h.sink.HandleSignal(s)
}
