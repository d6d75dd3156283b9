package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"phoneguard/internal/capture"
	"phoneguard/internal/clock"
	"phoneguard/internal/config"
	"phoneguard/internal/health"
	"phoneguard/internal/ipc"
	"phoneguard/internal/logging"
	"phoneguard/internal/metrics"
	"phoneguard/internal/monitor"
	"phoneguard/internal/reporter"
	"phoneguard/internal/violation"
)

// Options configures a Daemon beyond what the config file holds.
type Options struct {
	Logger  *logging.Logger
	Version string

	// ConfigPath enables hot reload of the named file. Empty disables it.
	ConfigPath string

	// Clock drives the classifier. Nil means the wall clock.
	Clock clock.Clock
}

// Daemon owns every long-lived component of phoneguardd.
type Daemon struct {
	cfg        *config.Config
	version    string
	configPath string
	log        *logging.Logger

	registry   *metrics.Registry
	metrics    *metrics.PhoneguardMetrics
	audit      *logging.AuditLogger
	collector  *reporter.HTTPReporter
	dispatcher *reporter.Dispatcher
	monitor    *monitor.Monitor
	hub        *capture.Hub
	websocket  *capture.WebSocketSource
	ipc        *ipc.Server
	health     *health.Checker

	mu          sync.Mutex
	loader      *config.Loader
	listenAddr  net.Addr
	unsubscribe []func()
}

// New wires the daemon from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = logging.New(&logging.Config{Writer: io.Discard}); err != nil {
			return nil, err
		}
	}

	d := &Daemon{
		cfg:        cfg,
		version:    opts.Version,
		configPath: opts.ConfigPath,
		log:        logger,
		health:     health.NewChecker(),
	}

	d.registry = metrics.NewRegistry(cfg.Metrics.Namespace)
	d.metrics = metrics.NewPhoneguardMetrics(d.registry)

	if cfg.Logging.AuditPath != "" {
		auditCfg := logging.DefaultAuditConfig()
		auditCfg.FilePath = cfg.Logging.AuditPath
		audit, err := logging.NewAuditLogger(auditCfg)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
	}

	d.collector = reporter.NewHTTP(reporter.HTTPConfig{
		Endpoint:  cfg.Collector.Endpoint,
		Timeout:   cfg.CollectorTimeout(),
		AuthToken: cfg.Collector.AuthToken,
		UserAgent: cfg.Collector.UserAgent,
	})
	d.dispatcher = reporter.NewDispatcher(collectorReporter{d.collector}, reporter.DispatcherOptions{
		Timeout:  cfg.CollectorTimeout(),
		Logger:   d.component("reporter"),
		OnResult: d.observeReport,
	})

	d.monitor = monitor.New(monitor.Options{
		Dispatcher: d.dispatcher,
		Clock:      opts.Clock,
		Logger:     d.component("monitor"),
		Metrics:    d.metrics,
	})
	if d.audit != nil {
		d.unsubscribe = append(d.unsubscribe, d.monitor.Subscribe(d.recordAudit))
	}

	if err := d.buildCapture(); err != nil {
		return nil, err
	}
	if err := d.buildIPC(); err != nil {
		return nil, err
	}
	d.registerHealthChecks()
	return d, nil
}

func (d *Daemon) component(name string) *slog.Logger {
	return d.log.WithComponent(name).Logger
}

func (d *Daemon) buildCapture() error {
	d.hub = capture.NewHub(d.monitor, capture.HubOptions{
		Logger:   d.component("capture"),
		OnSignal: d.metrics.SignalReceived,
	})

	ws := d.cfg.Capture.WebSocket
	if ws.Enabled {
		d.websocket = capture.NewWebSocketSource(capture.WebSocketConfig{
			MaxFrameBytes:  ws.MaxFrameBytes,
			AuthToken:      ws.AuthToken,
			AllowedOrigins: ws.AllowedOrigins,
		}, d.component("websocket"))
		if err := d.hub.Register(d.websocket); err != nil {
			return fmt.Errorf("register websocket source: %w", err)
		}
		d.metrics.TrackConnections("websocket", d.websocket.Connections)
	}

	if ib := d.cfg.Capture.IBus; ib.Enabled {
		src := capture.NewIBusSource(capture.IBusConfig{BusName: ib.BusName}, d.component("ibus"))
		if err := d.hub.Register(src); err != nil {
			return fmt.Errorf("register ibus source: %w", err)
		}
	}
	return nil
}

func (d *Daemon) buildIPC() error {
	if !d.cfg.IPC.Enabled {
		return nil
	}
	mode, err := d.cfg.SocketMode()
	if err != nil {
		return fmt.Errorf("ipc permissions: %w", err)
	}

	handler := ipc.NewSessionHandler(ipc.SessionHandlerConfig{
		Controller: d.monitor,
		Version:    d.version,
		Clients:    func() int { return d.ipc.ClientCount() },
		Logger:     d.component("ipc"),
	})
	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:      d.cfg.IPC.SocketPath,
		Version:         d.version,
		Mode:            mode,
		MaxConnections:  d.cfg.IPC.MaxConnections,
		IdleTimeout:     time.Duration(d.cfg.IPC.TimeoutSec) * time.Second,
		RequireSameUser: d.cfg.IPC.RequireSameUser,
		Logger:          d.component("ipc"),
	}, handler)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}

	d.ipc = server
	d.unsubscribe = append(d.unsubscribe, d.monitor.Subscribe(server.Observe))
	d.metrics.TrackConnections("ipc", server.ClientCount)
	d.metrics.TrackDroppedEvents("ipc", server.DroppedEvents)
	return nil
}

func (d *Daemon) registerHealthChecks() {
	d.health.RegisterFunc("collector", false, health.EndpointCheck(d.collector.Endpoint))

	if d.ipc != nil {
		server := d.ipc
		listening := health.FuncCheck("socket accepting connections", func(context.Context) error {
			if !ipc.IsSocketListening(server.SocketPath()) {
				return errors.New("socket not accepting connections")
			}
			return nil
		})
		d.health.RegisterFunc("ipc", true, func(ctx context.Context) health.CheckResult {
			res := listening(ctx)
			res.Details = map[string]any{
				"socket":         server.SocketPath(),
				"started_at":     server.StartedAt(),
				"clients":        server.ClientCount(),
				"dropped_events": server.DroppedEvents(),
			}
			return res
		})
	}

	d.health.RegisterFunc("capture", false, func(context.Context) health.CheckResult {
		sources := d.hub.Sources()
		if len(sources) == 0 {
			return health.CheckResult{Status: health.StatusDegraded, Message: "no signal sources enabled"}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("%d signal sources", len(sources)),
			Details: map[string]any{"sources": sources},
		}
	})
}

// Monitor returns the engine.
func (d *Daemon) Monitor() *monitor.Monitor {
	return d.monitor
}

// Addr returns the bound HTTP address once Run is listening, else nil.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listenAddr
}

// Run starts every component and blocks until ctx is done or the HTTP
// server fails. Components are stopped before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.audit != nil {
		if err := d.audit.LogStartup(d.version); err != nil {
			d.log.Warn("audit write failed", "error", err)
		}
	}

	if d.ipc != nil {
		if err := d.ipc.Start(); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
	}

	var srv *http.Server
	errc := make(chan error, 1)
	if d.cfg.HTTP.Enabled {
		ln, err := net.Listen("tcp", d.cfg.HTTP.Listen)
		if err != nil {
			d.stopIPC()
			return fmt.Errorf("listen on %s: %w", d.cfg.HTTP.Listen, err)
		}
		d.mu.Lock()
		d.listenAddr = ln.Addr()
		d.mu.Unlock()

		srv = &http.Server{
			Handler:           d.Router(),
			ReadHeaderTimeout: time.Duration(d.cfg.HTTP.ReadHeaderTimeoutSec) * time.Second,
			IdleTimeout:       time.Duration(d.cfg.HTTP.IdleTimeoutSec) * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http server: %w", err)
			}
		}()
		d.log.Info("http listening", "addr", ln.Addr().String())
	}

	hubDone := make(chan error, 1)
	go func() { hubDone <- d.hub.Run(ctx) }()

	if d.configPath != "" {
		if err := d.watchConfig(ctx); err != nil {
			d.log.Warn("config hot reload disabled", "path", d.configPath, "error", err)
		}
	}

	d.health.SetReady(true)
	d.log.Info("phoneguardd ready", "sources", d.hub.Sources())

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case runErr = <-errc:
		d.log.Error("shutting down after failure", "error", runErr)
	}
	d.health.SetReady(false)

	return errors.Join(runErr, d.shutdown(srv, cancel, hubDone))
}

func (d *Daemon) shutdown(srv *http.Server, cancel context.CancelFunc, hubDone <-chan error) error {
	timeout := time.Duration(d.cfg.HTTP.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, done := context.WithTimeout(context.Background(), timeout)
	defer done()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	cancel()
	if err := <-hubDone; err != nil {
		d.log.Warn("signal sources stopped with errors", "error", err)
	}

	d.mu.Lock()
	loader := d.loader
	d.mu.Unlock()
	if loader != nil {
		_ = loader.Close()
	}

	if d.monitor.Status().IsActive {
		violations := d.monitor.Stop()
		d.log.Info("active session stopped at shutdown", "violations", len(violations))
	}
	d.stopIPC()

	if err := d.dispatcher.Wait(ctx); err != nil {
		d.log.Warn("abandoning in-flight reports", "error", err)
	}
	d.dispatcher.Close()

	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}

	if d.audit != nil {
		if err := d.audit.LogShutdown("signal"); err != nil {
			d.log.Warn("audit write failed", "error", err)
		}
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}

	d.log.Info("phoneguardd stopped")
	return errors.Join(errs...)
}

func (d *Daemon) stopIPC() {
	if d.ipc == nil {
		return
	}
	if err := d.ipc.Stop(); err != nil {
		d.log.Warn("ipc shutdown failed", "error", err)
	}
}

// =============================================================================
// Hot reload
// =============================================================================

func (d *Daemon) watchConfig(ctx context.Context) error {
	loader := config.NewLoader(d.configPath, d.component("config"))
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(d.applyConfig)
	if err := loader.Watch(); err != nil {
		return err
	}

	d.mu.Lock()
	d.loader = loader
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				d.log.Warn("config reload failed", "error", err)
			}
		}
	}()
	return nil
}

// applyConfig applies the settings that can change at runtime: the log
// level and the collector endpoint. Other changes are logged and wait for a
// restart.
func (d *Daemon) applyConfig(old, cfg *config.Config) {
	if old.Logging.Level != cfg.Logging.Level {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(level)
			d.log.Info("log level changed", "level", logging.LevelString(level))
		}
	}

	if old.Collector.Endpoint != cfg.Collector.Endpoint {
		d.collector.SetEndpoint(cfg.Collector.Endpoint)
		d.log.Info("collector endpoint changed", "endpoint", cfg.Collector.Endpoint)
	}

	var pending []string
	if old.Collector.AuthToken != cfg.Collector.AuthToken || old.Collector.TimeoutSec != cfg.Collector.TimeoutSec ||
		old.Collector.UserAgent != cfg.Collector.UserAgent {
		pending = append(pending, "collector")
	}
	if !reflect.DeepEqual(old.Capture, cfg.Capture) {
		pending = append(pending, "capture")
	}
	if old.HTTP != cfg.HTTP {
		pending = append(pending, "http")
	}
	if old.IPC != cfg.IPC {
		pending = append(pending, "ipc")
	}
	if old.Metrics != cfg.Metrics {
		pending = append(pending, "metrics")
	}
	if len(pending) > 0 {
		d.log.Warn("config changes require a restart", "sections", pending)
	}
}

// =============================================================================
// Observers
// =============================================================================

// collectorReporter reports through the HTTP reporter once a collector
// endpoint is configured. Without one, violations stay local.
type collectorReporter struct {
	http *reporter.HTTPReporter
}

func (c collectorReporter) Report(ctx context.Context, sessionID string, v violation.Event) error {
	if c.http.Endpoint() == "" {
		return nil
	}
	return c.http.Report(ctx, sessionID, v)
}

func (d *Daemon) observeReport(res reporter.Result) {
	if d.collector.Endpoint() == "" {
		return
	}
	d.metrics.ObserveReport(res)
}

func (d *Daemon) recordAudit(e monitor.Event) {
	var err error
	switch e.Type {
	case monitor.EventSessionStarted:
		err = d.audit.LogSessionStart(e.SessionID, e.At)
	case monitor.EventSessionStopped:
		err = d.audit.LogSessionEnd(e.SessionID, e.At, e.Violations)
	case monitor.EventViolationRecorded:
		if e.Violation != nil {
			err = d.audit.LogViolation(e.SessionID, *e.Violation)
		}
	}
	if err != nil {
		d.log.Warn("audit write failed", "session_id", e.SessionID, "error", err)
	}
}
