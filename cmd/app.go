package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cptzeroo/toaster-ai/dataset"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Readiness states reported by /readyz.
const (
	ReadinessStarting = "starting"
	ReadinessReady    = "ready"
	ReadinessDegraded = "degraded"
)

// Readiness is the /readyz body. Report is the startup reconcile summary,
// possibly partial when Status is degraded.
type Readiness struct {
	Status string                   `json:"status"`
	Error  string                   `json:"error,omitempty"`
	Report *dataset.ReconcileReport `json:"report,omitempty"`
}

type AppConfig struct {
	Address                 string
	ReadHeaderTimeout       time.Duration
	ShutdownTimeout         time.Duration
	StartupReconcileTimeout time.Duration
	MaxUploadSize           string
	Logger                  *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:                 "127.0.0.1:3000",
		ReadHeaderTimeout:       5 * time.Second,
		ShutdownTimeout:         10 * time.Second,
		StartupReconcileTimeout: 5 * time.Minute,
		MaxUploadSize:           "20G",
		Logger:                  slog.Default(),
	}
}

type App struct {
	service *dataset.Service
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics dataset.AppMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	readiness       Readiness
	reconcileCancel context.CancelFunc
	reconcileDone   chan struct{}
}

func NewApp(service *dataset.Service, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := dataset.AppMetrics(dataset.NoopAppMetrics{})
	if service != nil && service.Metrics() != nil {
		metrics = service.Metrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httpErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))

	app := &App{
		service:   service,
		echo:      e,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		errCh:     make(chan error, 1),
		readiness: Readiness{Status: ReadinessStarting},
	}
	app.registerRoutes()
	return app
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.StartupReconcileTimeout > 0 {
		d.StartupReconcileTimeout = cfg.StartupReconcileTimeout
	}
	if cfg.MaxUploadSize != "" {
		d.MaxUploadSize = cfg.MaxUploadSize
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

// requestLoggerMiddleware logs one line per request at a level chosen by the
// response status and feeds the route counters.
func requestLoggerMiddleware(logger *slog.Logger, metrics dataset.AppMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = dataset.NoopAppMetrics{}
	}
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError: true,
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := c.Path()
			if route == "" {
				route = v.URIPath
			}
			latencyMS := v.Latency.Milliseconds()
			metrics.RecordRequest(v.Method, route, v.Status, latencyMS)

			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			} else if v.Status >= http.StatusBadRequest {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", route),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", latencyMS),
				slog.String("remote_ip", v.RemoteIP),
			}
			if id := currentUserID(c); id != "" {
				attrs = append(attrs, slog.String("user_id", id))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		AppMetrics:    a.metrics,
		Logger:        a.logger,
		MaxUploadSize: a.config.MaxUploadSize,
		Readiness:     a.Readiness,
	}
	if s := a.service; s != nil {
		deps.UploadFile = s.UploadFile
		deps.ListFiles = s.ListFiles
		deps.GetFile = s.GetFile
		deps.DeleteFile = s.DeleteFile
		deps.SyncFiles = s.SyncFiles
		deps.ExecuteQuery = s.ExecuteQuery
		deps.GetUserSchema = s.GetUserSchema
	}
	Register(a.echo, deps)
}

// Readiness reports whether the startup reconcile has finished.
func (a *App) Readiness() Readiness {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readiness
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	a.startStartupReconcileLocked()
	return nil
}

// Address returns a dialable host:port once Start has bound the listener.
// Wildcard binds are reported as loopback.
func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	tcp, ok := a.listener.Addr().(*net.TCPAddr)
	if !ok {
		return a.listener.Addr().String()
	}
	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return (&net.TCPAddr{IP: ip, Port: tcp.Port}).String()
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	a.stopStartupReconcile()

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

// startStartupReconcileLocked runs the startup pass in the background while
// the server already answers liveness. Requests are served during the pass;
// /readyz stays 503 until it ends.
func (a *App) startStartupReconcileLocked() {
	if a.service == nil {
		a.readiness = Readiness{Status: ReadinessReady}
		return
	}
	if a.reconcileCancel != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.config.StartupReconcileTimeout)
	done := make(chan struct{})
	a.reconcileCancel = cancel
	a.reconcileDone = done

	go func() {
		defer close(done)
		defer cancel()

		report, err := a.service.ReconcileAll(ctx)
		state := Readiness{Status: ReadinessReady, Report: report}
		if err != nil {
			state.Status = ReadinessDegraded
			state.Error = err.Error()
			a.logger.WarnContext(ctx, "startup reconcile incomplete, serving degraded", "error", err)
		}

		a.mu.Lock()
		a.readiness = state
		a.mu.Unlock()
	}()
}

// stopStartupReconcile cancels a running startup pass and waits for it.
func (a *App) stopStartupReconcile() {
	a.mu.Lock()
	cancel := a.reconcileCancel
	done := a.reconcileDone
	a.reconcileCancel = nil
	a.reconcileDone = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
