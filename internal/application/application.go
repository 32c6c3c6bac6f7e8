package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/tsrlib/internal/api"
	"github.com/eugenenazirov/tsrlib/internal/config"
	"github.com/eugenenazirov/tsrlib/internal/metrics"
	"github.com/eugenenazirov/tsrlib/internal/storage"
	"github.com/eugenenazirov/tsrlib/internal/watch"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	settings config.Settings
	manager  *config.Manager
	history  *storage.MemoryStorage
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server

	unsubscribe func()

	mu          sync.Mutex
	stopWatcher context.CancelFunc
	watcherDone chan struct{}
}

// New wires an initialized manager into the HTTP surface described by settings.
// recorder may be nil, in which case /metrics answers 404.
func New(settings config.Settings, manager *config.Manager, logger *zap.Logger, recorder *metrics.Recorder) (*App, error) {
	if manager == nil {
		return nil, errors.New("configuration manager is required")
	}

	history := storage.NewMemoryStorage(0)
	unsubscribe := manager.On(config.EventChange, func(e config.Event) {
		if _, err := history.Append(e.Path, e.Value, time.Now().UTC()); err != nil {
			logger.Warn("failed to record configuration change", zap.String("path", e.Path), zap.Error(err))
		}
	})

	handler := api.NewHandler(manager, history, api.WithHandlerLogger(logger))
	apiRouter := api.NewRouter(handler, logger,
		api.WithLogging(settings.EnableRequestLogging),
		api.WithRateLimit(settings.RateLimitRPS, settings.RateLimitBurst),
	)

	rootHandler, err := BuildRootHandler(apiRouter, recorder.Handler())
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &App{
		settings:    settings,
		manager:     manager,
		history:     history,
		handler:     handler,
		router:      apiRouter,
		logger:      logger,
		server:      NewServer(settings, rootHandler),
		unsubscribe: unsubscribe,
	}, nil
}

// BuildRootHandler mounts the API under /api/ and the metrics exposition at /metrics.
func BuildRootHandler(apiHandler, metricsHandler http.Handler) (http.Handler, error) {
	if apiHandler == nil {
		return nil, errors.New("api handler is required")
	}
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("/", http.NotFoundHandler())

	return mux, nil
}

// NewServer creates and configures an HTTP server from the provided settings.
func NewServer(settings config.Settings, handler http.Handler) *http.Server {
	addr := settings.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: settings.ReadHeaderTimeout,
		WriteTimeout:      settings.WriteTimeout,
		IdleTimeout:       settings.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
// When server.watch is set and the source is a local file, a file watcher
// reloads the manager on change.
func (a *App) Start() error {
	if err := a.startWatcher(); err != nil {
		return err
	}

	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startWatcher() error {
	source := a.manager.Source()
	if !a.settings.WatchSource {
		return nil
	}
	if source == "" || config.IsRemote(source) {
		a.logger.Warn("server.watch ignored: no local configuration source", zap.String("source", source))
		return nil
	}

	fw, err := watch.New(source, watch.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = fw.Close() }()
		if err := fw.Run(ctx, a.manager.Reload); err != nil {
			a.logger.Error("file watcher stopped", zap.Error(err))
		}
	}()

	a.mu.Lock()
	a.stopWatcher = cancel
	a.watcherDone = done
	a.mu.Unlock()
	return nil
}

// Close stops the file watcher and detaches the change history. It does not
// touch the HTTP server; use Server for that.
func (a *App) Close() {
	a.mu.Lock()
	cancel, done := a.stopWatcher, a.watcherDone
	a.stopWatcher, a.watcherDone = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}
