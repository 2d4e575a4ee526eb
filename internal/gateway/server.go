package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/prefixgate/internal/accesslog"
	"github.com/wudi/prefixgate/internal/config"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/metrics"
	"github.com/wudi/prefixgate/internal/proxy"
	"github.com/wudi/prefixgate/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

const maxReloadHistory = 50

// Server runs the gateway and admin listeners and owns the shared resources
// behind them.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	configPath  string
	metrics     *metrics.Collector
	tracer      *tracing.Tracer
	redis       *redis.Client
	sink        *accesslog.Async
	watcher     *config.Watcher
	startTime   time.Time

	// reloadMu serializes reloads so config always matches the served state.
	reloadMu sync.Mutex

	mu            sync.Mutex
	config        *config.Config
	reloadHistory []ReloadResult
	shutdownOnce  sync.Once
	shutdownErr   error
}

// NewServer creates a server for cfg. configPath is the file reloads read;
// when empty, reloading is disabled.
func NewServer(ctx context.Context, cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		configPath: configPath,
		config:     cfg,
		metrics:    metrics.NewCollector(),
		startTime:  time.Now(),
	}

	tracer, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	s.tracer = tracer

	deps := Deps{
		Metrics:   s.metrics,
		Tracer:    tracer,
		Transport: proxy.NewTransport(cfg.Transport),
	}
	if cfg.Redis.Address != "" {
		s.redis = newRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			logging.Warn("redis unreachable, distributed rate limits fail open until it is",
				zap.String("address", cfg.Redis.Address),
				zap.Error(err),
			)
		}
		cancel()
		deps.Redis = s.redis
	}
	s.sink = accesslog.NewAsync(accesslog.NewZapSink(nil), cfg.AccessLog.BufferSize, s.metrics)
	deps.Sink = s.sink

	gw, err := New(cfg, deps)
	if err != nil {
		s.closeResources(ctx)
		return nil, err
	}
	s.gateway = gw

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw,
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
}

// Validate checks that cfg builds: routes compile and every filter exists
// and accepts its arguments. Nothing is started.
func Validate(cfg *config.Config) error {
	deps := Deps{Sink: accesslog.SinkFunc(func(accesslog.Event) {})}
	if cfg.Redis.Address != "" {
		client := newRedisClient(cfg.Redis)
		defer client.Close()
		deps.Redis = client
	}
	_, err := New(cfg, deps)
	return err
}

// Gateway returns the request handler.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run listens on the configured addresses and serves until ctx is done or
// SIGINT/SIGTERM arrives. SIGHUP reloads the configuration file.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.closeResources(ctx)
		return fmt.Errorf("gateway listener: %w", err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		adminLn, err = net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			s.closeResources(ctx)
			return fmt.Errorf("admin listener: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx, ln, adminLn)
}

// Serve serves on the given listeners until ctx is done, then shuts down.
// adminLn may be nil.
func (s *Server) Serve(ctx context.Context, ln, adminLn net.Listener) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, func(cfg *config.Config) {
			s.logReload("file change", s.applyConfig(cfg))
		})
		if err != nil {
			logging.Warn("config watcher unavailable", zap.Error(err))
		} else if err := w.Start(); err != nil {
			logging.Warn("config watcher unavailable", zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	if s.adminServer != nil && adminLn != nil {
		g.Go(func() error {
			logging.Info("admin listening", zap.String("address", adminLn.Addr().String()))
			if err := s.adminServer.Serve(adminLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				logging.Info("shutting down")
				return s.Shutdown(DefaultShutdownTimeout)
			case <-hup:
				s.logReload("SIGHUP", s.ReloadConfig())
			}
		}
	})

	return g.Wait()
}

// Shutdown stops accepting requests, waits for in-flight ones up to timeout
// and releases shared resources. It is safe to call more than once.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.adminServer != nil {
			if err := s.adminServer.Shutdown(ctx); err != nil {
				logging.Error("admin server shutdown error", zap.Error(err))
			}
		}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logging.Error("gateway server shutdown error", zap.Error(err))
			s.shutdownErr = err
		}
		s.closeResources(ctx)
		logging.Info("server shutdown complete")
	})
	return s.shutdownErr
}

func (s *Server) closeResources(ctx context.Context) {
	if s.sink != nil {
		s.sink.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.tracer != nil {
		if err := s.tracer.Close(ctx); err != nil {
			logging.Warn("tracer shutdown error", zap.Error(err))
		}
	}
}

// ReloadConfig loads the configuration file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.record(ReloadResult{Timestamp: time.Now(), Error: "no config path configured"})
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.metrics.RecordReload(false)
		return s.record(ReloadResult{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)})
	}
	return s.applyConfig(cfg)
}

// applyConfig swaps in cfg's routes and filters. Listener, admin, logging,
// tracing, transport, redis and access log buffer settings only take effect
// on restart.
func (s *Server) applyConfig(cfg *config.Config) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	result := s.gateway.Reload(cfg)
	if result.Success {
		s.mu.Lock()
		old := s.config
		s.config = cfg
		s.mu.Unlock()
		result.Changes = append(result.Changes, restartOnly(old, cfg)...)
	}
	return s.record(result)
}

func restartOnly(old, cur *config.Config) []string {
	var notes []string
	if old.Listener != cur.Listener {
		notes = append(notes, "listener changed (restart required)")
	}
	if old.Admin != cur.Admin {
		notes = append(notes, "admin changed (restart required)")
	}
	if old.Redis != cur.Redis {
		notes = append(notes, "redis changed (restart required)")
	}
	if old.Transport != cur.Transport {
		notes = append(notes, "transport changed (restart required)")
	}
	if old.Logging != cur.Logging {
		notes = append(notes, "logging changed (restart required)")
	}
	if !reflect.DeepEqual(old.Tracing, cur.Tracing) {
		notes = append(notes, "tracing changed (restart required)")
	}
	if old.AccessLog.BufferSize != cur.AccessLog.BufferSize {
		notes = append(notes, "access_log.buffer_size changed (restart required)")
	}
	return notes
}

func (s *Server) record(result ReloadResult) ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
	return result
}

func (s *Server) logReload(trigger string, result ReloadResult) {
	if result.Success {
		logging.Info("config reloaded",
			zap.String("trigger", trigger),
			zap.Strings("changes", result.Changes),
		)
		return
	}
	logging.Error("config reload failed",
		zap.String("trigger", trigger),
		zap.String("error", result.Error),
	)
}

// AdminHandler serves /health, /routes, /metrics, /reload and
// /reload/status.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gateway.Routes())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.ReloadConfig()
	s.logReload("admin", result)
	if !result.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(result)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	history := append([]ReloadResult{}, s.reloadHistory...)
	s.mu.Unlock()
	writeJSON(w, history)
}
