package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/dlorp/synapse-engine/internal/adapter/cgrag"
	synhttp "github.com/dlorp/synapse-engine/internal/adapter/http"
	synotel "github.com/dlorp/synapse-engine/internal/adapter/otel"
	"github.com/dlorp/synapse-engine/internal/adapter/respcache"
	"github.com/dlorp/synapse-engine/internal/adapter/ws"
	"github.com/dlorp/synapse-engine/internal/bus"
	"github.com/dlorp/synapse-engine/internal/config"
	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/logger"
	"github.com/dlorp/synapse-engine/internal/middleware"
	"github.com/dlorp/synapse-engine/internal/service"
)

// Exit codes: 1 config/validation error, 2 inference binary missing.
const (
	exitConfigError = 1
	exitDependency  = 2
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	code, err := run()
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(code)
	}
}

func run() (int, error) {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return exitConfigError, err
	}
	cfg, err := config.LoadWithCLI(flags)
	if err != nil {
		return exitConfigError, fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"data_dir", cfg.Data.Dir,
	)

	otelShutdown, err := synotel.Init(cfg.OTEL)
	if err != nil {
		return exitConfigError, fmt.Errorf("otel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Event bus + services ---

	eventBus := bus.New(bus.DefaultBufferSize)

	settingsSvc, err := service.NewSettingsService(cfg.Data.Dir, seedFromConfig(cfg), eventBus)
	if err != nil {
		return exitConfigError, fmt.Errorf("settings: %w", err)
	}
	st := settingsSvc.Get()

	// The inference binary is a hard dependency: refuse to start when it
	// cannot be found on disk or PATH.
	if _, err := exec.LookPath(st.InferenceBinaryPath); err != nil {
		if _, serr := os.Stat(st.InferenceBinaryPath); serr != nil {
			return exitDependency, fmt.Errorf("inference binary %q not found", st.InferenceBinaryPath)
		}
	}

	registry, err := service.NewRegistryService(cfg.Data.Dir, st.ScanPath,
		settingsSvc.PortRange(), settingsSvc.TierThresholds(), eventBus)
	if err != nil {
		return exitConfigError, fmt.Errorf("registry: %w", err)
	}
	if _, err := registry.Rescan(); err != nil {
		slog.Warn("initial model scan failed", "error", err)
	}

	metrics := service.NewMetricsService()
	metrics.Start(ctx)

	manager := service.NewManagerService(settingsSvc.Get, eventBus, metrics)

	tracker := service.NewTrackerService(eventBus)
	tracker.Start(ctx)

	allocator := service.NewAllocatorService(nil)
	allocator.Start(ctx)

	routing := service.NewRoutingStats()
	selector := service.NewSelector(registry, manager, routing)
	profiles := service.NewProfileService(cfg.Data.Dir, registry, eventBus)

	retriever := cgrag.NewClient(cfg.CGRAG.URL, cfg.CGRAG.Timeout)

	cache, err := respcache.New(64 << 20) // 64 MiB of cached responses
	if err != nil {
		return exitConfigError, fmt.Errorf("response cache: %w", err)
	}
	defer cache.Close()

	orchestrator := service.NewOrchestratorService(
		registry, manager, selector, tracker, metrics, allocator,
		retriever, settingsSvc, routing, cache,
	)

	// --- HTTP ---

	hub := ws.NewHub(eventBus, cfg.Server.CORSOrigin)

	handlers := &synhttp.Handlers{
		Registry:     registry,
		Manager:      manager,
		Orchestrator: orchestrator,
		Tracker:      tracker,
		Metrics:      metrics,
		Allocator:    allocator,
		Settings:     settingsSvc,
		Profiles:     profiles,
		Routing:      routing,
		Selector:     selector,
	}

	r := chi.NewRouter()
	r.Use(synhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(synhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.OTEL.Enabled {
		r.Use(synotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	}

	r.Get("/health", healthHandler(manager))
	r.Get("/ws/events", hub.HandleWS)
	synhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered graceful shutdown ---
	// Phase 1: stop accepting new HTTP requests.
	slog.Info("shutdown phase 1: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Phase 2: stop background loops and the event bus.
	slog.Info("shutdown phase 2: stopping background loops")
	cancel()
	eventBus.Close()

	// Phase 3: terminate the inference fleet with grace.
	slog.Info("shutdown phase 3: stopping inference servers")
	manager.StopAll()

	// Phase 4: flush telemetry.
	slog.Info("shutdown phase 4: flushing telemetry")
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("otel shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return 0, nil
}

// seedFromConfig overlays the env/config bootstrap values onto the
// settings document.
func seedFromConfig(cfg *config.Config) func(*settings.Settings) {
	return func(st *settings.Settings) {
		if cfg.Models.ScanPath != "" {
			st.ScanPath = cfg.Models.ScanPath
		}
		if cfg.Models.BinaryPath != "" {
			st.InferenceBinaryPath = cfg.Models.BinaryPath
		}
		if cfg.Models.BindHost != "" {
			st.BindHost = cfg.Models.BindHost
		}
		if cfg.Models.PortRangeStart != 0 {
			st.PortRangeStart = cfg.Models.PortRangeStart
		}
		if cfg.Models.PortRangeEnd != 0 {
			st.PortRangeEnd = cfg.Models.PortRangeEnd
		}
		if cfg.Models.MaxStartupSeconds != 0 {
			st.MaxStartupSeconds = cfg.Models.MaxStartupSeconds
		}
		if cfg.Models.ConcurrentStarts != nil {
			st.ConcurrentStarts = *cfg.Models.ConcurrentStarts
		}
	}
}

// healthHandler reports process liveness plus the inference fleet view.
func healthHandler(manager *service.ManagerService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		servers := manager.Servers()
		ready := 0
		for _, s := range servers {
			if s.Ready {
				ready++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","servers":%d,"ready":%d}`, len(servers), ready)
	}
}
