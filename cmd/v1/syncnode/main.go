package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openworld-labs/gridsync/internal/v1/announce"
	"github.com/openworld-labs/gridsync/internal/v1/auth"
	"github.com/openworld-labs/gridsync/internal/v1/bus"
	"github.com/openworld-labs/gridsync/internal/v1/config"
	"github.com/openworld-labs/gridsync/internal/v1/health"
	"github.com/openworld-labs/gridsync/internal/v1/logging"
	"github.com/openworld-labs/gridsync/internal/v1/middleware"
	"github.com/openworld-labs/gridsync/internal/v1/nostr"
	"github.com/openworld-labs/gridsync/internal/v1/ratelimit"
	"github.com/openworld-labs/gridsync/internal/v1/relay"
	"github.com/openworld-labs/gridsync/internal/v1/room"
	"github.com/openworld-labs/gridsync/internal/v1/selector"
	"github.com/openworld-labs/gridsync/internal/v1/tracing"
	"github.com/openworld-labs/gridsync/internal/v1/transport"
)

const (
	// idleCleanupInterval is how often rooms are swept for idle clients.
	idleCleanupInterval = 30 * time.Second
	// maxClientIdle is the inactivity cutoff for a connected client.
	maxClientIdle = 120 * time.Second
	// statsInterval paces the aggregate stats log line.
	statsInterval = 60 * time.Second
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx := context.Background()

	// --- Tracing (optional) ---
	if cfg.OtelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "gridsync", cfg.OtelEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OtelEndpoint)
		}
	}

	// --- Node identity ---
	// The signing key doubles as the node's identity on the discovery
	// fabric; without one (no announcing) a random id still keys the bus.
	var secretKey *nostr.SecretKey
	nodeID := uuid.NewString()
	if cfg.NodeSecretKey != "" {
		secretKey, err = nostr.ParseSecretKey(cfg.NodeSecretKey)
		if err != nil {
			slog.Error("Invalid NODE_SECRET_KEY", "error", err)
			os.Exit(1)
		}
		nodeID = secretKey.PublicKeyHex()
	}

	// --- Redis bus (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis pub/sub initialized for cross-node mirroring", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Room manager ---
	serveAll := cfg.ServeMode == config.ServeModeAll
	manager := room.NewManager(ctx, serveAll, cfg.ServedMaps, auth.NewVerifier(), busService, nodeID)
	manager.StartReaper()

	// Idle client sweep.
	idleStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(idleCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-idleStop:
				return
			case <-ticker.C:
				manager.CleanupInactive(maxClientIdle)
			}
		}
	}()

	// --- Front door ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}
	allowedOrigins := transport.ParseAllowedOrigins(cfg.AllowedOrigins)
	frontDoor := transport.NewFrontDoor(manager, rateLimiter, cfg.MaxPlayers, allowedOrigins)

	// --- Announcer (optional: needs a key and a public endpoint) ---
	var announcer *announce.Announcer
	var pool *relay.Pool
	if secretKey != nil && cfg.SyncURL != "" && len(cfg.Relays) > 0 {
		pool = relay.NewPool(cfg.Relays)
		announcer = announce.NewAnnouncer(pool, secretKey, cfg.SyncURL, cfg.NodeRegion, cfg.MaxPlayers, manager)
		announcer.Start()
		slog.Info("✅ Announcer started", "relays", len(cfg.Relays), "syncUrl", cfg.SyncURL)
	} else {
		slog.Info("Announcer disabled (no NODE_SECRET_KEY, SYNC_URL or RELAYS)")
	}

	// --- Map auto-selector (AUTO mode only) ---
	var mapSelector *selector.Selector
	if cfg.ServeMode == config.ServeModeAuto {
		if len(cfg.Relays) == 0 {
			slog.Error("SERVED_MAPS=auto requires RELAYS")
			os.Exit(1)
		}
		mapSelector = selector.NewSelector(cfg.Relays, cfg.TargetMaps, manager)
		mapSelector.Start()
		slog.Info("✅ Map auto-selector started", "targetMaps", cfg.TargetMaps)
	}

	// --- Periodic stats ---
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsStop:
				return
			case <-ticker.C:
				slog.Info("Node stats",
					"players", manager.GetTotalPlayerCount(),
					"rooms", len(manager.GetActiveMapIDs()),
				)
			}
		}
	}()

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEndpoint != "" {
		router.Use(otelgin.Middleware("gridsync"))
	}

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", frontDoor.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var relayChecker health.RelayChecker
	if pool != nil {
		relayChecker = pool
	}
	healthHandler := health.NewHandler(busService, relayChecker, len(cfg.Relays))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Sync node starting", "addr", srv.Addr, "serveMode", cfg.ServeMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down sync node...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop timers first so nothing races the teardown.
	close(idleStop)
	close(statsStop)

	if mapSelector != nil {
		mapSelector.Stop()
	}

	// The announcer publishes one final offline heartbeat before its
	// sessions are destroyed.
	if announcer != nil {
		announcer.Stop()
	}

	if err := frontDoor.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during front door shutdown", "error", err)
	}

	manager.Destroy()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Sync node exiting")
}
