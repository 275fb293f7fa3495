// The gateway brokers chat clients and sandboxed coding agents: one hub
// per session, exclusive ownership via Redis leases, delayed expiry jobs,
// and an orphan sweeper reconciling rows against leases.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/proliferate-ai/gateway/internal/billing"
	"github.com/proliferate-ai/gateway/internal/config"
	"github.com/proliferate-ai/gateway/internal/events"
	"github.com/proliferate-ai/gateway/internal/expiry"
	"github.com/proliferate-ai/gateway/internal/hub"
	"github.com/proliferate-ai/gateway/internal/leases"
	"github.com/proliferate-ai/gateway/internal/metrics"
	"github.com/proliferate-ai/gateway/internal/sandbox"
	"github.com/proliferate-ai/gateway/internal/store"
	"github.com/proliferate-ai/gateway/internal/sweeper"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("starting gateway", "instance_id", instanceID, "env", cfg.Server.Env)

	// Redis: exclusivity substrate for leases, locks, and the local
	// delayed queue.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		cancel()
	}
	defer rdb.Close()

	db, err := store.Open(cfg.Database.PostgresDSN, cfg.Database.MaxOpenConn, cfg.Database.MaxIdleConn)
	if err != nil {
		logger.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	sessions := store.NewSessionStore(db, logger)

	leaseStore := leases.NewStore(rdb, cfg.OwnerLeaseTTL(), cfg.RuntimeLeaseTTL(), logger)

	// Session event bus: Pub/Sub when configured, in-memory otherwise.
	var bus events.Emitter
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		psBus, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger)
		if err != nil {
			logger.Error("pubsub bus init failed", "error", err)
			os.Exit(1)
		}
		defer psBus.Close()
		bus = psBus
	} else {
		bus = events.NewBus(logger)
	}

	// Sandbox providers.
	docker, err := sandbox.NewDockerProvider(cfg.Sandbox.Image, cfg.Sandbox.WorkspacePath, logger)
	if err != nil {
		logger.Error("docker provider init failed", "error", err)
		os.Exit(1)
	}
	providers := map[string]sandbox.Provider{
		docker.Name(): docker,
	}
	resolve := func(name string) (sandbox.Provider, bool) {
		p, ok := providers[name]
		return p, ok
	}

	var policy billing.Policy = billing.AllowAll{}
	if cfg.Billing.ServiceURL != "" {
		policy = billing.NewHTTPPolicy(cfg.Billing.ServiceURL, time.Duration(cfg.Billing.TimeoutSec)*time.Second)
	}

	// Expiry queue. The registry closure resolves hubs lazily so the
	// worker can recreate a hub that was evicted before its job fired.
	var registry *hub.Registry
	expiryHandler := func(ctx context.Context, sessionID string) {
		h, err := registry.GetOrCreate(ctx, sessionID)
		if err != nil {
			logger.Warn("expiry job could not resolve hub", "session_id", sessionID, "error", err)
			metrics.ExpiryJobs.WithLabelValues("error").Inc()
			return
		}
		if err := h.RunExpiryMigration(ctx); err != nil {
			// Abandoned, not retried: migration is idempotent and the
			// orphan sweep converges later.
			logger.Warn("expiry migration failed", "session_id", sessionID, "error", err)
			metrics.ExpiryJobs.WithLabelValues("error").Inc()
			return
		}
		metrics.ExpiryJobs.WithLabelValues("ok").Inc()
	}

	localQueue := expiry.NewRedisQueue(rdb, cfg.ExpiryGrace(),
		time.Duration(cfg.Expiry.PollIntervalSec)*time.Second, expiryHandler, logger)

	var queue expiry.Scheduler = localQueue
	useLocalQueue := true
	if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
		target := cfg.Server.PublicURL + "/internal/tasks/session-expiry"
		ctQueue, err := expiry.NewCloudTasksQueue(cfg.CloudTasks.ProjectID,
			cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, target, cfg.ExpiryGrace(), logger)
		if err != nil {
			logger.Error("cloud tasks init failed", "error", err)
			os.Exit(1)
		}
		defer ctQueue.Close()
		queue = ctQueue
		useLocalQueue = false
	}

	registry = hub.NewRegistry(hub.Deps{
		Cfg:        cfg,
		Store:      sessions,
		Leases:     leaseStore,
		Queue:      queue,
		Bus:        bus,
		Resolve:    resolve,
		Billing:    policy,
		InstanceID: instanceID,
		Logger:     logger,
	})

	// The poller starts only once the registry it resolves hubs from
	// exists.
	if useLocalQueue {
		localQueue.Start()
		defer localQueue.Stop()
	}

	sw := sweeper.New(sessions, leaseStore, registry, resolve, queue, bus,
		time.Duration(cfg.Sweeper.IntervalMin)*time.Minute, logger)
	sw.Start()
	defer sw.Stop()

	router := buildRouter(cfg, registry, expiryHandler, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Release every lease so a replacement replica adopts sessions
	// immediately instead of waiting for TTL expiry.
	registry.ReleaseAllLeases(shutdownCtx)
	logger.Info("gateway stopped")
}

func buildRouter(cfg *config.Config, registry *hub.Registry, expiryHandler expiry.Handler, logger *slog.Logger) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Client websocket endpoint. Authentication happens upstream of the
	// gateway; the authenticated user arrives on a trusted header.
	router.HandleFunc("/ws/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		userID := r.Header.Get("X-User-ID")

		h, err := registry.GetOrCreate(r.Context(), sessionID)
		if err != nil {
			logger.Warn("hub creation failed", "session_id", sessionID, "error", err)
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.ServeWS(w, r, userID)
	}).Methods(http.MethodGet)

	// Tool-call hook: the counter gates idle snapshotting for externally
	// executed tools.
	router.HandleFunc("/internal/tool-calls/{sessionId}/{phase}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		h, ok := registry.Lookup(vars["sessionId"])
		if !ok {
			http.Error(w, "no resident hub", http.StatusNotFound)
			return
		}
		switch vars["phase"] {
		case "start":
			h.TrackToolCallStart()
		case "end":
			h.TrackToolCallEnd()
		default:
			http.Error(w, "unknown phase", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	// Cloud Tasks push target for expiry jobs.
	router.HandleFunc("/internal/tasks/session-expiry", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SessionID == "" {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		expiryHandler(ctx, payload.SessionID)
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	return router
}
