// Command syncd runs the client sync core as a standalone daemon: the query
// cache, the realtime subscription service and the lifecycle coordinator,
// with a small HTTP surface for diagnostics and for feeding auth/app-state
// transitions in.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsefit/sync_layer/internal/cache"
	"github.com/pulsefit/sync_layer/internal/config"
	"github.com/pulsefit/sync_layer/internal/lifecycle"
	"github.com/pulsefit/sync_layer/internal/metrics"
	"github.com/pulsefit/sync_layer/internal/persist"
	"github.com/pulsefit/sync_layer/internal/realtime"
	"github.com/pulsefit/sync_layer/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load (optional)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		// Missing env file is fine; anything else is worth knowing about.
		logger.NewDefault("syncd").WithError(err).Warn("env file not loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("syncd").WithError(err).Error("load config")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.NewDefault("syncd").WithError(err).Error("invalid config")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("component", "syncd")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := buildStore(cfg)
	if err != nil {
		log.WithError(err).Error("open persisted store")
		os.Exit(1)
	}
	defer store.Close()

	var flusher *persist.Flusher
	qc := cache.NewManager(cache.ManagerOptions{
		DefaultStaleAfter: cfg.Cache.StaleAfter,
		DefaultGCAfter:    cfg.Cache.GCAfter,
		Retry: cache.RetryPolicy{
			MaxAttempts: cfg.Cache.MaxRetries,
			BaseDelay:   cfg.Cache.RetryBase,
			MaxDelay:    cfg.Cache.RetryMax,
			Jitter:      cfg.Cache.RetryJitter,
		},
		Log:     log.WithField("component", "cache"),
		Metrics: m,
		OnDirty: func() {
			if flusher != nil {
				flusher.MarkDirty()
			}
		},
	})

	// Hydrate from the previous run before anything reads the cache.
	hydrateCtx, cancelHydrate := context.WithTimeout(context.Background(), 5*time.Second)
	if snap, err := persist.LoadSnapshot(hydrateCtx, store); err == nil {
		qc.Hydrate(snap)
		log.WithField("entries", len(snap.Entries)).Info("cache hydrated from store")
	} else if !errors.Is(err, persist.ErrNotFound) {
		log.WithError(err).Warn("snapshot load failed; starting cold")
	}
	cancelHydrate()

	flusher = persist.NewFlusher(qc, store, cfg.Persist.FlushInterval, log.WithField("component", "flusher"), m)
	flusher.Start()
	defer flusher.Stop()

	svc := realtime.NewService(realtime.ServiceOptions{
		Transport:       realtime.NewWebsocketTransport(cfg.Realtime.URL, cfg.Realtime.APIKey),
		Routes:          realtime.DefaultRoutes(),
		Cache:           qc,
		Log:             log.WithField("component", "realtime"),
		Metrics:         m,
		MaxJoinAttempts: cfg.Realtime.MaxJoinAttempts,
		JoinRetryDelay:  cfg.Realtime.JoinRetryDelay,
	})

	coord := lifecycle.NewCoordinator(lifecycle.Options{
		Service:       svc,
		Cache:         qc,
		Store:         store,
		Log:           log.WithField("component", "lifecycle"),
		SettleDelay:   cfg.Lifecycle.SettleDelay,
		HighValueKeys: highValueKeys(cfg),
	})
	defer coord.Close()

	// Periodic GC sweep for entries past their gcAfter window.
	gcStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Cache.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gcStop:
				return
			case <-ticker.C:
				if n := qc.EvictExpired(); n > 0 {
					log.WithField("evicted", n).Debug("cache gc sweep")
				}
			}
		}
	}()
	defer close(gcStop)

	router := buildRouter(qc, svc, coord, reg)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("syncd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	svc.Stop(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}

func buildStore(cfg *config.Config) (persist.Store, error) {
	switch cfg.Persist.Backend {
	case "file":
		return persist.NewFile(cfg.Persist.Path)
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return persist.NewRedis(ctx, persist.RedisSettings{
			Addr:      cfg.Persist.Redis.Addr,
			Password:  cfg.Persist.Redis.Password,
			Database:  cfg.Persist.Redis.Database,
			Namespace: cfg.Persist.Redis.Namespace,
			TTL:       cfg.Persist.Redis.TTL,
		})
	default:
		return persist.NewMemory(), nil
	}
}

func highValueKeys(cfg *config.Config) []cache.Key {
	if len(cfg.Lifecycle.HighValueKeys) == 0 {
		return nil // coordinator default
	}
	keys := make([]cache.Key, 0, len(cfg.Lifecycle.HighValueKeys))
	for _, segs := range cfg.Lifecycle.HighValueKeys {
		keys = append(keys, cache.Key(segs))
	}
	return keys
}

func buildRouter(qc *cache.Manager, svc *realtime.Service, coord *lifecycle.Coordinator, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"connection":   svc.Status(),
			"cacheEntries": qc.Len(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Session inputs. In the mobile app these come from the auth store and
	// the OS; here they arrive over HTTP for manual testing.
	r.Post("/v1/auth", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			State  string `json:"state"`
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch body.State {
		case "authenticated":
			coord.SetAuthState(lifecycle.AuthAuthenticated, body.UserID)
		case "verifying":
			coord.SetAuthState(lifecycle.AuthVerifying, "")
		case "unauthenticated":
			coord.SetAuthState(lifecycle.AuthUnauthenticated, "")
		default:
			http.Error(w, "unknown auth state", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/appstate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch body.State {
		case "active":
			coord.SetAppState(lifecycle.AppActive)
		case "background":
			coord.SetAppState(lifecycle.AppBackground)
		case "inactive":
			coord.SetAppState(lifecycle.AppInactive)
		default:
			http.Error(w, "unknown app state", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/v1/invalidate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Prefix []string `json:"prefix"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		qc.Invalidate(cache.Key(body.Prefix))
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
