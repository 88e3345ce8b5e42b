package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/codesync/internal/api"
	"github.com/manpreetbhatti/codesync/internal/config"
	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/flush"
	"github.com/manpreetbhatti/codesync/internal/ids"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.RelayConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()

	var fanout *ws.RedisFanout
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		origin, err := ids.NewULID(time.Now())
		if err != nil {
			return err
		}
		fanout = ws.NewRedisFanout(rdb, origin, logger)
		logger.Info("redis fanout enabled", "addr", cfg.RedisAddr, "origin", origin)
	}

	opts := ws.HubOptions{
		Store:             database,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		Logger:            logger,
		Metrics:           m,
	}
	if fanout != nil {
		opts.Fanout = fanout
	}
	hub := ws.NewHub(opts)

	flusher := flush.New(hub, database, flush.Config{Interval: cfg.FlushInterval}, logger)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	api.New(hub, database, logger).Register(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	if fanout != nil {
		g.Go(func() error {
			return fanout.Subscribe(ctx, hub)
		})
	}

	g.Go(func() error {
		logger.Info("relay listening", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	flusher.Start()
	err = g.Wait()
	flusher.Stop()
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
