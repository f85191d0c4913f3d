package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/api"
	"github.com/manpreetbhatti/stratsync/internal/compaction"
	"github.com/manpreetbhatti/stratsync/internal/config"
	"github.com/manpreetbhatti/stratsync/internal/db"
	"github.com/manpreetbhatti/stratsync/internal/logger"
	"github.com/manpreetbhatti/stratsync/internal/room"
	"github.com/manpreetbhatti/stratsync/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("STRATSYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "stratsync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	registry := room.NewRegistry(database, log)
	defer registry.Close()

	var bus ws.Bus
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		bus = ws.NewRedisBus(client, cfg.Redis.ChannelPrefix, log)
		log.Info("relay bus enabled", zap.String("addr", cfg.Redis.Addr))
	}

	hub := ws.NewHub(registry, bus, ws.Options{
		MessagesPerSecond: cfg.Gateway.MessagesPerSecond,
		MessageBurst:      cfg.Gateway.MessageBurst,
		SendBuffer:        cfg.Gateway.SendBuffer,
		MaxMessageSize:    cfg.Gateway.MaxMessageSize,
		MaxViolations:     cfg.Gateway.MaxViolations,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	compactor := compaction.New(database, compaction.Config{
		Interval:           cfg.Compaction.Interval,
		TombstoneRetention: cfg.Compaction.TombstoneRetention,
		KeepAutoVersions:   cfg.Compaction.KeepAutoVersions,
	}, log)
	compactor.Start()
	defer compactor.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(log))
	r.Use(api.CORS(cfg.Server.AllowedOrigins))

	r.Get("/ws", hub.ServeWs)
	api.New(registry, hub, database, cfg.Compaction.KeepAutoVersions, log).Routes(r)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("stratsync server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("database", cfg.Database.Path),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stopHub()
		<-hubDone
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// Closing the hub closes every websocket send channel, which ends the
	// write pumps that Shutdown does not track.
	stopHub()
	<-hubDone
	return nil
}
