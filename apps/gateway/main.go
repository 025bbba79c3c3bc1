package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mahaj/roomcast/pkg/api"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/broker"
	"github.com/mahaj/roomcast/pkg/config"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mahaj/roomcast/pkg/directory"
	"github.com/mahaj/roomcast/pkg/gateway"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/relay"
	"github.com/mahaj/roomcast/pkg/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

const (
	tokenTTL        = 24 * time.Hour
	queueSize       = 1024
	shutdownTimeout = 10 * time.Second
)

type roomDirectory interface {
	gateway.RoomDirectory
	store.RoomChecker
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	static, err := directory.ParseStatic(cfg.StaticRooms)
	if err != nil {
		return fmt.Errorf("parsing STATIC_ROOMS: %w", err)
	}
	var rooms roomDirectory = static

	var rdb *redis.Client
	if cfg.Directory == "redis" || cfg.PresenceMirror {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
		}
	}
	if cfg.Directory == "redis" {
		redisRooms := directory.NewRedis(rdb)
		if err := redisRooms.Seed(ctx, static.Rooms(), static.Members); err != nil {
			return fmt.Errorf("seeding rooms: %w", err)
		}
		rooms = redisRooms
	}

	backend, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	messages := store.New(backend, rooms, log, cfg.MaxBodyLength)
	defer func() {
		log.Info("Closing message store...")
		_ = messages.Close()
	}()

	// Background writers outlive the gateway so the final presence edges and
	// frames of the shutdown are exported too.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup
	var exporter *relay.Kafka
	defer func() {
		cancelBackground()
		background.Wait()
		if exporter != nil {
			_ = exporter.Close()
		}
	}()

	b := broker.New(log)
	if cfg.KafkaEnabled {
		exporter = relay.NewKafka(cfg.KafkaBrokerList(), cfg.KafkaTopic, cfg.NodeID, queueSize, log)
		b.WithBackbone(exporter)
		background.Go(func() { exporter.Run(bgCtx) })
	}

	listeners := []presence.Listener{gateway.BroadcastPresence(b)}
	if cfg.PresenceMirror {
		mirror := presence.NewRedisMirror(rdb, queueSize, log)
		if err := mirror.Reset(ctx); err != nil {
			return fmt.Errorf("resetting presence mirror: %w", err)
		}
		listeners = append(listeners, mirror)
		background.Go(func() { mirror.Run(bgCtx) })
	}
	registry := presence.NewRegistry(log, listeners...)

	issuer := auth.NewIssuer(cfg.JWTSecret, tokenTTL)
	gw, err := gateway.New(issuer, rooms, messages, b, registry, gateway.Options{
		SendBuffer:   cfg.SendBuffer,
		MaxFrameSize: int64(cfg.MaxFrameSize),
		RoomPolicy:   gateway.RoomPolicy(cfg.RoomPolicy),
		NodeID:       cfg.NodeID,
		StoreTimeout: cfg.StoreTimeout,
	}, log)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	gw.Routes(mux)
	api.Routes(mux, issuer, rooms, messages, cfg.HistoryLimit, registry, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		log.Info("Gateway service starting", "address", cfg.ListenAddr, "store", cfg.StoreBackend, "directory", cfg.Directory)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("Gateway shutdown incomplete", "error", err)
	}
	log.Info("Program stopped cleanly")
	return nil
}

func openBackend(cfg config.Config, log *slog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "scylla":
		session, err := db.NewSession(cfg.ScyllaHostList(), cfg.ScyllaKeyspace, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to ScyllaDB: %w", err)
		}
		return store.NewScyllaBackend(session), nil
	default:
		backend, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("database opening failed: %w", err)
		}
		return backend, nil
	}
}
