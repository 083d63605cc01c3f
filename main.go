package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-meshcore-gateway/app/client"
	"go-meshcore-gateway/app/config"
	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/discovery"
	"go-meshcore-gateway/app/logging"
	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/publish"
	"go-meshcore-gateway/app/route"
	"go-meshcore-gateway/app/shared"
	"go-meshcore-gateway/app/storage"
	"go-meshcore-gateway/app/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	log, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	addr := cfg.RadioAddr()

	cache := storage.OpenDeviceCache(cfg.DataDir, addr, log)
	keys, closeKeys := keyCache(ctx, cfg, cache, log)
	defer closeKeys()

	archive := storage.OpenArchive(cfg.DataDir, addr, storage.ArchiveOptions{
		MessageRetention: cfg.Archive.MessageRetention,
		RxLogRetention:   cfg.Archive.RxLogRetention,
	}, log)
	archive.SetFlushHook(m.ArchiveFlushed)

	var publisher worker.Publisher
	pub, err := publish.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
	if err != nil {
		log.Warn("message publishing disabled", zap.Error(err))
	} else if pub != nil {
		publisher = pub
		defer pub.Close()
	}

	store := shared.NewStore(log)
	radio := client.New(client.Options{Addr: addr, CommandTimeout: cfg.Radio.CommandTimeout}, m, log)
	w := worker.New(worker.Deps{
		Config:    cfg,
		Radio:     radio,
		Store:     store,
		Decoder:   decoder.New(log),
		Cache:     cache,
		Keys:      keys,
		Archive:   archive,
		Publisher: publisher,
		Metrics:   m,
		Log:       log,
	})

	hub := NewHub(m, log)
	go hub.Run(ctx)
	go broadcastLoop(ctx, hub, store, cfg.HTTP.Tick)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(ctx); err != nil {
			log.Error("worker stopped", zap.Error(err))
		}
	}()

	srv := &server{
		ctx:      ctx,
		store:    store,
		archive:  archive,
		resolver: route.NewResolver(store, log),
		cmds:     w,
		hub:      hub,
		metrics:  m,
		log:      log.Named("http"),
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("meshcore gateway listening",
		zap.String("http", cfg.HTTP.Addr),
		zap.String("radio", addr),
		zap.String("data_dir", cfg.DataDir))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-workerDone
		return err
	}
	<-workerDone
	log.Info("gateway stopped")
	return nil
}

// keyCache picks where device channel keys are cached. Redis falls back
// to the device cache file when it cannot be reached.
func keyCache(ctx context.Context, cfg *config.Config, cache *storage.DeviceCache, log *zap.Logger) (discovery.KeyCache, func()) {
	if cfg.KeyCache.Backend != "redis" {
		return cache, func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.KeyCache.RedisAddr})
	rk := storage.NewRedisKeyCache(rdb, cfg.RadioAddr(), log)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rk.Ping(pingCtx); err != nil {
		log.Warn("redis unavailable, caching channel keys on disk",
			zap.String("addr", cfg.KeyCache.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return cache, func() {}
	}
	log.Info("caching channel keys in redis", zap.String("addr", cfg.KeyCache.RedisAddr))
	return rk, func() { _ = rdb.Close() }
}
