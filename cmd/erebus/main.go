package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/erebus-sh/erebus/internal/auth"
	"github.com/erebus-sh/erebus/internal/broker"
	"github.com/erebus-sh/erebus/internal/config"
	"github.com/erebus-sh/erebus/internal/gateway"
	"github.com/erebus-sh/erebus/internal/registry"
	"github.com/erebus-sh/erebus/internal/usage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := cfg.NewLogger()
	cfg.LogConfig(log)
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	defer rdb.Close()

	verifier, err := auth.NewVerifier([]byte(cfg.GrantPublicKey))
	if err != nil {
		log.Fatal().Err(err).Msg("grant public key invalid")
	}

	peers, err := broker.ConnectNATS(cfg.NatsURL, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NatsURL).Msg("nats unreachable")
	}
	defer peers.Close()

	dispatcher := usage.NewDispatcher(cfg.UsageSecret, cfg.UsageQueueSize, cfg.UsageFlushInterval, nil, log)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	tasks := broker.NewRunner(runtime.GOMAXPROCS(0)*2, 4096, log)
	tasks.Start(ctx)

	reg := registry.New(rdb, log)

	host := broker.NewHost(broker.HostOptions{
		Region:                 cfg.Region,
		MessageTTL:             cfg.MessageTTL,
		MaxSubscribersPerTopic: cfg.MaxSubscribersPerTopic,
		Broker: broker.Options{
			RateLimitBurst:  cfg.RateLimitBurst,
			RateLimitWindow: cfg.RateLimitWindow,
		},
	}, rdb, peers, reg, dispatcher, verifier, tasks, log)
	if err := host.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("host start failed")
	}

	gw := gateway.New(verifier, host, reg, peers, rdb, cfg.RootAPIKey, cfg.Region, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("gateway failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown error")
	}
	cancel()
}
