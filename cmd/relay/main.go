package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickrelay/config"
	"tickrelay/internal/logger"
	"tickrelay/internal/metrics"
	"tickrelay/internal/relay"
	redisstore "tickrelay/internal/store/redis"
	"tickrelay/internal/token"
	"tickrelay/pkg/upstox"
)

func main() {
	cfg := config.Load()
	log := logger.Init("relay", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Token store. Refresh is wired only when a token endpoint is configured.
	var refresh token.RefreshFunc
	if cfg.TokenRefreshURL != "" {
		refresh = token.NewRefresher(token.RefresherConfig{
			URL:        cfg.TokenRefreshURL,
			APIKey:     cfg.BrokerAPIKey,
			APISecret:  cfg.BrokerAPISecret,
			TOTPSecret: cfg.BrokerTOTP,
		})
	}
	tokens, err := token.Open(cfg.SQLitePath, refresh, log)
	if err != nil {
		log.Error("token store open failed", "error", err)
		os.Exit(1)
	}
	defer tokens.Close()

	// Redis tick mirror is optional; the relay runs without it.
	var publisher relay.TickPublisher
	var rdb *redisstore.Publisher
	if cfg.RedisAddr != "" {
		rdb, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, tick mirroring disabled", "error", err)
		} else {
			publisher = rdb
			defer rdb.Close()
		}
	}

	m := metrics.NewMetrics()
	if rdb != nil {
		m.Health.StartLivenessChecker(ctx, rdb.Client(), tokens.DB(), 15*time.Second)
	} else {
		m.Health.StartLivenessChecker(ctx, nil, tokens.DB(), 15*time.Second)
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, m.Health, log)
	metricsSrv.Start()

	authURL := cfg.FeedAuthURL
	if authURL == "" {
		authURL = upstox.DefaultAuthorizeURL
	}

	sup := relay.NewSupervisor(ctx, relay.SupervisorConfig{
		Tokens:     tokens,
		Authorizer: upstox.NewFeedAuthorizer(authURL),
		Dialer:     &upstox.WSDialer{},
		Backoff: upstox.BackoffPolicy{
			BaseDelay:   cfg.BackoffBase,
			Multiplier:  cfg.BackoffMultiplier,
			MaxDelay:    cfg.BackoffMax,
			MaxAttempts: cfg.BackoffAttempts,
		},
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
		Publisher:    publisher,
		Metrics:      m,
		Logger:       log,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", sup.HandleWS)
	mux.HandleFunc("/market/connections", sup.HandleStats)

	srv := &http.Server{
		Addr:    cfg.RelayAddr,
		Handler: mux,
	}
	go func() {
		log.Info("relay listening", "addr", cfg.RelayAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("relay server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	cancel()
	sup.Shutdown()
	log.Info("relay stopped")
}
