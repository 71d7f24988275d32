package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"octescrow/api"
	"octescrow/chain"
	"octescrow/config"
	"octescrow/crypto"
	"octescrow/escrow"
	"octescrow/observability"
	"octescrow/observability/logging"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Setup("escrowd", "").Error("load config", "error", err)
		os.Exit(1)
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logOut = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
	}
	logger := logging.SetupWithWriter("escrowd", cfg.Environment, logOut)

	masterSecret, err := cfg.MasterSecret()
	if err != nil {
		logger.Error("master secret unavailable", "error", err)
		os.Exit(1)
	}
	cipher, err := crypto.NewCipher(masterSecret)
	if err != nil {
		logger.Error("construct cipher", "error", err)
		os.Exit(1)
	}

	store, err := escrow.OpenLevelDBStore(filepath.Join(cfg.DataDir, "escrow"))
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := escrow.NewEngine(store, cipher)
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Escrow())
	engine.SetDepositWindow(cfg.DepositWindowOrDefault())
	if cfg.ChainGatewayURL != "" {
		client, clientErr := chain.NewClient(cfg.ChainGatewayURL, cfg.ChainTimeoutOrDefault())
		if clientErr != nil {
			logger.Error("construct chain client", "error", clientErr)
			os.Exit(1)
		}
		engine.SetVerifier(client)
		engine.SetBroadcaster(client)
	} else {
		logger.Warn("chain gateway not configured; deposits and settlements will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := escrow.NewSweeper(engine, cfg.SweepIntervalOrDefault(), logger)
	go sweeper.Run(ctx)
	go refreshSessionGauges(ctx, engine, cfg.SweepIntervalOrDefault())

	server := api.New(api.Config{
		Engine:          engine,
		Logger:          logger,
		TokenSecret:     cfg.APITokenSecret,
		RateLimitPerSec: cfg.RateLimitPerSec,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server", "error", serveErr)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("escrowd stopped")
}

// refreshSessionGauges keeps the per-status session gauges in step with the
// store on the sweep cadence.
func refreshSessionGauges(ctx context.Context, engine *escrow.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats, err := engine.Stats(); err == nil {
				observability.Escrow().SetSessionCounts(stats)
			}
		}
	}
}
