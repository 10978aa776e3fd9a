package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nodegw/gateway/internal/cache"
	"github.com/nodegw/gateway/internal/config"
	"github.com/nodegw/gateway/internal/dispatch"
	"github.com/nodegw/gateway/internal/gateway"
	"github.com/nodegw/gateway/internal/metrics"
	"github.com/nodegw/gateway/internal/server"
	"github.com/nodegw/gateway/internal/upstream"
)

// The 1st arg is the path to the program and the 2nd arg is the path to the
// config file.
const ExpectedNumArgs = 2

const httpClientTimeoutSlack = 2 * time.Second

func main() {
	if len(os.Args) < ExpectedNumArgs {
		fmt.Println("No config file specified.")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(os.Args[1])
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}

	logger, loggerErr := setupGlobalLogger(cfg.Env, cfg.LogLevel)
	if loggerErr != nil {
		panic(loggerErr)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Println("Failed to sync logger.", err)
		}
	}()

	zap.L().Info("Starting node gateway.", zap.String("env", cfg.Env), zap.Any("config", cfg))

	nodes := buildNodes(cfg)
	dispatcherNodes := make([]dispatch.Node, len(nodes))

	for i, n := range nodes {
		dispatcherNodes[i] = n
	}

	dispatcher := dispatch.New(dispatcherNodes)
	responseCache := cache.New(cfg.CacheCapacity, cfg.CacheTTL, cfg.CacheDenyMethods)
	gw := gateway.New(responseCache, dispatcher)
	rpcServer := server.New(cfg.BindAddress, gw, nodes)

	proberCtx, cancelProber := context.WithCancel(context.Background())
	prober := dispatch.NewProber(dispatcher, cfg.ProbeInterval)

	prober.ProbeOnce(proberCtx)

	go prober.Run(proberCtx)

	go func() {
		zap.L().Info("Starting RPC server.", zap.String("bindAddress", cfg.BindAddress))

		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("Failed to start RPC server.", zap.Error(err))
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsPort)

	go func() {
		zap.L().Info("Starting metrics server.", zap.Int("port", cfg.MetricsPort))

		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("Failed to start metrics server.", zap.Error(err))
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	exitSignal := <-signalChannel
	zap.L().Info("Exiting due to signal.", zap.Any("signal", exitSignal))

	cancelProber()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Fatal("Failed to gracefully shut down RPC server.", zap.Error(err))
	}

	if err := metrics.Shutdown(shutdownCtx, metricsServer); err != nil {
		zap.L().Fatal("Failed to gracefully shut down metrics server.", zap.Error(err))
	}
}

func buildNodes(cfg config.Config) []*upstream.Node {
	nodes := make([]*upstream.Node, 0, len(cfg.Upstreams))

	for _, u := range cfg.Upstreams {
		httpClient := &http.Client{Timeout: cfg.CallTimeout + httpClientTimeoutSlack}
		nodes = append(nodes, upstream.NewNode(u.Name, u.Endpoint, httpClient, cfg.FailureThreshold, cfg.CallTimeout))
	}

	return nodes
}

func setupGlobalLogger(env, level string) (logger *zap.Logger, err error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err = cfg.Build()
	if err == nil {
		zap.ReplaceGlobals(logger)
	}

	return logger, err
}
