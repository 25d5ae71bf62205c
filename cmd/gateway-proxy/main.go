package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/admin"
	"github.com/user/llm-proxy-go/internal/api"
	"github.com/user/llm-proxy-go/internal/archive"
	"github.com/user/llm-proxy-go/internal/billing"
	"github.com/user/llm-proxy-go/internal/config"
	"github.com/user/llm-proxy-go/internal/credstore"
	"github.com/user/llm-proxy-go/internal/logging"
	"github.com/user/llm-proxy-go/internal/proxyhandler"
	"github.com/user/llm-proxy-go/internal/router"
	"github.com/user/llm-proxy-go/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("gateway-proxy - %s\n\n", version.Short())
	fmt.Println("Usage: gateway-proxy [OPTIONS] <config-path>")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GATEWAY_PROXY_CONFIG    path to the YAML config file (default config.yaml)")
	fmt.Println("  GATEWAY_PROXY_LOGS_DIR  log directory (default logs)")
}

func configPath() string {
	if len(os.Args) > 1 && os.Args[1][0] != '-' {
		return os.Args[1]
	}
	if p := os.Getenv("GATEWAY_PROXY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, logging.Dir(), cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting gateway-proxy",
		zap.String("version", version.Short()),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("upstreams", len(cfg.Upstreams)),
	)

	creds, err := credstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer creds.Close()

	billingStore, err := billing.Open(creds.DB())
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer billingStore.Close()

	archiveStore, err := archive.Open(filepath.Join(cfg.DataDir, "requests_archive.db"))
	if err != nil {
		return fmt.Errorf("open request archive: %w", err)
	}
	defer archiveStore.Close()

	state, err := router.NewState(router.Config{
		DataDir:              cfg.DataDir,
		Ban:                  cfg.Ban,
		Upstreams:            cfg.Upstreams,
		UsageInjectUpstreams: cfg.UsageInjectSet(),
	}, creds, logger, archiveStore.OnEvict)
	if err != nil {
		return fmt.Errorf("init router state: %w", err)
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	proxy := proxyhandler.NewHandler(state, billingStore, logger, requestTimeout, cfg.ProxyTokenSet(), cfg.UsageInjectSet())
	adminHandler := admin.NewHandler(state, billingStore, creds, archiveStore, logger, cfg.DataDir, cfg.AdminTokenSet())

	engine := api.NewEngine(api.Deps{
		Proxy:  proxy,
		Admin:  adminHandler,
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming completions need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", cfg.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
