package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"reasonchain/internal/adapter/gateway"
	"reasonchain/internal/adapter/llm"
	"reasonchain/internal/infra/config"
	"reasonchain/internal/infra/logger"
	"reasonchain/internal/infra/metrics"
	"reasonchain/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "encrypt" {
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "config.yaml", "path to the YAML config file (or set REASONCHAIN_CONFIG)")
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before the config; missing is fine")
	addrFlag := flag.String("addr", "", "listen address, overrides server.addr")
	logLevelFlag := flag.String("log-level", "", "log level (debug, info, warn, error), overrides logger.level")
	versionFlag := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("reasonchain", version)
		return nil
	}

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("env file: %w", err)
	}

	cfgPath := *configFlag
	if v := os.Getenv(config.EnvPrefix + "CONFIG"); v != "" && !flag.CommandLine.Changed("config") {
		cfgPath = v
	}

	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if *logLevelFlag != "" {
		cfg.Logger.Level = *logLevelFlag
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	if cfg.Metrics.Enabled {
		metrics.BuildInfo.WithLabelValues(version).Set(1)
	}

	// 3. Backends
	registry, err := llm.BuildRegistry(cfg, log)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}

	// 4. Gateway
	srv := gateway.NewServer(ctx, gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Backends:   registry,
		Logger:     log,
		Version:    version,
	})

	log.Info("reasonchain starting",
		"version", version,
		"config", cfgPath,
		"backends", registry.List(),
		"composites", len(cfg.Composites),
	)

	// Either listener failing stops the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		ms := metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, log)
		g.Go(func() error { return ms.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("reasonchain stopped")
	return nil
}

// runEncrypt prints an enc: value for pasting into the config file.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: reasonchain encrypt <value>")
	}
	passphrase := os.Getenv(config.EnvPrefix + "CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("%sCONFIG_KEY must be set", config.EnvPrefix)
	}
	out, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + out)
	return nil
}
