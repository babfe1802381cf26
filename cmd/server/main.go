package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/audit"
	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/discovery"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/server"
)

type flags struct {
	configPath     string
	port           string
	secret         string
	httpAddr       string
	logLevel       string
	maxConnections int
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&f.port, "port", "", "TCP port for terminal clients")
	flag.StringVar(&f.secret, "secret", "", "shared secret every peer must present")
	flag.StringVar(&f.httpAddr, "http", "", "gateway listen address (health, /ws, /metrics)")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.IntVar(&f.maxConnections, "max-connections", 0, "maximum concurrent connections")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [<port> <secret>]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(f, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorelay: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorelay: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

// loadConfig layers defaults, the optional file, GORELAY_* variables, flags
// and finally the positional <port> <secret> pair.
func loadConfig(f flags, args []string) (*server.Config, error) {
	cfg := server.NewConfig()
	if f.configPath != "" {
		loaded, err := server.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	server.ApplyEnv(cfg)

	if f.port != "" {
		cfg.ListenAddr = ":" + f.port
	}
	if f.secret != "" {
		cfg.Secret = f.secret
	}
	if f.httpAddr != "" {
		cfg.HTTPAddr = f.httpAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.maxConnections > 0 {
		cfg.MaxConnections = f.maxConnections
	}

	switch len(args) {
	case 0:
	case 2:
		if _, err := strconv.Atoi(args[0]); err != nil {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		cfg.ListenAddr = ":" + args[0]
		cfg.Secret = args[1]
	default:
		return nil, errors.New("expected <port> <secret> or no positional arguments")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *server.Config, logger *zap.Logger) error {
	hasher, err := auth.NewHasher(cfg.Auth.Algorithm, cfg.Auth.Argon2)
	if err != nil {
		return err
	}
	secret, err := auth.NewSecret(cfg.Secret, hasher)
	if err != nil {
		return err
	}
	if cfg.Auth.HashFile != "" {
		if err := secret.Persist(cfg.Auth.HashFile); err != nil {
			return err
		}
	}

	sinks := audit.MultiSink{audit.NewFileSink(cfg.Audit.Dir, logger)}
	if cfg.Audit.Archive != "" {
		archive, err := audit.NewArchiveSink(cfg.Audit.Archive, logger)
		if err != nil {
			return err
		}
		defer func() { _ = archive.Close() }()
		sinks = append(sinks, archive)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHub(*cfg, secret,
		server.WithLogger(logger),
		server.WithAuditSink(sinks),
		server.WithMetrics(server.NewMetrics(registry)),
	)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- hub.Serve(ctx, listener) }()

	gatewayErr := make(chan error, 1)
	gateway := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(hub, registry))
	if cfg.HTTPAddr != "" {
		go func() { gatewayErr <- server.StartServer(gateway, logger) }()
	}

	if cfg.Discovery.Enabled {
		advertiser := discovery.NewAdvertiser(cfg.Discovery.Interface)
		instance := cfg.Discovery.Instance
		if instance == "" {
			host, _ := os.Hostname()
			instance = "gorelay-" + host
		}
		port := listener.Addr().(*net.TCPAddr).Port
		txt := map[string]string{"id": uuid.NewString(), "http": cfg.HTTPAddr}
		if err := advertiser.Advertise(instance, port, txt); err != nil {
			logger.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			logger.Info("advertising relay", zap.String("instance", instance), zap.Int("port", port))
			defer advertiser.Stop()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
	case runErr = <-gatewayErr:
	}

	if cfg.HTTPAddr != "" {
		_ = server.ShutdownServer(gateway, cfg.ShutdownTimeout, logger)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}
	return runErr
}
