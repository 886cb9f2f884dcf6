package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer/login"
	"github.com/SatadalSengupta/zeek-fractal/internal/capture"
	"github.com/SatadalSengupta/zeek-fractal/internal/config"
	"github.com/SatadalSengupta/zeek-fractal/internal/flow"
	"github.com/SatadalSengupta/zeek-fractal/internal/metrics"
	"github.com/SatadalSengupta/zeek-fractal/internal/server"
	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "zeek-fractal"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("interface", cfg.Capture.Interface),
		slog.String("file", cfg.Capture.File),
		slog.String("bpf", cfg.Capture.BPF),
		slog.Int("max_buffered_bytes", cfg.Ident.MaxBufferedBytes),
		slog.Int("match_window_bytes", cfg.Ident.MatchWindowBytes),
		slog.Int("signatures", len(cfg.Signatures)),
		slog.Int("port_mappings", len(cfg.Ports)),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Compile signature rules into the matching engine.
	engine, err := sig.NewEngine(cfg.Signatures, cfg.Ident.MatchWindowBytes, logger)
	if err != nil {
		logger.Error("Failed to compile signatures", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Signature engine initialized",
		slog.Int("rules", len(cfg.Signatures)),
	)

	registry := analyzer.NewRegistry()
	registry.Register(login.Tag, login.Factory(logger, func(ev login.Event) {
		logger.Info("Login event",
			slog.String("kind", ev.Kind.String()),
			slog.String("username", ev.Username),
		)
	}))

	ports := make([]flow.PortRule, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports = append(ports, flow.PortRule{
			Port:  uint16(p.Port),
			Proto: flow.Proto(p.Proto),
			Tag:   analyzer.Tag(p.Analyzer),
		})
	}

	flowMgr := flow.NewManager(logger, appMetrics, flow.ManagerConfig{
		Engine:           engine,
		Registry:         registry,
		MaxBufferedBytes: cfg.Ident.MaxBufferedBytes,
		Timeout:          cfg.Flows.GetTimeoutDuration(),
		MaxFlows:         cfg.Flows.MaxFlows,
		Ports:            ports,
	})
	logger.Info("Flow manager initialized",
		slog.Duration("flow_timeout", cfg.Flows.GetTimeoutDuration()),
		slog.Int("max_flows", cfg.Flows.MaxFlows),
	)

	pktCapture := capture.NewCapture(cfg.Capture, logger, appMetrics, flowMgr)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, flowMgr, pktCapture, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := pktCapture.Start(); err != nil {
		logger.Error("Failed to start capture", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case s := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", s.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	pktCapture.Stop()
	flowMgr.Stop()

	stats := pktCapture.GetStatistics()
	logger.Info("Final capture statistics",
		slog.Uint64("packets_seen", stats.PacketsSeen),
		slog.Uint64("packets_routed", stats.PacketsRouted),
		slog.Uint64("decode_errors", stats.DecodeErrors),
		slog.Uint64("tcp_segments", stats.TCPSegments),
		slog.Uint64("udp_datagrams", stats.UDPDatagrams),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
