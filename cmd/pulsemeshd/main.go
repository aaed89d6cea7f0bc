// Package main is the CLI entrypoint for a PulseMesh node. It provides
// subcommands for running the node (serve) and printing version information
// (version). The serve command loads configuration, wires the transport,
// proximity, and persistence layers and the federation coordinator, starts
// the optional status/metrics HTTP endpoint, and handles graceful shutdown
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/config"
	"github.com/pulsemesh/pulsemesh/internal/consent"
	"github.com/pulsemesh/pulsemesh/internal/federation"
	"github.com/pulsemesh/pulsemesh/internal/localgen"
	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/observability"
	"github.com/pulsemesh/pulsemesh/internal/persistence"
	"github.com/pulsemesh/pulsemesh/internal/presence"
	"github.com/pulsemesh/pulsemesh/internal/proximity"
	"github.com/pulsemesh/pulsemesh/internal/signing"
	"github.com/pulsemesh/pulsemesh/internal/statusapi"
	"github.com/pulsemesh/pulsemesh/internal/transport"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pulsemeshd — offline-first federated presence mesh")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pulsemeshd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the PulseMesh node")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  pulsemesh.toml (or set PULSEMESH_CONFIG_PATH)")
	fmt.Println("  Env prefix:   PULSEMESH_ (e.g. PULSEMESH_TRANSPORT_BACKEND)")
}

func runVersion() {
	fmt.Printf("pulsemeshd %s (%s)\n", version, commit)
}

func configPath() string {
	if v := os.Getenv("PULSEMESH_CONFIG_PATH"); v != "" {
		return v
	}
	return "pulsemesh.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// runServe wires every layer named in spec.md §4 and starts the node.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting pulsemeshd", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	if cfg.Instance.NodeID == "" {
		cfg.Instance.NodeID = models.NewID()
		logger.Info("generated node_id", slog.String("node_id", cfg.Instance.NodeID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics observability.Metrics = observability.Noop{}
	var registry *observability.Registry
	if cfg.Metrics.Enabled {
		registry = observability.NewRegistry()
		metrics = registry
	}

	fft := codec.NewFFT(128)
	wire := codec.NewWire([]byte(cfg.Transport.EncryptionKey))

	signer, err := signing.NewEd25519Signer(cfg.Instance.NodeID)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	consentPolicy := consent.NewThresholdConsent(0.8, 0.5)

	backend, err := buildTransportBackend(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("building transport backend: %w", err)
	}

	transportLayer := transport.New(
		transport.Config{NodeID: cfg.Instance.NodeID, NodeName: cfg.Instance.Name},
		backend, wire, fft, signer, consentPolicy, metrics,
	)

	advertiseInterval, err := cfg.Proximity.AdvertiseIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing proximity advertise_interval: %w", err)
	}
	scanInterval, err := cfg.Proximity.ScanIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing proximity scan_interval: %w", err)
	}
	proximityLayer := proximity.New(
		proximity.Config{
			NodeID:            cfg.Instance.NodeID,
			NodeName:          cfg.Instance.Name,
			AdvertiseInterval: advertiseInterval,
			ScanInterval:      scanInterval,
		},
		proximity.NewLoopbackBus(0).NewBackend(cfg.Instance.NodeID),
		fft,
	)

	cache, err := presence.NewCache[models.Record](cfg.Cache.URL, "pulsemesh:record:", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("creating record cache: %w", err)
	}

	store, err := persistence.New(
		persistence.Config{BasePath: cfg.Persistence.BasePath, NodeID: cfg.Instance.NodeID, NodeName: cfg.Instance.Name},
		signer, consentPolicy, cache,
	)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer store.Close()

	if cfg.Storage.Enabled {
		mirror, err := persistence.NewMinioMirror(ctx, persistence.MinioMirrorConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Warn("minio mirror unavailable, persisting to local disk only", slog.String("error", err.Error()))
		} else {
			store.WithMirror(mirror, func(err error) {
				logger.Warn("minio mirror write failed", slog.String("error", err.Error()))
			})
			logger.Info("minio mirror ready", slog.String("endpoint", cfg.Storage.Endpoint))
		}
	}

	broadcastInterval, err := cfg.Coordinator.BroadcastIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing coordinator broadcast_interval: %w", err)
	}

	node := federation.New(federation.Config{
		NodeID:            cfg.Instance.NodeID,
		NodeName:          cfg.Instance.Name,
		Kind:              "node",
		Layers:            []models.Layer{models.LayerWiFiMesh, models.LayerBLEProximity},
		BroadcastInterval: broadcastInterval,
		Transport:         transportLayer,
		Proximity:         proximityLayer,
		Persistence:       store,
		Generator:         localgen.NewEcho(cfg.Instance.NodeID),
		FFT:               fft,
		Signer:            signer,
		Logger:            logger,
	})

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("starting federation node: %w", err)
	}
	logger.Info("federation node started", slog.String("node_id", cfg.Instance.NodeID))

	var statusSrv *statusapi.Server
	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		statusSrv = statusapi.NewServer(cfg.Metrics.Listen, node, registry, logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := node.Close(); err != nil {
		logger.Error("federation node shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("pulsemeshd stopped")
	return nil
}

// buildTransportBackend selects the configured Backend implementation, per
// spec.md §6's backend in {broker, websocket, udp}.
func buildTransportBackend(cfg config.TransportConfig, logger *slog.Logger) (transport.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "broker":
		addr := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
		return transport.NewNATSBackend(addr, logger), nil
	case "websocket":
		var dial []string
		if cfg.Host != "" {
			dial = []string{fmt.Sprintf("ws://%s:%d", cfg.Host, cfg.Port)}
		}
		listen := fmt.Sprintf(":%d", cfg.Port)
		return transport.NewWSBackend(listen, dial), nil
	case "udp":
		broadcastAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		return transport.NewUDPBackend(broadcastAddr, cfg.Port), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q (want broker, websocket, or udp)", cfg.Backend)
	}
}
