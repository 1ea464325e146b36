package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"circuit/archive"
	"circuit/config"
	"circuit/core"
	"circuit/core/events"
	"circuit/native/xdns"
	"circuit/observability"
	"circuit/observability/logging"
	telemetry "circuit/observability/otel"
	"circuit/rpc"
	"circuit/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a YAML genesis file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("circuitd", cfg.Environment, cfg.Resolve(cfg.LogFile))

	if err := run(cfg, strings.TrimSpace(*genesisFlag)); err != nil {
		logger.Error("circuitd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, genesisPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	params, err := cfg.Runtime.Params()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return err
	}
	defer db.Close()

	node, err := core.OpenNode(db, params)
	if err != nil {
		return err
	}

	archiveDB, err := archive.Open(cfg.Archive.Driver, archiveDSN(cfg))
	if err != nil {
		return err
	}
	store := archive.NewStore(archiveDB)
	slog.Info("archive opened", "driver", cfg.Archive.Driver, "dsn", logging.MaskDSN(archiveDSN(cfg)))
	node.AddCommitHook(store)

	hub := rpc.NewHub()
	node.Runtime().SetEmitter(events.Multi{store, observability.Events(), hub})

	if node.Fresh() {
		if genesisPath == "" {
			genesisPath = cfg.Resolve(cfg.GenesisFile)
		}
		if genesisPath == "" {
			return errors.New("fresh state requires a genesis file (GenesisFile or -genesis)")
		}
		g, err := xdns.LoadGenesis(genesisPath)
		if err != nil {
			return err
		}
		if err := node.InitGenesis(ctx, g); err != nil {
			return err
		}
		slog.Info("genesis applied", "file", genesisPath, "gateways", len(g.Gateways), "attesters", len(g.Attesters))
	}

	opts := []rpc.Option{rpc.WithArchive(store), rpc.WithHub(hub)}
	if path := cfg.Resolve(cfg.RPC.IdempotencyDB); path != "" {
		idem, err := rpc.OpenIdempotencyStore(path)
		if err != nil {
			return err
		}
		defer idem.Close()
		opts = append(opts, rpc.WithIdempotency(idem))
	}
	server := rpc.NewServer(node.Runtime(), rpc.Config{
		JWTSecret:         cfg.RPC.JWTSecret,
		RootSubject:       cfg.RPC.RootSubject,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		ExportDir:         cfg.Resolve(cfg.Archive.ParquetDir),
	}, opts...)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("rpc listening", "addr", cfg.RPCAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- node.Run(ctx, time.Duration(cfg.BlockIntervalMs)*time.Millisecond)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn("rpc shutdown", "error", shutdownErr)
	}
	return err
}

// archiveDSN resolves a relative sqlite path against the data directory.
func archiveDSN(cfg *config.Config) string {
	dsn := cfg.Archive.DSN
	if cfg.Archive.Driver == "postgres" || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return cfg.Resolve(dsn)
}
