// Package main is the entry point for the exoneum core node.
// It opens the ledger, serves the ABCI application to Tendermint, optionally
// manages the tendermint process, and exposes the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/abci"
	"exoneum.core/exc/internal/api"
	"exoneum.core/exc/internal/config"
	"exoneum.core/exc/internal/discovery"
	"exoneum.core/exc/internal/docs"
	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/tendermint"
	"exoneum.core/exc/internal/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default $CONFIG_FILE or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	log, ring, closer, err := logger.New(logger.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		File:     cfg.LogFile,
		RingSize: cfg.LogRingSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}
	defer closer.Close()

	if err := run(cfg, log, ring); err != nil {
		log.WithError(err).Error("Node exited")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger, ring *logger.Ring) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entry := logrus.NewEntry(log)
	entry.WithFields(logrus.Fields{
		"version": types.Version,
		"service": types.ServiceName,
	}).Info("exoneum node starting")

	if err := os.MkdirAll(filepath.Dir(cfg.DBFile), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := storage.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store, err := ledger.Open(ctx, db, entry)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	entry.WithField("height", store.Snapshot().Height()).Info("Ledger loaded")

	if err := ensurePortAvailable(cfg.APIAddr); err != nil {
		return fmt.Errorf("API address %s unavailable: %w", cfg.APIAddr, err)
	}

	sender, err := tendermint.NewBroadcastClient(cfg.TendermintRPC)
	if err != nil {
		return err
	}

	opts := api.Options{
		Ledger:     store,
		Sender:     sender,
		Backups:    db,
		Ring:       ring,
		Docs:       docs.NewService(cfg.DocsDir),
		Log:        entry,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		MaxBackups: cfg.MaxBackups,
	}
	if cfg.Discovery {
		peers, err := startDiscovery(ctx, cfg.APIAddr, entry)
		if err != nil {
			return err
		}
		defer peers.Stop()
		opts.Peers = peers
	}

	svc := api.NewService(opts)
	defer svc.Close()

	app := abci.NewApplication(store, entry)
	app.OnCommit(svc.PublishCommit)

	abciServer, err := tendermint.NewABCIServer(app, &tendermint.Config{
		TendermintHome: cfg.TendermintHome,
		SocketAddress:  cfg.ABCIAddr,
	}, entry)
	if err != nil {
		return err
	}
	if err := abciServer.Start(); err != nil {
		return err
	}
	defer abciServer.Stop()
	entry.WithField("addr", cfg.ABCIAddr).Info("ABCI server listening")

	errCh := make(chan error, 2)

	if cfg.RunTendermint {
		out := entry.WithField("component", "tendermint").WriterLevel(logrus.InfoLevel)
		defer out.Close()

		if err := tendermint.InitTendermint(ctx, cfg.TendermintHome, out); err != nil {
			return err
		}
		cmd := tendermint.NodeCommand(ctx, cfg.TendermintHome, cfg.ABCIAddr, out)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start tendermint: %w", err)
		}
		entry.WithField("pid", cmd.Process.Pid).Info("Tendermint started")
		go func() {
			errCh <- fmt.Errorf("tendermint exited: %w", cmd.Wait())
		}()
	}

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server: %w", err)
		}
	}()
	entry.WithField("addr", cfg.APIAddr).Info("API server listening")

	if cfg.BackupInterval > 0 {
		go runBackups(ctx, db, cfg.BackupInterval, cfg.MaxBackups, entry)
	}

	var runErr error
	select {
	case <-ctx.Done():
		entry.Info("Shutting down...")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("API server shutdown")
	}
	return runErr
}

// startDiscovery announces the API port over mDNS and browses for other
// nodes.
func startDiscovery(ctx context.Context, apiAddr string, log *logrus.Entry) (*discovery.Service, error) {
	_, portStr, err := net.SplitHostPort(apiAddr)
	if err != nil {
		return nil, fmt.Errorf("API address %s: %w", apiAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("API port %q: %w", portStr, err)
	}

	svc, err := discovery.NewService("", log)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx, port); err != nil {
		return nil, err
	}
	return svc, nil
}

// runBackups writes a database backup every interval until ctx ends.
func runBackups(ctx context.Context, db *storage.Store, interval time.Duration, maxBackups int, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := db.BackupCurrent(maxBackups)
			if err != nil {
				log.WithError(err).Warn("Periodic backup failed")
				continue
			}
			log.WithField("path", path).Debug("Periodic backup written")
		}
	}
}

func ensurePortAvailable(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
