package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control point daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(os.Stdout)
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg, logger)
	},
}

func runDaemon(parent context.Context, cfg *Config, logger *slog.Logger) error {
	logger.Info("binupnp-cp starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	instanceID, err := store.EnsureInstanceID(db)
	if err != nil {
		return err
	}
	recorder := store.NewRecorder(db, logger)
	if err := recorder.MarkAllOffline(); err != nil {
		logger.Warn("mark devices offline", "err", err)
	}

	netMgr, err := transport.NewManager(cfg.transportConfig(), logger)
	if err != nil {
		return fmt.Errorf("open sockets: %w", err)
	}
	defer netMgr.Close()

	events := controlpoint.NewEventBus(logger)
	defer recorder.Attach(events)()
	cp := controlpoint.New(cfg.controlPointConfig(), netMgr, events, db, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribers attach before the first search so they see every device.
	auto, autoWebOpts := initAutomation(cp, cfg, logger)
	defer auto.Stop()
	mqtt := initMQTT(cp, cfg, instanceID, logger)
	defer mqtt.Stop()

	webOpts := []web.ServerOption{
		web.WithStore(db),
		web.WithVersion(version),
		web.WithInstanceID(instanceID),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(cp, logger, append(webOpts, autoWebOpts...)...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	cp.Start(ctx)
	defer cp.Stop()
	logger.Info("control point started", "instance", instanceID, "bundles", len(netMgr.Bundles()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("goodbye")
	return err
}
