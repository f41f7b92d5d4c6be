package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TiagoJoseMS/script-manager/internal/scripts"
	"github.com/TiagoJoseMS/script-manager/internal/web"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the scripts directory and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup(cmd)
			if err != nil {
				return err
			}
			logger.Info("script-manager starting", "version", version, "scripts_dir", cfg.ScriptsDir, "locale", cfg.Locale)

			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if *cfg.Watch.Enabled {
				err := a.svc.StartWatching(scripts.WatcherOptions{
					Debounce:     cfg.debounce,
					PollInterval: cfg.pollInterval,
					Logger:       logger,
				})
				if err != nil {
					logger.Warn("directory watch unavailable, polling instead", "err", err)
				}
			}

			var webOpts []web.ServerOption
			if cfg.Web.APIKey != "" {
				webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
			}
			if len(cfg.Web.AllowedOrigins) > 0 {
				webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
			}
			webOpts = append(webOpts, web.WithVersion(version))
			webServer := web.NewServer(a.svc, a.bus, logger, webOpts...)

			httpServer := &http.Server{
				Addr:              cfg.Web.Listen,
				Handler:           webServer,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("web server starting", "addr", cfg.Web.Listen)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			// Start MQTT bridge (no-op when built with no_mqtt tag).
			mqtt := initMQTT(a, cfg, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case runErr = <-serveErr:
				logger.Error("http server", "err", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			mqtt.Stop()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown", "err", err)
			}
			webServer.Stop()

			logger.Info("goodbye")
			return runErr
		},
	}
}
