package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/goodtune/pac-agent/internal/metrics"
	"github.com/goodtune/pac-agent/internal/proxy"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local HTTP proxy that routes each request by the PAC script",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "proxy listen address (default :3128)")
	cmd.Flags().String("metrics", "", "metrics endpoint address (default :9128)")
	cmd.Flags().Bool("syslog", false, "log to syslog")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}

	metrics.Register()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Load the PAC file up front so a broken source is reported at startup.
	if err := a.Reload(ctx); err != nil {
		return err
	}
	logger.Info("PAC file loaded", "source", a.Source())

	proxyServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           proxy.NewHandler(a, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Server.Metrics != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Server.Metrics,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					logger.Info("SIGHUP received, reloading PAC file")
					if err := a.Reload(ctx); err != nil {
						logger.Error("PAC reload failed", "error", err)
					} else {
						logger.Info("PAC file reloaded", "source", a.Source())
					}
				case syscall.SIGTERM, syscall.SIGINT:
					logger.Info("shutdown signal received", "signal", sig.String())
					cancel()
				}
			}
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Server.Metrics)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy server starting", "addr", cfg.Server.Listen)
		if err := proxyServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("proxy server error", "error", err)
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	proxyServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	a.CloseIdleConnections()
	logger.Info("shutdown complete")
	return nil
}
