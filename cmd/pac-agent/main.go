package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/goodtune/pac-agent/internal/agent"
	"github.com/goodtune/pac-agent/internal/config"
	"github.com/goodtune/pac-agent/internal/logging"
	"github.com/goodtune/pac-agent/internal/pac"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pac-agent",
		Short:         "Route outbound connections with a PAC script",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML configuration file")
	root.PersistentFlags().String("pac", "", "PAC source: URI, file path or literal script (env PAC_FILE)")
	root.PersistentFlags().String("engine", "", "PAC engine: goja or otto")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newServeCmd(), newResolveCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.PAC.Source == "" {
		return nil, fmt.Errorf("no PAC source: set --pac, pac.source or PAC_FILE")
	}
	return cfg, nil
}

// newLogger prefers syslog when configured and falls back to w.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	if cfg.Log.Syslog {
		logger, err := logging.NewSyslogLogger(cfg.Log.Level)
		if err == nil {
			return logger, nil
		}
		fallback, ferr := logging.New(cfg.Log.Level, cfg.Log.Format, w)
		if ferr != nil {
			return nil, ferr
		}
		fallback.Warn("syslog unavailable, logging to stderr", "error", err)
		return fallback, nil
	}
	return logging.New(cfg.Log.Level, cfg.Log.Format, w)
}

func newDialer(cfg *config.Config) *net.Dialer {
	return &net.Dialer{Timeout: cfg.Proxy.DialTimeout, KeepAlive: agent.DefaultKeepAlive}
}

func newAgent(cfg *config.Config, logger *slog.Logger) (*agent.Agent, error) {
	engine, err := pac.NewEngine(cfg.PAC.Engine)
	if err != nil {
		return nil, err
	}
	return agent.New(cfg.PAC.Source, agent.Options{
		Engine:          engine,
		Charset:         cfg.PAC.Charset,
		FetchTimeout:    cfg.PAC.FetchTimeout,
		RefreshInterval: cfg.PAC.RefreshInterval,
		ExecTimeout:     cfg.PAC.ExecTimeout,
		TLSConfig:       cfg.TLSConfig(),
		ProxyHeader:     cfg.ProxyHeader(),
		Dialer:          newDialer(cfg),
		Logger:          logger,
	})
}
