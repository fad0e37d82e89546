package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/goodtune/pac-agent/internal/agent"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve URL...",
		Short: "Print the PAC result and selected route for each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolve,
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	for _, arg := range args {
		u, err := url.Parse(arg)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", arg, err)
		}
		req, err := agent.RequestFromURL(u)
		if err != nil {
			return err
		}
		rt, err := a.Route(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		fmt.Fprintf(out, "%s\t%q\t%s\n", rt.URL, rt.Result, rt.Directive)
	}
	return nil
}
