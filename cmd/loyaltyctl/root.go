package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loyaltyshop/internal/app"
	"loyaltyshop/internal/config"
	"loyaltyshop/internal/logging"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
)

// cli carries the application shared by every sub-command. app is built
// lazily in the persistent pre-run unless it was injected beforehand.
type cli struct {
	configFile string
	logLevel   string
	app        *app.App
	owned      bool
}

func newRootCmd() *cobra.Command {
	return (&cli{}).command()
}

func (c *cli) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loyaltyctl [sub-command]",
		Short: "Operate the LoyaltyShop loyalty core",
		Long: `loyaltyctl runs the loyalty maintenance jobs on demand: the expiry reaper,
  the order placement retry, review export re-sends and tier cache maintenance.
  It also issues customer-scoped cart tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
		DisableAutoGenTag:  true,
		SilenceUsage:       true,
	}

	cmd.PersistentFlags().StringVar(&c.configFile, flagConfig, "", `Path to a config file (yaml, json or env).`)
	cmd.PersistentFlags().StringVar(&c.logLevel, flagLogLevel, "warn", `Log level (debug, info, warn, error).`)

	cmd.AddCommand(c.reapCmd())
	cmd.AddCommand(c.syncReviewCmd())
	cmd.AddCommand(c.tierCmd())
	cmd.AddCommand(c.ordersCmd())
	cmd.AddCommand(c.customerTokenCmd())
	return cmd
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if c.app != nil || cmd.HasSubCommands() {
		return nil
	}
	cfg, err := config.LoadConfig(c.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(c.logLevel, cfg.Environment)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	c.app = a
	c.owned = true
	return nil
}

func (c *cli) teardown(cmd *cobra.Command, args []string) error {
	if !c.owned || c.app == nil {
		return nil
	}
	defer c.app.Logger.Sync() //nolint:errcheck
	if err := c.app.Close(); err != nil {
		c.app.Logger.Warn("error closing resources", zap.Error(err))
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
