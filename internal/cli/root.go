// Package cli implements the canopy command line: serve, watch and tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacentio/canopy/internal/config"
)

type rootOpts struct {
	cfgFile string
}

// NewRootCommand builds the canopy command tree. Flags override CANOPY_*
// environment variables, which override the config file.
func NewRootCommand() *cobra.Command {
	opts := &rootOpts{}
	v := config.New()

	root := &cobra.Command{
		Use:           "canopy",
		Short:         "Live-synchronized item tree server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")
	if err := bind(v, root.PersistentFlags(), map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	}); err != nil {
		panic(err)
	}

	root.AddCommand(
		newServeCommand(v, opts),
		newWatchCommand(v, opts),
		newTreeCommand(v, opts),
	)
	return root
}

// bind maps config keys to the running command's flags so an explicitly set
// flag wins. Commands share keys, so binding happens at run time.
func bind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// load resolves the configuration and builds the logger for a command.
func load(v *viper.Viper, opts *rootOpts, stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v, opts.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}
