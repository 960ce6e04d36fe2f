package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/canopy/client"
	"github.com/jacentio/canopy/internal/config"
	"github.com/jacentio/canopy/tree"
)

var clientFlags = map[string]string{
	"client.server":    "server",
	"client.transport": "transport",
}

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("server", "http://localhost:8080", "canopy server base URL")
	flags.String("transport", config.TransportHTTP, "stream transport: http or ws")
}

func newSource(cfg config.ClientConfig) client.Source {
	if cfg.Transport == config.TransportWebSocket {
		return client.NewWebSocketSource(cfg.Server, http.DefaultClient, nil)
	}
	return client.NewHTTPSource(cfg.Server, http.DefaultClient)
}

func newWatchCommand(v *viper.Viper, opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror the server's items and print the tree on every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := map[string]string{
				"client.max_retries": "max-retries",
				"client.resync":      "resync",
			}
			maps.Copy(keys, clientFlags)
			if err := bind(v, cmd.Flags(), keys); err != nil {
				return err
			}
			cfg, logger, err := load(v, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cfg.Client, newSource(cfg.Client), cmd.OutOrStdout(), logger)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Int("max-retries", 3, "reconnect attempts before giving up")
	cmd.Flags().Bool("resync", false, "re-fetch the snapshot after every reconnect")
	return cmd
}

// watch prints the tree after the snapshot and after every change until ctx
// is canceled or the synchronizer gives up.
func watch(ctx context.Context, cfg config.ClientConfig, src client.Source, out io.Writer, logger *slog.Logger) error {
	syncCfg := client.DefaultConfig()
	syncCfg.MaxRetries = cfg.MaxRetries
	syncCfg.RetryDelay = cfg.RetryDelay
	syncCfg.ResyncOnReconnect = cfg.Resync
	syncCfg.Logger = logger
	changes := make(chan struct{}, 1)
	syncCfg.OnChange = func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	syncer := client.New(src, syncCfg)
	if err := syncer.Start(ctx); err != nil {
		return err
	}
	defer syncer.Close()

	render := func() {
		fmt.Fprintln(out, "---")
		if err := tree.Fprint(out, syncer.Tree()); err != nil {
			logger.Warn("failed to print tree", "error", err)
		}
	}
	render()

	for {
		select {
		case <-changes:
			render()
		case <-syncer.Done():
			if err := syncer.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
