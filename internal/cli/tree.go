package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/canopy/client"
	"github.com/jacentio/canopy/tree"
)

func newTreeCommand(v *viper.Viper, opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the server's current item tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bind(v, cmd.Flags(), clientFlags); err != nil {
				return err
			}
			cfg, _, err := load(v, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return printTree(cmd.Context(), newSource(cfg.Client), cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printTree(ctx context.Context, src client.Source, out io.Writer) error {
	items, err := src.Snapshot(ctx)
	if err != nil {
		return err
	}
	return tree.Fprint(out, tree.Build(items))
}
