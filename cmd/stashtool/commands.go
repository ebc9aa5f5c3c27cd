package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/ourfiles/internal/config"
	"github.com/S0me0neR0man/ourfiles/internal/provider"
)

func newRootCmd(logger *zap.Logger) *cobra.Command {
	cfg := config.Default()
	root := &cobra.Command{
		Use:          "stashtool",
		Short:        "inspect an object store folder",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.ApplyEnv(os.LookupEnv)
		},
	}
	cfg.Bind(root.PersistentFlags())

	// withProvider opens the store in args[0] for the duration of fn.
	withProvider := func(cmd *cobra.Command, args []string, fn func(context.Context, *provider.Provider) error) error {
		cfg.Folder = args[0]
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Folder); err != nil {
			return errors.Wrapf(err, "store folder")
		}
		ctx := context.Background()
		p, err := provider.New(ctx, cfg.Options(), logger)
		if err != nil {
			return err
		}
		err = fn(ctx, p)
		return errors.CombineErrors(err, p.Close(ctx))
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "stats <folder>",
			Short: "print structural statistics of every collection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withProvider(cmd, args, func(ctx context.Context, p *provider.Provider) error {
					stats, err := p.Statistics(ctx)
					if err != nil {
						return err
					}
					for _, st := range stats {
						st.Render(cmd.OutOrStdout())
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "check <folder>",
			Short: "verify the structure of every collection and index",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withProvider(cmd, args, func(ctx context.Context, p *provider.Provider) error {
					if err := p.AssertConsistent(ctx); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d collections consistent\n", len(p.Collections()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "export <folder>",
			Short: "dump trees, indices and objects as text",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withProvider(cmd, args, func(ctx context.Context, p *provider.Provider) error {
					return p.ExportToTree(ctx, cmd.OutOrStdout())
				})
			},
		},
	)
	return root
}
