package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imalyk/go-asset-pipeline/internal/app"
	"github.com/imalyk/go-asset-pipeline/internal/config"
	"github.com/imalyk/go-asset-pipeline/internal/logging"
)

type runFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger, roles []string) error

func runRoles(ctx context.Context, cfg *config.Config, logger *slog.Logger, roles []string) error {
	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	logger.Info("starting worker", "roles", strings.Join(roles, ","))
	return pipeline.Run(ctx, roles...)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(runRoles)
}

func newRootCommandWith(run runFunc) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "worker",
		Short:         "Asset pipeline background workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path (defaults to $PIPELINE_CONFIG)")

	start := func(roles ...string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = os.Getenv("PIPELINE_CONFIG")
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			logger := logging.New(cmd.OutOrStdout(), cfg.LogLevel, "")
			return run(cmd.Context(), cfg, logger, roles)
		}
	}

	descriptions := map[string]string{
		app.RoleIngest:   "Consume upload notifications and start pipeline runs",
		app.RoleExecutor: "Execute pipeline runs",
		app.RoleAdvancer: "Apply finish signals to asset records and publish completion events",
		app.RoleRelay:    "Forward completion events to the chat webhook",
		app.RoleBridge:   "Turn bucket notifications into upload notifications",
	}
	for _, role := range app.Roles() {
		root.AddCommand(&cobra.Command{
			Use:   role,
			Short: descriptions[role],
			Args:  cobra.NoArgs,
			RunE:  start(role),
		})
	}

	var only []string
	all := &cobra.Command{
		Use:   "all",
		Short: "Run every role in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := app.Roles()
			if len(only) > 0 {
				roles = only
			}
			return start(roles...)(cmd, args)
		},
	}
	all.Flags().StringSliceVar(&only, "roles", nil, "Subset of roles to run")
	root.AddCommand(all)

	return root
}
