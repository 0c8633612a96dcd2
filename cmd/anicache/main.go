package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-anime-cache/health"
	"github.com/saiset-co/sai-anime-cache/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "anicache",
		Short:         "Caching and request coordination layer for the anime dashboard.",
		Version:       health.BuildString(),
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd(), newConfigCmd())
	for _, cmd := range newAdminCmds(newAdminClient()) {
		root.AddCommand(cmd)
	}

	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve [-c config_file]",
		Short: "Start the cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.NewService(context.Background(), configPath)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return svc.Start()
		},
		DisableFlagsInUseLine: true,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yml", "config file")

	return cmd
}
