package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCommand().Execute(); err != nil {
		slog.Error("lending-engine failed", "err", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "lending-engine",
		Short:         "Pooled lending ledger with collateralized loans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LENDING_CONFIG"), "path to the TOML config file")

	root.AddCommand(serveCommand(&configPath), migrateCommand(&configPath))
	return root
}
