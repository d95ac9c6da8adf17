package main

import (
	"fmt"
	"os"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/database"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "qbbridge",
		Short:         "QuickBooks Web Connector to Bitrix24 bridge",
		Long:          "qbbridge serves the QuickBooks Web Connector SOAP protocol and reconciles QuickBooks Desktop records with Bitrix24.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newFailedCmd(&configPath))
	cmd.AddCommand(newRequeueCmd(&configPath))
	cmd.AddCommand(newQWCCmd(&configPath))
	cmd.AddCommand(newRequestCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qbbridge %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// openDB loads the config and opens the database for one-shot admin commands.
func openDB(cmd *cobra.Command, configPath string) (*config.Config, *database.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel)
	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
