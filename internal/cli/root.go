// Package cli is the datahub command line: the HTTP service plus one-off
// merge, plan and rollback commands run against the same database.
package cli

import (
	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/datahub/config"
	"github.com/Ramsey-B/datahub/pkg/logging"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "datahub",
	Short: "Merge duplicate Data Hub companies and contacts",
	Long: `datahub merges a duplicate company or contact into the record that is kept.
Everything that references the duplicate is moved to the kept record, the
duplicate is archived and the whole merge is recorded so it can be rolled back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file read before the environment")
}

func loadConfig() (*config.Config, ectologger.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
