package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a := newApp(cfg, logger, appOptions{migrate: true})
		if err := a.start(cmd.Context()); err != nil {
			return err
		}
		return a.stop(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
