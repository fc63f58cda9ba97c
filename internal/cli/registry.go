package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/datahub/pkg/merging"
	"github.com/Ramsey-B/datahub/pkg/schema"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Print the merge configuration of every entity type as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := merging.DefaultRegistry(schema.DataHub())
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(registry.Describe()); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(registryCmd)
}
