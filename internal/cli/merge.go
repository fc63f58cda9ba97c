package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/datahub/pkg/models"
)

var (
	mergeSource string
	mergeTarget string
	mergeUser   string
	mergeDryRun bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <company|contact>",
	Short: "Merge a duplicate record into the record that is kept",
	Long: `Merge moves everything that references --source to --target, fills empty
fields on the target where configured and archives the source. Use --dry-run
to print the preview (what would move and whether the merge is allowed)
without writing.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

var planCmd = &cobra.Command{
	Use:   "plan <company|contact>",
	Short: "Count the objects that reference a record and would be moved",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <company|contact>",
	Short: "Revert the latest merge of --source",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(mergeCmd, planCmd, rollbackCmd)

	for _, cmd := range []*cobra.Command{mergeCmd, planCmd, rollbackCmd} {
		cmd.Flags().StringVar(&mergeSource, "source", "", "ID of the duplicate record")
		_ = cmd.MarkFlagRequired("source")
	}
	for _, cmd := range []*cobra.Command{mergeCmd, rollbackCmd} {
		cmd.Flags().StringVar(&mergeUser, "user", "", "Adviser ID recorded as the actor")
	}

	mergeCmd.Flags().StringVar(&mergeTarget, "target", "", "ID of the record that is kept")
	_ = mergeCmd.MarkFlagRequired("target")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "Print the preview without merging")
}

// withEngine starts the dependencies, runs fn and stops them again.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a := newApp(cfg, logger, appOptions{})
	if err := a.start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Failed to stop dependencies cleanly")
		}
	}()

	return fn(ctx, a)
}

func runMerge(cmd *cobra.Command, args []string) error {
	entityType, err := models.ParseEntityType(args[0])
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, a *app) error {
		if mergeDryRun {
			preview, err := a.engine.Preview(ctx, entityType, mergeSource, mergeTarget)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), preview)
		}

		result, err := a.engine.Merge(ctx, entityType, mergeSource, mergeTarget, mergeUser)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), mergeOutput{
			EntityType: entityType,
			SourceID:   mergeSource,
			TargetID:   mergeTarget,
			Result:     result,
			Summary:    a.engine.Registry().Summary(entityType, *result),
		})
	})
}

func runPlan(cmd *cobra.Command, args []string) error {
	entityType, err := models.ParseEntityType(args[0])
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, a *app) error {
		plan, err := a.engine.Plan(ctx, entityType, mergeSource)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), plan)
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	entityType, err := models.ParseEntityType(args[0])
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, a *app) error {
		if err := a.engine.Rollback(ctx, entityType, mergeSource, mergeUser); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "rolled back the latest merge of %s %s\n", entityType, mergeSource)
		return err
	})
}

type mergeOutput struct {
	EntityType models.EntityType   `json:"entity_type"`
	SourceID   string              `json:"source_id"`
	TargetID   string              `json:"target_id"`
	Result     *models.MergeResult `json:"result"`
	Summary    []string            `json:"summary"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
