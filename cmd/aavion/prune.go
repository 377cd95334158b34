package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/aaviondb/aaviondb/internal/scope"
)

var (
	flagPruneOlder  string
	flagPruneKeep   int
	flagPruneDryRun bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune [brain]",
	Short: "Prune old backups",
	Long: `Prune old backups of a brain.

--older-than accepts natural language ("two weeks ago", "3 days ago") as
well as a plain number of days.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := runtimeUp()
		if err != nil {
			return err
		}
		defer rt.Close()

		days, err := olderThanDays(flagPruneOlder)
		if err != nil {
			return err
		}
		params := map[string]any{
			"keep":            flagPruneKeep,
			"older-than-days": days,
			"dry-run":         flagPruneDryRun,
		}
		if len(args) == 1 {
			params["slug"] = args[0]
		}
		ctx := scope.WithScope(context.Background(), scope.Bootstrap())
		return printEnvelope(rt.Dispatcher.Dispatch(ctx, "backup prune", params))
	},
}

func init() {
	pruneCmd.Flags().StringVar(&flagPruneOlder, "older-than", "", `age threshold, e.g. "two weeks ago" or "14"`)
	pruneCmd.Flags().IntVar(&flagPruneKeep, "keep", 0, "always keep the newest N backups")
	pruneCmd.Flags().BoolVar(&flagPruneDryRun, "dry-run", false, "report without deleting")
	rootCmd.AddCommand(pruneCmd)
}

// olderThanDays turns the --older-than value into whole days.
func olderThanDays(spec string) (int, error) {
	if spec == "" {
		return 0, nil
	}
	var days int
	if _, err := fmt.Sscanf(spec, "%d", &days); err == nil && days > 0 {
		return days, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	now := time.Now()
	result, err := w.Parse(spec, now)
	if err != nil || result == nil {
		return 0, fmt.Errorf("cannot parse --older-than %q", spec)
	}
	age := now.Sub(result.Time)
	if age <= 0 {
		return 0, fmt.Errorf("--older-than %q is not in the past", spec)
	}
	return int(math.Ceil(age.Hours() / 24)), nil
}
