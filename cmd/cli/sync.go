package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/orchestrator"
)

func newSyncCommand() *cobra.Command {
	var userID, providerName, start, end string

	cmd := &cobra.Command{
		Use:       "sync {activities|wellness|planned}",
		Short:     "Sync one entity type for a user",
		Example:   "  cli sync activities --user u1 --start 2026-10-01 --end 2026-10-07\n  cli sync wellness --user u1 --provider whoop",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(canonical.EntityActivities), string(canonical.EntityWellness), string(canonical.EntityPlanned)},
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := canonical.EntityType(args[0])
			w, err := parseWindow(start, end, time.Now())
			if err != nil {
				return err
			}

			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := cmd.Context()
			if providerName != "" {
				res, err := engine.Orchestrator.Sync(ctx, orchestrator.Request{
					UserID:   userID,
					Provider: canonical.Provider(providerName),
					Entity:   entity,
					Window:   w,
				})
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			}

			summary, err := engine.Orchestrator.SyncEntity(ctx, userID, entity, w.Start, w.End)
			if perr := printJSON(summary); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if summary.Outcome != orchestrator.OutcomeSuccess {
				return fmt.Errorf("sync finished with outcome %s", summary.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID to sync")
	cmd.Flags().StringVar(&providerName, "provider", "", "Limit the sync to one provider")
	cmd.Flags().StringVar(&start, "start", "", "First day (YYYY-MM-DD), default six days ago")
	cmd.Flags().StringVar(&end, "end", "", "Last day (YYYY-MM-DD), default today")
	cmd.MarkFlagRequired("user")
	return cmd
}
