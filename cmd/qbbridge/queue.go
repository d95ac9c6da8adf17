package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/botpros-admin/qb-bitrix-connector/internal/database"

	"github.com/spf13/cobra"
)

func newFailedCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed change queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB(cmd, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.FailedChanges(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No failed changes.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENTITY\tREMOTE ID\tACTION\tFAILED AT\tERROR")
			for _, e := range entries {
				failedAt := ""
				if e.ProcessedAt != nil {
					failedAt = e.ProcessedAt.UTC().Format("2006-01-02 15:04:05")
				}
				msg := ""
				if e.ErrorMessage != nil {
					msg = strings.ReplaceAll(*e.ErrorMessage, "\n", " ")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.EntityType, e.RemoteID, e.Action, failedAt, msg)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to list")
	return cmd
}

func newRequeueCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id> [id...]",
		Short: "Move failed change queue entries back to pending",
		Long:  "Requeued entries are sent to QuickBooks on the next Web Connector run. Failed changes are never retried automatically.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid change id %q", a)
				}
				ids = append(ids, id)
			}

			_, db, err := openDB(cmd, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			var failed int
			for _, id := range ids {
				err := db.RequeueChange(cmd.Context(), id)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "Change %d requeued\n", id)
					continue
				case errors.Is(err, database.ErrNotFound):
					fmt.Fprintf(cmd.ErrOrStderr(), "Change %d not found\n", id)
				case errors.Is(err, database.ErrNotFailed):
					fmt.Fprintf(cmd.ErrOrStderr(), "Change %d is not failed\n", id)
				default:
					return err
				}
				failed++
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d changes were not requeued", failed, len(ids))
			}
			return nil
		},
	}
}
