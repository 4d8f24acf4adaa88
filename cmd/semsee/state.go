package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/semsee/semsee/internal/config"
	"github.com/semsee/semsee/internal/feed"
	"github.com/semsee/semsee/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the ingest cursor, subscriptions, and archived effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		height, hash, ok, err := store.GetCursor(ctx, feed.DefaultCursorID)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, "cursor: height=%d hash=%s\n", height, hash)
		} else {
			fmt.Fprintln(out, "cursor: none (fresh database)")
		}

		subCount, err := store.CountSubscriptions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "subscriptions: %d\n", subCount)

		counts, err := store.CountEffectsByStatus(ctx)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Fprintln(out, "effects: none")
			return nil
		}
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		fmt.Fprint(out, "effects:")
		for _, status := range statuses {
			fmt.Fprintf(out, " %s=%d", status, counts[status])
		}
		fmt.Fprintln(out)
		return nil
	},
}
