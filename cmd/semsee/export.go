package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semsee/semsee/internal/config"
	"github.com/semsee/semsee/internal/storage"
)

var (
	flagExportStrategy string
	flagExportLimit    int
)

func init() {
	exportCmd.Flags().StringVar(&flagExportStrategy, "strategy", "", "Filter effects by strategy id")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 0, "Cap the number of exported effects (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export {subscriptions|effects}",
	Short: "Dump subscriptions or archived effects as JSON",
	Args:  cobra.ExactArgs(1),
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

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		switch args[0] {
		case "subscriptions":
			subs, err := store.Subscriptions(ctx)
			if err != nil {
				return err
			}
			return enc.Encode(subs)
		case "effects":
			effects, err := store.ListEffects(ctx, flagExportStrategy, flagExportLimit)
			if err != nil {
				return err
			}
			return enc.Encode(effects)
		default:
			return fmt.Errorf("unknown export target %q (want subscriptions or effects)", args[0])
		}
	},
}
