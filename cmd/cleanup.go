package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanshare/internal/transfer"
)

var olderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete abandoned .partial files under the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		age := cfg.PartialCleanupAge
		if cmd.Flags().Changed("older-than") {
			age = olderThan
		}
		removed, err := transfer.CleanupPartials(cfg.OutputRoot, age)
		for _, p := range removed {
			fmt.Println("removed", p)
		}
		if err != nil {
			return err
		}
		logger.Info("cleanup finished", zap.Int("removed", len(removed)), zap.Duration("older_than", age))
		if len(removed) == 0 {
			fmt.Println(dimStyle.Render("nothing to remove"))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 0, "only remove partials untouched for this long (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}
