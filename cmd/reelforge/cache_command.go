package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reelforge/internal/scenecache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the scene cache",
	}

	var jsonOutput bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarise cached scene segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cache, err := scenecache.Open(cfg.Paths.CacheDir, ctx.loggerFor(cfg))
			if err != nil {
				return err
			}
			st, err := cache.Stats()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Root", "Entries", "Size", "Orphans"},
				[][]string{{st.Root, fmt.Sprintf("%d", st.Entries), humanBytes(st.TotalBytes), fmt.Sprintf("%d", st.Orphans)}},
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	stats.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON output")
	cacheCmd.AddCommand(stats)
	return cacheCmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
