package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/releasetrail/internal/cache"
	"github.com/ppiankov/releasetrail/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the snapshot lookup cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached snapshot lookup",
	Long: `Clear deletes the on-disk cache of snapshot index lookups so the next
run queries the archive again. The cache is cleared even when cache.enabled
is false.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		dir := cfg.Paths().Cache
		if err := clearCache(cfg.Cache, dir); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ cleared %s\n", dir)
		return nil
	},
}

func clearCache(cfg model.CacheConfig, dir string) error {
	return cache.NewLayeredCache(cfg.MemoryTTL, dir, cfg.DiskTTL).Clear()
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
