package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long:  `Commands for inspecting and clearing the folder, search and content caches.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats <tenant>",
	Short: "Show cache statistics of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <tenant> [collection]",
	Short: "Clear cached data of a tenant or one collection",
	Long: `Clear cached data of a tenant or one of its collections.

Without flags the search and folder caches are cleared. --index also drops
the face index itself, so the next ingestion starts from scratch.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCacheClear,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove old downloads from the content cache",
	Args:  cobra.NoArgs,
	RunE:  runCacheEvict,
}

var cachePushCmd = &cobra.Command{
	Use:   "push <tenant> <collection>",
	Short: "Mirror a collection's faces into PostgreSQL",
	Long: `Copy every face record of a collection into the face_records table
(pgvector) so it can be queried with SQL. Requires DATABASE_URL.`,
	Args: cobra.ExactArgs(2),
	RunE: runCachePush,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheEvictCmd, cachePushCmd)

	cacheStatsCmd.Flags().Bool("json", false, "Print statistics as JSON")

	cacheClearCmd.Flags().Bool("search", false, "Clear cached search results")
	cacheClearCmd.Flags().Bool("folder", false, "Clear remembered folder listings")
	cacheClearCmd.Flags().Bool("index", false, "Drop the face index (implies --search and --folder)")

	cacheEvictCmd.Flags().Int("max-age-days", 0, "Evict entries older than this (default CONTENT_CACHE_MAX_AGE_DAYS)")
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := f.CacheStats(ctx, args[0])
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Search cache:  %d collections, %d matches, %s\n",
		stats.CachedCollections, stats.TotalMatchesCached, formatBytes(stats.CacheSize))
	fmt.Printf("Folder cache:  %d folders, %d files, %s\n",
		stats.Folders.CachedFolders, stats.Folders.TotalFiles, formatBytes(stats.Folders.TotalBytes))
	fmt.Printf("Content cache: %d files, %s in %s\n",
		stats.Content.Entries, formatBytes(stats.Content.TotalBytes), stats.Content.Dir)

	if len(stats.Partitions) == 0 {
		fmt.Println("\nNo indexed collections.")
		return nil
	}
	fmt.Printf("\n%-24s %8s %6s %10s  %s\n", "COLLECTION", "FACES", "DIM", "PHOTOS", "SAVED")
	for _, p := range stats.Partitions {
		saved := "-"
		if !p.SavedAt.IsZero() {
			saved = p.SavedAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%-24s %8d %6d %10d  %s\n", p.Collection, p.FaceCount, p.Dim, p.References, saved)
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	tenant := args[0]
	collection := ""
	if len(args) == 2 {
		collection = args[1]
	}
	opts := finder.ClearOptions{
		Search: mustGetBool(cmd, "search"),
		Folder: mustGetBool(cmd, "folder"),
		Index:  mustGetBool(cmd, "index"),
	}
	if !opts.Search && !opts.Folder && !opts.Index {
		opts.Search, opts.Folder = true, true
	}

	ctx := context.Background()
	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := f.ClearCaches(ctx, tenant, collection, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d search entries, %d folder entries, %d index partitions\n",
		res.SearchEntries, res.FolderEntries, res.Partitions)
	return nil
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	maxAge := time.Duration(mustGetInt(cmd, "max-age-days")) * 24 * time.Hour
	n, err := f.EvictContent(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Evicted %d content cache entries\n", n)
	return nil
}

func runCachePush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Println("Connecting to PostgreSQL...")
	n, err := f.Push(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	fmt.Printf("Pushed %d faces of %s/%s\n", n, args[0], args[1])
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
