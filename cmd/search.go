package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <tenant> <selfie>...",
	Short: "Find the photos a person appears in",
	Long: `Detect the faces in one or more selfies and list the photos that contain them.

Without --collection every collection of the tenant is searched.

Examples:
  # Search one collection
  face-finder search acme me.jpg --collection wedding

  # Search all collections with a stricter threshold
  face-finder search acme me.jpg me2.jpg --threshold 0.7

  # Check cached results against the current folder listing
  face-finder search acme me.jpg --collection wedding --dir ./photos/wedding`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	addSourceFlags(searchCmd)
	searchCmd.Flags().String("collection", "", "Collection to search (empty = all collections)")
	searchCmd.Flags().Float64("threshold", 0, "Minimum similarity between 0 and 1 (default from DEFAULT_THRESHOLD)")
	searchCmd.Flags().Int("limit", 0, "Maximum number of photos to list (0 = no limit)")
	searchCmd.Flags().Bool("json", false, "Print the response as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	tenant, paths := args[0], args[1:]
	ctx := context.Background()

	images, err := finder.LoadImages(paths)
	if err != nil {
		return err
	}

	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	req := finder.SearchRequest{
		Tenant:     tenant,
		Collection: mustGetString(cmd, "collection"),
		Images:     images,
		Limit:      mustGetInt(cmd, "limit"),
	}
	if cmd.Flags().Changed("threshold") {
		t := mustGetFloat64(cmd, "threshold")
		req.Threshold = &t
	}

	spec, ok, err := sourceSpecFromFlags(cmd, os.Getenv("SOURCE_TOKEN"))
	if err != nil {
		return err
	}
	if ok {
		if req.Source, err = f.OpenSource(spec); err != nil {
			return fmt.Errorf("failed to open source: %w", err)
		}
	}

	resp, err := f.Search(ctx, req)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printSearchResponse(resp)
	return nil
}

func printSearchResponse(resp *finder.SearchResponse) {
	if resp.FacesDetected == 0 {
		fmt.Println("No faces detected in the query images.")
		return
	}

	scope := resp.Tenant + "/" + resp.Collection
	if resp.Collection == "" {
		scope = fmt.Sprintf("%s (%d collections)", resp.Tenant, len(resp.Collections))
	}
	cached := ""
	if resp.Cached {
		cached = " (cached)"
	}
	fmt.Printf("Query faces: %d, threshold: %.2f, scope: %s%s\n", resp.FacesDetected, resp.Threshold, scope, cached)
	for _, c := range resp.SkippedScopes {
		fmt.Printf("Warning: collection %s skipped, its index is unreadable\n", c)
	}

	if len(resp.Results) == 0 {
		fmt.Println("No matching photos found.")
		return
	}

	fmt.Printf("\nFound %d photos", resp.MatchCount)
	if len(resp.Results) < resp.MatchCount {
		fmt.Printf(" (showing %d)", len(resp.Results))
	}
	fmt.Println(":")
	fmt.Printf("%-12s %-20s %s\n", "SIMILARITY", "COLLECTION", "FILE")
	for _, r := range resp.Results {
		fmt.Printf("%-12.3f %-20s %s\n", r.Similarity, r.CollectionID, r.Filename)
	}
}
