package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <tenant> <collection>",
	Short: "Detect and index the faces of a collection",
	Long: `Detect faces in every photo of a collection and add them to the tenant's index.

The run can be interrupted and resumed - photos already indexed are skipped,
and an unchanged folder is not processed again at all.

Examples:
  # Index a local directory
  face-finder ingest acme wedding --dir ./photos/wedding

  # Index a folder of an HTTP file listing service
  face-finder ingest acme wedding --url https://files.example.com --folder 1a2b3c

  # Re-process everything, ignoring the folder cache
  face-finder ingest acme wedding --dir ./photos/wedding --force`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	addSourceFlags(ingestCmd)
	ingestCmd.Flags().Bool("force", false, "Ignore the folder cache and re-process indexed photos")
	ingestCmd.Flags().Bool("record-partial", false, "Remember the folder even when some photos failed")
	ingestCmd.Flags().Bool("persist-every-batch", false, "Save the index after every batch")
	ingestCmd.Flags().Bool("show-errors", true, "List the photos that failed")
}

func runIngest(cmd *cobra.Command, args []string) error {
	tenant, collection := args[0], args[1]

	spec, ok, err := sourceSpecFromFlags(cmd, os.Getenv("SOURCE_TOKEN"))
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("a source is required: use --dir or --url")
	}

	// Ctrl+C stops scheduling new photos; photos in flight finish and the index is saved.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, _, closeFn, err := openFinder(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	src, err := f.OpenSource(spec)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}

	fmt.Printf("Ingesting %s/%s (%d workers, batches of %d)...\n",
		tenant, collection, f.Config().Ingest.Workers, f.Config().Ingest.BatchSize)

	var bar *progressbar.ProgressBar
	result, err := f.Ingest(ctx, tenant, collection, src, ingest.Options{
		Force:             mustGetBool(cmd, "force"),
		RecordPartial:     mustGetBool(cmd, "record-partial"),
		PersistEveryBatch: mustGetBool(cmd, "persist-every-batch"),
		Progress: func(ev ingest.Event) {
			if bar == nil {
				bar = progressbar.NewOptions(ev.Total,
					progressbar.OptionSetDescription("Detecting faces"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("photos"),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetPredictTime(true),
					progressbar.OptionFullWidth(),
				)
			}
			_ = bar.Set(ev.Done)
		},
	})
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printIngestResult(result, mustGetBool(cmd, "show-errors"))
	if result.State == ingest.RunCancelled {
		return errors.New("ingestion interrupted")
	}
	return nil
}

func printIngestResult(r *ingest.Result, showErrors bool) {
	if r.State == ingest.RunUnchanged {
		fmt.Printf("Folder unchanged since the last run (%d photos), nothing to do.\n", r.Total)
		return
	}

	fmt.Printf("\n%s: %d photos, %d processed, %d skipped, %d failed\n",
		r.State, r.Total, r.Processed, r.Skipped, r.Failed)
	fmt.Printf("Faces detected: %d, indexed: %d, duplicates: %d\n",
		r.FacesDetected, r.FacesInserted, r.Duplicates)
	fmt.Printf("Duration: %s\n", r.Duration.Round(10*time.Millisecond))

	if !showErrors || len(r.Errors) == 0 {
		return
	}
	fmt.Println("\nErrors:")
	for _, e := range r.Errors {
		fmt.Printf("  %s [%s/%s]: %s\n", e.Name, e.Stage, e.Kind, e.Error)
	}
}
