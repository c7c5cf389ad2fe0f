package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "face-finder",
	Short: "Find the photos a person appears in",
	Long: `Face Finder indexes the faces of photo collections and answers
"which photos am I in?" from one or more selfies.

Each tenant owns its collections; searches never cross tenants.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// newLogger returns a development logger with --verbose and a warn-level
// production logger otherwise, so progress output stays readable.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// openFinder loads configuration and builds the service. The returned
// function releases it.
func openFinder(ctx context.Context) (*finder.Finder, *zap.Logger, func(), error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	f, err := finder.New(ctx, config.Load(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := f.Close(); err != nil {
			logger.Warn("failed to close finder", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return f, logger, closeFn, nil
}
