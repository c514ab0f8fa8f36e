// Command chunkforge converts a collection of irregular NetCDF sources
// into one chunked, analysis-ready array store, driven by a declarative
// recipe configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/chunkforge/chunkforge/internal/config"
)

// Version is the release version, set at build time.
var Version = "dev"

var (
	configFile string

	// Config holds the loaded run configuration.
	Config *config.Configuration

	logger *slog.Logger
)

// rootCmd is the main command.
var rootCmd = &cobra.Command{
	Use:   "chunkforge",
	Short: "Combine many NetCDF files into one chunked array store.",
	Long: `ChunkForge executes a declarative recipe: a file pattern naming the
source files, how they combine (concatenation or variable merge), and the
target chunking. The run is resumable; re-running skips completed work.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return startup(configFile)
	},
}

// startup loads the configuration and builds the logger.
func startup(path string) error {
	var err error
	Config, err = config.LoadFromFile(path)
	if err != nil {
		return err
	}
	Config.LoadFromEnv()
	if err := Config.Validate(); err != nil {
		return err
	}
	logger = newLogger(Config.Logging)
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of ChunkForge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chunkforge v%s\n", Version)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./chunkforge.yaml",
		"recipe configuration file location")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
