package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chunkforge/chunkforge/internal/cache"
	"github.com/chunkforge/chunkforge/internal/config"
	"github.com/chunkforge/chunkforge/internal/executor"
	"github.com/chunkforge/chunkforge/internal/metrics"
	"github.com/chunkforge/chunkforge/internal/pattern"
	"github.com/chunkforge/chunkforge/internal/planner"
	"github.com/chunkforge/chunkforge/internal/storage/local"
	"github.com/chunkforge/chunkforge/internal/storage/s3"
	"github.com/chunkforge/chunkforge/internal/target"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/types"
)

var parallelism int

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)

	runCmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0,
		"concurrent units of work; overrides the configured value")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the recipe end to end",
	Long: `Run the recipe through its full lifecycle: cache and scan every input,
prepare the target store, write every chunk and finalize. A run interrupted
at any point resumes where it left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, Config.Run.Timeout)
		defer cancel()

		observer := types.Observer(&logObserver{log: logger})
		if Config.Metrics.Enabled {
			collector := metrics.NewCollector()
			go func() {
				if err := collector.Serve(Config.Metrics.Address); err != nil {
					logger.Warn("metrics endpoint stopped", "error", err)
				}
			}()
			defer collector.Shutdown(context.Background())
			observer = multiObserver{&logObserver{log: logger}, collector}
		}

		exec, err := buildExecutor(ctx, Config, observer)
		if err != nil {
			return err
		}

		workers := Config.Run.Parallelism
		if parallelism > 0 {
			workers = parallelism
		}
		logger.Info("starting run", "parallelism", workers)
		if err := exec.Run(ctx, workers); err != nil {
			return err
		}

		stats := exec.Stats()
		logger.Info("run complete",
			"inputs_cached", stats.InputsCached,
			"inputs_scanned", stats.InputsScanned,
			"chunks_stored", stats.ChunksStored,
			"bytes_fetched", stats.BytesFetched,
			"bytes_written", stats.BytesWritten)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the chunk plan without writing anything",
	Long: `Compute and print how the target array will be partitioned into
chunks. When input sizes are undeclared, the plan needs the metadata cache
populated by a previous run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPattern(Config)
		if err != nil {
			return err
		}
		meta, err := cache.NewMetadataCache(afero.NewOsFs(), filepath.Join(Config.Cache.Dir, "meta"))
		if err != nil {
			return err
		}
		plan, err := planner.New(p, meta).Plan(Config.Recipe.ChunkSizes)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeScanIncomplete {
				return errors.Wrap(errors.ErrCodeScanIncomplete,
					"input sizes are undeclared; run the recipe once to populate the metadata cache", err)
			}
			return err
		}

		fmt.Printf("concat dimension: %s\n", plan.ConcatDim)
		fmt.Printf("total length:     %d\n", plan.TotalLen)
		fmt.Printf("chunk length:     %d\n", plan.ChunkLen)
		fmt.Printf("chunks:           %d\n", plan.NumChunks())
		for _, c := range plan.Chunks {
			fmt.Printf("  chunk %-6s [%d, %d) from %d input slices\n",
				c.Key.String(), c.Start, c.Stop, len(c.Inputs))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report what a resumed run still has to do",
	Long: `Probe the caches and the target store without writing anything:
which inputs are not yet cached and, once the target schema exists, which
planned chunks are not yet fully stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := buildPattern(Config)
		if err != nil {
			return err
		}
		fs := afero.NewOsFs()
		inputs, err := cache.NewInputCache(fs, filepath.Join(Config.Cache.Dir, "inputs"))
		if err != nil {
			return err
		}
		meta, err := cache.NewMetadataCache(fs, filepath.Join(Config.Cache.Dir, "meta"))
		if err != nil {
			return err
		}

		var outstanding []types.InputKey
		for _, k := range p.Keys() {
			if !inputs.Has(k) {
				outstanding = append(outstanding, k)
			}
		}
		total := p.NumInputs()
		fmt.Printf("inputs: %d of %d cached\n", total-len(outstanding), total)
		for _, k := range outstanding {
			fmt.Printf("  outstanding: %s\n", k.String())
		}
		if len(outstanding) > 0 {
			return nil
		}

		backend, err := buildBackend(ctx, Config, fs)
		if err != nil {
			return err
		}
		store := target.NewStore(backend)
		schema, err := store.Schema(ctx)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeInvalidState {
				fmt.Println("target: not prepared")
				return nil
			}
			return err
		}

		plan, err := planner.New(p, meta).Plan(Config.Recipe.ChunkSizes)
		if err != nil {
			return err
		}
		var missing []types.ChunkKey
		for _, c := range plan.Chunks {
			complete := true
			for name, v := range schema.Variables {
				if !chunkedAlong(v.Dims, plan.ConcatDim) {
					continue
				}
				ok, err := store.HasChunk(ctx, name, c.Key)
				if err != nil {
					return err
				}
				if !ok {
					complete = false
					break
				}
			}
			if !complete {
				missing = append(missing, c.Key)
			}
		}
		fmt.Printf("chunks: %d of %d stored\n", plan.NumChunks()-len(missing), plan.NumChunks())
		for _, k := range missing {
			fmt.Printf("  outstanding: %s\n", k.String())
		}
		return nil
	},
}

func chunkedAlong(dims []string, dim string) bool {
	for _, d := range dims {
		if d == dim {
			return true
		}
	}
	return false
}

// buildPattern constructs the file pattern from the recipe configuration.
func buildPattern(cfg *config.Configuration) (*pattern.FilePattern, error) {
	return pattern.New(cfg.PathFunc(), cfg.Recipe.Dimensions...)
}

// buildExecutor wires the configured collaborators into an executor.
func buildExecutor(ctx context.Context, cfg *config.Configuration, observer types.Observer) (*executor.Executor, error) {
	p, err := buildPattern(cfg)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	inputs, err := cache.NewInputCache(fs, filepath.Join(cfg.Cache.Dir, "inputs"))
	if err != nil {
		return nil, err
	}
	meta, err := cache.NewMetadataCache(fs, filepath.Join(cfg.Cache.Dir, "meta"))
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(ctx, cfg, fs)
	if err != nil {
		return nil, err
	}

	opener, err := buildOpener(ctx, cfg, fs)
	if err != nil {
		return nil, err
	}

	return executor.New(executor.Recipe{
		Pattern:    p,
		Opener:     opener,
		Inputs:     inputs,
		Meta:       meta,
		Store:      target.NewStore(backend),
		ChunkSizes: cfg.Recipe.ChunkSizes,
		Retry:      cfg.Retry,
		Observer:   observer,
	})
}

// buildBackend constructs the configured target object store backend.
func buildBackend(ctx context.Context, cfg *config.Configuration, fs afero.Fs) (types.Backend, error) {
	if cfg.Target.Backend == "s3" {
		return s3.NewBackend(ctx, cfg.Target.Bucket, cfg.Target.Prefix, cfg.Target.S3)
	}
	return local.NewBackend(fs, cfg.Target.Dir)
}

// buildOpener picks the source transport from the path template scheme.
// Templates addressing "s3://bucket/..." read through an S3 client using
// the target's credentials; anything else reads the local filesystem.
func buildOpener(ctx context.Context, cfg *config.Configuration, fs afero.Fs) (types.Opener, error) {
	template := cfg.Recipe.PathTemplate
	if !strings.HasPrefix(template, "s3://") {
		return local.NewOpener(fs), nil
	}
	trimmed := strings.TrimPrefix(template, "s3://")
	i := strings.Index(trimmed, "/")
	if i <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"cannot determine source bucket from template %q", template)
	}
	return s3.NewBackend(ctx, trimmed[:i], "", cfg.Target.S3)
}

// logObserver reports run progress through the structured logger.
type logObserver struct {
	log *slog.Logger
}

func (o *logObserver) OnStateChange(from, to string) {
	o.log.Info("state change", "from", from, "to", to)
}

func (o *logObserver) OnInputCached(key types.InputKey, size int64, elapsed time.Duration, reused bool) {
	if reused {
		o.log.Debug("input reused", "key", key.String(), "bytes", size)
		return
	}
	o.log.Info("input cached", "key", key.String(), "bytes", size, "elapsed", elapsed)
}

func (o *logObserver) OnInputScanned(key types.InputKey, meta types.InputMetadata) {
	o.log.Debug("input scanned", "key", key.String(), "concat_len", meta.ConcatLen)
}

func (o *logObserver) OnChunkStored(key types.ChunkKey, elements int, elapsed time.Duration) {
	o.log.Info("chunk stored", "key", key.String(), "elements", elements, "elapsed", elapsed)
}

func (o *logObserver) OnRetry(op string, attempt int, err error, delay time.Duration) {
	o.log.Warn("retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
}

// multiObserver fans callbacks out to several observers.
type multiObserver []types.Observer

func (m multiObserver) OnStateChange(from, to string) {
	for _, o := range m {
		o.OnStateChange(from, to)
	}
}

func (m multiObserver) OnInputCached(key types.InputKey, size int64, elapsed time.Duration, reused bool) {
	for _, o := range m {
		o.OnInputCached(key, size, elapsed, reused)
	}
}

func (m multiObserver) OnInputScanned(key types.InputKey, meta types.InputMetadata) {
	for _, o := range m {
		o.OnInputScanned(key, meta)
	}
}

func (m multiObserver) OnChunkStored(key types.ChunkKey, elements int, elapsed time.Duration) {
	for _, o := range m {
		o.OnChunkStored(key, elements, elapsed)
	}
}

func (m multiObserver) OnRetry(op string, attempt int, err error, delay time.Duration) {
	for _, o := range m {
		o.OnRetry(op, attempt, err, delay)
	}
}
