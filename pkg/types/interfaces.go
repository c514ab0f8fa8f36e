package types

import (
	"context"
	"io"
	"time"
)

// Backend is the byte-oriented object store behind the input cache and the
// target store. Implementations must be safe for concurrent use.
type Backend interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	ListObjects(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)
}

// Opener is the byte-transport collaborator used to read source files.
// The source identifier is whatever the file pattern's path function
// produces (a local path, an s3:// URL, ...).
type Opener interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Observer receives progress callbacks from the executor. It replaces any
// process-wide logger: callers inject an implementation (a slog adapter, a
// metrics collector, or NopObserver) and the engine stays silent otherwise.
// Implementations must be safe for concurrent use.
type Observer interface {
	// OnStateChange fires when the executor transitions between
	// lifecycle states.
	OnStateChange(from, to string)
	// OnInputCached fires after an input is fetched into the cache, or
	// found already present (reused=true).
	OnInputCached(key InputKey, size int64, elapsed time.Duration, reused bool)
	// OnInputScanned fires after an input's structural metadata is
	// recorded.
	OnInputScanned(key InputKey, meta InputMetadata)
	// OnChunkStored fires after a chunk slab is written to the target.
	OnChunkStored(key ChunkKey, elements int, elapsed time.Duration)
	// OnRetry fires before a retry of a failed unit of work.
	OnRetry(op string, attempt int, err error, delay time.Duration)
}

// NopObserver is an Observer that discards every callback.
type NopObserver struct{}

func (NopObserver) OnStateChange(from, to string)                                       {}
func (NopObserver) OnInputCached(key InputKey, size int64, d time.Duration, reused bool) {}
func (NopObserver) OnInputScanned(key InputKey, meta InputMetadata)                     {}
func (NopObserver) OnChunkStored(key ChunkKey, elements int, d time.Duration)           {}
func (NopObserver) OnRetry(op string, attempt int, err error, delay time.Duration)      {}
