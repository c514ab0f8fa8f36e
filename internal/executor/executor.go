// Package executor orchestrates a recipe run: enumerate inputs, cache and
// scan them, prepare the target schema, write every planned chunk, and
// finalize. The lifecycle is a state machine with two hard barriers: all
// inputs must be cached and scanned before the target is prepared, and
// all chunks must be stored before the target is finalized.
//
// The unit-of-work methods CacheInput and StoreChunk are idempotent and
// scoped to disjoint resources, so any external driver may invoke them
// from parallel workers and a cancelled run can always be resumed by
// re-submitting the outstanding keys.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkforge/chunkforge/internal/cache"
	"github.com/chunkforge/chunkforge/internal/dataset"
	"github.com/chunkforge/chunkforge/internal/pattern"
	"github.com/chunkforge/chunkforge/internal/planner"
	"github.com/chunkforge/chunkforge/internal/target"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/retry"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// State is one lifecycle state of a recipe run.
type State string

const (
	StateCreated        State = "Created"
	StateInputsCached   State = "InputsCached"
	StateTargetPrepared State = "TargetPrepared"
	StateChunksWritten  State = "ChunksWritten"
	StateFinalized      State = "Finalized"
)

var stateRank = map[State]int{
	StateCreated:        0,
	StateInputsCached:   1,
	StateTargetPrepared: 2,
	StateChunksWritten:  3,
	StateFinalized:      4,
}

// Recipe wires together everything one run needs. Pattern, Opener,
// Inputs, Store and ChunkSizes are required; Meta is required when the
// pattern needs a metadata scan.
type Recipe struct {
	Pattern    *pattern.FilePattern
	Opener     types.Opener
	Inputs     *cache.InputCache
	Meta       *cache.MetadataCache
	Store      *target.Store
	Transform  dataset.Transform
	ChunkSizes map[string]int
	Retry      retry.Config
	Observer   types.Observer
}

// Executor runs one recipe instance.
type Executor struct {
	recipe    Recipe
	concatDim string
	retryer   *retry.Retryer
	observer  types.Observer
	decoded   *cache.DatasetCache

	mu     sync.Mutex
	state  State
	plan   *planner.Plan
	schema *types.Schema

	stats types.RunStats
}

// New validates the recipe and creates an executor in the Created state.
func New(r Recipe) (*Executor, error) {
	if r.Pattern == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "recipe needs a file pattern")
	}
	if r.Opener == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "recipe needs a source opener")
	}
	if r.Inputs == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "recipe needs an input cache")
	}
	if r.Store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "recipe needs a target store")
	}
	if len(r.ChunkSizes) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "recipe needs target chunk sizes")
	}
	concat := r.Pattern.ConcatDims()
	if len(concat) != 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"recipe needs exactly one concat dimension, pattern has %d", len(concat))
	}
	if r.Pattern.NeedsScan() && r.Meta == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig,
			"pattern sizes are undeclared, recipe needs a metadata cache")
	}
	if r.Transform == nil {
		r.Transform = dataset.Identity
	}
	if r.Observer == nil {
		r.Observer = types.NopObserver{}
	}

	e := &Executor{
		recipe:    r,
		concatDim: concat[0].Name,
		observer:  r.Observer,
		decoded:   cache.NewDatasetCache(32),
		state:     StateCreated,
	}
	e.retryer = retry.New(r.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		e.observer.OnRetry("unit", attempt, err, delay)
	})
	return e, nil
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the run's counters.
func (e *Executor) Stats() types.RunStats {
	return types.RunStats{
		InputsCached:  atomic.LoadInt64(&e.stats.InputsCached),
		InputsScanned: atomic.LoadInt64(&e.stats.InputsScanned),
		ChunksStored:  atomic.LoadInt64(&e.stats.ChunksStored),
		BytesFetched:  atomic.LoadInt64(&e.stats.BytesFetched),
		BytesWritten:  atomic.LoadInt64(&e.stats.BytesWritten),
	}
}

func (e *Executor) setState(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if from != to {
		e.observer.OnStateChange(string(from), string(to))
	}
}

// requireState fails unless the current state is at least min.
func (e *Executor) requireState(min State, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stateRank[e.state] < stateRank[min] {
		return errors.Newf(errors.ErrCodeInvalidState,
			"%s requires state %s, run is in %s", op, min, e.state).WithOperation(op)
	}
	return nil
}

// IterInputs enumerates every InputKey of the pattern. The sequence is
// finite, restartable and identical across calls and processes.
func (e *Executor) IterInputs() []types.InputKey {
	return e.recipe.Pattern.Keys()
}

// CacheInput fetches one input into the cache and, when the pattern needs
// size discovery, scans its structure. Both steps are idempotent, so the
// call is safe to repeat and safe to run for different keys in parallel.
func (e *Executor) CacheInput(ctx context.Context, key types.InputKey) error {
	source, err := e.recipe.Pattern.PathFor(key)
	if err != nil {
		return err
	}

	var size int64
	var reused bool
	start := time.Now()
	err = e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var ferr error
		size, reused, ferr = e.recipe.Inputs.Fetch(ctx, key, source, e.recipe.Opener)
		return ferr
	})
	if err != nil {
		return err
	}
	if !reused {
		atomic.AddInt64(&e.stats.InputsCached, 1)
		atomic.AddInt64(&e.stats.BytesFetched, size)
	}
	e.observer.OnInputCached(key, size, time.Since(start), reused)

	if !e.recipe.Pattern.NeedsScan() {
		return nil
	}
	if e.recipe.Meta.Has(key) {
		return nil
	}
	f, err := e.recipe.Inputs.Open(key)
	if err != nil {
		return err
	}
	defer f.Close()
	meta, err := e.recipe.Meta.Scan(key, f, size, e.concatDim)
	if err != nil {
		return err
	}
	atomic.AddInt64(&e.stats.InputsScanned, 1)
	e.observer.OnInputScanned(key, *meta)
	return nil
}

// outstandingInputs lists keys not yet cached, or cached but not yet
// scanned when a scan is required.
func (e *Executor) outstandingInputs() []types.InputKey {
	var out []types.InputKey
	needScan := e.recipe.Pattern.NeedsScan()
	for _, key := range e.IterInputs() {
		if !e.recipe.Inputs.Has(key) || (needScan && !e.recipe.Meta.Has(key)) {
			out = append(out, key)
		}
	}
	return out
}

// MarkInputsCached checks the first barrier: every input cached and, when
// required, scanned. On success the run advances to InputsCached.
func (e *Executor) MarkInputsCached() error {
	if outstanding := e.outstandingInputs(); len(outstanding) > 0 {
		return errors.Newf(errors.ErrCodeScanIncomplete,
			"%d inputs not yet cached and scanned", len(outstanding)).
			WithInputKey(outstanding[0].String())
	}
	if e.State() == StateCreated {
		e.setState(StateInputsCached)
	}
	return nil
}

// PrepareTarget plans the chunk layout, derives the target schema from a
// representative input passed through the transform, and writes the
// schema. It is the single-shot coordination point between caching and
// chunk writing; re-running it overwrites the schema and discards the
// association with previously written chunk data.
func (e *Executor) PrepareTarget(ctx context.Context) error {
	if err := e.requireState(StateInputsCached, "prepare_target"); err != nil {
		return err
	}

	var meta planner.MetaGetter
	if e.recipe.Meta != nil {
		meta = e.recipe.Meta
	}
	plan, err := planner.New(e.recipe.Pattern, meta).Plan(e.recipe.ChunkSizes)
	if err != nil {
		return err
	}

	// A representative slab: all merge keys of the first concat key.
	rep, err := e.combineSlice(planner.InputSlice{
		Keys: plan.Chunks[0].Inputs[0].Keys,
	}, false)
	if err != nil {
		return err
	}

	schema, err := e.deriveSchema(rep, plan)
	if err != nil {
		return err
	}
	if err := e.recipe.Store.CreateSchema(ctx, schema); err != nil {
		return err
	}

	// Variables not carrying the concat axis (coordinates, constants)
	// are complete in the representative input and written here, once.
	for name, v := range schema.Variables {
		if hasDim(v.Dims, e.concatDim) {
			continue
		}
		if err := e.recipe.Store.WriteChunk(ctx, name, nil, rep.Vars[name].Data); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.plan = plan
	e.schema = schema
	e.mu.Unlock()
	e.setState(StateTargetPrepared)
	return nil
}

// deriveSchema turns the representative dataset and the plan into the
// target schema. Every variable carrying the concat axis must carry it
// as its first dimension.
func (e *Executor) deriveSchema(rep *dataset.Dataset, plan *planner.Plan) (*types.Schema, error) {
	schema := &types.Schema{
		Variables: make(map[string]types.VariableSchema, len(rep.Vars)),
		Attrs:     rep.Attrs,
	}
	for _, name := range rep.VarNames() {
		v := rep.Vars[name]
		shape := append([]int(nil), v.Data.Shape...)
		chunks := append([]int(nil), v.Data.Shape...)
		if i := indexOfDim(v.Dims, e.concatDim); i >= 0 {
			if i != 0 {
				return nil, errors.Newf(errors.ErrCodeSchemaMismatch,
					"variable %q carries %q at axis %d, must be outermost",
					name, e.concatDim, i)
			}
			shape[0] = plan.TotalLen
			chunks[0] = plan.ChunkLen
		}
		schema.Variables[name] = types.VariableSchema{
			Dims:   v.Dims,
			DType:  "<f8",
			Shape:  shape,
			Chunks: chunks,
			Attrs:  v.Attrs,
		}
	}
	return schema, nil
}

// openInput returns the decoded, transformed dataset for one input,
// reusing the decoded-dataset cache when the same input feeds several
// chunks. Cached datasets are shared and treated as read-only.
func (e *Executor) openInput(key types.InputKey) (*dataset.Dataset, error) {
	if ds := e.decoded.Get(key); ds != nil {
		return ds, nil
	}
	f, err := e.recipe.Inputs.Open(key)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.Open(f)
	f.Close()
	if err != nil {
		return nil, attributeInput(err, key)
	}
	ds, err = e.recipe.Transform(ds)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSchemaMismatch, "transform failed", err).
			WithInputKey(key.String())
	}
	e.decoded.Put(key, ds)
	return ds, nil
}

// combineSlice opens every merge key of one input slice, merges them,
// and optionally slices the concat range.
func (e *Executor) combineSlice(slice planner.InputSlice, doSlice bool) (*dataset.Dataset, error) {
	parts := make([]*dataset.Dataset, 0, len(slice.Keys))
	for _, key := range slice.Keys {
		ds, err := e.openInput(key)
		if err != nil {
			return nil, err
		}
		parts = append(parts, ds)
	}
	merged, err := dataset.Merge(parts)
	if err != nil {
		return nil, err
	}
	if doSlice {
		return merged.Isel(e.concatDim, slice.InputStart, slice.InputStop)
	}
	return merged, nil
}

// IterChunks enumerates every planned ChunkKey. Chunks may be stored in
// any order or in parallel; every permutation yields the same store.
func (e *Executor) IterChunks() ([]types.ChunkKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return nil, errors.New(errors.ErrCodeInvalidState,
			"no chunk plan: prepare_target has not run").WithOperation("iter_chunks")
	}
	keys := make([]types.ChunkKey, len(e.plan.Chunks))
	for i, c := range e.plan.Chunks {
		keys[i] = c.Key
	}
	return keys, nil
}

// StoreChunk builds one chunk's slab from its cached inputs and writes it
// at the chunk's offset. Writing the same ChunkKey twice produces the
// same bytes, so a retry after a worker crash is safe; the schema is
// never touched.
func (e *Executor) StoreChunk(ctx context.Context, key types.ChunkKey) error {
	if err := e.requireState(StateTargetPrepared, "store_chunk"); err != nil {
		return err
	}
	e.mu.Lock()
	plan, schema := e.plan, e.schema
	e.mu.Unlock()

	spec, ok := plan.Chunk(key)
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidState, "chunk not in plan").
			WithChunkKey(key.String()).WithOperation("store_chunk")
	}

	start := time.Now()
	slabs := make([]*dataset.Dataset, 0, len(spec.Inputs))
	for _, slice := range spec.Inputs {
		ds, err := e.combineSlice(slice, true)
		if err != nil {
			return attributeChunk(err, key)
		}
		slabs = append(slabs, ds)
	}
	combined, err := dataset.Concat(slabs, e.concatDim)
	if err != nil {
		return attributeChunk(err, key)
	}

	// The transform must not have changed the variable set fixed at
	// prepare time.
	for _, name := range combined.VarNames() {
		if _, ok := schema.Variables[name]; !ok {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"variable %q not in target schema", name).WithChunkKey(key.String())
		}
	}

	elements := 0
	for name, v := range schema.Variables {
		if !hasDim(v.Dims, e.concatDim) {
			continue
		}
		cv, ok := combined.Vars[name]
		if !ok {
			return errors.Newf(errors.ErrCodeSchemaMismatch,
				"chunk inputs missing variable %q", name).WithChunkKey(key.String())
		}
		err := e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return e.recipe.Store.WriteChunk(ctx, name, key, cv.Data)
		})
		if err != nil {
			return attributeChunk(err, key)
		}
		elements += len(cv.Data.Elements)
	}

	atomic.AddInt64(&e.stats.ChunksStored, 1)
	atomic.AddInt64(&e.stats.BytesWritten, int64(8*elements))
	e.observer.OnChunkStored(key, elements, time.Since(start))
	return nil
}

// outstandingChunks lists planned chunks whose payloads are not yet fully
// present for every chunked variable.
func (e *Executor) outstandingChunks(ctx context.Context) ([]types.ChunkKey, error) {
	e.mu.Lock()
	plan, schema := e.plan, e.schema
	e.mu.Unlock()
	if plan == nil {
		return nil, errors.New(errors.ErrCodeInvalidState,
			"no chunk plan: prepare_target has not run")
	}

	var out []types.ChunkKey
	for _, c := range plan.Chunks {
		complete := true
		for name, v := range schema.Variables {
			if !hasDim(v.Dims, e.concatDim) {
				continue
			}
			ok, err := e.recipe.Store.HasChunk(ctx, name, c.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				complete = false
				break
			}
		}
		if !complete {
			out = append(out, c.Key)
		}
	}
	return out, nil
}

// MarkChunksWritten checks the second barrier: every planned chunk fully
// stored. On success the run advances to ChunksWritten.
func (e *Executor) MarkChunksWritten(ctx context.Context) error {
	if err := e.requireState(StateTargetPrepared, "mark_chunks_written"); err != nil {
		return err
	}
	outstanding, err := e.outstandingChunks(ctx)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return errors.Newf(errors.ErrCodeInvalidState,
			"%d chunks not yet stored", len(outstanding)).
			WithChunkKey(outstanding[0].String())
	}
	if e.State() == StateTargetPrepared {
		e.setState(StateChunksWritten)
	}
	return nil
}

// FinalizeTarget consolidates the store's metadata for fast re-open and
// moves the run to Finalized. Idempotent; a failed attempt is repaired by
// re-running it.
func (e *Executor) FinalizeTarget(ctx context.Context) error {
	if err := e.requireState(StateChunksWritten, "finalize_target"); err != nil {
		return err
	}
	if err := e.recipe.Store.Consolidate(ctx); err != nil {
		return err
	}
	e.setState(StateFinalized)
	return nil
}

// Outstanding reports the inputs and chunks a resumed run still has to
// materialize. Before prepare_target only inputs are reported.
func (e *Executor) Outstanding(ctx context.Context) (inputs []types.InputKey, chunks []types.ChunkKey, err error) {
	inputs = e.outstandingInputs()
	e.mu.Lock()
	planned := e.plan != nil
	e.mu.Unlock()
	if planned {
		chunks, err = e.outstandingChunks(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	return inputs, chunks, nil
}

func hasDim(dims []string, dim string) bool {
	return indexOfDim(dims, dim) >= 0
}

func indexOfDim(dims []string, dim string) int {
	for i, d := range dims {
		if d == dim {
			return i
		}
	}
	return -1
}

func attributeInput(err error, key types.InputKey) error {
	if re, ok := err.(*errors.RecipeError); ok && re.InputKey == "" {
		return re.WithInputKey(key.String())
	}
	return err
}

func attributeChunk(err error, key types.ChunkKey) error {
	if re, ok := err.(*errors.RecipeError); ok && re.ChunkKey == "" {
		return re.WithChunkKey(key.String())
	}
	return err
}
