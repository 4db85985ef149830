package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/personaforge/personaforge/core"
)

// BatchingConfig controls request coalescing. EligibleTypes names the request
// types that may be batched; everything else bypasses the batcher.
type BatchingConfig struct {
	MaxBatchSize int
	BatchDelay   time.Duration
	Eligible     map[string]bool
}

// BatchOutcome is the per-item result of a batch execution, positionally
// matched to the submitted items.
type BatchOutcome struct {
	Value interface{}
	Err   error
}

// BatchExecutor runs one closed batch. Implementations must return exactly
// one outcome per item, in item order.
type BatchExecutor func(ctx context.Context, items []*RequestEnvelope) []BatchOutcome

// Batcher groups homogeneous requests (same provider and request type) into
// batches closed by whichever bound is hit first: size or deadline. Closing
// is idempotent; each batch executes exactly once.
type Batcher struct {
	mu       sync.Mutex
	config   func() BatchingConfig
	execute  BatchExecutor
	open     map[string]*openBatch
	shutdown bool

	baseCtx context.Context
	clock   core.Clock
	logger  core.Logger
	wg      sync.WaitGroup
}

type openBatch struct {
	key       string
	items     []*RequestEnvelope
	closed    bool
	timerStop chan struct{}
}

// NewBatcher creates a batcher. config is consulted on every enqueue so
// runtime reconfiguration applies to subsequently opened batches.
func NewBatcher(baseCtx context.Context, config func() BatchingConfig, execute BatchExecutor, clock core.Clock, logger core.Logger) *Batcher {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Batcher{
		config:  config,
		execute: execute,
		open:    make(map[string]*openBatch),
		baseCtx: baseCtx,
		clock:   clock,
		logger:  logger,
	}
}

// Eligible reports whether a request type participates in batching.
func (b *Batcher) Eligible(requestType string) bool {
	return b.config().Eligible[requestType]
}

// Enqueue adds a request to the open batch for its (provider, type) group,
// opening one if needed. Reaching the size bound closes the batch
// immediately without waiting out the delay.
func (b *Batcher) Enqueue(env *RequestEnvelope) error {
	b.mu.Lock()

	if b.shutdown {
		b.mu.Unlock()
		return core.NewError(core.KindCleanup, "batcher.enqueue", core.ErrCleanup)
	}

	cfg := b.config()
	key := env.Provider + "/" + env.Type
	batch, ok := b.open[key]
	if !ok {
		batch = &openBatch{key: key, timerStop: make(chan struct{})}
		b.open[key] = batch
		b.startDeadline(batch, cfg.BatchDelay)
	}
	batch.items = append(batch.items, env)

	// Close in the same critical section that filled the batch, so no
	// concurrent enqueue can slip an item past the size bound.
	var items []*RequestEnvelope
	if cfg.MaxBatchSize > 0 && len(batch.items) >= cfg.MaxBatchSize {
		items = b.closeLocked(batch)
	}
	b.mu.Unlock()

	if items != nil {
		b.dispatchClosed(batch.key, items, "size")
	}
	return nil
}

// Remove detaches a cancelled request from its open batch so the executor
// never sees it. Returns false when the request already left the batcher.
func (b *Batcher) Remove(env *RequestEnvelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, ok := b.open[env.Provider+"/"+env.Type]
	if !ok || batch.closed {
		return false
	}
	for i, item := range batch.items {
		if item == env {
			batch.items = append(batch.items[:i], batch.items[i+1:]...)
			if len(batch.items) == 0 {
				batch.closed = true
				close(batch.timerStop)
				delete(b.open, batch.key)
			}
			return true
		}
	}
	return false
}

// Shutdown rejects every queued item with a cleanup error without invoking
// the executor, then waits for in-flight batch executions to finish.
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	var pending []*RequestEnvelope
	for key, batch := range b.open {
		batch.closed = true
		close(batch.timerStop)
		delete(b.open, key)
		pending = append(pending, batch.items...)
	}
	b.mu.Unlock()

	for _, env := range pending {
		env.complete(nil, core.NewError(core.KindCleanup, "batcher.shutdown", core.ErrCleanup))
	}
	b.wg.Wait()
}

// startDeadline arms the delay bound for a freshly opened batch. Callers must
// hold b.mu.
func (b *Batcher) startDeadline(batch *openBatch, delay time.Duration) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.clock.After(delay):
			b.closeBatch(batch, "deadline")
		case <-batch.timerStop:
		}
	}()
}

// closeBatch closes a batch once and dispatches it. Later close attempts
// (the racing size and deadline paths) are no-ops.
func (b *Batcher) closeBatch(batch *openBatch, reason string) {
	b.mu.Lock()
	items := b.closeLocked(batch)
	b.mu.Unlock()

	if items != nil {
		b.dispatchClosed(batch.key, items, reason)
	}
}

// closeLocked marks a batch closed, detaches it, and claims its items for
// dispatch. Returns nil when the batch already closed. Callers must hold
// b.mu and must pass a non-nil result to dispatchClosed, which releases the
// wait-group slot reserved here.
func (b *Batcher) closeLocked(batch *openBatch) []*RequestEnvelope {
	if batch.closed {
		return nil
	}
	batch.closed = true
	select {
	case <-batch.timerStop:
	default:
		close(batch.timerStop)
	}
	delete(b.open, batch.key)
	b.wg.Add(1)
	return batch.items
}

// dispatchClosed logs and executes a claimed batch asynchronously.
func (b *Batcher) dispatchClosed(key string, items []*RequestEnvelope, reason string) {
	b.logger.Debug("Closing batch", map[string]interface{}{
		"operation": "batch_close",
		"group":     key,
		"size":      len(items),
		"reason":    reason,
	})
	go func() {
		defer b.wg.Done()
		b.dispatch(items)
	}()
}

// dispatch runs the executor and fans outcomes back out to each request in
// submission order. An executor result of the wrong arity fails the whole
// batch; individual outcomes carry per-item errors.
func (b *Batcher) dispatch(items []*RequestEnvelope) {
	outcomes := b.runExecutor(items)
	if len(outcomes) != len(items) {
		err := core.NewError(core.KindUnknown, "batcher.dispatch",
			fmt.Errorf("executor returned %d outcomes for %d items", len(outcomes), len(items)))
		for _, env := range items {
			env.complete(nil, err)
		}
		return
	}
	for i, env := range items {
		env.complete(outcomes[i].Value, outcomes[i].Err)
	}
}

// runExecutor isolates executor panics so a single bad batch cannot take the
// coordinator down; every item in the batch fails with the same error.
func (b *Batcher) runExecutor(items []*RequestEnvelope) (outcomes []BatchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Batch executor panicked", map[string]interface{}{
				"operation": "batch_execute",
				"panic":     fmt.Sprintf("%v", r),
				"size":      len(items),
			})
			err := core.NewError(core.KindUnknown, "batcher.execute", fmt.Errorf("batch executor panic: %v", r))
			outcomes = make([]BatchOutcome, len(items))
			for i := range outcomes {
				outcomes[i] = BatchOutcome{Err: err}
			}
		}
	}()
	return b.execute(b.baseCtx, items)
}
