package uow

import (
	"context"
	"sync"
)

type journalKey struct{}

type journal struct {
	undo []func()
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// MemoryRunner is the unit-of-work runner for the in-memory stores used in
// development mode. Units run one at a time; a failed unit replays the
// compensations its stores registered, newest first.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a new in-memory runner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// Do runs fn as one unit; nested calls join the active unit.
func (r *MemoryRunner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}

	ctx, h := withHooks(ctx)
	if err := r.run(ctx, fn); err != nil {
		return err
	}
	h.run()
	return nil
}

func (r *MemoryRunner) run(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	return nil
}

// OnRollback registers undo to run if the unit of work bound to ctx fails.
// Outside a unit of work it does nothing.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

// InUnit reports whether ctx carries an active unit of work of either kind.
func InUnit(ctx context.Context) bool {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return true
	}
	_, ok := ctx.Value(txKey{}).(interface{ Commit() error })
	return ok
}

var _ Runner = (*MemoryRunner)(nil)
