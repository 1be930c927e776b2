package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunner_CommitKeepsChanges(t *testing.T) {
	r := NewMemoryRunner()
	counter := 10

	err := r.Do(context.Background(), func(ctx context.Context) error {
		counter -= 3
		OnRollback(ctx, func() { counter += 3 })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, counter)
}

func TestMemoryRunner_RollbackReplaysNewestFirst(t *testing.T) {
	r := NewMemoryRunner()
	var order []string
	boom := errors.New("boom")

	err := r.Do(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { order = append(order, "first") })
		OnRollback(ctx, func() { order = append(order, "second") })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestMemoryRunner_NestedJoinsOuter(t *testing.T) {
	r := NewMemoryRunner()
	status := "approved"
	boom := errors.New("hold failed")

	err := r.Do(context.Background(), func(ctx context.Context) error {
		status = "reserved"
		OnRollback(ctx, func() { status = "approved" })
		return r.Do(ctx, func(inner context.Context) error {
			assert.True(t, InUnit(inner))
			return boom
		})
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "approved", status, "outer change must roll back when the nested unit fails")
}

func TestMemoryRunner_SerializesUnits(t *testing.T) {
	r := NewMemoryRunner()
	var balance int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(context.Background(), func(ctx context.Context) error {
				v := balance
				balance = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, balance)
}

func TestOnRollback_OutsideUnitIsNoop(t *testing.T) {
	assert.False(t, InUnit(context.Background()))
	OnRollback(context.Background(), func() { t.Fatal("must not run") })
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"wrapped", fmt.Errorf("reserve: %w", &pq.Error{Code: "40001"}), true},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestConstraintHelpers(t *testing.T) {
	assert.True(t, IsCheckViolation(&pq.Error{Code: "23514"}))
	assert.False(t, IsCheckViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
}

func TestAfterCommit(t *testing.T) {
	r := NewMemoryRunner()
	ctx := context.Background()

	var ran []string
	err := r.Do(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "outer") })
		return r.Do(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { ran = append(ran, "inner") })
			assert.Empty(t, ran, "hooks wait for the outermost commit")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, ran)

	ran = nil
	err = r.Do(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "dropped") })
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Empty(t, ran)

	AfterCommit(ctx, func() { ran = append(ran, "now") })
	assert.Equal(t, []string{"now"}, ran)
}
