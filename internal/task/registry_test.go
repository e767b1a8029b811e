package task_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

func newTestRegistry(t *testing.T) *task.SQLiteRegistry {
	t.Helper()

	reg, err := task.NewSQLiteRegistry(task.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reg.Close() })

	return reg
}

func TestSQLiteCreateAndGet(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	params := map[string]any{"topic": "graph neural networks", "top_k": float64(50)}
	require.NoError(t, reg.Create(ctx, "t1", params))

	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, "t1", rec.ID)
	assert.Equal(t, task.StatusPending, rec.Status)
	assert.Equal(t, params, rec.Params)
	assert.Nil(t, rec.StartTime)
	assert.Nil(t, rec.EndTime)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.True(t, rec.ExpireAt.After(rec.CreatedAt))
}

func TestSQLiteGetMissing(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

// Concurrent Create calls with the same id: exactly one succeeds, the rest
// observe ErrTaskExists, and the stored record is intact.
func TestSQLiteCreateSingleFlight(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	const racers = 16

	var wg sync.WaitGroup

	errs := make([]error, racers)

	for i := range racers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = reg.Create(ctx, "contested", map[string]any{"n": float64(i)})
		}()
	}

	wg.Wait()

	wins := 0

	for _, err := range errs {
		if err == nil {
			wins++

			continue
		}

		assert.ErrorIs(t, err, task.ErrTaskExists)
	}

	assert.Equal(t, 1, wins)

	rec, err := reg.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, rec.Status)
}

func TestSQLiteStatusTransitions(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "t1", nil))

	require.NoError(t, reg.UpdateStatus(ctx, "t1", task.StatusPreparing, ""))
	require.NoError(t, reg.UpdateStatus(ctx, "t1", task.StatusProcessing, ""))

	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec.StartTime)
	assert.Nil(t, rec.EndTime)

	require.NoError(t, reg.UpdateStatus(ctx, "t1", task.StatusCompleted, ""))

	rec, err = reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
	assert.GreaterOrEqual(t, rec.ExecutionSeconds, 0.0)
}

// A terminal status is never left, whatever arrives afterwards.
func TestSQLiteTerminalMonotonic(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "t1", nil))
	require.NoError(t, reg.UpdateStatus(ctx, "t1", task.StatusCompleted, ""))

	for _, late := range []task.Status{
		task.StatusProcessing, task.StatusTimeout, task.StatusFailed, task.StatusPending,
	} {
		require.NoError(t, reg.UpdateStatus(ctx, "t1", late, "late update"))
	}

	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestSQLiteUpdateStatusMissing(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.UpdateStatus(context.Background(), "nope", task.StatusFailed, "boom")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestSQLiteUpdateField(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "t1", nil))

	require.NoError(t, reg.UpdateField(ctx, "t1", task.FieldOriginalTopic, "diffusion models"))
	require.NoError(t, reg.UpdateField(ctx, "t1", task.FieldExpectedResultKey, "diffusion_models_t1_1700000000"))
	require.NoError(t, reg.UpdateField(ctx, "t1", task.FieldParams, map[string]any{"top_k": float64(10)}))

	rec, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "diffusion models", rec.OriginalTopic)
	assert.Equal(t, "diffusion_models_t1_1700000000", rec.ExpectedResultKey)
	assert.Equal(t, map[string]any{"top_k": float64(10)}, rec.Params)
}

func TestSQLiteUpdateFieldRejectsUnknown(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "t1", nil))

	err := reg.UpdateField(ctx, "t1", "status", "COMPLETED")
	assert.ErrorIs(t, err, task.ErrUnknownField)

	err = reg.UpdateField(ctx, "t1", "id; DROP TABLE tasks", "x")
	assert.ErrorIs(t, err, task.ErrUnknownField)
}

func TestSQLiteUpdateFieldMissingTask(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.UpdateField(context.Background(), "nope", task.FieldError, "boom")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestSQLiteListOrderFilterLimit(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Create(ctx, id, nil))
		// Distinct created_at values keep the newest-first order deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, reg.UpdateStatus(ctx, "b", task.StatusFailed, "boom"))

	all, err := reg.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, "a", all[2].ID)

	failed := task.StatusFailed

	onlyFailed, err := reg.List(ctx, &failed, 0)
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, "b", onlyFailed[0].ID)

	capped, err := reg.List(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestSQLiteDelete(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "t1", nil))
	require.NoError(t, reg.Delete(ctx, "t1"))

	_, err := reg.Get(ctx, "t1")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	// Deleting a missing id is not an error.
	require.NoError(t, reg.Delete(ctx, "t1"))
}

func TestSQLiteActiveCount(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Create(ctx, id, nil))
	}

	require.NoError(t, reg.UpdateStatus(ctx, "a", task.StatusCompleted, ""))
	require.NoError(t, reg.UpdateStatus(ctx, "b", task.StatusFailed, "boom"))
	require.NoError(t, reg.UpdateStatus(ctx, "c", task.StatusProcessing, ""))

	count, err := reg.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteCleanupExpired(t *testing.T) {
	t.Parallel()

	reg, err := task.NewSQLiteRegistry(task.SQLiteConfig{
		Path:   ":memory:",
		Expire: time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reg.Close() })

	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, "old", nil))
	time.Sleep(10 * time.Millisecond)

	removed, err := reg.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reg.Get(ctx, "old")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestSQLiteHealthCheck(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	assert.NoError(t, reg.HealthCheck(context.Background()))
}

func TestStatusParse(t *testing.T) {
	t.Parallel()

	st, err := task.Parse("PROCESSING")
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, st)

	_, err = task.Parse("processing")
	assert.ErrorIs(t, err, task.ErrUnknownStatus)

	_, err = task.Parse("")
	assert.ErrorIs(t, err, task.ErrUnknownStatus)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, task.StatusCompleted.Terminal())
	assert.True(t, task.StatusFailed.Terminal())
	assert.True(t, task.StatusTimeout.Terminal())
	assert.False(t, task.StatusCrawling.Terminal())

	assert.True(t, task.StatusSearchingWeb.Active())
	assert.False(t, task.StatusCompleted.Active())
	assert.False(t, task.Status("bogus").Active())
}
