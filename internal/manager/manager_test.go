package manager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/decode"
	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
	"github.com/Sumatoshi-tech/surveyforge/internal/pipeline"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// fakePipe records what the manager feeds it.
type fakePipe struct {
	mu      sync.Mutex
	started bool
	ended   bool
	items   []any
}

func (p *fakePipe) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = true

	return nil
}

func (p *fakePipe) End() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ended = true
}

func (p *fakePipe) Put(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.items = append(p.items, v)
}

func (p *fakePipe) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started && !p.ended
}

func (p *fakePipe) Stats() []pipeline.Stats {
	return []pipeline.Stats{{Name: "stage", Running: true, Workers: 2, MaxQueueSize: 8}}
}

func (p *fakePipe) received() []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]any(nil), p.items...)
}

// fakeTopics builds a minimal non-empty payload and reports search phases.
type fakeTopics struct {
	mu     sync.Mutex
	phases []task.Status
	fail   bool
}

func (f *fakeTopics) Process(_ context.Context, topic string, _ map[string]any, progress func(task.Status)) (*survey.Survey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range []task.Status{task.StatusSearching, task.StatusSearchingWeb, task.StatusCrawling} {
		f.phases = append(f.phases, st)
		progress(st)
	}

	if f.fail {
		return nil, assert.AnError
	}

	s := survey.New(topic)
	s.AddReference(&survey.Paper{Title: "Seed Paper"})

	return s, nil
}

type fixture struct {
	mgr      *manager.Manager
	registry task.Registry
	results  resultstore.Store
	inflight *decode.Registry
	pipe     *fakePipe
	topics   *fakeTopics
}

func newFixture(t *testing.T, cfg manager.Config) *fixture {
	t.Helper()

	registry, err := task.NewSQLiteRegistry(task.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = registry.Close() })

	f := &fixture{
		registry: registry,
		results:  resultstore.NewMemoryStore(),
		inflight: decode.NewRegistry(),
		pipe:     &fakePipe{},
		topics:   &fakeTopics{},
	}
	f.mgr = manager.New(cfg, f.registry, f.results, f.inflight, f.pipe, f.topics, nil)

	return f
}

func waitStatus(t *testing.T, registry task.Registry, id string, want task.Status) *task.Record {
	t.Helper()

	deadline := time.After(3 * time.Second)

	for {
		rec, err := registry.Get(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}

		select {
		case <-deadline:
			status := task.Status("<missing>")
			if err == nil {
				status = rec.Status
			}

			t.Fatalf("task %s never reached %s (last %s)", id, want, status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// submit accepts params through the manager and returns the new task id.
func (f *fixture) submit(ctx context.Context, t *testing.T, params map[string]any) string {
	t.Helper()

	sub, err := f.mgr.Submit(ctx, params)
	require.NoError(t, err)

	return sub.TaskID
}

func TestSubmitRequiresStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{})

	_, err := f.mgr.Submit(context.Background(), map[string]any{"topic": "x"})
	assert.ErrorIs(t, err, manager.ErrNotStarted)
}

func TestSubmitTopicReachesPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{CheckInterval: time.Hour, TaskTimeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	sub, err := f.mgr.Submit(ctx, map[string]any{
		"topic":   "Graph Neural Networks",
		"user_id": "u1",
	})
	require.NoError(t, err)

	id := sub.TaskID

	// The submission carries the derived topic and result key so callers can
	// report them without a follow-up registry read.
	assert.Equal(t, "Graph Neural Networks", sub.Topic)
	assert.Contains(t, sub.ResultKey, id)
	assert.Contains(t, sub.ResultKey, "graph_neural_networks")

	rec := waitStatus(t, f.registry, id, task.StatusProcessing)
	assert.Equal(t, "Graph Neural Networks", rec.OriginalTopic)
	assert.Equal(t, sub.ResultKey, rec.ExpectedResultKey)
	assert.Equal(t, "u1", rec.UserID)

	// The pipeline carries the task id handle, not the payload.
	require.Eventually(t, func() bool {
		items := f.pipe.received()

		return len(items) == 1 && items[0] == id
	}, time.Second, 5*time.Millisecond)

	payload, ok := f.inflight.Get(id)
	require.True(t, ok)
	assert.Equal(t, id, payload.TaskID)
	assert.False(t, payload.Empty())

	assert.Equal(t,
		[]task.Status{task.StatusSearching, task.StatusSearchingWeb, task.StatusCrawling},
		f.topics.phases)
}

func TestSubmitWithoutInputFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{})

	rec := waitStatus(t, f.registry, id, task.StatusFailed)
	assert.Contains(t, rec.Error, "topic or an input_file")
}

func TestSubmitTopicProcessorFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{})
	f.topics.fail = true
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{"topic": "doomed"})

	waitStatus(t, f.registry, id, task.StatusFailed)
	assert.Empty(t, f.pipe.received())
}

func TestWatcherCompletesOnResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{
		CheckInterval: 10 * time.Millisecond,
		TaskTimeout:   time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{"topic": "done soon"})

	waitStatus(t, f.registry, id, task.StatusProcessing)

	require.NoError(t, f.results.Save(ctx, &resultstore.Record{
		TaskID:     id,
		Title:      "done soon",
		SurveyData: "{}",
	}))

	rec := waitStatus(t, f.registry, id, task.StatusCompleted)
	require.NotNil(t, rec.EndTime)
}

// A task with no result by the deadline is marked TIMEOUT exactly once.
func TestWatcherTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{
		CheckInterval: time.Hour,
		TaskTimeout:   30 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{"topic": "too slow"})

	rec := waitStatus(t, f.registry, id, task.StatusTimeout)
	assert.Contains(t, rec.Error, "deadline")

	// The aborted payload leaves the in-flight registry.
	_, ok := f.inflight.Get(id)
	assert.False(t, ok)
}

// A result that lands before the deadline fires wins over the timeout: the
// watcher re-polls at the deadline instead of declaring TIMEOUT blindly.
func TestCompletionBeatsTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{
		CheckInterval: time.Hour,
		TaskTimeout:   100 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{"topic": "photo finish"})

	waitStatus(t, f.registry, id, task.StatusProcessing)

	require.NoError(t, f.results.Save(ctx, &resultstore.Record{TaskID: id, SurveyData: "{}"}))

	rec := waitStatus(t, f.registry, id, task.StatusCompleted)
	assert.Equal(t, task.StatusCompleted, rec.Status)

	// The deadline has long passed; the terminal state must hold.
	time.Sleep(150 * time.Millisecond)

	final, err := f.registry.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
}

func TestPipelineStatusSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{CheckInterval: time.Hour, TaskTimeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))

	t.Cleanup(func() { _ = f.mgr.Shutdown(ctx) })

	id := f.submit(ctx, t, map[string]any{"topic": "status check"})

	waitStatus(t, f.registry, id, task.StatusProcessing)

	status, err := f.mgr.PipelineStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.ActiveTasks)
	assert.Equal(t, 1, status.Inflight)
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, "stage", status.Nodes[0].Name)
	assert.Equal(t, 2, status.Nodes[0].WorkerCount)
}

func TestShutdownStopsPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, manager.Config{})
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx))
	require.NoError(t, f.mgr.Shutdown(ctx))

	assert.True(t, f.pipe.ended)
	assert.False(t, f.pipe.Running())

	// Shutdown twice is harmless; Submit afterwards is refused.
	require.NoError(t, f.mgr.Shutdown(ctx))

	_, err := f.mgr.Submit(ctx, map[string]any{"topic": "late"})
	assert.ErrorIs(t, err, manager.ErrNotStarted)
}
