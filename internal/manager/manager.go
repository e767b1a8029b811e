// Package manager owns the task lifecycle: submission, payload preparation,
// handing work to the pipeline, watching for results, timeouts, and record
// expiry. It is a process-scoped service with explicit Start and Shutdown;
// nothing runs at import time.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/surveyforge/internal/decode"
	"github.com/Sumatoshi-tech/surveyforge/internal/pipeline"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// Defaults for the watcher loops.
const (
	// DefaultCheckInterval is how often a task watcher polls the result
	// store.
	DefaultCheckInterval = 30 * time.Second

	// DefaultTaskTimeout is how long a task may run before it is marked
	// TIMEOUT.
	DefaultTaskTimeout = time.Hour

	// DefaultSweepInterval is how often expired records are cleaned up.
	DefaultSweepInterval = time.Hour
)

// Submission parameter keys.
const (
	ParamTopic     = "topic"
	ParamInputFile = "input_file"
	ParamUserID    = "user_id"
)

// ErrNotStarted is returned by Submit before Start or after Shutdown.
var ErrNotStarted = errors.New("manager not started")

// TopicProcessor builds the initial survey payload for a topic submission:
// reference search, optional web search, and crawling. Implementations report
// phase changes through progress so the task record tracks where a long
// preparation currently is.
type TopicProcessor interface {
	Process(ctx context.Context, topic string, params map[string]any, progress func(task.Status)) (*survey.Survey, error)
}

// Pipeline is the slice of the pipeline composite the manager drives.
type Pipeline interface {
	Start(ctx context.Context) error
	End()
	Put(v any)
	Running() bool
	Stats() []pipeline.Stats
}

// Config carries the manager's tunables. Zero values fall back to defaults.
type Config struct {
	CheckInterval time.Duration
	TaskTimeout   time.Duration
	SweepInterval time.Duration

	// TempDir holds per-task scratch artefacts, removed when the watcher
	// finishes. Empty disables cleanup.
	TempDir string
}

// Manager coordinates the task registry, the in-flight payload registry, the
// pipeline, and the result store.
type Manager struct {
	cfg      Config
	registry task.Registry
	results  resultstore.Store
	inflight *decode.Registry
	pipe     Pipeline
	topics   TopicProcessor
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a manager. topics may be nil when only file submissions are
// served.
func New(cfg Config, registry task.Registry, results resultstore.Store, inflight *decode.Registry, pipe Pipeline, topics TopicProcessor, logger *slog.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}

	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:      cfg,
		registry: registry,
		results:  results,
		inflight: inflight,
		pipe:     pipe,
		topics:   topics,
		logger:   logger,
	}
}

// Start launches the pipeline and the expiration sweep. The manager runs
// until Shutdown or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return pipeline.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	err := m.pipe.Start(runCtx)
	if err != nil {
		cancel()

		return fmt.Errorf("start pipeline: %w", err)
	}

	m.ctx = runCtx
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)

	go m.sweepLoop(runCtx)

	m.logger.Info("task manager started",
		slog.Duration("check_interval", m.cfg.CheckInterval),
		slog.Duration("task_timeout", m.cfg.TaskTimeout))

	return nil
}

// Shutdown stops accepting submissions, ends the pipeline, and waits for the
// watchers until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()

		return nil
	}

	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.pipe.End()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("manager shutdown: %w", ctx.Err())
	}
}

// Submission describes an accepted task: its id, the topic it was derived
// from, and the result key its output will be published under.
type Submission struct {
	TaskID    string
	Topic     string
	ResultKey string
}

// Submit registers a new task and starts its preparation in the background.
// It returns the submission immediately; progress is visible through the
// registry.
func (m *Manager) Submit(ctx context.Context, params map[string]any) (*Submission, error) {
	m.mu.Lock()
	started := m.started
	runCtx := m.ctx
	m.mu.Unlock()

	if !started {
		return nil, ErrNotStarted
	}

	id := uuid.NewString()
	topic, _ := params[ParamTopic].(string)

	// The task id is embedded in the result key so a late result can never
	// be attributed to the wrong submission.
	resultKey := fmt.Sprintf("%s_%s_%d", survey.Slugify(topic), id, time.Now().Unix())

	err := m.registry.Create(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	err = m.registry.UpdateField(ctx, id, task.FieldOriginalTopic, topic)
	if err != nil {
		return nil, err
	}

	err = m.registry.UpdateField(ctx, id, task.FieldExpectedResultKey, resultKey)
	if err != nil {
		return nil, err
	}

	if userID, ok := params[ParamUserID].(string); ok && userID != "" {
		err = m.registry.UpdateField(ctx, id, task.FieldUserID, userID)
		if err != nil {
			return nil, err
		}
	}

	m.wg.Add(1)

	go m.prepare(runCtx, id, params)

	m.logger.Info("task submitted",
		slog.String("task_id", id),
		slog.String("topic", topic))

	return &Submission{TaskID: id, Topic: topic, ResultKey: resultKey}, nil
}

// prepare builds the payload, registers it in flight, and hands the task id
// to the pipeline head.
func (m *Manager) prepare(ctx context.Context, id string, params map[string]any) {
	defer m.wg.Done()

	m.setStatus(ctx, id, task.StatusPreparing, "")

	payload, err := m.buildPayload(ctx, id, params)
	if err != nil {
		m.failTask(ctx, id, err)

		return
	}

	if payload == nil || payload.Empty() {
		m.failTask(ctx, id, errors.New("prepared payload is empty"))

		return
	}

	payload.TaskID = id

	err = m.inflight.Add(id, payload)
	if err != nil {
		m.failTask(ctx, id, err)

		return
	}

	m.setStatus(ctx, id, task.StatusProcessing, "")

	m.wg.Add(1)

	go m.watch(ctx, id)

	m.pipe.Put(id)
}

// buildPayload resolves the submission into a survey: a topic goes through
// the topic processor, a file submission is decoded from disk.
func (m *Manager) buildPayload(ctx context.Context, id string, params map[string]any) (*survey.Survey, error) {
	topic, _ := params[ParamTopic].(string)
	inputFile, _ := params[ParamInputFile].(string)

	switch {
	case topic != "":
		if m.topics == nil {
			return nil, errors.New("topic submissions are not enabled")
		}

		progress := func(st task.Status) {
			m.setStatus(ctx, id, st, "")
		}

		payload, err := m.topics.Process(ctx, topic, params, progress)
		if err != nil {
			return nil, fmt.Errorf("process topic: %w", err)
		}

		return payload, nil

	case inputFile != "":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}

		var payload survey.Survey

		err = survey.ParseModelJSON(string(data), &payload)
		if err != nil {
			return nil, fmt.Errorf("decode input file: %w", err)
		}

		return &payload, nil

	default:
		return nil, errors.New("submission needs a topic or an input_file")
	}
}

// watch polls the result store until the task completes, times out, or is
// already terminal. The result poll runs once more at the deadline so a
// result that lands just before the timeout still wins.
func (m *Manager) watch(ctx context.Context, id string) {
	defer m.wg.Done()
	defer m.cleanupTemp(id)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(m.cfg.TaskTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if m.settle(ctx, id) {
				return
			}

		case <-deadline.C:
			if m.settle(ctx, id) {
				return
			}

			m.inflight.Remove(id)
			m.setStatus(ctx, id, task.StatusTimeout, "task exceeded its deadline")
			m.logger.Warn("task timed out", slog.String("task_id", id))

			return
		}
	}
}

// settle checks for a stored result or a terminal record and reports whether
// the watcher is done.
func (m *Manager) settle(ctx context.Context, id string) bool {
	rec, err := m.registry.Get(ctx, id)
	if err == nil && rec.Status.Terminal() {
		return true
	}

	res, err := m.results.Get(ctx, id)
	if errors.Is(err, resultstore.ErrNotFound) {
		return false
	}

	if err != nil {
		m.logger.Warn("result poll failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()))

		return false
	}

	if res.Status != resultstore.StatusCompleted {
		return false
	}

	m.setStatus(ctx, id, task.StatusCompleted, "")
	m.logger.Info("task completed", slog.String("task_id", id))

	return true
}

// sweepLoop periodically removes expired task records.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.registry.CleanupExpired(ctx)
			if err != nil {
				m.logger.Warn("expiration sweep failed", slog.String("error", err.Error()))

				continue
			}

			if removed > 0 {
				m.logger.Info("expired task records removed", slog.Int("count", removed))
			}
		}
	}
}

// failTask marks the task FAILED and logs the cause.
func (m *Manager) failTask(ctx context.Context, id string, cause error) {
	m.setStatus(ctx, id, task.StatusFailed, cause.Error())
	m.logger.Error("task failed",
		slog.String("task_id", id),
		slog.String("error", cause.Error()))
}

// setStatus updates the registry, tolerating late updates to terminal tasks.
func (m *Manager) setStatus(ctx context.Context, id string, st task.Status, msg string) {
	err := m.registry.UpdateStatus(ctx, id, st, msg)
	if err != nil {
		m.logger.Warn("status update failed",
			slog.String("task_id", id),
			slog.String("status", string(st)),
			slog.String("error", err.Error()))
	}
}

// cleanupTemp removes the task's scratch directory, if configured.
func (m *Manager) cleanupTemp(id string) {
	if m.cfg.TempDir == "" {
		return
	}

	dir := filepath.Join(m.cfg.TempDir, id)

	err := os.RemoveAll(dir)
	if err != nil {
		m.logger.Warn("temp cleanup failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}
}

// ActiveCount returns the number of non-terminal tasks.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.registry.ActiveCount(ctx)
}

// NodeStatus is one pipeline node's snapshot in the status report.
type NodeStatus struct {
	Name           string `json:"name"`
	IsRunning      bool   `json:"is_running"`
	QueueSize      int    `json:"queue_size"`
	MaxQueueSize   int    `json:"max_queue_size"`
	ExecutingCount int    `json:"executing_count"`
	WorkerCount    int    `json:"worker_count"`
}

// Status is the global pipeline snapshot served over HTTP.
type Status struct {
	Running     bool         `json:"running"`
	ActiveTasks int          `json:"active_tasks"`
	Inflight    int          `json:"inflight_surveys"`
	Nodes       []NodeStatus `json:"nodes"`
}

// PipelineStatus snapshots the pipeline and the task registry.
func (m *Manager) PipelineStatus(ctx context.Context) (*Status, error) {
	active, err := m.registry.ActiveCount(ctx)
	if err != nil {
		return nil, err
	}

	stats := m.pipe.Stats()
	nodes := make([]NodeStatus, 0, len(stats))

	for _, st := range stats {
		nodes = append(nodes, NodeStatus{
			Name:           st.Name,
			IsRunning:      st.Running,
			QueueSize:      st.QueueSize,
			MaxQueueSize:   st.MaxQueueSize,
			ExecutingCount: st.ExecutingCount,
			WorkerCount:    st.Workers,
		})
	}

	return &Status{
		Running:     m.pipe.Running(),
		ActiveTasks: active,
		Inflight:    m.inflight.Len(),
		Nodes:       nodes,
	}, nil
}
