package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// pollInterval is how long a worker sleeps when its input queue is empty
// before re-checking. Reads go through a shared input lock, so blocking reads
// would wedge the end-of-stream monitor; short timed polls keep the monitor
// responsive without measurable CPU cost.
const pollInterval = 2 * time.Millisecond

// Predicate selects which outputs reach a particular downstream. A nil
// predicate accepts everything. Predicates never see forwarded NodeError
// values; failures are delivered to every downstream.
type Predicate func(v any) bool

// Iterator is implemented by inputs that a node with Unpack set expands into
// individual work units.
type Iterator interface {
	// Next returns the next element, or ok=false when exhausted.
	Next() (v any, ok bool)
}

// Config declares a node's identity, worker pool, and flags.
type Config struct {
	// Name identifies the node in logs, stats, and NodeError values.
	Name string

	// Workers is the worker pool size. Values below 1 mean 1.
	Workers int

	// QueueSize is the input queue capacity. Values below 1 mean 1.
	QueueSize int

	// NoInput marks a source node: it must have no upstream connections and
	// is fed externally through Put.
	NoInput bool

	// NoOutput marks a sink node: results are not forwarded and no
	// downstream is required.
	NoOutput bool

	// Unpack expands iterable inputs ([]any or Iterator) into individual
	// work units, preserving element order.
	Unpack bool

	// DiscardNil drops nil processing results instead of forwarding them.
	DiscardNil bool

	// SkipErrors forwards NodeError inputs unchanged without re-processing.
	SkipErrors bool

	// DeepCopyOutput puts a deep copy into every downstream queue so one
	// downstream's mutations cannot race another's reads.
	DeepCopyOutput bool

	// Debug exits the worker on processing failure instead of packaging the
	// failure as a NodeError.
	Debug bool

	// RetryAttempts caps the node runtime retries. Zero means
	// DefaultRetryAttempts.
	RetryAttempts int

	// RetryCap bounds the retry backoff interval. Zero means
	// DefaultRetryCap.
	RetryCap time.Duration
}

// downstream pairs a destination node with its routing predicate.
type downstream struct {
	node *Node
	pred Predicate
}

// Stats is a point-in-time snapshot of one node for monitoring.
type Stats struct {
	Name           string `json:"name"`
	Running        bool   `json:"is_running"`
	QueueSize      int    `json:"queue_size"`
	MaxQueueSize   int    `json:"max_queue_size"`
	ExecutingCount int    `json:"executing_count"`
	Workers        int    `json:"worker_count"`
}

// Node runs a pool of workers that drain one input queue through a processing
// function and fan results out to downstream nodes.
type Node struct {
	cfg     Config
	process ProcessFunc
	chain   ProcessFunc
	logger  *slog.Logger

	queue *Queue

	// inputMu serialises queue reads and iterable unpacking so that
	// decorated unpack order is preserved across workers.
	inputMu sync.Mutex
	pending []any

	// mu guards topology, the stopped-upstream set, and the executing list.
	mu          sync.Mutex
	downstreams []downstream
	upstreams   map[string]struct{}
	stopped     map[string]struct{}
	executing   map[int]any
	stopsSent   bool

	userMW  []middlewareEntry
	userSeq int

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewNode creates a node with the given configuration and processing
// function. A nil logger discards all output.
func NewNode(cfg Config, process ProcessFunc, logger *slog.Logger) *Node {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}

	if cfg.RetryCap == 0 {
		cfg.RetryCap = DefaultRetryCap
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Node{
		cfg:       cfg,
		process:   process,
		logger:    logger.With(slog.String("node", cfg.Name)),
		queue:     NewQueue(cfg.QueueSize),
		upstreams: make(map[string]struct{}),
		stopped:   make(map[string]struct{}),
		executing: make(map[int]any),
	}
}

// Connect links src to dst: dst registers src as upstream and src registers
// dst as downstream under the given predicate (nil accepts everything).
func Connect(src, dst *Node, pred Predicate) {
	dst.mu.Lock()
	dst.upstreams[src.cfg.Name] = struct{}{}
	dst.mu.Unlock()

	src.mu.Lock()
	src.downstreams = append(src.downstreams, downstream{node: dst, pred: pred})
	src.mu.Unlock()
}

// Use registers a user middleware. User middleware wraps inside the mandatory
// skip-error and label wrappers, in registration order.
func (n *Node) Use(mw Middleware) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.userSeq++
	n.userMW = append(n.userMW, middlewareEntry{order: orderUser, seq: n.userSeq, mw: mw})
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.cfg.Name
}

// Put enqueues a value into the node's input queue, blocking on backpressure.
func (n *Node) Put(v any) {
	n.queue.Put(v)
}

// Running reports whether any worker is still alive.
func (n *Node) Running() bool {
	return n.running.Load()
}

// ExecutingCount returns the number of inputs currently being processed.
func (n *Node) ExecutingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.executing)
}

// Stats returns a monitoring snapshot.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	executing := len(n.executing)
	n.mu.Unlock()

	return Stats{
		Name:           n.cfg.Name,
		Running:        n.running.Load(),
		QueueSize:      n.queue.Len(),
		MaxQueueSize:   n.queue.Cap(),
		ExecutingCount: executing,
		Workers:        n.cfg.Workers,
	}
}

// validate checks the node's local topology invariants before any item is
// processed.
func (n *Node) validate() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.process == nil {
		return fmt.Errorf("%w: %s", ErrNilProcess, n.cfg.Name)
	}

	if !n.cfg.NoOutput && len(n.downstreams) == 0 {
		return fmt.Errorf("%w: %s", ErrNoDownstream, n.cfg.Name)
	}

	if n.cfg.NoInput && len(n.upstreams) > 0 {
		return fmt.Errorf("%w: %s", ErrUpstreamOnSource, n.cfg.Name)
	}

	return nil
}

// Start validates the topology and launches the worker pool. When the last
// worker exits the node flips to not running and announces its end-of-stream
// to every downstream.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, n.cfg.Name)
	}

	err := n.validate()
	if err != nil {
		return err
	}

	n.buildChain()
	n.running.Store(true)
	n.wg.Add(n.cfg.Workers)

	for i := range n.cfg.Workers {
		go n.worker(ctx, i)
	}

	go func() {
		n.wg.Wait()
		n.finish()
	}()

	return nil
}

// buildChain composes the processing chain: retrying process innermost, then
// user middleware, then the label wrapper, then (when SkipErrors is set) the
// skip-error wrapper outermost.
func (n *Node) buildChain() {
	n.mu.Lock()
	defer n.mu.Unlock()

	entries := make([]middlewareEntry, 0, len(n.userMW)+2)
	entries = append(entries, middlewareEntry{order: orderLabel, mw: labelMiddleware(n.cfg.Name)})
	entries = append(entries, n.userMW...)

	if n.cfg.SkipErrors {
		entries = append(entries, middlewareEntry{order: orderSkipError, mw: skipErrorMiddleware})
	}

	retrying := func(ctx context.Context, v any) (any, error) {
		return callWithRetry(ctx, func() (any, error) {
			return n.process(ctx, v)
		}, n.cfg.RetryAttempts, n.cfg.RetryCap)
	}

	n.chain = buildChain(retrying, entries)
}

// finish marks the node stopped and puts one end-of-stream token per
// downstream queue.
func (n *Node) finish() {
	n.running.Store(false)

	n.mu.Lock()
	downstreams := make([]downstream, len(n.downstreams))
	copy(downstreams, n.downstreams)
	n.mu.Unlock()

	for _, ds := range downstreams {
		ds.node.queue.Put(stopSignal{Origin: n.cfg.Name})
	}

	n.logger.Debug("node stopped")
}

// worker is the main loop of one pool worker.
func (n *Node) worker(ctx context.Context, id int) {
	defer n.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("worker panic",
				slog.Int("worker", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			n.clearExecuting(id)
		}
	}()

	for {
		v, ok := n.nextItem(ctx)
		if !ok {
			return
		}

		if !n.handle(ctx, id, v) {
			return
		}
	}
}

// nextItem returns the next work unit for a worker, or ok=false when the
// worker must exit. It owns all stop-token bookkeeping.
func (n *Node) nextItem(ctx context.Context) (any, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		n.inputMu.Lock()

		if len(n.pending) > 0 {
			v := n.pending[0]
			n.pending = n.pending[1:]
			n.inputMu.Unlock()

			return v, true
		}

		raw, got := n.queue.TryGet()
		if !got {
			n.inputMu.Unlock()

			// End-of-stream duty is shared: the check is idempotent, and
			// tying it to a single worker would wedge the node if that
			// worker died in a panic.
			n.maybeSendStops()

			time.Sleep(pollInterval)

			continue
		}

		if sig, isSig := raw.(stopSignal); isSig {
			n.inputMu.Unlock()

			if sig.Origin == "" {
				// Worker termination token.
				return nil, false
			}

			n.markStopped(sig.Origin)

			continue
		}

		if n.cfg.Unpack {
			n.pending = append(n.pending, expand(raw)...)
			n.inputMu.Unlock()

			continue
		}

		n.inputMu.Unlock()

		return raw, true
	}
}

// expand flattens an iterable input into individual work units. Non-iterable
// values pass through as a single unit.
func expand(v any) []any {
	switch it := v.(type) {
	case []any:
		return it
	case Iterator:
		var units []any

		for {
			elem, ok := it.Next()
			if !ok {
				return units
			}

			units = append(units, elem)
		}
	default:
		return []any{v}
	}
}

// markStopped records that the named upstream has fully stopped.
func (n *Node) markStopped(origin string) {
	n.mu.Lock()
	n.stopped[origin] = struct{}{}
	n.mu.Unlock()
}

// maybeSendStops checks the end-of-stream condition and, exactly once,
// enqueues one termination token per worker. Called by idle workers while
// the input queue and pending list are empty.
func (n *Node) maybeSendStops() {
	n.mu.Lock()

	if n.stopsSent || !n.allUpstreamsStopped() {
		n.mu.Unlock()

		return
	}

	if n.queue.Len() != 0 {
		n.mu.Unlock()

		return
	}

	n.stopsSent = true
	n.mu.Unlock()

	for range n.cfg.Workers {
		n.queue.Put(stopSignal{})
	}
}

// allUpstreamsStopped reports the fan-in stop condition: every connected
// upstream has announced its end-of-stream. A node with no upstream
// connections waits for the external producer's stop instead. Caller holds mu.
func (n *Node) allUpstreamsStopped() bool {
	if len(n.upstreams) == 0 {
		_, ok := n.stopped[ExternalOrigin]

		return ok
	}

	for name := range n.upstreams {
		if _, ok := n.stopped[name]; !ok {
			return false
		}
	}

	return true
}

// handle processes one work unit and fans the result out. It reports whether
// the worker should keep running.
func (n *Node) handle(ctx context.Context, id int, v any) bool {
	n.setExecuting(id, v)
	defer n.clearExecuting(id)

	out, err := n.chain(ctx, v)
	if err != nil {
		if n.cfg.Debug {
			n.logger.Error("processing failed, exiting worker (debug mode)",
				slog.Int("worker", id), slog.Any("error", err))

			return false
		}

		out = &NodeError{
			Node:  n.cfg.Name,
			Input: v,
			Err:   err,
			Stack: debug.Stack(),
		}

		n.logger.Warn("processing failed after retries", slog.Any("error", err))
	}

	n.forward(out)

	return true
}

// forward routes one result to the downstream queues, honouring predicates,
// DiscardNil, and DeepCopyOutput. NodeError values bypass predicates and are
// never deep-copied.
func (n *Node) forward(out any) {
	if n.cfg.NoOutput {
		return
	}

	if out == nil && n.cfg.DiscardNil {
		return
	}

	_, isErr := AsNodeError(out)

	n.mu.Lock()
	downstreams := make([]downstream, len(n.downstreams))
	copy(downstreams, n.downstreams)
	n.mu.Unlock()

	for _, ds := range downstreams {
		if !isErr && ds.pred != nil && !ds.pred(out) {
			continue
		}

		v := out
		if n.cfg.DeepCopyOutput && !isErr {
			v = deepCopy(out, n.logger)
		}

		ds.node.queue.Put(v)
	}
}

func (n *Node) setExecuting(id int, v any) {
	n.mu.Lock()
	n.executing[id] = v
	n.mu.Unlock()
}

func (n *Node) clearExecuting(id int) {
	n.mu.Lock()
	delete(n.executing, id)
	n.mu.Unlock()
}

// downstreamNodes returns the connected downstream nodes.
func (n *Node) downstreamNodes() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	nodes := make([]*Node, len(n.downstreams))
	for i, ds := range n.downstreams {
		nodes[i] = ds.node
	}

	return nodes
}
