package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Sumatoshi-tech/surveyforge/pkg/toposort"
)

// Sequential is a composite of nodes connected head-to-tail. It exposes the
// head's Put and the internal nodes for monitoring, and propagates a single
// external stop from the head through the whole chain.
type Sequential struct {
	name   string
	nodes  []*Node
	logger *slog.Logger
}

// NewSequential creates a composite over the given nodes, connecting each
// node to the next with an accept-all predicate. Nodes already connected
// (for example a fan-out built with Connect) are left untouched; only missing
// head-to-tail links are added.
func NewSequential(name string, logger *slog.Logger, nodes ...*Node) *Sequential {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for i := 0; i < len(nodes)-1; i++ {
		if !connected(nodes[i], nodes[i+1]) {
			Connect(nodes[i], nodes[i+1], nil)
		}
	}

	return &Sequential{name: name, nodes: nodes, logger: logger.With(slog.String("pipeline", name))}
}

// connected reports whether dst is already a downstream of src.
func connected(src, dst *Node) bool {
	for _, d := range src.downstreamNodes() {
		if d == dst {
			return true
		}
	}

	return false
}

// Name returns the composite name.
func (s *Sequential) Name() string {
	return s.name
}

// Head returns the first node.
func (s *Sequential) Head() *Node {
	return s.nodes[0]
}

// Tail returns the last node.
func (s *Sequential) Tail() *Node {
	return s.nodes[len(s.nodes)-1]
}

// Nodes returns the internal nodes in order, for monitoring.
func (s *Sequential) Nodes() []*Node {
	out := make([]*Node, len(s.nodes))
	copy(out, s.nodes)

	return out
}

// Start validates the topology (per-node invariants plus graph acyclicity)
// and starts every node, leaves first, so downstream workers are draining
// before upstream workers produce.
func (s *Sequential) Start(ctx context.Context) error {
	err := s.validateTopology()
	if err != nil {
		return err
	}

	for i := len(s.nodes) - 1; i >= 0; i-- {
		startErr := s.nodes[i].Start(ctx)
		if startErr != nil {
			return fmt.Errorf("start pipeline %s: %w", s.name, startErr)
		}
	}

	s.logger.Info("pipeline started", slog.Int("nodes", len(s.nodes)))

	return nil
}

// validateTopology checks the reachable node graph for cycles.
func (s *Sequential) validateTopology() error {
	graph := toposort.NewGraph()

	seen := make(map[*Node]bool)
	queue := make([]*Node, len(s.nodes))
	copy(queue, s.nodes)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if seen[n] {
			continue
		}

		seen[n] = true
		graph.AddNode(n.Name())

		for _, d := range n.downstreamNodes() {
			graph.AddEdge(n.Name(), d.Name())
			queue = append(queue, d)
		}
	}

	_, err := graph.Sort()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCycle, s.name, err)
	}

	return nil
}

// Put delegates to the head node's input queue.
func (s *Sequential) Put(v any) {
	s.Head().Put(v)
}

// End enqueues the external stop sentinel into the head queue. The
// end-of-stream rule propagates it through every node.
func (s *Sequential) End() {
	s.Head().Put(StopValue())
}

// Running reports whether any internal node still has live workers.
func (s *Sequential) Running() bool {
	for _, n := range s.nodes {
		if n.Running() {
			return true
		}
	}

	return false
}

// Stats returns monitoring snapshots for every internal node in order.
func (s *Sequential) Stats() []Stats {
	stats := make([]Stats, len(s.nodes))
	for i, n := range s.nodes {
		stats[i] = n.Stats()
	}

	return stats
}
