package pipeline

import (
	"errors"
	"fmt"
)

// Topology validation errors returned by Node.Start.
var (
	// ErrNoDownstream is returned when a node that produces output has no
	// downstream to receive it.
	ErrNoDownstream = errors.New("node produces output but has no downstream")

	// ErrUpstreamOnSource is returned when a source node (NoInput) has
	// upstream connections.
	ErrUpstreamOnSource = errors.New("source node must not have upstreams")

	// ErrAlreadyRunning is returned when Start is called on a running node.
	ErrAlreadyRunning = errors.New("node already running")

	// ErrNilProcess is returned when a node is started without a processing
	// function.
	ErrNilProcess = errors.New("node has no processing function")

	// ErrCycle is returned when the node graph contains a cycle.
	ErrCycle = errors.New("node graph contains a cycle")
)

// NodeError encapsulates a processing failure after the node runtime has
// exhausted its retries. It is forwarded downstream as a regular value so
// later stages can observe the failure; nodes with SkipErrors pass it through
// untouched.
type NodeError struct {
	// Node is the name of the node whose processing function failed.
	Node string

	// Input is the original input value that triggered the failure.
	Input any

	// Err is the final error returned by the processing function.
	Err error

	// Stack is a snapshot of the worker goroutine stack at failure time.
	Stack []byte
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

// Unwrap returns the underlying processing error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// AsNodeError reports whether v is a forwarded node failure.
func AsNodeError(v any) (*NodeError, bool) {
	ne, ok := v.(*NodeError)

	return ne, ok
}
