// Package pipe abstracts the transport the worker and a remote controller
// talk over. Spec-wise this plays the role of a Windows named pipe, but
// nothing above this package depends on that: an Instance is just a
// callback-driven duplex byte stream with a bounded per-instance write
// queue, and a Listener just produces Instances. The concrete backend
// shipped and tested in this repo is WebSocket-based (see ws.go); a native
// named-pipe implementation would satisfy the same two interfaces without
// any change to the worker.
package pipe

import "errors"

const (
	// ReadBufferSize is the per-instance read buffer, matching the
	// original named-pipe implementation's per-instance buffer size.
	ReadBufferSize = 64 * 1024

	// MaxPendingWrites bounds how many writes may be queued for one
	// instance; a Send beyond that fails with ErrQueueFull.
	MaxPendingWrites = 10
)

var (
	ErrInstanceClosed = errors.New("pipe: instance closed")
	ErrQueueFull       = errors.New("pipe: write queue full")
)

// Instance is one physical connection carrying one or two logical
// channels (per the channel-setup handshake negotiated above this layer).
// Implementations must never invoke OnRecv/OnDisconnected while holding
// any lock of their own — callers rely on being able to reenter the
// pipe/worker freely from inside those callbacks.
type Instance interface {
	// Send enqueues data for asynchronous delivery. It never blocks: if
	// the instance's own bounded write queue is full it fails with
	// ErrQueueFull (the WebSocket instance also tears itself down then).
	Send(data []byte) error

	// Close tears the instance down without invoking OnDisconnected — use
	// this when the owner itself decided to close the instance.
	Close()

	// ID is a short opaque string for log correlation.
	ID() string
}

// Callbacks an Instance reports through.
type Callbacks struct {
	OnRecv         func(data []byte)
	OnSent         func()
	OnDisconnected func(err error)
}

// Listener accepts Instances. accept is called synchronously, once per
// instance, immediately after the transport-level handshake completes and
// before any data is delivered; its return value wires up the instance's
// callbacks before the instance's read/write goroutines start.
type Listener interface {
	Serve(accept func(inst Instance) Callbacks) error
	Close() error
}
