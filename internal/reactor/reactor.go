// Package reactor services many outbound TCP sockets without giving any one
// of them a dedicated blocking call on the critical path of another.
//
// The original service ran two pools of threads over raw sockets: one
// polling reads with a short timeout and randomized rotation to avoid
// starving any single socket, one draining a per-socket FIFO write queue.
// The idiomatic Go translation of that design is a goroutine pair per
// socket instead of a shared thread pool: one goroutine blocks in Read,
// one drains a bounded write-job channel. Both behavioral invariants the
// original relied on are preserved: callbacks never run with this
// package's or a caller's lock held, and writes to one socket are strictly
// FIFO and never interleave with another socket's writes.
package reactor

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rpc2socks-go/pkg/metrics"
)

const (
	writeQueueSize = 64
	readBufferSize = 32 * 1024
)

var ErrSocketClosed = errors.New("reactor: socket closed")

// Socket wraps one outbound net.Conn with a FIFO write queue and delivers
// received data / disconnection through callbacks on its own goroutines.
type Socket struct {
	conn   net.Conn
	writeC chan []byte
	closed int32
	once   sync.Once
	done   chan struct{}

	OnRecv         func(data []byte)
	OnDisconnected func(err error)
}

// NewSocket wraps conn; its read/write goroutines start only when Start is
// called. Callbacks must be assigned before any data can arrive, so set
// OnRecv/OnDisconnected before calling Start.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{
		conn:   conn,
		writeC: make(chan []byte, writeQueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the read and write goroutines. Must be called once.
func (s *Socket) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *Socket) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			metrics.AddBytesRecv(int64(n))
			if cb := s.OnRecv; cb != nil {
				cb(data)
			}
		}
		if err != nil {
			s.shutdown(err)
			return
		}
	}
}

func (s *Socket) writeLoop() {
	for {
		select {
		case data, ok := <-s.writeC:
			if !ok {
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				s.shutdown(err)
				return
			}
			metrics.AddBytesSent(int64(len(data)))
		case <-s.done:
			return
		}
	}
}

// Send enqueues data for the write goroutine. Returns ErrSocketClosed if the
// socket has already been torn down; does not block on the network itself,
// only on free space in the write queue.
func (s *Socket) Send(data []byte) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return ErrSocketClosed
	}
	select {
	case s.writeC <- data:
		return nil
	case <-s.done:
		return ErrSocketClosed
	}
}

// Close tears the socket down without invoking OnDisconnected (used when the
// owner itself initiated the close and already knows about it).
func (s *Socket) Close() {
	s.shutdown(nil)
}

func (s *Socket) shutdown(err error) {
	first := false
	s.once.Do(func() {
		first = true
		atomic.StoreInt32(&s.closed, 1)
		close(s.done)
		_ = s.conn.Close()
	})
	// Invoked outside once.Do so the callback may call Close reentrantly.
	if first && err != nil {
		if cb := s.OnDisconnected; cb != nil {
			cb(err)
		}
	}
}

// DialTimeout opens an outbound TCP connection bounded by timeout, the Go
// equivalent of the original's non-blocking connect()+select() loop: a
// single net.DialTimeout call gets the same bounded-wait behavior without
// needing to poll a socket's writability by hand.
func DialTimeout(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}
