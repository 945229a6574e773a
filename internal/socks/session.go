package socks

import (
	"sync"
	"sync/atomic"

	"rpc2socks-go/internal/reactor"
)

// session is one SOCKS5 connection as seen by the engine: a state machine
// driven by inbound packets (not by owning a client socket directly — the
// actual client-facing socket lives on the controller side of the tunnel,
// this engine only ever sees the SOCKS bytes already extracted from OpSocks
// frames) plus, once CONNECTed, the real outbound socket to the target.
type session struct {
	token uint64

	mu                sync.Mutex
	state             state
	dispatcherStarted bool

	target   *reactor.Socket
	closed   int32
	closeOne sync.Once

	inbox chan []byte
	done  chan struct{}
}

func newSession(token uint64) *session {
	return &session{
		token: token,
		state: stateNewClient,
		inbox: make(chan []byte, 32),
		done:  make(chan struct{}),
	}
}

func (s *session) isClosed() bool { return atomic.LoadInt32(&s.closed) != 0 }

func (s *session) closeTarget() {
	s.closeOne.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		close(s.done)
		if s.target != nil {
			s.target.Close()
		}
	})
}
