package pipe

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	plog "rpc2socks-go/pkg/log"
	"rpc2socks-go/pkg/metrics"
)

// wsInstance adapts a *websocket.Conn to Instance, grounded on the
// teacher's WSConn: a bounded write-job channel drained by its own
// goroutine, so a slow or wedged peer applies back-pressure to Send
// instead of blocking whoever is relaying data to it.
type wsInstance struct {
	id     string
	conn   *websocket.Conn
	writeC chan []byte
	closed int32
	once   sync.Once
	done   chan struct{}

	cb Callbacks
}

func newWSInstance(conn *websocket.Conn) *wsInstance {
	return &wsInstance{
		id:     uuid.NewString(),
		conn:   conn,
		writeC: make(chan []byte, MaxPendingWrites),
		done:   make(chan struct{}),
	}
}

func (w *wsInstance) ID() string { return w.id }

// Send enqueues data for the write loop. A full queue means the peer (or
// the network) isn't draining fast enough to keep up; rather than silently
// dropping the frame, the instance tears itself down with ErrQueueFull so
// the loss is surfaced through the normal OnDisconnected path instead of
// being swallowed by a caller that only logs a failed Send.
func (w *wsInstance) Send(data []byte) error {
	if atomic.LoadInt32(&w.closed) != 0 {
		return ErrInstanceClosed
	}
	select {
	case w.writeC <- data:
		return nil
	default:
		w.shutdown(ErrQueueFull)
		return ErrQueueFull
	}
}

func (w *wsInstance) Close() { w.shutdown(nil) }

func (w *wsInstance) shutdown(err error) {
	first := false
	w.once.Do(func() {
		first = true
		atomic.StoreInt32(&w.closed, 1)
		close(w.done)
		w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = w.conn.Close()
	})
	// Invoked outside once.Do so the callback may call Close reentrantly.
	if first && err != nil && w.cb.OnDisconnected != nil {
		w.cb.OnDisconnected(err)
	}
}

func (w *wsInstance) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.shutdown(err)
			return
		}
		metrics.AddBytesRecv(int64(len(data)))
		metrics.IncrPacketsRecv()
		if w.cb.OnRecv != nil {
			w.cb.OnRecv(data)
		}
	}
}

func (w *wsInstance) writeLoop() {
	for {
		select {
		case data := <-w.writeC:
			if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				w.shutdown(err)
				return
			}
			metrics.AddBytesSent(int64(len(data)))
			metrics.IncrPacketsSent()
			if w.cb.OnSent != nil {
				w.cb.OnSent()
			}
		case <-w.done:
			return
		}
	}
}

// DialInstance wraps an already-established *websocket.Conn (e.g. from a
// bridge dialer) as an Instance, using the same accept-then-start contract
// as Listener.Serve: accept is called synchronously before any data is
// delivered, and its return value wires the instance's callbacks.
func DialInstance(conn *websocket.Conn, accept func(inst Instance) Callbacks) Instance {
	inst := newWSInstance(conn)
	inst.cb = accept(inst)
	go inst.readLoop()
	go inst.writeLoop()
	return inst
}

// WSListener is the WebSocket-backed Listener used in place of a native
// named-pipe server. Grounded on the teacher's Upgrader, trimmed of the
// client-bearer-token scheme (this module's channel handshake, OpChannelSetup,
// already authenticates and identifies the peer at the application layer).
type WSListener struct {
	addr string
	path string

	mu  sync.Mutex
	srv *http.Server
}

func NewWSListener(addr, path string) *WSListener {
	return &WSListener{addr: addr, path: path}
}

func (l *WSListener) Serve(accept func(inst Instance) Callbacks) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    ReadBufferSize,
		WriteBufferSize:   ReadBufferSize,
		EnableCompression: false,
		CheckOrigin:       func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			plog.Warn("[pipe] upgrade failed: %v", err)
			return
		}
		inst := newWSInstance(conn)
		inst.cb = accept(inst)
		go inst.readLoop()
		go inst.writeLoop()
	})

	l.mu.Lock()
	l.srv = &http.Server{Addr: l.addr, Handler: mux}
	srv := l.srv
	l.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *WSListener) Close() error {
	l.mu.Lock()
	srv := l.srv
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
