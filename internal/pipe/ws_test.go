package pipe

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSListenerRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l := NewWSListener(addr, "/ws")

	var inst Instance
	recvCh := make(chan []byte, 4)
	ready := make(chan struct{})

	go func() {
		_ = l.Serve(func(i Instance) Callbacks {
			inst = i
			close(ready)
			return Callbacks{
				OnRecv: func(data []byte) { recvCh <- data },
			}
		})
	}()
	defer l.Close()

	time.Sleep(50 * time.Millisecond)

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted instance")
	}

	if err := inst.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q", data)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("world")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case got := <-recvCh:
		if string(got) != "world" {
			t.Fatalf("recv = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}
}

// TestWSInstanceFullQueueIsFatal fills an instance's write queue without
// ever starting its writeLoop (so nothing drains it) and asserts that
// overflowing it tears the instance down and reports ErrQueueFull through
// OnDisconnected, rather than silently dropping the overflow frame.
func TestWSInstanceFullQueueIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	dialer := websocket.DefaultDialer
	clientConn, _, err := dialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	inst := newWSInstance(serverConn)
	disconnected := make(chan error, 1)
	inst.cb = Callbacks{OnDisconnected: func(err error) { disconnected <- err }}

	var lastErr error
	for i := 0; i < MaxPendingWrites+1; i++ {
		lastErr = inst.Send([]byte("x"))
	}
	if lastErr != ErrQueueFull {
		t.Fatalf("last Send error = %v, want ErrQueueFull", lastErr)
	}

	select {
	case err := <-disconnected:
		if err != ErrQueueFull {
			t.Fatalf("OnDisconnected err = %v, want ErrQueueFull", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overflowing the write queue never triggered OnDisconnected")
	}
}
