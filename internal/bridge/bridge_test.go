package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rpc2socks-go/internal/pipe"
	"rpc2socks-go/pkg/config"
)

// wsEchoServer upgrades every request and echoes whatever it receives,
// standing in for the real server side of a bridge dial.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, data); err != nil {
					return
				}
			}
		}()
	}))
}

func TestDialPlainWebsocketWiresInstance(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := config.BridgeConfig{ServerURL: serverURL}

	recv := make(chan []byte, 1)
	accept := func(inst pipe.Instance) pipe.Callbacks {
		return pipe.Callbacks{
			OnRecv: func(data []byte) { recv <- data },
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst, err := Dial(ctx, cfg, accept)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer inst.Close()

	if err := inst.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-recv:
		if string(got) != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestDialRejectsUnparsableURL(t *testing.T) {
	cfg := config.BridgeConfig{ServerURL: "://not-a-url"}
	_, err := Dial(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected an error for an unparsable server url")
	}
}

func TestDialFailsFastOnUnreachableServer(t *testing.T) {
	cfg := config.BridgeConfig{ServerURL: "ws://127.0.0.1:1/ws"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, cfg, func(pipe.Instance) pipe.Callbacks { return pipe.Callbacks{} })
	if err == nil {
		t.Fatal("expected a dial error against an unreachable server")
	}
}

func TestRunReconnectsAfterDisconnect(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	serverURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := config.BridgeConfig{ServerURL: serverURL}

	connected := make(chan pipe.Instance, 4)
	accept := func(inst pipe.Instance) pipe.Callbacks {
		connected <- inst
		return pipe.Callbacks{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Run(ctx, cfg, accept)

	select {
	case <-connected:
		// Drop the connection out from under the client so its read loop
		// sees an error and fires OnDisconnected, instead of calling
		// inst.Close() ourselves: a self-initiated Close carries no error
		// and Run only reconnects on an abnormal disconnect.
		srv.CloseClientConnections()
	case <-time.After(3 * time.Second):
		t.Fatal("Run never connected once")
	}

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("Run never reconnected after the first instance closed")
	}
}

func TestMinDuration(t *testing.T) {
	if got := minDuration(2*time.Second, 5*time.Second); got != 2*time.Second {
		t.Fatalf("got %v, want 2s", got)
	}
	if got := minDuration(9*time.Second, 5*time.Second); got != 5*time.Second {
		t.Fatalf("got %v, want 5s", got)
	}
}
