package socks

import (
	"net"
	"testing"
	"time"
)

func TestCreateClientNeverZeroNoCollision(t *testing.T) {
	e := NewEngine(time.Second)
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		token := e.CreateClient()
		if token == 0 {
			t.Fatal("token == 0")
		}
		if seen[token] {
			t.Fatalf("token collision: %d", token)
		}
		seen[token] = true
	}
}

func TestGreetingPrefersNoAuth(t *testing.T) {
	e := NewEngine(time.Second)
	token := e.CreateClient()

	var replies [][]byte
	done := make(chan struct{}, 1)
	e.OnResponse = func(tok uint64, data []byte) {
		replies = append(replies, data)
		done <- struct{}{}
	}

	if err := e.PushRequest(token, []byte{0x05, 0x02, 0x00, 0x02}); err != nil {
		t.Fatalf("push: %v", err)
	}
	<-done

	if len(replies) != 1 || replies[0][1] != authNone {
		t.Fatalf("reply = %v, want no-auth selected", replies)
	}
}

func TestAuthAlwaysSucceeds(t *testing.T) {
	e := NewEngine(time.Second)
	token := e.CreateClient()

	replyCh := make(chan []byte, 2)
	e.OnResponse = func(tok uint64, data []byte) { replyCh <- data }

	_ = e.PushRequest(token, []byte{0x05, 0x01, 0x02}) // offer only user/pass
	<-replyCh

	userpass := []byte{0x01, 4, 'b', 'a', 'd', '1', 4, 'b', 'a', 'd', '2'}
	_ = e.PushRequest(token, userpass)
	reply := <-replyCh
	if reply[1] != replySuccess {
		t.Fatalf("auth reply = %v, want success regardless of credentials", reply)
	}
}

func TestConnectReplyIsFixedIPv4Form(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	e := NewEngine(2 * time.Second)
	token := e.CreateClient()

	replyCh := make(chan []byte, 4)
	e.OnResponse = func(tok uint64, data []byte) { replyCh <- data }

	_ = e.PushRequest(token, []byte{0x05, 0x01, 0x00})
	<-replyCh // greeting reply

	addr := ln.Addr().(*net.TCPAddr)
	domain := "localhost"
	req := []byte{0x05, 0x01, 0x00, atypDomain, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, byte(addr.Port>>8), byte(addr.Port))
	_ = e.PushRequest(token, req)

	reply := <-replyCh
	if len(reply) != 10 {
		t.Fatalf("reply length = %d, want 10 (fixed IPv4 form)", len(reply))
	}
	if reply[3] != atypIPv4 {
		t.Fatalf("reply atyp = %d, want IPv4 even for a domain-name request", reply[3])
	}
}

func TestConnectRequestTooShortIsRejected(t *testing.T) {
	e := NewEngine(time.Second)
	token := e.CreateClient()

	disconnected := make(chan struct{}, 1)
	e.OnDisconnected = func(tok uint64) { disconnected <- struct{}{} }
	e.OnResponse = func(tok uint64, data []byte) {}

	_ = e.PushRequest(token, []byte{0x05, 0x01, 0x00})   // greeting
	_ = e.PushRequest(token, []byte{0x05, 0x01, 0x00, atypIPv4, 1, 2, 3}) // truncated ipv4 request

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("truncated CONNECT request should have torn the session down")
	}
}
