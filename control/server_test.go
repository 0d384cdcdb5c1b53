package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"testing"
	"time"
)

func TestAllowListStarAllowsEverything(t *testing.T) {
	al, err := NewAllowList([]string{"*"})
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}
	if !al.Allowed("203.0.113.5:4000") {
		t.Fatalf("expected '*' to allow any address")
	}
}

func TestAllowListExactAndCIDR(t *testing.T) {
	al, err := NewAllowList([]string{"203.0.113.5", "10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}
	if !al.Allowed("203.0.113.5:9") {
		t.Fatalf("expected exact-match IP to be allowed")
	}
	if !al.Allowed("10.1.2.3:9") {
		t.Fatalf("expected CIDR-matched IP to be allowed")
	}
	if al.Allowed("192.168.1.1:9") {
		t.Fatalf("expected unlisted IP to be rejected")
	}
}

func TestNilAllowListAllowsEverything(t *testing.T) {
	var al *AllowList
	if !al.Allowed("anything:1") {
		t.Fatalf("expected nil AllowList to allow everything")
	}
}

func clientHandshake(t *testing.T, conn net.Conn, token []byte) {
	t.Helper()
	challenge, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if challenge.Type != TypeAuthChallenge {
		t.Fatalf("expected AuthChallenge, got %#x", byte(challenge.Type))
	}
	mac := hmac.New(sha256.New, token)
	mac.Write(challenge.Payload)
	if err := WriteFrame(conn, Frame{Type: TypeAuthResponse, Seq: 1, Payload: mac.Sum(nil)}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if reply.Type != TypeAuthSuccess {
		t.Fatalf("expected AuthSuccess, got %#x", byte(reply.Type))
	}
}

func startTestServer(t *testing.T, cfg Config) (net.Listener, *Server, context.CancelFunc) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(l, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	return l, srv, cancel
}

func TestAuthSuccessThenCommandDispatch(t *testing.T) {
	token := []byte("sharedsecret")
	var gotPayload string
	l, srv, cancel := startTestServer(t, Config{
		AuthToken: token,
		Handlers: map[Type]Handler{
			0x20: func(ctx context.Context, sess *Session, req Frame) (Frame, error) {
				gotPayload = string(req.Payload)
				return Frame{Type: TypeSuccess, Payload: []byte("pong")}, nil
			},
		},
	})
	defer cancel()
	defer l.Close()
	defer srv.CloseSessions()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	clientHandshake(t, conn, token)

	if err := WriteFrame(conn, Frame{Type: 0x20, Seq: 7, Payload: []byte("ping")}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != TypeSuccess || reply.Seq != 7 || string(reply.Payload) != "pong" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if gotPayload != "ping" {
		t.Fatalf("handler did not see request payload, got %q", gotPayload)
	}
}

func TestUnknownTypeRepliesNotSupported(t *testing.T) {
	token := []byte("sharedsecret")
	l, srv, cancel := startTestServer(t, Config{AuthToken: token})
	defer cancel()
	defer l.Close()
	defer srv.CloseSessions()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	clientHandshake(t, conn, token)

	if err := WriteFrame(conn, Frame{Type: 0x33, Seq: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != TypeNotSupported || reply.Seq != 3 {
		t.Fatalf("expected NotSupported echoing seq 3, got %+v", reply)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	l, srv, cancel := startTestServer(t, Config{AuthToken: []byte("correct-token")})
	defer cancel()
	defer l.Close()
	defer srv.CloseSessions()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	challenge, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	mac := hmac.New(sha256.New, []byte("wrong-token"))
	mac.Write(challenge.Payload)
	if err := WriteFrame(conn, Frame{Type: TypeAuthResponse, Seq: 1, Payload: mac.Sum(nil)}); err != nil {
		t.Fatalf("write response: %v", err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if reply.Type != TypeAuthFailure {
		t.Fatalf("expected AuthFailure, got %#x", byte(reply.Type))
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := ReadFrame(conn); err == nil {
		t.Fatalf("expected connection to be closed after auth failure")
	}
}

func TestBroadcastClosesSlowReader(t *testing.T) {
	token := []byte("sharedsecret")
	l, srv, cancel := startTestServer(t, Config{AuthToken: token})
	defer cancel()
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	clientHandshake(t, conn, token)

	// Flood pushed events without pacing: bufferedSz is charged at
	// push() time, so this exceeds the 4MiB cap and the server closes
	// the session well before the client could drain it by reading.
	payload := make([]byte, 100000)
	for i := 0; i < 60; i++ {
		srv.Broadcast(Frame{Type: TypePushedEventBase, Payload: payload})
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Read(buf); err != nil {
			return // connection closed, as expected
		}
	}
	t.Fatalf("expected slow-reader session to be closed")
}
