package peering

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingReceiver struct {
	mu   sync.Mutex
	bans []Ban
}

func (r *recordingReceiver) ApplyBan(b Ban) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = append(r.bans, b)
}

func (r *recordingReceiver) snapshot() []Ban {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ban, len(r.bans))
	copy(out, r.bans)
	return out
}

func TestHubGossipDeliversBanToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixedAddr := "127.0.0.1:58391"
	recv2 := &recordingReceiver{}
	server2 := NewHub()
	if err := server2.Start(ctx, fixedAddr, recv2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server2.Close()

	client := NewHub()
	defer client.Close()

	if err := client.Dial("sibling", fixedAddr); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	client.Gossip(ctx, Ban{
		Network: "irc.example.org",
		Channel: "#ops",
		Mask:    "*!*@spammer.example",
		Reason:  "flood",
		Setter:  "agent-a",
		SetAt:   1,
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(recv2.snapshot()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := recv2.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivered ban, got %d", len(got))
	}
	if got[0].Mask != "*!*@spammer.example" || got[0].Channel != "#ops" {
		t.Fatalf("unexpected ban contents: %+v", got[0])
	}
}

func TestDialIsIdempotentPerName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv := &recordingReceiver{}
	server := NewHub()
	if err := server.Start(ctx, "127.0.0.1:58392", recv); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Close()

	client := NewHub()
	defer client.Close()

	if err := client.Dial("sibling", "127.0.0.1:58392"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Dial("sibling", "127.0.0.1:58392"); err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	if len(client.peers) != 1 {
		t.Fatalf("expected exactly one peer connection, got %d", len(client.peers))
	}
}

func TestGossipBanHandlerWithoutInterceptor(t *testing.T) {
	recv := &recordingReceiver{}
	s := &server{recv: recv}
	in := &Ban{Network: "irc.example.org", Channel: "#lobby", Mask: "*!*@bad.example"}

	out, err := _Peering_GossipBan_Handler(s, context.Background(), func(v interface{}) error {
		*(v.(*Ban)) = *in
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ack, ok := out.(*Ack)
	if !ok || !ack.Applied {
		t.Fatalf("expected Applied ack, got %#v", out)
	}
	if len(recv.snapshot()) != 1 {
		t.Fatalf("expected ApplyBan called once")
	}
}
