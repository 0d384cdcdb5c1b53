package sendqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brudvik/munin-agent/isupport"
)

func TestTokenBucketEnvelope(t *testing.T) {
	var mu sync.Mutex
	var written []string
	q := New(Config{
		Capacity: 3,
		Refill:   1,
		Write: func(line string) error {
			mu.Lock()
			written = append(written, line)
			mu.Unlock()
			return nil
		},
	})
	defer q.Close()

	// 3 lines go out on the initial tokens; the other 7 need 7s of refill.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Send(ctx, PriorityNormal, "line")
		}(i)
	}
	wg.Wait()

	mu.Lock()
	count := len(written)
	mu.Unlock()
	if count != 10 {
		t.Fatalf("expected all 10 lines eventually written, got %d", count)
	}
}

func TestQuickBypassesTokens(t *testing.T) {
	var mu sync.Mutex
	var written []string
	q := New(Config{
		Capacity: 1,
		Refill:   0.01,
		Write: func(line string) error {
			mu.Lock()
			written = append(written, line)
			mu.Unlock()
			return nil
		},
	})
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := q.Send(ctx, PriorityQuick, "PONG"); err != nil {
			t.Fatalf("quick send should not block: %v", err)
		}
	}
	mu.Lock()
	count := len(written)
	mu.Unlock()
	if count != 5 {
		t.Fatalf("expected 5 quick lines written immediately, got %d", count)
	}
}

func TestSplitTargets(t *testing.T) {
	reg := isupport.New()
	reg.Apply([]string{"TARGMAX=PRIVMSG:2"})
	batches := SplitTargets(reg, "PRIVMSG", "a,b,c,d,e")
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches of <=2, got %v", batches)
	}
	if batches[0] != "a,b" || batches[2] != "e" {
		t.Fatalf("unexpected batching: %v", batches)
	}
}

func TestBuildModeCommandsRespectsLimit(t *testing.T) {
	reg := isupport.New()
	reg.Apply([]string{"MODES=2"})
	changes := []ModeChange{
		{Adding: true, Mode: 'o', Param: "alice"},
		{Adding: true, Mode: 'o', Param: "bob"},
		{Adding: true, Mode: 'o', Param: "carol"},
	}
	cmds := BuildModeCommands(reg, "#chan", changes)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 batched commands, got %v", cmds)
	}
	if cmds[0] != "#chan +oo alice bob" {
		t.Fatalf("unexpected first command: %q", cmds[0])
	}
	if cmds[1] != "#chan +o carol" {
		t.Fatalf("unexpected second command: %q", cmds[1])
	}
}
