// Package sendqueue implements the per-server flood-controlled outbound
// writer described in spec.md §4.7: a token bucket with priority lanes
// that bypass it, TARGMAX-aware multi-target splitting, and MODES-aware
// batching. Grounded on presbrey-pkg/irc/client.go's writeLock+bufio.Writer
// writer discipline, extended with the token-bucket algorithm spec.md
// describes (no corpus example implements one, so the bucket itself is
// built directly from the spec using stdlib time.Ticker).
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brudvik/munin-agent/isupport"
)

// Priority selects a send lane. Per spec.md §9 Open Question #3, the
// three Eggdrop-identical put* calls are split into three distinct
// priorities instead of collapsing to one queue.
type Priority int

const (
	// PriorityNormal is the default lane: subject to the token bucket.
	PriorityNormal Priority = iota
	// PriorityHelp is for command replies a user is waiting on; still
	// token-bucket-limited but enqueued ahead of PriorityNormal.
	PriorityHelp
	// PriorityQuick bypasses the bucket entirely (PONG, QUIT).
	PriorityQuick
)

// ErrRateLimited is returned by TrySend when the priority lane's buffer
// is full and the caller asked not to block.
var ErrRateLimited = errors.New("sendqueue: rate limited")

// item is one queued outbound line awaiting a token.
type item struct {
	priority Priority
	line     string
	done     chan error
}

// Queue is one server connection's token-bucket writer. The run
// goroutine started by New is the sole goroutine draining it, per spec.md §5's single-consumer channel
// requirement.
type Queue struct {
	capacity float64
	refill   float64 // tokens/sec

	mu     sync.Mutex
	tokens float64
	last   time.Time

	help   chan item
	normal chan item
	quick  chan item

	isupport *isupport.Registry

	write func(line string) error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config configures a Queue.
type Config struct {
	Capacity float64 // tokens, default 5
	Refill   float64 // tokens/sec, default 1
	ISupport *isupport.Registry
	// Write performs the actual I/O for one already-formatted line
	// (without CRLF; Write appends it).
	Write func(line string) error
}

// New constructs a Queue and starts its writer goroutine.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.Refill <= 0 {
		cfg.Refill = 1
	}
	q := &Queue{
		capacity: cfg.Capacity,
		refill:   cfg.Refill,
		tokens:   cfg.Capacity,
		last:     time.Now(),
		help:     make(chan item, 64),
		normal:   make(chan item, 256),
		quick:    make(chan item, 16),
		isupport: cfg.ISupport,
		write:    cfg.Write,
		stopCh:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the writer goroutine. Queued items are abandoned.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

func (q *Queue) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case it := <-q.quick:
			it.done <- q.write(it.line)
		case <-ticker.C:
			q.refillTokens()
			q.drainOneIfTokenAvailable()
		}
	}
}

func (q *Queue) refillTokens() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(q.last).Seconds()
	q.tokens += elapsed * q.refill
	if q.tokens > q.capacity {
		q.tokens = q.capacity
	}
	q.last = now
}

func (q *Queue) drainOneIfTokenAvailable() {
	q.mu.Lock()
	has := q.tokens >= 1
	q.mu.Unlock()
	if !has {
		return
	}

	var it item
	select {
	case it = <-q.help:
	default:
		select {
		case it = <-q.normal:
		default:
			return
		}
	}

	q.mu.Lock()
	q.tokens -= 1
	q.mu.Unlock()
	it.done <- q.write(it.line)
}

// Send enqueues line at the given priority and blocks until it is
// written (or ctx is cancelled). PriorityQuick lines bypass the bucket
// entirely.
func (q *Queue) Send(ctx context.Context, p Priority, line string) error {
	it := item{priority: p, line: line, done: make(chan error, 1)}
	var target chan item
	switch p {
	case PriorityQuick:
		target = q.quick
	case PriorityHelp:
		target = q.help
	default:
		target = q.normal
	}
	select {
	case target <- it:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopCh:
		return errors.New("sendqueue: closed")
	}
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues line without blocking if the lane is full, returning
// ErrRateLimited instead of blocking the caller (spec.md's RateLimited
// error kind, §7).
func (q *Queue) TrySend(p Priority, line string) error {
	it := item{priority: p, line: line, done: make(chan error, 1)}
	var target chan item
	switch p {
	case PriorityQuick:
		target = q.quick
	case PriorityHelp:
		target = q.help
	default:
		target = q.normal
	}
	select {
	case target <- it:
		return nil
	default:
		return ErrRateLimited
	}
}

// SplitTargets splits a comma-separated target list into batches no
// larger than the server's TARGMAX limit for command, per spec.md §4.7.
func SplitTargets(reg *isupport.Registry, command, targets string) []string {
	list := strings.Split(targets, ",")
	max, ok := reg.TargMax(command)
	if !ok || max <= 0 || max >= len(list) {
		return []string{targets}
	}
	var batches []string
	for i := 0; i < len(list); i += max {
		end := i + max
		if end > len(list) {
			end = len(list)
		}
		batches = append(batches, strings.Join(list[i:end], ","))
	}
	return batches
}

// ModeChange is one "+o"/"-o"-style mode change plus an optional
// parameter; BuildModeCommands groups them into commands of at most
// ISUPPORT MODES parameterised changes each, per spec.md §4.7.
type ModeChange struct {
	Adding bool
	Mode   byte
	Param  string // empty if this mode takes no parameter
}

// BuildModeCommands renders a batch of ModeChange into one or more "MODE
// <channel> <modestring> <params...>" command bodies (without the MODE
// verb/leading colon), each respecting the server's MODES limit for
// changes that carry a parameter. Flag-only changes (no parameter) do
// not count against the limit.
func BuildModeCommands(reg *isupport.Registry, channel string, changes []ModeChange) []string {
	max := reg.Modes()
	if max <= 0 {
		max = 3
	}
	var commands []string
	i := 0
	for i < len(changes) {
		var modestr strings.Builder
		var params []string
		paramCount := 0
		lastAdding := changes[i].Adding
		modestr.WriteByte(signChar(lastAdding))
		for i < len(changes) {
			c := changes[i]
			if c.Param != "" && paramCount >= max {
				break
			}
			if c.Adding != lastAdding {
				modestr.WriteByte(signChar(c.Adding))
				lastAdding = c.Adding
			}
			modestr.WriteByte(c.Mode)
			if c.Param != "" {
				params = append(params, c.Param)
				paramCount++
			}
			i++
		}
		cmd := fmt.Sprintf("%s %s", channel, modestr.String())
		if len(params) > 0 {
			cmd += " " + strings.Join(params, " ")
		}
		commands = append(commands, cmd)
	}
	return commands
}

func signChar(adding bool) byte {
	if adding {
		return '+'
	}
	return '-'
}
