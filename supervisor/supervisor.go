// Package supervisor implements the Connection Supervisor from spec.md
// §4.8: the per-server lifecycle state machine, exponential-backoff
// reconnect policy, and PING/PONG liveness tracking. Grounded on
// presbrey-pkg/irc/client.go's handleConnection per-connection loop and
// read-deadline discipline for the liveness side, and
// presbrey-pkg/wait's ExponentialBackoffStrategy for the backoff
// formula (reimplemented directly here rather than imported, since the
// supervisor needs attempt-bounding and Reset-on-success tied to its own
// state machine, which wait.Strategy's polling-oriented API doesn't
// expose).
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is one point in the lifecycle spec.md §4.8 names.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateTCPConnecting
	StateTLSHandshake
	StateRegistering
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateTCPConnecting:
		return "tcp_connecting"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Backoff implements delay = base * min(2^(attempt-1), cap) with ±20%
// jitter, bounded by MaxAttempts (0 = unbounded), per spec.md §4.8.
type Backoff struct {
	Base        time.Duration
	CapFactor   float64 // bound on 2^(attempt-1); 0 = unbounded
	MaxAttempts int     // 0 = unbounded

	attempt int
}

// Next returns the next reconnect delay, or ok=false once MaxAttempts is
// exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.MaxAttempts > 0 && b.attempt > b.MaxAttempts {
		return 0, false
	}
	factor := math.Pow(2, float64(b.attempt-1))
	if b.CapFactor > 0 && factor > b.CapFactor {
		factor = b.CapFactor
	}
	d := float64(b.Base) * factor
	jitter := (rand.Float64()*0.4 - 0.2) * d // ±20%
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d), true
}

// Reset clears attempt count, called after a connection reaches Ready.
func (b *Backoff) Reset() { b.attempt = 0 }

// TLSConfig wraps the optional transport security settings spec.md §4.8
// names: a standard *tls.Config, plus the warning-logged
// accept-invalid-certificates escape hatch.
type TLSConfig struct {
	Config                    *tls.Config
	AcceptInvalidCertificates bool
}

// Config wires a Supervisor to the concrete transport and registration
// logic, all supplied by the caller so this package stays free of any
// IRC-specific framing.
type Config struct {
	// DialTCP establishes the raw transport (commonly net.Dialer.DialContext).
	DialTCP func(ctx context.Context) (net.Conn, error)
	TLS     *TLSConfig // nil disables TLS

	// Register performs NICK/USER/optional PASS/CAP/SASL to reach Ready.
	Register func(ctx context.Context, conn net.Conn) error

	// ReadLoop blocks, consuming conn until it closes or ctx is done. A
	// nil error return means a clean server-initiated close.
	ReadLoop func(ctx context.Context, conn net.Conn) error

	Backoff Backoff

	// PingInterval is the idle threshold after which the supervisor
	// issues its own PING (240s default per spec.md §4.8).
	PingInterval time.Duration
	// SendPing performs the actual write; errors are treated the same
	// as a missed PING.
	SendPing func(ctx context.Context) error

	OnState func(State)
}

// Supervisor drives one server connection's lifecycle.
type Supervisor struct {
	cfg Config

	mu             sync.Mutex
	state          State
	userDisconnect bool

	lastTraffic atomic.Int64
	missedPings atomic.Int32
}

// New constructs a Supervisor in state Idle.
func New(cfg Config) *Supervisor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 240 * time.Second
	}
	return &Supervisor{cfg: cfg}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// Touch records that traffic was just received, resetting the idle
// clock and missed-PING counter. The IRC reader loop calls this for
// every line, including the transport-level PONG mirror.
func (s *Supervisor) Touch() {
	s.lastTraffic.Store(time.Now().UnixNano())
	s.missedPings.Store(0)
}

// Disconnect marks this as a clean, user-initiated disconnect: Run
// returns nil instead of scheduling a reconnect once the current
// connection (if any) closes, per spec.md §4.8.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.userDisconnect = true
	s.mu.Unlock()
}

func (s *Supervisor) isUserDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userDisconnect
}

// Run drives the full Idle→...→Ready→Closing→Idle loop, reconnecting
// with backoff on failure, until ctx is cancelled, Disconnect is called,
// or the backoff policy's attempt bound is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return ctx.Err()
		}
		if s.isUserDisconnect() {
			s.setState(StateIdle)
			return nil
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if !s.reconnectOrStop(ctx) {
				return fmt.Errorf("supervisor: giving up after repeated connect failures: %w", err)
			}
			continue
		}

		s.setState(StateRegistering)
		if err := s.cfg.Register(ctx, conn); err != nil {
			conn.Close()
			if !s.reconnectOrStop(ctx) {
				return fmt.Errorf("supervisor: giving up after repeated registration failures: %w", err)
			}
			continue
		}

		s.cfg.Backoff.Reset()
		s.Touch()
		s.setState(StateReady)

		livenessCtx, stopLiveness := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runLiveness(livenessCtx, conn)
		}()

		readErr := s.cfg.ReadLoop(ctx, conn)
		stopLiveness()
		conn.Close()
		wg.Wait()

		s.setState(StateClosing)

		if ctx.Err() != nil {
			s.setState(StateIdle)
			return ctx.Err()
		}
		if s.isUserDisconnect() {
			s.setState(StateIdle)
			return nil
		}
		if !s.reconnectOrStop(ctx) {
			return fmt.Errorf("supervisor: giving up after repeated failures: %w", readErr)
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (net.Conn, error) {
	s.setState(StateResolving)
	s.setState(StateTCPConnecting)
	conn, err := s.cfg.DialTCP(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dial: %w", err)
	}

	if s.cfg.TLS == nil {
		return conn, nil
	}

	s.setState(StateTLSHandshake)
	cfg := s.cfg.TLS.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if s.cfg.TLS.AcceptInvalidCertificates {
		log.Printf("[supervisor] WARNING: TLS certificate verification disabled (AcceptInvalidCertificates)")
		cfg = cfg.Clone()
		cfg.InsecureSkipVerify = true
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("supervisor: tls handshake: %w", err)
	}
	return tlsConn, nil
}

func (s *Supervisor) reconnectOrStop(ctx context.Context) bool {
	d, ok := s.cfg.Backoff.Next()
	if !ok {
		return false
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// runLiveness issues a PING after PingInterval of silence and another
// after each further PingInterval of continued silence, closing conn
// once two consecutive PINGs go unanswered, per spec.md §4.8. A reply
// (anything that calls Touch) resets both the idle clock and the missed
// count.
func (s *Supervisor) runLiveness(ctx context.Context, conn net.Conn) {
	tickEvery := s.cfg.PingInterval / 4
	if tickEvery < time.Millisecond {
		tickEvery = time.Millisecond
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	var lastPingAt int64 // unix nano; 0 = no PING outstanding

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.missedPings.Load() == 0 {
				lastPingAt = 0
			}
			now := time.Now().UnixNano()
			idleSinceTraffic := time.Duration(now - s.lastTraffic.Load())
			if idleSinceTraffic < s.cfg.PingInterval {
				continue
			}
			if lastPingAt != 0 && time.Duration(now-lastPingAt) < s.cfg.PingInterval {
				continue // still waiting out the interval since our last PING
			}

			if s.cfg.SendPing != nil {
				if err := s.cfg.SendPing(ctx); err != nil {
					log.Printf("[supervisor] PING write failed: %v", err)
				}
			}
			lastPingAt = now
			missed := s.missedPings.Add(1)
			if missed >= 2 {
				log.Printf("[supervisor] two PINGs unanswered, closing connection")
				conn.Close()
				return
			}
		}
	}
}
