package agent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brudvik/munin-agent/audit"
	"github.com/brudvik/munin-agent/bind"
	"github.com/brudvik/munin-agent/config"
	"github.com/brudvik/munin-agent/control"
	"github.com/brudvik/munin-agent/hooks"
	"github.com/brudvik/munin-agent/metrics"
	"github.com/brudvik/munin-agent/peering"
	"github.com/brudvik/munin-agent/protection"
	"github.com/brudvik/munin-agent/sendqueue"
	"github.com/brudvik/munin-agent/userdb"
	"github.com/brudvik/munin-agent/vault"
	"github.com/brudvik/munin-agent/wait"
)

// Host is the top-level agent process described in spec.md §4.15: it
// owns the vault unlock gate, the user database, every per-server
// Connection, the control server, and the reload/shutdown hook
// sequencing. Grounded on presbrey-pkg/irc/ircd/main.go's
// load-config/construct/start/stop shape, scaled from one server to N.
type Host struct {
	cfg   *config.Config
	vault *vault.Vault
	users *userdb.Database
	binds *bind.Registry
	audit auditSink

	mu          sync.RWMutex
	connections map[string]*Connection

	control *control.Server
	metrics *metrics.Server
	auditDB *audit.Store
	peers   *peering.Hub

	reloadHooks   *hooks.Registry[*config.Config]
	shutdownHooks *hooks.Registry[context.Context]

	log *log.Logger
}

// NewHost constructs a Host from an already-loaded, validated Config. If
// the config carries encryption.isEncrypted, the caller must call
// Unlock before Start.
func NewHost(cfg *config.Config) *Host {
	h := &Host{
		cfg:           cfg,
		vault:         vault.New(),
		binds:         bind.NewRegistry(nil),
		connections:   map[string]*Connection{},
		reloadHooks:   hooks.NewRegistry[*config.Config](),
		shutdownHooks: hooks.NewRegistry[context.Context](),
		log:           log.New(log.Writer(), "[agent] ", log.LstdFlags),
	}
	return h
}

// Unlock derives the vault key from password and the configured salt,
// verifying it against the stored verification token before any server
// connects, per spec.md §4.15's unlock gate.
func (h *Host) Unlock(password string) error {
	if !h.cfg.Encryption.IsEncrypted {
		return nil
	}
	salt, err := base64.StdEncoding.DecodeString(h.cfg.Encryption.Salt)
	if err != nil {
		return fmt.Errorf("agent: decode stored salt: %w", err)
	}
	return h.vault.Unlock(password, salt, h.cfg.Encryption.VerificationToken)
}

// SetAuditSink installs the audit log the connections and control
// handlers record dropped-work events to. Nil is valid and silently
// drops records (used in tests).
func (h *Host) SetAuditSink(a auditSink) { h.audit = a }

func (h *Host) resolveSecret(ev vault.EncryptedValue) (string, error) {
	return config.ResolveSecret(h.vault, ev)
}

// Start brings the agent up in this order: user database, bind registry
// flag checker, audit store, control server, metrics, peering, then one
// protection config shared by every server and parallel connects. It then
// waits (up to about 60s per enabled server) for each server to register
// before returning; Run continues driving reconnects in the background
// until ctx is cancelled.
func (h *Host) Start(ctx context.Context) error {
	h.users = userdb.New(h.cfg.Users.Path)
	if err := h.users.Load(); err != nil {
		h.log.Printf("user database: %v (starting empty)", err)
	}
	for _, seed := range h.cfg.Users.Seed {
		h.users.Add(&userdb.User{Handle: seed.Handle, Flags: seed.Flags, Hostmasks: seed.Hostmasks})
	}
	h.binds = bind.NewRegistry(h.users.CheckFlags)

	if h.cfg.AuditDSN != "" && h.audit == nil {
		store, err := audit.Open(h.cfg.AuditDSN)
		if err != nil {
			h.log.Printf("audit store: %v (audit events will be dropped)", err)
		} else {
			h.auditDB = store
			h.audit = store
		}
	}

	if err := h.startControl(ctx); err != nil {
		return fmt.Errorf("agent: control server: %w", err)
	}
	h.startMetrics(ctx)

	if err := h.startPeering(ctx); err != nil {
		h.log.Printf("peering: %v", err)
	}

	protCfg := protectionConfigFromChannelProtection(h.cfg.ChannelProtection)

	var wg sync.WaitGroup
	for _, sc := range h.cfg.Servers {
		if !sc.Enabled {
			continue
		}
		sc := sc
		conn, err := NewConnection(sc, protCfg, h.users, h.binds, h.resolveSecret, h.audit)
		if err != nil {
			h.log.Printf("server %s: %v", sc.Name, err)
			h.recordAudit(ctx, sc.Name, "connection_init_failed", err.Error())
			continue
		}
		if h.peers != nil {
			conn.Protection.OnBan = h.gossipBan(conn)
		}
		h.mu.Lock()
		h.connections[sc.Name] = conn
		h.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
				h.log.Printf("server %s: supervisor exited: %v", sc.Name, err)
				h.recordAudit(ctx, sc.Name, "supervisor_exit", err.Error())
			}
		}()
	}

	for _, sc := range h.cfg.Servers {
		if !sc.Enabled {
			continue
		}
		name := sc.Name
		h.waitForRegistration(ctx, name)
	}

	return nil
}

// waitForRegistration polls a connection's session state for up to 60s,
// per spec.md §4.15's bounded-startup expectation; it never blocks Start
// indefinitely on an unreachable server.
func (h *Host) waitForRegistration(ctx context.Context, name string) {
	conn := h.Connection(name)
	if conn == nil {
		return
	}
	err := wait.Until(func() (bool, error) {
		return conn.Session.Registered(), nil
	}, &wait.Options{
		Context:    ctx,
		Timeout:    60 * time.Second,
		Strategy:   wait.NewFixedStrategy(250 * time.Millisecond),
		MaxRetries: 240,
	})
	if err != nil {
		h.log.Printf("server %s: not registered within startup window: %v", name, err)
	}
}

// Connection returns the named server's Connection, or nil.
func (h *Host) Connection(name string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connections[name]
}

// Connections returns a snapshot of every configured Connection.
func (h *Host) Connections() map[string]*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*Connection, len(h.connections))
	for k, v := range h.connections {
		out[k] = v
	}
	return out
}

// Reload re-reads configuration from disk and runs reload hooks,
// per spec.md §4.15/§7's config-reload path: a failed reload leaves the
// running agent on its previous configuration.
func (h *Host) Reload(source string) error {
	if err := h.cfg.Reload(source); err != nil {
		return err
	}
	h.reloadHooks.RunAll(h.cfg)
	return nil
}

// RegisterReloadHook adds a callback invoked after every successful
// Reload, ordered by priority (lower runs first), per hooks.Registry's
// ordering contract.
func (h *Host) RegisterReloadHook(priority int64, fn hooks.Hook[*config.Config]) {
	h.reloadHooks.RegisterWithPriority(fn, priority)
}

// RegisterShutdownHook adds a callback invoked during Shutdown, before
// connections are closed, ordered by priority.
func (h *Host) RegisterShutdownHook(priority int64, fn hooks.Hook[context.Context]) {
	h.shutdownHooks.RegisterWithPriority(fn, priority)
}

// Shutdown performs spec.md §4.15's graceful-stop ordering: stop
// accepting control sessions, run shutdown hooks, QUIT every connected
// server with a grace period for queued sends to drain, close control
// sessions, then lock the vault to zero its key material.
func (h *Host) Shutdown(ctx context.Context, message string) {
	if h.control != nil {
		h.control.StopAccepting()
	}
	h.shutdownHooks.RunAll(ctx)

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Disconnect(ctx, message)
	}
	time.Sleep(5 * time.Second)

	if h.control != nil {
		h.control.CloseSessions()
	}
	if h.metrics != nil {
		h.metrics.Shutdown(ctx)
	}
	if h.auditDB != nil {
		h.auditDB.Close()
	}
	if h.peers != nil {
		h.peers.Close()
	}
	h.vault.Lock()
}

// startPeering brings up the optional inter-agent ban-gossip hub per
// spec.md §3's botnet peering group: a listener (if ListenAddr is set)
// for incoming gossip, plus an outbound dial to every configured peer.
// A disabled or unconfigured Botnet leaves h.peers nil, and every other
// peering-related call becomes a no-op.
func (h *Host) startPeering(ctx context.Context) error {
	if !h.cfg.Botnet.Enabled {
		return nil
	}
	hub := peering.NewHub()
	if h.cfg.Botnet.ListenAddr != "" {
		if err := hub.Start(ctx, h.cfg.Botnet.ListenAddr, h); err != nil {
			return fmt.Errorf("listen %s: %w", h.cfg.Botnet.ListenAddr, err)
		}
	}
	for _, peer := range h.cfg.Botnet.Peers {
		if err := hub.Dial(peer.Name, peer.Address); err != nil {
			h.log.Printf("peering: dial %s: %v", peer.Name, err)
		}
	}
	h.peers = hub
	return nil
}

// gossipBan returns a protection.Engine.OnBan callback that fans a ban
// issued on conn out to every sibling agent, tagging it with conn's
// configured server host so a receiving agent can match it to its own
// connection to the same network.
func (h *Host) gossipBan(conn *Connection) func(channel, mask string) {
	return func(channel, mask string) {
		h.peers.Gossip(context.Background(), peering.Ban{
			Network: conn.Host(),
			Channel: channel,
			Mask:    mask,
			Setter:  "agent",
			SetAt:   time.Now().Unix(),
		})
	}
}

// ApplyBan implements peering.Receiver: it applies a ban gossiped by a
// sibling agent to every local connection whose configured host matches
// b.Network, mirroring the MODE +b this agent would have sent had it
// observed the flood itself.
func (h *Host) ApplyBan(b peering.Ban) {
	for _, c := range h.Connections() {
		if c.Host() != b.Network {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.Queue.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("MODE %s +b %s", b.Channel, b.Mask))
		cancel()
	}
}

func (h *Host) recordAudit(ctx context.Context, server, kind, detail string) {
	if h.audit == nil {
		return
	}
	h.audit.Record(ctx, server, kind, detail)
}

func protectionConfigFromChannelProtection(cp config.ChannelProtectionConfig) protection.Config {
	badWords := make([]protection.BadWordRule, 0, len(cp.BadWords))
	for _, bw := range cp.BadWords {
		badWords = append(badWords, protection.BadWordRule{
			Pattern: bw.Pattern,
			Regex:   isRegexPattern(bw.Pattern),
			Action:  protection.Action(bw.Action),
			Reason:  bw.Reason,
		})
	}
	return protection.Config{
		FloodWindow:       time.Duration(cp.FloodWindowSeconds) * time.Second,
		FloodThreshold:    cp.FloodThreshold,
		FloodAction:       protection.Action(orDefault(cp.FloodAction, "warn")),
		CloneThreshold:    cp.CloneThreshold,
		CloneAction:       protection.Action(orDefault(cp.CloneAction, "warn")),
		MassKickWindow:    time.Duration(cp.MassKickWindowSeconds) * time.Second,
		MassKickThreshold: cp.MassKickThreshold,
		MassKickAction:    protection.Action(orDefault(cp.MassKickAction, "kickban")),
		BadWords:          badWords,
		SweepInterval:     time.Duration(cp.SweepIntervalSeconds) * time.Second,
	}
}

func isRegexPattern(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', ']', '(', ')', '^', '$', '\\':
			return true
		}
	}
	return false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// startControl brings up the Control Server per spec.md §4.14: a
// TLS-required listener, the registered IP allow list, and the status /
// IRC-control / user-db / agent-control handler table.
func (h *Host) startControl(ctx context.Context) error {
	authToken, err := config.ResolveSecret(h.vault, h.cfg.ControlAuthToken)
	if err != nil {
		return fmt.Errorf("resolve control auth token: %w", err)
	}

	allow, err := control.NewAllowList(h.cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("control allow list: %w", err)
	}

	var tlsCfg *tls.Config
	if h.cfg.RequireTLS {
		cert, err := tls.LoadX509KeyPair(h.cfg.ControlCertPath, h.cfg.ControlKeyPath)
		if err != nil {
			return fmt.Errorf("load control TLS certificate: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	listener, err := control.ListenTLS(control.ParsePort(h.cfg.ControlPort), tlsCfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := control.NewServer(listener, control.Config{
		AuthToken: []byte(authToken),
		AllowList: allow,
		Handlers:  h.controlHandlers(),
		OnAuthFailure: func(addr string, err error) {
			h.recordAudit(ctx, "", "control_auth_failure", fmt.Sprintf("%s: %v", addr, err))
		},
	})
	h.control = srv

	go func() {
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			h.log.Printf("control server: %v", err)
		}
	}()
	return nil
}

// startMetrics brings up the loopback /healthz + /metrics surface if
// MetricsAddr is configured, and launches a background poller that
// mirrors the control server's session count into its gauge.
func (h *Host) startMetrics(ctx context.Context) {
	if h.cfg.MetricsAddr == "" {
		return
	}
	h.metrics = metrics.NewServer(h.cfg.MetricsAddr, h)
	go func() {
		if err := <-h.metrics.Start(); err != nil {
			h.log.Printf("metrics server: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if h.control != nil {
					metrics.ControlSessions.Set(float64(h.control.SessionCount()))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Healthy implements metrics.HealthChecker: the agent is healthy once
// every enabled server has reached Ready.
func (h *Host) Healthy() (bool, string) {
	for name, c := range h.Connections() {
		if !c.Session.Registered() {
			return false, fmt.Sprintf("server %s not registered", name)
		}
	}
	return true, "ok"
}

// controlHandlers maps the spec.md §4.13 request types the Host serves to
// Host methods: status queries (0x20-0x22), IRC control (0x30-0x33),
// user-database management (0x60-0x61) and agent control (0x70 reload,
// 0x71 shutdown). No script-management (0x50-0x56) type is registered.
func (h *Host) controlHandlers() map[control.Type]control.Handler {
	handlers := map[control.Type]control.Handler{}

	handlers[control.Type(0x20)] = h.handleStatusServers
	handlers[control.Type(0x21)] = h.handleStatusChannels
	handlers[control.Type(0x22)] = h.handleStatusAudit

	handlers[control.Type(0x30)] = h.handleIRCSay
	handlers[control.Type(0x31)] = h.handleIRCJoin
	handlers[control.Type(0x32)] = h.handleIRCPart
	handlers[control.Type(0x33)] = h.handleIRCRaw

	handlers[control.Type(0x60)] = h.handleUserAdd
	handlers[control.Type(0x61)] = h.handleUserFlags

	handlers[control.Type(0x70)] = h.handleAgentReload
	handlers[control.Type(0x71)] = h.handleAgentShutdown

	return handlers
}

type controlRequest struct {
	Server  string `json:"server,omitempty"`
	Channel string `json:"channel,omitempty"`
	Target  string `json:"target,omitempty"`
	Text    string `json:"text,omitempty"`
	Handle  string `json:"handle,omitempty"`
	Flags   string `json:"flags,omitempty"`
	Add     bool   `json:"add,omitempty"`
}

func decodeRequest(req control.Frame) (controlRequest, error) {
	var cr controlRequest
	if len(req.Payload) == 0 {
		return cr, nil
	}
	err := json.Unmarshal(req.Payload, &cr)
	return cr, err
}

func okFrame(seq uint32, v interface{}) (control.Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return control.Frame{}, err
	}
	return control.Frame{Type: control.TypeSuccess, Seq: seq, Payload: payload}, nil
}

func errFrame(seq uint32, err error) (control.Frame, error) {
	return control.Frame{Type: control.TypeError, Seq: seq, Payload: []byte(err.Error())}, nil
}

func (h *Host) handleStatusServers(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	type serverStatus struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	var out []serverStatus
	for name, c := range h.Connections() {
		out = append(out, serverStatus{Name: name, State: c.Supervisor.State().String()})
	}
	return okFrame(req.Seq, out)
}

func (h *Host) handleStatusChannels(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	c := h.Connection(cr.Server)
	if c == nil {
		return errFrame(req.Seq, fmt.Errorf("unknown server %q", cr.Server))
	}
	return okFrame(req.Seq, c.Session.Channels())
}

func (h *Host) handleStatusAudit(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	if h.auditDB == nil {
		return errFrame(req.Seq, fmt.Errorf("audit store not configured"))
	}
	limit := 50
	events, err := h.auditDB.Recent(ctx, limit)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, events)
}

func (h *Host) handleIRCSay(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	c := h.Connection(cr.Server)
	if c == nil {
		return errFrame(req.Seq, fmt.Errorf("unknown server %q", cr.Server))
	}
	if err := c.Queue.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("PRIVMSG %s :%s", cr.Target, cr.Text)); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleIRCJoin(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	c := h.Connection(cr.Server)
	if c == nil {
		return errFrame(req.Seq, fmt.Errorf("unknown server %q", cr.Server))
	}
	if err := c.Queue.Send(ctx, sendqueue.PriorityHelp, "JOIN "+cr.Channel); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleIRCPart(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	c := h.Connection(cr.Server)
	if c == nil {
		return errFrame(req.Seq, fmt.Errorf("unknown server %q", cr.Server))
	}
	line := "PART " + cr.Channel
	if cr.Text != "" {
		line += " :" + cr.Text
	}
	if err := c.Queue.Send(ctx, sendqueue.PriorityHelp, line); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleIRCRaw(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	c := h.Connection(cr.Server)
	if c == nil {
		return errFrame(req.Seq, fmt.Errorf("unknown server %q", cr.Server))
	}
	if err := c.Queue.Send(ctx, sendqueue.PriorityNormal, cr.Text); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleUserAdd(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	if err := h.users.Add(&userdb.User{Handle: cr.Handle, Flags: cr.Flags}); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleUserFlags(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	cr, err := decodeRequest(req)
	if err != nil {
		return errFrame(req.Seq, err)
	}
	if err := h.users.ApplyFlags(cr.Handle, cr.Flags, cr.Add); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleAgentReload(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	if err := h.Reload(""); err != nil {
		return errFrame(req.Seq, err)
	}
	return okFrame(req.Seq, nil)
}

func (h *Host) handleAgentShutdown(ctx context.Context, sess *control.Session, req control.Frame) (control.Frame, error) {
	go h.Shutdown(context.Background(), "Shutdown requested via control protocol")
	return okFrame(req.Seq, nil)
}

// verifyHMAC is a standalone helper documenting the challenge-response
// scheme control.Server.authenticate implements internally (HMAC-SHA256
// over the server-issued nonce, keyed by the shared control auth
// token). It is unexported and nothing in the module calls it.
func verifyHMAC(key, nonce, mac []byte) bool {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	return hmac.Equal(h.Sum(nil), mac)
}
