// Package agent implements the Agent Host described in spec.md §4.15:
// startup ordering, the unlock gate, supervision of IRC connections, and
// graceful shutdown. Grounded on presbrey-pkg/irc/ircd/main.go's
// load-config/construct/start/signal-wait shape and irc/client.go's
// textproto-based line reading, generalized from one IRC *server*
// process to one IRC *agent* process that drives N outbound connections
// plus the control plane.
package agent

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brudvik/munin-agent/bind"
	"github.com/brudvik/munin-agent/capability"
	"github.com/brudvik/munin-agent/config"
	"github.com/brudvik/munin-agent/dispatch"
	"github.com/brudvik/munin-agent/ircmsg"
	"github.com/brudvik/munin-agent/isupport"
	"github.com/brudvik/munin-agent/metrics"
	"github.com/brudvik/munin-agent/protection"
	"github.com/brudvik/munin-agent/scram"
	"github.com/brudvik/munin-agent/sendqueue"
	"github.com/brudvik/munin-agent/session"
	"github.com/brudvik/munin-agent/supervisor"
	"github.com/brudvik/munin-agent/userdb"
	"github.com/brudvik/munin-agent/vault"
)

// supervisorStates lists every supervisor.State.String() value, used to
// zero out the gauges of states a connection just left.
var supervisorStates = []string{"idle", "resolving", "tcp_connecting", "tls_handshake", "registering", "ready", "closing"}

// auditSink records a dropped-work event, per spec.md §7's "every
// recovery path that drops work records an audit event" policy.
type auditSink interface {
	Record(ctx context.Context, server, kind, detail string)
}

// secretResolverFunc decrypts a config-carried EncryptedValue; callers
// pass config.ResolveSecret bound to the Host's unlocked *vault.Vault.
type secretResolverFunc func(vault.EncryptedValue) (string, error)

// Connection owns one server's full stack: session state, send queue,
// capability/SASL negotiation, protection engine, and the supervisor
// driving its lifecycle. Exactly one reader goroutine (supervisor's
// ReadLoop) mutates Session, per spec.md §5's single-writer discipline.
type Connection struct {
	Name string

	cfg     config.ServerConfig
	users   *userdb.Database
	binds   *bind.Registry
	audit   auditSink
	resolve secretResolverFunc

	Session    *session.State
	Queue      *sendqueue.Queue
	Protection *protection.Engine
	Dispatcher *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor

	conn   net.Conn
	connMu sync.Mutex

	log *log.Logger
}

// Host returns the configured server hostname this connection dials,
// used by the Agent Host to match gossiped bans to the right network.
func (c *Connection) Host() string { return c.cfg.Host }

// NewConnection wires one server's stack together but does not start it;
// call Run to begin the supervised connect loop.
func NewConnection(cfg config.ServerConfig, protCfg protection.Config, users *userdb.Database, binds *bind.Registry, resolve secretResolverFunc, aud auditSink) (*Connection, error) {
	state := session.New(4096)
	c := &Connection{
		Name:    cfg.Name,
		cfg:     cfg,
		users:   users,
		binds:   binds,
		audit:   aud,
		resolve: resolve,
		Session: state,
		log:     log.New(log.Writer(), fmt.Sprintf("[server:%s] ", cfg.Name), log.LstdFlags),
	}

	c.Queue = sendqueue.New(sendqueue.Config{
		ISupport: state.ISupport,
		Write:    c.writeLine,
	})
	c.Protection = protection.New(cfg.Name, protCfg, users, c.Queue)
	c.Protection.OnAction = func(channel string, action protection.Action) {
		metrics.IncProtectionAction(cfg.Name, channel, string(action))
	}
	c.Dispatcher = dispatch.New(cfg.Name, state.ISupport, c.Protection, binds)

	var tlsCfg *supervisor.TLSConfig
	if cfg.TLS {
		inner := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.AcceptInvalidCertificates}
		if cfg.ClientCertPath != "" {
			cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
			if err != nil {
				return nil, fmt.Errorf("server %s: load client certificate: %w", cfg.Name, err)
			}
			inner.Certificates = []tls.Certificate{cert}
		}
		tlsCfg = &supervisor.TLSConfig{
			Config:                    inner,
			AcceptInvalidCertificates: cfg.AcceptInvalidCertificates,
		}
	}

	backoff := supervisor.Backoff{
		Base:        time.Duration(cfg.Reconnect.BaseSeconds * float64(time.Second)),
		CapFactor:   cfg.Reconnect.CapFactor,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	if backoff.Base <= 0 {
		backoff.Base = 5 * time.Second
	}
	if backoff.CapFactor <= 0 {
		backoff.CapFactor = 12 // base*12 == 60s ceiling at base=5s
	}

	c.Supervisor = supervisor.New(supervisor.Config{
		DialTCP: func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: 15 * time.Second}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
		},
		TLS:      tlsCfg,
		Register: c.register,
		ReadLoop: c.readLoop,
		Backoff:  backoff,
		SendPing: func(ctx context.Context) error {
			return c.Queue.Send(ctx, sendqueue.PriorityQuick, fmt.Sprintf("PING :%s", cfg.Name))
		},
		OnState: func(st supervisor.State) {
			c.log.Printf("state -> %s", st)
			metrics.SetConnectionState(cfg.Name, st.String(), supervisorStates)
			if st == supervisor.StateTCPConnecting {
				metrics.IncReconnect(cfg.Name)
			}
		},
	})

	return c, nil
}

// Run drives the supervised connect loop until ctx is cancelled or the
// reconnect policy is exhausted.
func (c *Connection) Run(ctx context.Context) error {
	return c.Supervisor.Run(ctx)
}

// Disconnect requests a clean, non-reconnecting shutdown of this
// connection, sending QUIT via the quick lane so it bypasses the token
// bucket, per spec.md §4.7/§4.15.
func (c *Connection) Disconnect(ctx context.Context, message string) {
	c.Supervisor.Disconnect()
	if message == "" {
		message = "Leaving"
	}
	c.Queue.Send(ctx, sendqueue.PriorityQuick, "QUIT :"+message)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		time.AfterFunc(2*time.Second, func() { conn.Close() })
	}
}

func (c *Connection) writeLine(line string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: %s: not connected", c.Name)
	}
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

// lineReader wraps textproto for CRLF/LF-tolerant line reading, matching
// presbrey-pkg/irc/client.go's reader discipline, with a goroutine
// bridging blocking reads to context cancellation.
type lineReader struct {
	tp *textproto.Reader
}

func newLineReader(conn net.Conn) *lineReader {
	return &lineReader{tp: textproto.NewReader(bufio.NewReader(conn))}
}

func (r *lineReader) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.tp.ReadLine()
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if res.err == io.EOF {
				return "", io.EOF
			}
			return "", res.err
		}
		return res.line, nil
	}
}

// register performs NICK/USER/optional PASS, CAP negotiation, and SASL,
// per spec.md §4.3/§4.4/§4.8's Registering state, within a bounded
// timeout.
func (c *Connection) register(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	caps := capability.NewManager()
	send := func(line string) error {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, err := conn.Write([]byte(line + "\r\n"))
		return err
	}

	if err := send("CAP LS 302"); err != nil {
		return err
	}
	caps.Begin()

	if c.cfg.ServerPassword.Data != "" {
		if pw, err := c.resolve(c.cfg.ServerPassword); err == nil && pw != "" {
			send("PASS :" + pw)
		}
	}

	nick := c.cfg.Nicknames[0]
	username := c.cfg.Username
	if username == "" {
		username = nick
	}
	realname := c.cfg.RealName
	if realname == "" {
		realname = nick
	}
	if err := send(fmt.Sprintf("NICK %s", nick)); err != nil {
		return err
	}
	if err := send(fmt.Sprintf("USER %s 0 * :%s", username, realname)); err != nil {
		return err
	}

	rd := newLineReader(conn)
	var scramClient *scram.Client
	saslMethod := ""

	for {
		line, err := rd.readLine(ctx)
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		msg, err := ircmsg.Decode(line)
		if err != nil {
			continue
		}

		switch msg.Command {
		case "PING":
			send("PONG :" + strings.Join(msg.AllParams(), " "))
		case "CAP":
			if len(msg.Params) < 2 {
				continue
			}
			sub := strings.ToUpper(msg.Params[1])
			rest := msg.AllParams()[2:]
			switch sub {
			case "LS":
				final := true
				if len(rest) > 0 && rest[0] == "*" {
					final = false
					rest = rest[1:]
				}
				var tokens []string
				if len(rest) > 0 {
					tokens = strings.Fields(rest[len(rest)-1])
				}
				offered := caps.HandleLS(tokens, final)
				if final {
					if len(offered) > 0 {
						send("CAP REQ :" + strings.Join(offered, " "))
					} else if err := c.maybeEndCap(send, caps); err != nil {
						return err
					}
				}
			case "ACK":
				var acked []string
				if len(rest) > 0 {
					acked = strings.Fields(rest[len(rest)-1])
				}
				caps.HandleACK(acked)
				if caps.WantsSASL() && saslMethod == "" {
					saslMethod = c.chooseSASLMethod(caps)
					if saslMethod != "" {
						send("AUTHENTICATE " + saslMethod)
						continue
					}
					caps.MarkSASLDone()
				}
				if err := c.maybeEndCap(send, caps); err != nil {
					return err
				}
			case "NAK":
				var naked []string
				if len(rest) > 0 {
					naked = strings.Fields(rest[len(rest)-1])
				}
				caps.HandleNAK(naked)
				if err := c.maybeEndCap(send, caps); err != nil {
					return err
				}
			case "NEW":
				caps.HandleNEW(strings.Fields(strings.Join(rest, " ")))
			case "DEL":
				caps.HandleDEL(strings.Fields(strings.Join(rest, " ")))
			}
		case "AUTHENTICATE":
			if err := c.handleAuthenticate(send, msg, caps, &scramClient); err != nil {
				return err
			}
		case "903", "904", "905", "906", "907":
			caps.MarkSASLDone()
			if msg.Command != "903" {
				c.log.Printf("SASL failed: numeric %s", msg.Command)
			}
			if err := c.maybeEndCap(send, caps); err != nil {
				return err
			}
		case "001":
			c.Session.HandleRegistered(msg.Params[0])
			return nil
		case "005":
			c.Session.HandleISupport(msg.AllParams()[1:])
		case "433", "436", "437":
			// nickname in use or collision: fall through the
			// configured list, per spec.md §3's "fallbacks".
			idx := 0
			for i, n := range c.cfg.Nicknames {
				if n == nick {
					idx = i
					break
				}
			}
			if idx+1 < len(c.cfg.Nicknames) {
				nick = c.cfg.Nicknames[idx+1]
			} else {
				nick = nick + "_"
			}
			send("NICK " + nick)
		}
	}
}

func (c *Connection) chooseSASLMethod(caps *capability.Manager) string {
	want := ""
	switch c.cfg.AuthMode {
	case "sasl-scram-sha-256":
		want = "SCRAM-SHA-256"
	case "sasl-plain":
		want = "PLAIN"
	default:
		return ""
	}
	for _, m := range caps.SASLMethods() {
		if m == want {
			return m
		}
	}
	return ""
}

func (c *Connection) maybeEndCap(send func(string) error, caps *capability.Manager) error {
	if caps.ReadyForCapEnd() {
		return send("CAP END")
	}
	return nil
}

func (c *Connection) handleAuthenticate(send func(string) error, msg *ircmsg.Message, caps *capability.Manager, scramClient **scram.Client) error {
	method := c.chooseSASLMethod(caps)
	saslUser := c.cfg.SaslUser
	if saslUser == "" {
		saslUser = c.cfg.Nicknames[0]
	}
	saslPassword, err := c.resolve(c.cfg.SaslPassword)
	if err != nil {
		return err
	}

	payload := ""
	if len(msg.Params) > 0 {
		payload = msg.Params[0]
	}

	switch method {
	case "PLAIN":
		if payload != "+" {
			return nil
		}
		auth := saslUser + "\x00" + saslUser + "\x00" + saslPassword
		return send("AUTHENTICATE " + base64.StdEncoding.EncodeToString([]byte(auth)))
	case "SCRAM-SHA-256":
		if *scramClient == nil {
			if payload != "+" {
				return nil
			}
			cl, err := scram.NewClient(saslUser, saslPassword)
			if err != nil {
				return err
			}
			*scramClient = cl
			first, err := cl.FirstMessage()
			if err != nil {
				return err
			}
			return send("AUTHENTICATE " + base64.StdEncoding.EncodeToString([]byte(first)))
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return err
		}
		cl := *scramClient
		if cl.State() == scram.AwaitServerFirst {
			final, err := cl.FinalMessage(string(decoded))
			if err != nil {
				return err
			}
			return send("AUTHENTICATE " + base64.StdEncoding.EncodeToString([]byte(final)))
		}
		if err := cl.VerifyFinal(string(decoded)); err != nil {
			c.log.Printf("SCRAM server signature verification failed: %v", err)
		}
		return send("AUTHENTICATE +")
	}
	return nil
}

// readLoop is the supervisor's steady-state ReadLoop: decode lines,
// mutate Session, and dispatch. Exactly this goroutine ever calls
// Session's Handle* methods, per spec.md §5's single-writer discipline.
func (c *Connection) readLoop(ctx context.Context, conn net.Conn) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	rd := newLineReader(conn)
	for {
		line, err := rd.readLine(ctx)
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		c.Supervisor.Touch()
		msg, err := ircmsg.Decode(line)
		if err != nil {
			continue
		}
		c.applyMessage(msg)
	}
}

func prefixNick(msg *ircmsg.Message) string {
	if msg.Prefix != nil {
		return msg.Prefix.Name
	}
	return ""
}

func (c *Connection) applyMessage(msg *ircmsg.Message) {
	nick := prefixNick(msg)
	switch msg.Command {
	case "PING":
		c.Queue.Send(context.Background(), sendqueue.PriorityQuick, "PONG :"+strings.Join(msg.AllParams(), " "))
	case "005":
		c.Session.HandleISupport(msg.AllParams()[1:])
	case "JOIN":
		if len(msg.Params) == 0 {
			return
		}
		channel := msg.Params[0]
		user, host := "", ""
		if msg.Prefix != nil {
			user, host = msg.Prefix.User, msg.Prefix.Host
		}
		c.Session.HandleJoin(channel, session.User{Nick: nick, User: user, Host: host})
		c.Dispatcher.Dispatch(bind.Event{Type: bind.TypeJoin, Server: c.Name, Channel: channel, Nick: nick, Hostmask: hostmaskOf(msg)})
	case "PART":
		if len(msg.Params) == 0 {
			return
		}
		channel := msg.Params[0]
		self := c.isOwnNick(nick)
		c.Session.HandlePart(channel, nick, msg.Trailing)
		if self {
			c.Session.RemoveChannel(channel)
		}
	case "KICK":
		if len(msg.Params) < 2 {
			return
		}
		channel, target := msg.Params[0], msg.Params[1]
		self := c.isOwnNick(target)
		c.Session.HandleKick(channel, nick, target, msg.Trailing)
		c.Dispatcher.Dispatch(bind.Event{Type: bind.TypeKick, Server: c.Name, Channel: channel, Nick: nick, MatchField: target})
		if self {
			c.Session.RemoveChannel(channel)
		}
	case "QUIT":
		c.Session.HandleQuit(nick, msg.Trailing)
	case "NICK":
		newNick := msg.Trailing
		if len(msg.Params) > 0 {
			newNick = msg.Params[0]
		}
		if newNick == "" {
			return
		}
		c.Session.HandleNick(nick, newNick)
		c.Dispatcher.Dispatch(bind.Event{Type: bind.TypeNick, Server: c.Name, Nick: nick, MatchField: newNick})
	case "MODE":
		c.applyModeLine(nick, msg)
	case "TOPIC":
		if len(msg.Params) == 0 {
			return
		}
		c.Session.HandleTopic(msg.Params[0], nick, msg.Trailing, time.Now())
	case "332":
		if len(msg.Params) < 2 {
			return
		}
		c.Session.HandleTopic(msg.Params[1], "", msg.Trailing, time.Time{})
	case "333":
		if len(msg.Params) < 4 {
			return
		}
		sec, _ := strconv.ParseInt(msg.Params[3], 10, 64)
		c.Session.HandleTopic(msg.Params[1], msg.Params[2], "", time.Unix(sec, 0))
	case "353":
		if len(msg.Params) < 3 {
			return
		}
		c.Session.HandleNames(msg.Params[2], strings.Fields(msg.Trailing), true, true)
	case "366":
		if len(msg.Params) < 2 {
			return
		}
		c.Session.HandleNamesEnd(msg.Params[1])
	case "AWAY":
		c.Session.HandleAway(nick, len(msg.AllParams()) > 0)
	case "CHGHOST":
		if len(msg.Params) < 2 {
			return
		}
		c.Session.HandleChgHost(nick, msg.Params[0], msg.Params[1])
	case "ACCOUNT":
		acct := msg.Trailing
		if acct == "" && len(msg.Params) > 0 {
			acct = msg.Params[0]
		}
		c.Session.HandleAccount(nick, acct)
	case "PRIVMSG", "NOTICE":
		// DispatchMessage offers the decoded event to Protection before
		// routing it to the Bind Registry, so no separate Inspect call
		// is needed here.
		c.Dispatcher.DispatchMessage(msg, c.Session.OwnNick())
	}
}

func (c *Connection) isOwnNick(nick string) bool {
	return c.Session.ISupport.Normalize(nick) == c.Session.ISupport.Normalize(c.Session.OwnNick())
}

func hostmaskOf(msg *ircmsg.Message) string {
	if msg.Prefix == nil {
		return ""
	}
	return msg.Prefix.String()
}

func (c *Connection) applyModeLine(setter string, msg *ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[0]
	modeStr := msg.Params[1]
	args := msg.Params[2:]
	argIdx := 0
	adding := true
	for i := 0; i < len(modeStr); i++ {
		ch := modeStr[i]
		switch ch {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}
		class := c.Session.ISupport.ClassifyMode(ch)
		takesParam := false
		switch class {
		case isupport.ModePrefix, isupport.ModeList, isupport.ModeAlways:
			takesParam = true
		case isupport.ModeSet:
			takesParam = adding
		}
		param := ""
		if takesParam && argIdx < len(args) {
			param = args[argIdx]
			argIdx++
		}
		c.Session.HandleMode(channel, setter, adding, ch, param)
	}
}
