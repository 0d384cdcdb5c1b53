// Package protection implements the Channel Protection Engine from
// spec.md §4.10: flood, clone, mass-kick, and bad-word detectors sharing
// per-(server,channel,subject) sliding-window bookkeeping, a friend-flag
// exemption, and graduated enforcement via the Send Queue. Grounded on
// presbrey-pkg/irc/opers.go's BanEntry/klines bookkeeping for the
// enforcement-action shape (kick/ban/kickban as MODE +b against a
// generalized hostmask) and booltmemo/booltmemo.go's TTL-memoized bool
// cache, adapted here to memoize the friend-flag exemption lookup so a
// hot flood window doesn't re-scan the user database on every message.
package protection

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/brudvik/munin-agent/bind"
	"github.com/brudvik/munin-agent/booltmemo"
	"github.com/brudvik/munin-agent/sendqueue"
)

// Action names an enforcement response, per spec.md §4.10.
type Action string

const (
	ActionWarn     Action = "warn"
	ActionKick     Action = "kick"
	ActionBan      Action = "ban"
	ActionKickban  Action = "kickban"
	ActionQuiet    Action = "quiet"
)

// BadWordRule is one compiled pattern in the bad-word detector. First
// match in registration order wins.
type BadWordRule struct {
	Pattern string
	Regex   bool
	Action  Action
	Reason  string

	compiled *regexp.Regexp
}

// Config holds the per-server thresholds spec.md §4.10 names.
type Config struct {
	FloodWindow    time.Duration // W_f
	FloodThreshold int           // N_f messages within FloodWindow
	FloodAction    Action

	CloneThreshold int // N_c: max simultaneous nicks sharing a host
	CloneAction    Action

	MassKickWindow    time.Duration // W_k
	MassKickThreshold int           // N_k kicks within MassKickWindow
	MassKickAction    Action

	BadWords []BadWordRule

	// SweepInterval governs how often idle buckets are evicted. Floored
	// at 60s per spec.md §4.10's "at most every 60s" sweep cadence.
	SweepInterval time.Duration
}

// FriendChecker resolves whether hostmask carries the `friend` flag,
// globally or on channel. userdb.Database satisfies this directly.
type FriendChecker interface {
	CheckFlags(hostmask, channel, required string) bool
}

// Sender performs enforcement actions through a server's Send Queue.
type Sender interface {
	Send(ctx context.Context, p sendqueue.Priority, line string) error
}

type window struct {
	mu    sync.Mutex
	times []time.Time
	last  time.Time
}

type cloneSet struct {
	mu    sync.Mutex
	nicks map[string]struct{}
	last  time.Time
}

// Engine is one server connection's protection state. Construct one per
// connected server; it is safe for concurrent use from the single reader
// goroutine that drives Inspect and from its own background sweep.
type Engine struct {
	server  string
	cfg     Config
	friends FriendChecker
	send    Sender

	exempt *booltmemo.Memoizer[string]

	mu        sync.Mutex
	floodKeys map[string]*window
	cloneKeys map[string]*cloneSet
	kickKeys  map[string]*window

	stopOnce sync.Once
	stopCh   chan struct{}

	// OnAction, if set, is called after every enforcement action is
	// issued, so callers can drive metrics or audit logging without this
	// package depending on either.
	OnAction func(channel string, action Action)

	// OnBan, if set, is called after a ban/kickban/quiet mode is sent
	// with the generalised *!*@host mask, so callers can gossip it to
	// sibling agents without this package depending on peering.
	OnBan func(channel, mask string)
}

// New constructs an Engine and starts its background sweep goroutine.
// friends and send may be nil in tests that don't exercise exemption or
// enforcement.
func New(server string, cfg Config, friends FriendChecker, send Sender) *Engine {
	if cfg.SweepInterval < 60*time.Second {
		cfg.SweepInterval = 60 * time.Second
	}
	for i := range cfg.BadWords {
		if cfg.BadWords[i].Regex {
			cfg.BadWords[i].compiled = regexp.MustCompile(cfg.BadWords[i].Pattern)
		}
	}

	e := &Engine{
		server:    server,
		cfg:       cfg,
		friends:   friends,
		send:      send,
		floodKeys: make(map[string]*window),
		cloneKeys: make(map[string]*cloneSet),
		kickKeys:  make(map[string]*window),
		stopCh:    make(chan struct{}),
	}
	if friends != nil {
		e.exempt = booltmemo.New(func(key string) bool {
			hostmask, channel := splitExemptKey(key)
			return friends.CheckFlags(hostmask, channel, "f")
		}, 30*time.Second, 5*time.Second)
	}
	go e.sweepLoop()
	return e
}

// Close stops the background sweep.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.exempt != nil {
		e.exempt.Stop()
	}
}

func splitExemptKey(key string) (hostmask, channel string) {
	i := strings.IndexByte(key, '\x00')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

func (e *Engine) isFriend(hostmask, channel string) bool {
	if e.exempt == nil || hostmask == "" {
		return false
	}
	return e.exempt.Get(hostmask + "\x00" + channel)
}

// Inspect implements dispatch.Protector: it runs whichever detector
// applies to ev.Type, takes enforcement action on breach, and reports
// whether delivery to the Bind Registry should be suppressed. Exempt
// (friend-flagged) subjects are never inspected.
func (e *Engine) Inspect(ev bind.Event) bool {
	switch ev.Type {
	case bind.TypePub, bind.TypePubm, bind.TypeMsg, bind.TypeMsgm:
		return e.inspectMessage(ev)
	case bind.TypeJoin:
		e.observeJoin(ev)
		return false
	case bind.TypePart, bind.TypeKick:
		e.observeDeparture(ev)
		if ev.Type == bind.TypeKick {
			return e.inspectKick(ev)
		}
		return false
	default:
		return false
	}
}

func (e *Engine) inspectMessage(ev bind.Event) bool {
	if e.isFriend(ev.Hostmask, ev.Channel) {
		return false
	}

	if action, reason, hit := e.matchBadWord(ev.Text); hit {
		e.enforce(action, ev.Channel, ev.Nick, ev.Hostmask, reason)
		return true
	}

	if e.cfg.FloodThreshold > 0 && e.cfg.FloodWindow > 0 {
		key := fmt.Sprintf("flood\x00%s\x00%s", ev.Channel, ev.Nick)
		if e.breach(e.floodWindow(key), e.cfg.FloodWindow, e.cfg.FloodThreshold) {
			e.enforce(e.cfg.FloodAction, ev.Channel, ev.Nick, ev.Hostmask, "flood")
			return true
		}
	}
	return false
}

func (e *Engine) inspectKick(ev bind.Event) bool {
	kicker := ev.Nick
	hostmask := ev.Hostmask
	if e.isFriend(hostmask, ev.Channel) {
		return false
	}
	if e.cfg.MassKickThreshold <= 0 || e.cfg.MassKickWindow <= 0 {
		return false
	}
	key := fmt.Sprintf("kick\x00%s\x00%s", ev.Channel, kicker)
	if e.breach(e.kickWindow(key), e.cfg.MassKickWindow, e.cfg.MassKickThreshold) {
		e.enforceMassKick(ev.Channel, kicker, hostmask)
		return true
	}
	return false
}

func (e *Engine) floodWindow(key string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.floodKeys[key]
	if !ok {
		w = &window{}
		e.floodKeys[key] = w
	}
	return w
}

func (e *Engine) kickWindow(key string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.kickKeys[key]
	if !ok {
		w = &window{}
		e.kickKeys[key] = w
	}
	return w
}

// breach records one occurrence in w and reports whether the sliding
// window now exceeds threshold. The bucket is capped at threshold+1
// entries (oldest dropped first) so it cannot grow unbounded under
// sustained flooding (spec.md §9 Open Question #1).
func (e *Engine) breach(w *window, windowDur time.Duration, threshold int) bool {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = now

	cutoff := now.Add(-windowDur)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if len(kept) > threshold+1 {
		kept = kept[len(kept)-(threshold+1):]
	}
	w.times = kept
	return len(w.times) > threshold
}

func (e *Engine) observeJoin(ev bind.Event) {
	if e.cfg.CloneThreshold <= 0 {
		return
	}
	host := hostFromHostmask(ev.Hostmask)
	if host == "" {
		return
	}
	key := ev.Channel + "\x00" + host
	e.mu.Lock()
	cs, ok := e.cloneKeys[key]
	if !ok {
		cs = &cloneSet{nicks: make(map[string]struct{})}
		e.cloneKeys[key] = cs
	}
	e.mu.Unlock()

	cs.mu.Lock()
	cs.nicks[ev.Nick] = struct{}{}
	cs.last = time.Now()
	n := len(cs.nicks)
	cs.mu.Unlock()

	if n > e.cfg.CloneThreshold && !e.isFriend(ev.Hostmask, ev.Channel) {
		e.enforce(e.cfg.CloneAction, ev.Channel, ev.Nick, ev.Hostmask, "clone")
	}
}

func (e *Engine) observeDeparture(ev bind.Event) {
	if e.cfg.CloneThreshold <= 0 {
		return
	}
	host := hostFromHostmask(ev.Hostmask)
	if host == "" {
		return
	}
	key := ev.Channel + "\x00" + host
	e.mu.Lock()
	cs, ok := e.cloneKeys[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	// ev.Nick for TypeKick is the kicker, not the departing user; the
	// target is the second word of MatchField ("{channel} {target}").
	nick := ev.Nick
	if ev.Type == bind.TypeKick {
		if i := strings.IndexByte(ev.MatchField, ' '); i >= 0 {
			nick = ev.MatchField[i+1:]
		}
	}
	cs.mu.Lock()
	delete(cs.nicks, nick)
	cs.mu.Unlock()
}

func hostFromHostmask(hostmask string) string {
	i := strings.IndexByte(hostmask, '@')
	if i < 0 || i == len(hostmask)-1 {
		return ""
	}
	return hostmask[i+1:]
}

func (e *Engine) matchBadWord(text string) (Action, string, bool) {
	for _, rule := range e.cfg.BadWords {
		if rule.Regex {
			if rule.compiled != nil && rule.compiled.MatchString(text) {
				return rule.Action, rule.Reason, true
			}
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(rule.Pattern)) {
			return rule.Action, rule.Reason, true
		}
	}
	return "", "", false
}

// enforce issues the graduated response through the Send Queue. Bans are
// always host-generalised to *!*@host, per spec.md §4.10.
func (e *Engine) enforce(action Action, channel, nick, hostmask, reason string) {
	if e.send == nil || action == "" {
		return
	}
	if e.OnAction != nil {
		e.OnAction(channel, action)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := hostFromHostmask(hostmask)
	banMask := fmt.Sprintf("*!*@%s", host)

	switch action {
	case ActionWarn:
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("NOTICE %s :%s: %s", channel, nick, reason))
	case ActionKick:
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("KICK %s %s :%s", channel, nick, reason))
	case ActionBan:
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("MODE %s +b %s", channel, banMask))
		e.notifyBan(channel, banMask)
	case ActionKickban:
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("MODE %s +b %s", channel, banMask))
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("KICK %s %s :%s", channel, nick, reason))
		e.notifyBan(channel, banMask)
	case ActionQuiet:
		e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("MODE %s +q %s", channel, banMask))
		e.notifyBan(channel, banMask)
	}
}

// enforceMassKick handles the mass-kick breach per spec.md §4.10: the
// kicker is unconditionally deopped before the configured ban/kick action
// runs — the deop is not itself one of the optional Action values, since
// the spec mandates it on every mass-kick breach, not just when an
// operator happens to have configured it.
func (e *Engine) enforceMassKick(channel, kicker, hostmask string) {
	if e.send == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.send.Send(ctx, sendqueue.PriorityNormal, fmt.Sprintf("MODE %s -o %s", channel, kicker))
	cancel()

	action := e.cfg.MassKickAction
	if action == "" {
		action = ActionKickban
	}
	e.enforce(action, channel, kicker, hostmask, "mass-kick")
}

func (e *Engine) notifyBan(channel, mask string) {
	if e.OnBan != nil {
		e.OnBan(channel, mask)
	}
}

// HandleQuit removes nick from every channel's clone membership tracking
// on that server. Quit carries no dedicated bind.Type (spec.md §4.11
// lists join/part/kick but not quit), so the agent host calls this
// directly off the session event stream rather than through Inspect.
func (e *Engine) HandleQuit(hostmask, nick string, channels []string) {
	if e.cfg.CloneThreshold <= 0 {
		return
	}
	host := hostFromHostmask(hostmask)
	if host == "" {
		return
	}
	for _, ch := range channels {
		key := ch + "\x00" + host
		e.mu.Lock()
		cs, ok := e.cloneKeys[key]
		e.mu.Unlock()
		if !ok {
			continue
		}
		cs.mu.Lock()
		delete(cs.nicks, nick)
		cs.mu.Unlock()
	}
}

func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep evicts buckets idle for longer than max(W_f,W_k)+60s, per
// spec.md §4.10.
func (e *Engine) sweep() {
	maxWindow := e.cfg.FloodWindow
	if e.cfg.MassKickWindow > maxWindow {
		maxWindow = e.cfg.MassKickWindow
	}
	idleAfter := maxWindow + 60*time.Second
	cutoff := time.Now().Add(-idleAfter)

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, w := range e.floodKeys {
		w.mu.Lock()
		idle := w.last.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(e.floodKeys, k)
		}
	}
	for k, w := range e.kickKeys {
		w.mu.Lock()
		idle := w.last.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(e.kickKeys, k)
		}
	}
	for k, cs := range e.cloneKeys {
		cs.mu.Lock()
		idle := cs.last.Before(cutoff) || len(cs.nicks) == 0
		cs.mu.Unlock()
		if idle {
			delete(e.cloneKeys, k)
		}
	}
}
