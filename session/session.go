// Package session maintains per-server connection state: roster,
// channels, modes, and the agent's own nickname, mutated deterministically
// from parsed IRC events under the single-writer discipline described in
// spec.md §5 (all mutation happens on a connection's reader goroutine).
// Grounded on presbrey-pkg/irc/server.go's Server struct
// (map[string]*Client / map[string]*Channel behind sync.RWMutex) and
// irc/channels.go.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/brudvik/munin-agent/isupport"
)

// User is one roster entry for a channel.
type User struct {
	Nick    string
	User    string
	Host    string
	Away    bool
	Account string // set when extended-join/account-tag is active
	Prefixes []byte // display prefix characters (e.g. '@', '+'), sorted by rank, highest-privilege first
}

// HasPrefix reports whether the user carries the given prefix character.
func (u *User) HasPrefix(p byte) bool {
	for _, c := range u.Prefixes {
		if c == p {
			return true
		}
	}
	return false
}

// ListEntry is one list-mode (ban/except/invex) entry.
type ListEntry struct {
	Mask   string
	Setter string
	SetAt  time.Time
}

// Channel is one joined or observed channel's state.
type Channel struct {
	mu sync.RWMutex

	name         string // as declared by the server, not normalized
	topic        string
	topicSetter  string
	topicSetAt   time.Time
	users        map[string]*User // keyed by normalized nick
	flagModes    map[byte]bool    // class D
	paramModes   map[byte]string  // class B/C currently set
	listModes    map[byte][]ListEntry
	namesBuffer  []string // accumulates 353 lines until 366
}

func newChannel(name string) *Channel {
	return &Channel{
		name:       name,
		users:      map[string]*User{},
		flagModes:  map[byte]bool{},
		paramModes: map[byte]string{},
		listModes:  map[byte][]ListEntry{},
	}
}

// Name returns the channel name as declared by the server.
func (c *Channel) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Topic returns the current topic, its setter, and when it was set.
func (c *Channel) Topic() (string, string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topic, c.topicSetter, c.topicSetAt
}

// Users returns a snapshot copy of the current roster.
func (c *Channel) Users() []*User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*User, 0, len(c.users))
	for _, u := range c.users {
		cp := *u
		cp.Prefixes = append([]byte{}, u.Prefixes...)
		out = append(out, &cp)
	}
	return out
}

// UserCount returns the number of users currently in the channel.
func (c *Channel) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

// ListEntries returns the current list-mode entries for the given class-A
// mode character (e.g. 'b' for bans).
func (c *Channel) ListEntries(mode byte) []ListEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ListEntry{}, c.listModes[mode]...)
}

// HasFlag reports whether a class-D flag mode is currently set.
func (c *Channel) HasFlag(mode byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flagModes[mode]
}

// ParamMode returns the current value of a class-B/C mode, if set.
func (c *Channel) ParamMode(mode byte) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.paramModes[mode]
	return v, ok
}

// Event is a single typed notification published by State for every
// mutation, per spec.md §4.6: "All mutations publish exactly one typed
// event to the dispatcher."
type Event struct {
	Kind    EventKind
	Channel string // normalized, empty for server-scoped events
	Nick    string // normalized, primary subject of the event
	Raw     any    // kind-specific payload
}

// EventKind tags the variant carried by Event.Raw, following spec.md
// §9's guidance to model the source's class hierarchies as tagged
// variants rather than an inheritance tree.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventISupportChanged
	EventJoin
	EventNamesEnd
	EventPart
	EventKick
	EventQuit
	EventNick
	EventMode
	EventTopic
	EventAway
	EventChgHost
	EventSetName
	EventAccount
)

// JoinPayload carries JOIN-event detail.
type JoinPayload struct{ User User }

// PartPayload carries PART-event detail.
type PartPayload struct {
	Nick   string
	Reason string
}

// KickPayload carries KICK-event detail.
type KickPayload struct {
	Kicker string
	Target string
	Reason string
}

// QuitPayload carries QUIT-event detail.
type QuitPayload struct {
	Nick     string
	Reason   string
	Channels []string // normalized channels the user was removed from
}

// NickPayload carries NICK-event detail.
type NickPayload struct {
	Old string
	New string
}

// ModePayload carries one classified mode change.
type ModePayload struct {
	Setter string
	Adding bool
	Mode   byte
	Class  isupport.ModeClass
	Param  string
}

// State is one server connection's roster/channel/mode state machine. It
// is mutated exclusively by the owning connection's reader goroutine
// (single-writer discipline, spec.md §5); readers elsewhere — the
// writer goroutine, control-server sessions — only call the exported
// snapshot accessors, which take their own short-lived read locks.
type State struct {
	ISupport *isupport.Registry

	mu          sync.RWMutex
	ownNick     string
	registered  bool
	channels    map[string]*Channel // keyed by normalized name
	nickIndex   map[string]string   // normalized nick -> actual-case nick, for cross-channel NICK rewrite

	events chan Event
}

// New returns a fresh, unregistered State.
func New(eventBuf int) *State {
	return &State{
		ISupport:  isupport.New(),
		channels:  map[string]*Channel{},
		nickIndex: map[string]string{},
		events:    make(chan Event, eventBuf),
	}
}

// Events returns the receive side of this state's event stream. There is
// exactly one sender (this State) and the dispatcher is the sole
// consumer, which then fans out to Protection and Bind per spec.md §4.9.
func (s *State) Events() <-chan Event { return s.events }

func (s *State) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Event buffer full: nothing is dropped; the send blocks until the
		// consumer makes room, preserving arrival order (spec.md requires
		// arrival order, not infinite buffering) and stalling the reader
		// goroutine meanwhile.
		s.events <- ev
	}
}

// OwnNick returns the agent's own current nickname.
func (s *State) OwnNick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownNick
}

// Registered reports whether 001 has been received.
func (s *State) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// HandleRegistered processes numeric 001: latches the confirmed nickname.
func (s *State) HandleRegistered(nick string) {
	s.mu.Lock()
	s.registered = true
	s.ownNick = nick
	s.mu.Unlock()
	s.publish(Event{Kind: EventRegistered, Nick: nick})
}

// HandleISupport feeds one 005 reply's tokens into the ISUPPORT registry.
// If the casemap changes, every keyed collection is rehashed so identity
// remains consistent with the new rule (spec.md §3 invariant).
func (s *State) HandleISupport(tokens []string) {
	before := s.ISupport.Casemap()
	s.ISupport.Apply(tokens)
	after := s.ISupport.Casemap()

	if before != after {
		s.rehash()
	}
	s.publish(Event{Kind: EventISupportChanged})
}

func (s *State) rehash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	newChannels := make(map[string]*Channel, len(s.channels))
	for _, ch := range s.channels {
		newChannels[s.ISupport.Normalize(ch.name)] = ch
	}
	s.channels = newChannels

	newIndex := make(map[string]string, len(s.nickIndex))
	for _, actual := range s.nickIndex {
		newIndex[s.ISupport.Normalize(actual)] = actual
	}
	s.nickIndex = newIndex
}

// Channel returns the channel state for name, if known.
func (s *State) Channel(name string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[s.ISupport.Normalize(name)]
	return ch, ok
}

// Channels returns a snapshot list of all known channel names (original case).
func (s *State) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.name)
	}
	return out
}

// HandleJoin processes a JOIN. The channel is created if not yet known,
// whoever joined; the user (the agent itself included) is then added or,
// if already present (duplicate JOIN), refreshed idempotently.
func (s *State) HandleJoin(channel string, u User) {
	norm := s.ISupport.Normalize(channel)

	s.mu.Lock()
	ch, ok := s.channels[norm]
	if !ok {
		ch = newChannel(channel)
		s.channels[norm] = ch
	}
	s.nickIndex[s.ISupport.Normalize(u.Nick)] = u.Nick
	isSelf := s.ISupport.Normalize(u.Nick) == s.ISupport.Normalize(s.ownNick)
	s.mu.Unlock()

	ch.mu.Lock()
	key := s.ISupport.Normalize(u.Nick)
	if existing, already := ch.users[key]; already {
		existing.User = u.User
		existing.Host = u.Host
	} else {
		cp := u
		ch.users[key] = &cp
	}
	ch.mu.Unlock()

	_ = isSelf
	s.publish(Event{Kind: EventJoin, Channel: norm, Nick: key, Raw: JoinPayload{User: u}})
}

// HandleNames processes one 353 line's prefix-annotated nick list.
// multiPrefix and userhostInNames control how each token is parsed, per
// spec.md §4.6.
func (s *State) HandleNames(channel string, names []string, multiPrefix, userhostInNames bool) {
	norm := s.ISupport.Normalize(channel)
	s.mu.RLock()
	ch, ok := s.channels[norm]
	s.mu.RUnlock()
	if !ok {
		return
	}
	for _, tok := range names {
		if tok == "" {
			continue
		}
		var prefixes []byte
		i := 0
		for i < len(tok) {
			if _, isPfx := s.ISupport.ModeForPrefix(tok[i]); isPfx {
				prefixes = append(prefixes, tok[i])
				i++
				if !multiPrefix {
					break
				}
				continue
			}
			break
		}
		rest := tok[i:]
		nick, user, host := rest, "", ""
		if userhostInNames {
			if bang := strings.IndexByte(rest, '!'); bang >= 0 {
				nick = rest[:bang]
				remainder := rest[bang+1:]
				if at := strings.IndexByte(remainder, '@'); at >= 0 {
					user = remainder[:at]
					host = remainder[at+1:]
				}
			}
		}
		s.sortPrefixes(prefixes)
		key := s.ISupport.Normalize(nick)
		ch.mu.Lock()
		ch.users[key] = &User{Nick: nick, User: user, Host: host, Prefixes: prefixes}
		ch.mu.Unlock()
		s.mu.Lock()
		s.nickIndex[key] = nick
		s.mu.Unlock()
	}
}

// HandleNamesEnd finalises membership after a 366.
func (s *State) HandleNamesEnd(channel string) {
	norm := s.ISupport.Normalize(channel)
	s.publish(Event{Kind: EventNamesEnd, Channel: norm})
}

func (s *State) sortPrefixes(p []byte) {
	rank := func(c byte) int {
		m, _ := s.ISupport.ModeForPrefix(c)
		return s.ISupport.PrefixRank(m)
	}
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && rank(p[j]) < rank(p[j-1]); j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

// HandlePart removes nick from channel.
func (s *State) HandlePart(channel, nick, reason string) {
	norm := s.ISupport.Normalize(channel)
	key := s.ISupport.Normalize(nick)
	s.mu.RLock()
	ch, ok := s.channels[norm]
	s.mu.RUnlock()
	if ok {
		ch.mu.Lock()
		delete(ch.users, key)
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventPart, Channel: norm, Nick: key, Raw: PartPayload{Nick: nick, Reason: reason}})
}

// HandleKick removes target from channel, attributing the kicker.
func (s *State) HandleKick(channel, kicker, target, reason string) {
	norm := s.ISupport.Normalize(channel)
	key := s.ISupport.Normalize(target)
	s.mu.RLock()
	ch, ok := s.channels[norm]
	s.mu.RUnlock()
	if ok {
		ch.mu.Lock()
		delete(ch.users, key)
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventKick, Channel: norm, Nick: key, Raw: KickPayload{Kicker: kicker, Target: target, Reason: reason}})
}

// HandleQuit removes nick from every channel it was a member of.
func (s *State) HandleQuit(nick, reason string) {
	key := s.ISupport.Normalize(nick)
	s.mu.RLock()
	var affected []string
	for norm, ch := range s.channels {
		ch.mu.RLock()
		_, present := ch.users[key]
		ch.mu.RUnlock()
		if present {
			affected = append(affected, norm)
		}
	}
	s.mu.RUnlock()

	for _, norm := range affected {
		s.mu.RLock()
		ch := s.channels[norm]
		s.mu.RUnlock()
		ch.mu.Lock()
		delete(ch.users, key)
		ch.mu.Unlock()
	}
	s.mu.Lock()
	delete(s.nickIndex, key)
	s.mu.Unlock()

	s.publish(Event{Kind: EventQuit, Nick: key, Raw: QuitPayload{Nick: nick, Reason: reason, Channels: affected}})
}

// HandleNick renames a user across every channel it is in, preserving
// prefix sets, and emits one event per affected channel as spec.md §4.6
// requires.
func (s *State) HandleNick(oldNick, newNick string) {
	oldKey := s.ISupport.Normalize(oldNick)
	newKey := s.ISupport.Normalize(newNick)

	s.mu.Lock()
	if s.ISupport.Normalize(s.ownNick) == oldKey {
		s.ownNick = newNick
	}
	delete(s.nickIndex, oldKey)
	s.nickIndex[newKey] = newNick
	channels := make([]*Channel, 0, len(s.channels))
	norms := make([]string, 0, len(s.channels))
	for norm, ch := range s.channels {
		channels = append(channels, ch)
		norms = append(norms, norm)
	}
	s.mu.Unlock()

	for i, ch := range channels {
		ch.mu.Lock()
		u, ok := ch.users[oldKey]
		if ok {
			delete(ch.users, oldKey)
			u.Nick = newNick
			ch.users[newKey] = u
		}
		ch.mu.Unlock()
		if ok {
			s.publish(Event{Kind: EventNick, Channel: norms[i], Nick: newKey, Raw: NickPayload{Old: oldNick, New: newNick}})
		}
	}
}

// HandleMode classifies and applies one mode character + optional
// parameter, per spec.md §4.6. For a PREFIX-class mode, param is the nick
// the change applies to.
func (s *State) HandleMode(channel, setter string, adding bool, mode byte, param string) {
	norm := s.ISupport.Normalize(channel)
	s.mu.RLock()
	ch, ok := s.channels[norm]
	s.mu.RUnlock()
	if !ok {
		return
	}
	class := s.ISupport.ClassifyMode(mode)
	switch class {
	case isupport.ModePrefix:
		key := s.ISupport.Normalize(param)
		pfx, _ := s.ISupport.PrefixForMode(mode)
		ch.mu.Lock()
		if u, present := ch.users[key]; present {
			if adding {
				if !u.HasPrefix(pfx) {
					u.Prefixes = append(u.Prefixes, pfx)
					s.sortPrefixes(u.Prefixes)
				}
			} else {
				u.Prefixes = removeByte(u.Prefixes, pfx)
			}
		}
		ch.mu.Unlock()
	case isupport.ModeList:
		ch.mu.Lock()
		if adding {
			ch.listModes[mode] = append(ch.listModes[mode], ListEntry{Mask: param, Setter: setter, SetAt: time.Now()})
		} else {
			entries := ch.listModes[mode]
			out := entries[:0]
			for _, e := range entries {
				if e.Mask != param {
					out = append(out, e)
				}
			}
			ch.listModes[mode] = out
		}
		ch.mu.Unlock()
	case isupport.ModeAlways, isupport.ModeSet:
		ch.mu.Lock()
		if adding {
			ch.paramModes[mode] = param
		} else {
			delete(ch.paramModes, mode)
		}
		ch.mu.Unlock()
	case isupport.ModeFlag:
		ch.mu.Lock()
		ch.flagModes[mode] = adding
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventMode, Channel: norm, Nick: s.ISupport.Normalize(setter), Raw: ModePayload{Setter: setter, Adding: adding, Mode: mode, Class: class, Param: param}})
}

func removeByte(b []byte, c byte) []byte {
	out := b[:0]
	for _, x := range b {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// HandleTopic updates a channel's topic, setter and timestamp.
func (s *State) HandleTopic(channel, setter, topic string, at time.Time) {
	norm := s.ISupport.Normalize(channel)
	s.mu.RLock()
	ch, ok := s.channels[norm]
	s.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.topic = topic
	ch.topicSetter = setter
	ch.topicSetAt = at
	ch.mu.Unlock()
	s.publish(Event{Kind: EventTopic, Channel: norm})
}

// HandleAway updates a nick's away flag across every channel it is in.
func (s *State) HandleAway(nick string, away bool) {
	key := s.ISupport.Normalize(nick)
	s.mu.RLock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	for _, ch := range channels {
		ch.mu.Lock()
		if u, ok := ch.users[key]; ok {
			u.Away = away
		}
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventAway, Nick: key})
}

// HandleChgHost updates a nick's user/host across every channel.
func (s *State) HandleChgHost(nick, newUser, newHost string) {
	key := s.ISupport.Normalize(nick)
	s.mu.RLock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	for _, ch := range channels {
		ch.mu.Lock()
		if u, ok := ch.users[key]; ok {
			u.User = newUser
			u.Host = newHost
		}
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventChgHost, Nick: key})
}

// HandleAccount updates a nick's authenticated account name ("*" clears it).
func (s *State) HandleAccount(nick, account string) {
	key := s.ISupport.Normalize(nick)
	if account == "*" {
		account = ""
	}
	s.mu.RLock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	for _, ch := range channels {
		ch.mu.Lock()
		if u, ok := ch.users[key]; ok {
			u.Account = account
		}
		ch.mu.Unlock()
	}
	s.publish(Event{Kind: EventAccount, Nick: key})
}

// RemoveChannel destroys channel state entirely, used on self-PART/KICK.
func (s *State) RemoveChannel(channel string) {
	norm := s.ISupport.Normalize(channel)
	s.mu.Lock()
	delete(s.channels, norm)
	s.mu.Unlock()
}
