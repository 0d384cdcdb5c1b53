// Package dispatch implements the Event Dispatcher described in spec.md
// §4.9: it delivers every protocol event to the Protection Engine first
// (which may short-circuit), then to the Bind Registry, in
// protocol-arrival order. Grounded on presbrey-pkg/hooks.Registry[T]'s
// priority-ordered, panic-isolated execution model, adapted here from
// "run every matching hook" to "offer to one gate, then route to one
// first-handled-wins registry."
package dispatch

import (
	"strings"

	"github.com/brudvik/munin-agent/bind"
	"github.com/brudvik/munin-agent/ircmsg"
	"github.com/brudvik/munin-agent/isupport"
	"github.com/brudvik/munin-agent/session"
)

// Protector is the Protection Engine's view from the dispatcher's side:
// Inspect returns suppress=true when the event breached a detector and
// must not reach the Bind Registry. Protection itself always observes
// the event regardless of what a later bind callback does.
type Protector interface {
	Inspect(ev bind.Event) (suppress bool)
}

// Dispatcher wires one server connection's session events and raw lines
// into the Protection Engine and Bind Registry, in that fixed order.
type Dispatcher struct {
	Server     string
	ISupport   *isupport.Registry
	Protection Protector // nil disables protection (e.g. in tests)
	Binds      *bind.Registry
}

// New constructs a Dispatcher. protection may be nil.
func New(server string, isup *isupport.Registry, protection Protector, binds *bind.Registry) *Dispatcher {
	return &Dispatcher{Server: server, ISupport: isup, Protection: protection, Binds: binds}
}

// Result reports what happened to one dispatched event.
type Result struct {
	Suppressed bool   // Protection Engine short-circuited delivery
	HandledBy  string // bind Registration.ID that reported handled, if any
}

// Dispatch offers ev to Protection, then — unless suppressed — to Binds.
func (d *Dispatcher) Dispatch(ev bind.Event) Result {
	if d.Protection != nil && d.Protection.Inspect(ev) {
		return Result{Suppressed: true}
	}
	if d.Binds == nil {
		return Result{}
	}
	return Result{HandledBy: d.Binds.Dispatch(ev)}
}

// DispatchMessage decodes a raw protocol line's semantic bind type (raw,
// plus pub/pubm/msg/msgm/ctcp for PRIVMSG/NOTICE) and dispatches it. Every
// line reaching the dispatcher produces exactly one TypeRaw event in
// addition to any message-specific event, matching spec.md §4.11's
// per-verb `raw` binding.
func (d *Dispatcher) DispatchMessage(msg *ircmsg.Message, ownNick string) []Result {
	var results []Result

	results = append(results, d.Dispatch(bind.Event{
		Type:       bind.TypeRaw,
		Server:     d.Server,
		MatchField: msg.Command,
		Text:       strings.Join(msg.AllParams(), " "),
		Hostmask:   prefixHostmask(msg.Prefix),
		Nick:       prefixNick(msg.Prefix),
	}))

	if ev, ok := messageEvent(d.ISupport, msg, ownNick); ok {
		results = append(results, d.Dispatch(ev))
	}
	return results
}

func messageEvent(isup *isupport.Registry, msg *ircmsg.Message, ownNick string) (bind.Event, bool) {
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
	default:
		return bind.Event{}, false
	}
	if len(msg.Params) < 1 {
		return bind.Event{}, false
	}
	target := msg.Params[0]
	text := msg.Trailing
	nick := prefixNick(msg.Prefix)
	hostmask := prefixHostmask(msg.Prefix)

	if ctcp, ok := stripCTCP(text); ok {
		return bind.Event{
			Type:       bind.TypeCTCP,
			Channel:    channelOrEmpty(isup, target),
			Nick:       nick,
			Hostmask:   hostmask,
			Text:       ctcp,
			MatchField: firstWord(ctcp),
		}, true
	}

	isChannel := isup.IsChannel(target)
	toMe := !isChannel && isup.Normalize(target) == isup.Normalize(ownNick)

	switch {
	case isChannel:
		// pub: command-word match on first whitespace token; pubm: whole text.
		typ := bind.TypePubm
		if strings.HasPrefix(text, "!") || strings.HasPrefix(text, ".") {
			typ = bind.TypePub
		}
		match := text
		if typ == bind.TypePub {
			match = firstWord(text)
		}
		return bind.Event{
			Type:       typ,
			Channel:    target,
			Nick:       nick,
			Hostmask:   hostmask,
			Text:       text,
			MatchField: match,
		}, true
	case toMe:
		// msg: command-word match on first whitespace token; msgm: whole text.
		typ := bind.TypeMsgm
		match := text
		if strings.HasPrefix(text, "!") || strings.HasPrefix(text, ".") {
			typ = bind.TypeMsg
			match = firstWord(text)
		}
		return bind.Event{
			Type:       typ,
			Nick:       nick,
			Hostmask:   hostmask,
			Text:       text,
			MatchField: match,
		}, true
	default:
		return bind.Event{}, false
	}
}

// stripCTCP reports whether text is a CTCP-framed message (bracketed in
// \x01) and returns its unwrapped payload.
func stripCTCP(text string) (string, bool) {
	const ctcpDelim = "\x01"
	if !strings.HasPrefix(text, ctcpDelim) {
		return "", false
	}
	trimmed := strings.TrimPrefix(text, ctcpDelim)
	trimmed = strings.TrimSuffix(trimmed, ctcpDelim)
	return trimmed, true
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func channelOrEmpty(isup *isupport.Registry, target string) string {
	if isup.IsChannel(target) {
		return target
	}
	return ""
}

func userHostmask(u session.User) string {
	if u.User == "" && u.Host == "" {
		return u.Nick
	}
	return u.Nick + "!" + u.User + "@" + u.Host
}

func prefixNick(p *ircmsg.Prefix) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func prefixHostmask(p *ircmsg.Prefix) string {
	if p == nil {
		return ""
	}
	return p.String()
}

// SessionEventToBind projects a session.Event onto the type-specific
// MatchField shape spec.md §4.11 defines for channel-scoped events:
// "{channel} {nick_or_hostmask}". Returns ok=false for event kinds that
// carry no bind-relevant verb (e.g. ISUPPORT refresh).
func SessionEventToBind(server string, ev session.Event) (bind.Event, bool) {
	base := bind.Event{Server: server, Channel: ev.Channel, Nick: ev.Nick}

	switch ev.Kind {
	case session.EventJoin:
		p := ev.Raw.(session.JoinPayload)
		base.Type = bind.TypeJoin
		base.Hostmask = userHostmask(p.User)
		base.MatchField = ev.Channel + " " + base.Hostmask
		return base, true
	case session.EventPart:
		p := ev.Raw.(session.PartPayload)
		base.Type = bind.TypePart
		base.Text = p.Reason
		base.MatchField = ev.Channel + " " + ev.Nick
		return base, true
	case session.EventKick:
		p := ev.Raw.(session.KickPayload)
		base.Type = bind.TypeKick
		base.Nick = p.Kicker
		base.Text = p.Reason
		base.MatchField = ev.Channel + " " + p.Target
		return base, true
	case session.EventNick:
		p := ev.Raw.(session.NickPayload)
		base.Type = bind.TypeNick
		base.Text = p.New
		base.MatchField = p.Old
		return base, true
	case session.EventMode:
		p := ev.Raw.(session.ModePayload)
		base.Type = bind.TypeMode
		base.Nick = p.Setter
		base.MatchField = ev.Channel + " " + p.Setter
		return base, true
	default:
		return bind.Event{}, false
	}
}
