package dispatch

import (
	"testing"

	"github.com/brudvik/munin-agent/bind"
	"github.com/brudvik/munin-agent/ircmsg"
	"github.com/brudvik/munin-agent/isupport"
	"github.com/brudvik/munin-agent/session"
)

type stubProtector struct {
	suppressNext bool
	seen         []bind.Event
}

func (s *stubProtector) Inspect(ev bind.Event) bool {
	s.seen = append(s.seen, ev)
	return s.suppressNext
}

func TestDispatchOffersProtectionBeforeBind(t *testing.T) {
	prot := &stubProtector{}
	binds := bind.NewRegistry(nil)
	var handled bool
	binds.Register(bind.TypeRaw, "-", "PING", "s", 0, func(ev bind.Event) (bool, error) {
		handled = true
		return true, nil
	})

	d := New("irc.example", isupport.New(), prot, binds)
	res := d.Dispatch(bind.Event{Type: bind.TypeRaw, MatchField: "PING"})

	if len(prot.seen) != 1 {
		t.Fatalf("expected protection to observe the event once, got %d", len(prot.seen))
	}
	if !handled || res.HandledBy == "" {
		t.Fatalf("expected bind to handle the event after protection passed it")
	}
}

func TestProtectionSuppressSkipsBind(t *testing.T) {
	prot := &stubProtector{suppressNext: true}
	binds := bind.NewRegistry(nil)
	var handled bool
	binds.Register(bind.TypeRaw, "-", "*", "s", 0, func(ev bind.Event) (bool, error) {
		handled = true
		return true, nil
	})

	d := New("irc.example", isupport.New(), prot, binds)
	res := d.Dispatch(bind.Event{Type: bind.TypeRaw, MatchField: "PRIVMSG"})

	if !res.Suppressed {
		t.Fatalf("expected Result.Suppressed to be true")
	}
	if handled {
		t.Fatalf("bind should never see a suppressed event")
	}
}

func TestDispatchMessageChannelPub(t *testing.T) {
	isup := isupport.New()
	binds := bind.NewRegistry(nil)
	var gotText string
	binds.Register(bind.TypePub, "-", "!hello", "s", 0, func(ev bind.Event) (bool, error) {
		gotText = ev.Text
		return true, nil
	})
	d := New("irc.example", isup, nil, binds)

	msg := &ircmsg.Message{
		Prefix:      &ircmsg.Prefix{Name: "alice", User: "a", Host: "h"},
		Command:     "PRIVMSG",
		Params:      []string{"#chan"},
		Trailing:    "!hello world",
		HasTrailing: true,
	}
	results := d.DispatchMessage(msg, "agentnick")
	if len(results) != 2 {
		t.Fatalf("expected a raw event plus a pub event, got %d", len(results))
	}
	if gotText != "!hello world" {
		t.Fatalf("expected bind callback to see full text, got %q", gotText)
	}
}

func TestDispatchMessagePrivateMsgm(t *testing.T) {
	isup := isupport.New()
	binds := bind.NewRegistry(nil)
	var matched bool
	binds.Register(bind.TypeMsgm, "-", "hello there", "s", 0, func(ev bind.Event) (bool, error) {
		matched = true
		return true, nil
	})
	d := New("irc.example", isup, nil, binds)

	msg := &ircmsg.Message{
		Prefix:      &ircmsg.Prefix{Name: "alice", User: "a", Host: "h"},
		Command:     "PRIVMSG",
		Params:      []string{"agentnick"},
		Trailing:    "hello there",
		HasTrailing: true,
	}
	d.DispatchMessage(msg, "agentnick")
	if !matched {
		t.Fatalf("expected msgm bind to match whole private-message text")
	}
}

func TestDispatchMessageCTCP(t *testing.T) {
	isup := isupport.New()
	binds := bind.NewRegistry(nil)
	var matched bool
	binds.Register(bind.TypeCTCP, "-", "VERSION", "s", 0, func(ev bind.Event) (bool, error) {
		matched = true
		return true, nil
	})
	d := New("irc.example", isup, nil, binds)

	msg := &ircmsg.Message{
		Prefix:      &ircmsg.Prefix{Name: "alice", User: "a", Host: "h"},
		Command:     "PRIVMSG",
		Params:      []string{"agentnick"},
		Trailing:    "\x01VERSION\x01",
		HasTrailing: true,
	}
	d.DispatchMessage(msg, "agentnick")
	if !matched {
		t.Fatalf("expected CTCP-framed text to dispatch as TypeCTCP")
	}
}

func TestSessionEventToBindJoin(t *testing.T) {
	ev := session.Event{
		Kind:    session.EventJoin,
		Channel: "#chan",
		Nick:    "alice",
		Raw:     session.JoinPayload{User: session.User{Nick: "alice", User: "a", Host: "h"}},
	}
	be, ok := SessionEventToBind("irc.example", ev)
	if !ok {
		t.Fatalf("expected join event to translate")
	}
	if be.Type != bind.TypeJoin || be.MatchField != "#chan alice!a@h" {
		t.Fatalf("unexpected translation: %+v", be)
	}
}

func TestSessionEventToBindIgnoresUnmapped(t *testing.T) {
	ev := session.Event{Kind: session.EventISupportChanged}
	if _, ok := SessionEventToBind("irc.example", ev); ok {
		t.Fatalf("expected ISUPPORT-changed events to have no bind projection")
	}
}
