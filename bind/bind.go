// Package bind implements the Eggdrop-style bind registry described in
// spec.md §4.11: typed, glob-masked, flag-gated registrations dispatched
// first-handled-wins. Grounded on presbrey-pkg/hooks.Registry[T] (generic
// priority-ordered registry, sorted insertion, per-callback panic
// recovery); this repo adds the mask/flag-gate fields the teacher's
// generic hook shape doesn't have and changes "run every matching hook"
// to "stop at the first handler that reports handled."
package bind

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/brudvik/munin-agent/internal/glob"
)

// Type enumerates the IRC-semantic bind verbs spec.md §4.11 names.
type Type string

const (
	TypePub    Type = "pub"
	TypePubm   Type = "pubm"
	TypeMsg    Type = "msg"
	TypeMsgm   Type = "msgm"
	TypeJoin   Type = "join"
	TypePart   Type = "part"
	TypeKick   Type = "kick"
	TypeNick   Type = "nick"
	TypeMode   Type = "mode"
	TypeCTCP   Type = "ctcp"
	TypeRaw    Type = "raw"
	TypeInvite Type = "invite"
)

// Event is the projection of a protocol/session event that a bind
// matches against and ultimately receives.
type Event struct {
	Type       Type
	Server     string
	Channel    string
	Nick       string
	Hostmask   string
	Text       string // full message text, CTCP payload, raw verb, etc.
	MatchField string // the type-specific projection used for mask matching
}

// Callback handles a matched Event. Returning handled=true stops further
// bind delivery for this event, per spec.md §4.11/§4.9.
type Callback func(Event) (handled bool, err error)

// FlagChecker resolves whether a caller (identified by hostmask) carries
// at least one of the required flags, globally or on the given channel.
// Implemented by userdb.Database in production; a func type here keeps
// bind decoupled from userdb's concrete type.
type FlagChecker func(hostmask, channel, flags string) bool

// Registration is one bound callback.
type Registration struct {
	ID            string
	Type          Type
	RequiredFlags string // "-" means unauthenticated callers pass
	Mask          string
	ScriptName    string
	Priority      int64
	callback      Callback
}

// Registry holds all bindings and dispatches events to them.
type Registry struct {
	mu    sync.RWMutex
	binds []*Registration
	check FlagChecker
}

// NewRegistry returns an empty Registry. check may be nil, in which case
// any non-"-" flag requirement always fails closed (Forbidden).
func NewRegistry(check FlagChecker) *Registry {
	return &Registry{check: check}
}

// Register adds a binding and returns its ID, usable with Unregister.
func (r *Registry) Register(typ Type, requiredFlags, mask, scriptName string, priority int64, cb Callback) string {
	reg := &Registration{
		ID:            uuid.NewString(),
		Type:          typ,
		RequiredFlags: requiredFlags,
		Mask:          mask,
		ScriptName:    scriptName,
		Priority:      priority,
		callback:      cb,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binds = append(r.binds, reg)
	sortByPriority(r.binds)
	return reg.ID
}

func sortByPriority(b []*Registration) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j].Priority < b[j-1].Priority; j-- {
			b[j], b[j-1] = b[j-1], b[j]
		}
	}
}

// Unregister removes a binding by ID. Reports whether one was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.binds {
		if b.ID == id {
			r.binds = append(r.binds[:i], r.binds[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterScript removes every binding registered by scriptName (used
// when a script is unloaded).
func (r *Registry) UnregisterScript(scriptName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.binds[:0]
	removed := 0
	for _, b := range r.binds {
		if b.ScriptName == scriptName {
			removed++
			continue
		}
		out = append(out, b)
	}
	r.binds = out
	return removed
}

// Dispatch delivers ev to matching bindings in priority order, stopping
// at the first one that reports handled=true. Panics in a callback are
// recovered and logged, matching the teacher's per-hook panic recovery
// in hooks.Registry.runHooksWithFilter, and treated as handled=false so
// dispatch continues to the next binding.
func (r *Registry) Dispatch(ev Event) (handledBy string) {
	r.mu.RLock()
	snapshot := make([]*Registration, len(r.binds))
	copy(snapshot, r.binds)
	r.mu.RUnlock()

	for _, b := range snapshot {
		if b.Type != ev.Type {
			continue
		}
		if !matchGlob(strings.ToLower(b.Mask), strings.ToLower(ev.MatchField)) {
			continue
		}
		if !r.authorized(b.RequiredFlags, ev) {
			continue
		}
		handled, err := r.invoke(b, ev)
		if err != nil {
			log.Printf("[bind] error in %s (%s): %v", b.ScriptName, b.ID, err)
		}
		if handled {
			return b.ID
		}
	}
	return ""
}

func (r *Registry) invoke(b *Registration, ev Event) (handled bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[bind] PANIC in %s (%s): %v", b.ScriptName, b.ID, rec)
			err = fmt.Errorf("panic in bind %s: %v", b.ID, rec)
			handled = false
		}
	}()
	return b.callback(ev)
}

func (r *Registry) authorized(required string, ev Event) bool {
	if required == "" || required == "-" {
		return true
	}
	if r.check == nil {
		return false
	}
	return r.check(ev.Hostmask, ev.Channel, required)
}

// matchGlob implements case-folded '*'/'?' glob matching over ASCII,
// matching the hostmask-glob semantics userdb also uses.
func matchGlob(pattern, s string) bool {
	return glob.Match(pattern, s)
}
