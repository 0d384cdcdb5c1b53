package userdb

import (
	"path/filepath"
	"testing"
)

func TestAddAndMatchUserFirstMatchWins(t *testing.T) {
	d := New("")
	if err := d.Add(&User{Handle: "alice", Flags: "m", Hostmasks: []string{"*!*@evil.example"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Add(&User{Handle: "bob", Flags: "o", Hostmasks: []string{"*!*@*.example"}}); err != nil {
		t.Fatal(err)
	}

	u, ok := d.MatchUser("mallory!user@evil.example")
	if !ok || u.Handle != "alice" {
		t.Fatalf("expected alice to match first (insertion order), got %+v ok=%v", u, ok)
	}

	u, ok = d.MatchUser("someone!user@other.example")
	if !ok || u.Handle != "bob" {
		t.Fatalf("expected bob to match, got %+v ok=%v", u, ok)
	}
}

func TestCheckFlagsGlobalAndChannelOverride(t *testing.T) {
	d := New("")
	if err := d.Add(&User{Handle: "alice", Flags: "m", Hostmasks: []string{"alice!*@host"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.ApplyFlags("alice", "|#ops:n", true); err != nil {
		t.Fatal(err)
	}

	if !d.CheckFlags("alice!u@host", "", "m") {
		t.Fatalf("expected global flag m to satisfy requirement")
	}
	if d.CheckFlags("alice!u@host", "", "n") {
		t.Fatalf("flag n is channel-scoped to #ops, should not satisfy a global check")
	}
	if !d.CheckFlags("alice!u@host", "#ops", "n") {
		t.Fatalf("expected channel override n to satisfy requirement on #ops")
	}
	if !d.CheckFlags("mallory!u@host", "", "-") {
		t.Fatalf("'-' requirement should pass unauthenticated")
	}
	if d.CheckFlags("mallory!u@host", "", "m") {
		t.Fatalf("unmatched hostmask should not satisfy any flag requirement")
	}
}

func TestApplyFlagsAddAndRemove(t *testing.T) {
	d := New("")
	if err := d.Add(&User{Handle: "carol"}); err != nil {
		t.Fatal(err)
	}
	if err := d.ApplyFlags("carol", "mo", true); err != nil {
		t.Fatal(err)
	}
	u, _ := d.Get("carol")
	if u.Flags != "mo" {
		t.Fatalf("expected flags 'mo', got %q", u.Flags)
	}
	if err := d.ApplyFlags("carol", "m", false); err != nil {
		t.Fatal(err)
	}
	u, _ = d.Get("carol")
	if u.Flags != "o" {
		t.Fatalf("expected flags 'o' after removing m, got %q", u.Flags)
	}
}

func TestAddRemoveHostmask(t *testing.T) {
	d := New("")
	if err := d.Add(&User{Handle: "dave"}); err != nil {
		t.Fatal(err)
	}
	if err := d.AddHostmask("dave", "dave!*@host1"); err != nil {
		t.Fatal(err)
	}
	if err := d.AddHostmask("dave", "dave!*@host1"); err != nil {
		t.Fatalf("re-adding the same mask should be a no-op, not an error: %v", err)
	}
	u, _ := d.Get("dave")
	if len(u.Hostmasks) != 1 {
		t.Fatalf("expected exactly one hostmask after duplicate add, got %v", u.Hostmasks)
	}
	if err := d.RemoveHostmask("dave", "dave!*@host1"); err != nil {
		t.Fatal(err)
	}
	u, _ = d.Get("dave")
	if len(u.Hostmasks) != 0 {
		t.Fatalf("expected no hostmasks after removal, got %v", u.Hostmasks)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.db")

	d := New(path)
	if err := d.Add(&User{Handle: "eve", Flags: "n", Hostmasks: []string{"eve!*@host"}, Info: "the eavesdropper"}); err != nil {
		t.Fatal(err)
	}
	if err := d.ApplyFlags("eve", "|#secret:v", true); err != nil {
		t.Fatal(err)
	}
	if err := d.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	d2 := New(path)
	if err := d2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	u, ok := d2.Get("eve")
	if !ok {
		t.Fatalf("expected eve to survive round trip")
	}
	if u.Flags != "n" || u.Info != "the eavesdropper" || u.Channels["#secret"] != "v" {
		t.Fatalf("unexpected round-tripped record: %+v", u)
	}
	if len(u.Hostmasks) != 1 || u.Hostmasks[0] != "eve!*@host" {
		t.Fatalf("unexpected hostmasks: %v", u.Hostmasks)
	}
}

func TestRemoveUser(t *testing.T) {
	d := New("")
	if err := d.Add(&User{Handle: "frank"}); err != nil {
		t.Fatal(err)
	}
	if !d.Remove("frank") {
		t.Fatalf("expected Remove to report success")
	}
	if _, ok := d.Get("frank"); ok {
		t.Fatalf("expected frank to be gone after Remove")
	}
}
