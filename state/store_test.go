// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package state

import (
	"errors"
	"testing"
	"time"
)

func TestSetSuccessInvokesHandlersWithOldAndNew(t *testing.T) {
	s := New(nil)

	var gotOld, gotNew interface{}
	s.Subscribe("nick", func(old, next interface{}) {
		gotOld, gotNew = old, next
	}, false)

	if err := s.Set("nick", "alice"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if gotOld != nil {
		t.Errorf("gotOld = %v, want nil", gotOld)
	}
	if gotNew != "alice" {
		t.Errorf("gotNew = %v, want alice", gotNew)
	}

	if err := s.Set("nick", "bob"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if gotOld != "alice" || gotNew != "bob" {
		t.Errorf("got (%v, %v), want (alice, bob)", gotOld, gotNew)
	}

	v, ok := s.Get("nick")
	if !ok || v != "bob" {
		t.Fatalf("Get(nick) = (%v, %v), want (bob, true)", v, ok)
	}
}

func TestSetValidationFailureLeavesStateUnchanged(t *testing.T) {
	s := New(nil)

	fired := false
	s.Subscribe("nick", func(old, next interface{}) { fired = true }, false)
	s.SetValidator("nick", func(next interface{}) error {
		return errors.New("always rejected")
	})

	if err := s.Set("nick", "alice"); err == nil {
		t.Fatal("expected Set to fail validation")
	}

	if _, ok := s.Get("nick"); ok {
		t.Fatal("Get(nick) should report unset after a rejected Set")
	}
	if fired {
		t.Fatal("handler should not fire on a rejected Set")
	}
}

func TestReentrantSetIsRejected(t *testing.T) {
	s := New(nil)

	var innerErr error
	s.Subscribe("a", func(old, next interface{}) {
		innerErr = s.Set("a", "reentrant")
	}, false)

	if err := s.Set("a", "first"); err != nil {
		t.Fatalf("outer Set failed: %v", err)
	}
	if innerErr == nil {
		t.Fatal("expected reentrant Set to be rejected")
	}

	v, _ := s.Get("a")
	if v != "first" {
		t.Fatalf("Get(a) = %v, want first (reentrant set must not apply)", v)
	}
}

func TestAsyncSubscriberDoesNotBlockSet(t *testing.T) {
	s := New(nil)

	release := make(chan struct{})
	done := make(chan struct{})
	s.Subscribe("k", func(old, next interface{}) {
		<-release
		close(done)
	}, true)

	start := time.Now()
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Set blocked for %v, async subscriber should not delay it", elapsed)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber never ran")
	}
}

func TestPanicInHandlerIsIsolated(t *testing.T) {
	s := New(nil)

	var secondRan bool
	s.Subscribe("k", func(old, next interface{}) { panic("boom") }, false)
	s.Subscribe("k", func(old, next interface{}) { secondRan = true }, false)

	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set returned error despite handler panic: %v", err)
	}
	if !secondRan {
		t.Fatal("second handler should still run after the first panics")
	}
}

func TestChannelLifecycle(t *testing.T) {
	s := New(nil)

	ch := s.EnsureChannel("#Test", NewCModes("b,k,l,imnpst", "(ov)@+"))
	if ch.Name != "#Test" {
		t.Fatalf("Name = %q, want #Test", ch.Name)
	}

	same := s.EnsureChannel("#test", CModes{})
	if same != ch {
		t.Fatal("EnsureChannel should canonicalize lookups (RFC1459 casefold)")
	}

	if _, ok := s.GetChannel("#TEST"); !ok {
		t.Fatal("GetChannel should find the channel regardless of case")
	}

	s.RemoveChannel("#tEsT")
	if _, ok := s.GetChannel("#test"); ok {
		t.Fatal("channel should be gone after RemoveChannel")
	}
}

func TestUserRenamePropagatesToChannelMembership(t *testing.T) {
	s := New(nil)

	ch := s.EnsureChannel("#go", CModes{})
	ch.Users.Set("alice", &Membership{Nick: "alice", Prefixes: "@"})
	s.EnsureUser("alice")

	s.RenameUser("alice", "alice2")

	if _, ok := ch.Users.Get("alice"); ok {
		t.Fatal("old membership key should be gone after rename")
	}

	v, ok := ch.Users.Get("alice2")
	if !ok {
		t.Fatal("new membership key should exist after rename")
	}
	m := v.(*Membership)
	if m.Nick != "alice2" || m.Prefixes != "@" {
		t.Fatalf("membership after rename = %+v, want Nick=alice2 Prefixes=@", m)
	}

	if _, ok := s.GetUser("alice"); ok {
		t.Fatal("old user key should be gone after rename")
	}
	if _, ok := s.GetUser("alice2"); !ok {
		t.Fatal("new user key should exist after rename")
	}
}

func TestRemoveUserClearsAllChannelMemberships(t *testing.T) {
	s := New(nil)

	ch1 := s.EnsureChannel("#a", CModes{})
	ch2 := s.EnsureChannel("#b", CModes{})
	ch1.Users.Set("bob", &Membership{Nick: "bob"})
	ch2.Users.Set("bob", &Membership{Nick: "bob"})
	s.EnsureUser("bob")

	s.RemoveUser("bob")

	if _, ok := ch1.Users.Get("bob"); ok {
		t.Fatal("membership in #a should be removed")
	}
	if _, ok := ch2.Users.Get("bob"); ok {
		t.Fatal("membership in #b should be removed")
	}
	if _, ok := s.GetUser("bob"); ok {
		t.Fatal("user should be removed from the global table")
	}
}

func TestAllContextsOrderedByCreation(t *testing.T) {
	s := New(nil)

	s.EnsureContext("status", ContextStatus, 10)
	s.EnsureContext("#go", ContextChannel, 10)
	s.EnsureContext("bob", ContextQuery, 10)

	all := s.AllContexts()
	if len(all) != 3 {
		t.Fatalf("len(AllContexts()) = %d, want 3", len(all))
	}

	want := []string{"status", "#go", "bob"}
	for i, ctx := range all {
		if ctx.ID != want[i] {
			t.Errorf("AllContexts()[%d].ID = %q, want %q", i, ctx.ID, want[i])
		}
	}
}
