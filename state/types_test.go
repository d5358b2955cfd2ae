// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package state

import "testing"

func TestConnectionInfoValidate(t *testing.T) {
	ci := ConnectionInfo{
		Host:     "irc.example.org",
		Port:     6697,
		Nick:     "alice",
		Username: "alice",
		AutoJoin: []string{"#go", "not-a-channel"},
	}

	errs := ci.Validate()
	if len(errs) != 1 {
		t.Fatalf("Validate() = %v, want exactly one error (bad auto-join channel)", errs)
	}
}

func TestConnectionInfoValidateRejectsIncompleteSASL(t *testing.T) {
	ci := ConnectionInfo{
		Host:         "irc.example.org",
		Port:         6667,
		Nick:         "alice",
		Username:     "alice",
		SASLUsername: "alice",
	}

	errs := ci.Validate()
	if len(errs) == 0 {
		t.Fatal("Validate() should reject sasl_username set without sasl_password")
	}
}

func TestConnectionInfoValidatePassesGoodConfig(t *testing.T) {
	ci := ConnectionInfo{
		Host:     "irc.example.org",
		Port:     6697,
		Nick:     "alice",
		Username: "alice",
		AutoJoin: []string{"#go"},
	}

	if errs := ci.Validate(); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestChannelCopyIsIndependent(t *testing.T) {
	ch := NewChannel("#go", NewCModes("b,k,l,imnpst", "(ov)@+"))
	ch.Users.Set("alice", &Membership{Nick: "alice", Prefixes: "@"})
	ch.Topic = "original"

	cp := ch.Copy()
	cp.Topic = "changed"
	if v, ok := cp.Users.Get("alice"); ok {
		v.(*Membership).Prefixes = "+"
	}

	if ch.Topic != "original" {
		t.Fatalf("mutating the copy's Topic affected the original: %q", ch.Topic)
	}
	orig, _ := ch.Users.Get("alice")
	if orig.(*Membership).Prefixes != "@" {
		t.Fatalf("mutating the copy's membership affected the original: %+v", orig)
	}
}

func TestUserMask(t *testing.T) {
	u := &User{Nick: "alice"}
	if u.Mask() != "alice" {
		t.Fatalf("Mask() = %q, want alice (no ident/host known)", u.Mask())
	}

	u2 := &User{Nick: "alice", Ident: "~a", Host: "example.org"}
	if got, want := u2.Mask(), "alice!~a@example.org"; got != want {
		t.Fatalf("Mask() = %q, want %q", got, want)
	}
}
