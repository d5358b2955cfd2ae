// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dispatcher

import (
	"strings"
	"testing"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/eventbus"
	"github.com/halcyon-irc/halcyon/state"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.Store, *eventbus.Bus, *[]*halcyon.Message) {
	t.Helper()

	store := state.New(nil)
	bus := eventbus.New(nil)

	var sent []*halcyon.Message
	d := New(Options{
		Store:   store,
		Bus:     bus,
		Send:    func(m *halcyon.Message) { sent = append(sent, m) },
		Version: "halcyon test",
	})

	ci := &state.ConnectionInfo{Nick: "self", Username: "self", Host: "irc.example.net", Port: 6667}
	if err := store.Set("connection_info", ci); err != nil {
		t.Fatalf("seeding connection_info: %v", err)
	}

	return d, store, bus, &sent
}

func dispatchRaw(t *testing.T, d *Dispatcher, lines ...string) {
	t.Helper()

	for _, raw := range lines {
		m := halcyon.ParseMessage(raw)
		if m == nil {
			t.Fatalf("test line failed to parse: %q", raw)
		}
		d.Dispatch(m)
	}
}

func TestPINGRepliesWithIdenticalTrailing(t *testing.T) {
	d, store, _, sent := newTestDispatcher(t)

	dispatchRaw(t, d, "PING :irc.example.net")

	if len(*sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(*sent))
	}
	if got := (*sent)[0]; got.Command != halcyon.PONG || got.Trailing != "irc.example.net" {
		t.Fatalf("sent %q, want PONG :irc.example.net", got.String())
	}

	// PING must never produce user-visible output.
	if _, ok := store.GetContext("status"); ok {
		t.Fatal("PING created a status context line")
	}
}

func TestPRIVMSGToChannelAppendsToChannelContext(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t)

	var published []state.ContextLine
	bus.Subscribe(halcyon.CONTEXT_LINE, func(event string, payload interface{}) {
		published = append(published, payload.(state.ContextLine))
	})

	dispatchRaw(t, d, ":bob!b@h PRIVMSG #chan :hello world")

	ctx, ok := store.GetContext("#chan")
	if !ok {
		t.Fatal("no #chan context created")
	}

	lines := ctx.Scrollback.All()
	if len(lines) != 1 || lines[0].Text != "hello world" || lines[0].Nick != "bob" {
		t.Fatalf("scrollback = %+v, want one line 'hello world' from bob", lines)
	}

	if len(published) != 1 || published[0].Line.Text != "hello world" {
		t.Fatalf("published = %+v, want the same text materialized on the bus", published)
	}
}

func TestPRIVMSGToSelfCreatesQueryContext(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d, ":bob!b@h PRIVMSG self :psst")

	ctx, ok := store.GetContext("bob")
	if !ok {
		t.Fatal("no query context created for bob")
	}
	if ctx.Kind != state.ContextQuery {
		t.Fatalf("context kind = %s, want query", ctx.Kind)
	}
}

func TestCTCPActionRendersAsAction(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d, ":bob!b@h PRIVMSG #chan :\x01ACTION waves\x01")

	ctx, ok := store.GetContext("#chan")
	if !ok {
		t.Fatal("no #chan context created")
	}

	lines := ctx.Scrollback.All()
	if len(lines) != 1 || lines[0].Kind != "action" || lines[0].Text != "waves" {
		t.Fatalf("scrollback = %+v, want one action line 'waves'", lines)
	}
}

func TestCTCPVersionGetsNoticeReply(t *testing.T) {
	d, _, _, sent := newTestDispatcher(t)

	dispatchRaw(t, d, ":bob!b@h PRIVMSG self :\x01VERSION\x01")

	if len(*sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(*sent))
	}

	reply := (*sent)[0]
	if reply.Command != halcyon.NOTICE || reply.Params[0] != "bob" {
		t.Fatalf("reply = %q, want NOTICE to bob", reply.String())
	}
	if !strings.Contains(reply.Trailing, "halcyon test") {
		t.Fatalf("reply trailing = %q, want the version string", reply.Trailing)
	}
}

func TestUnsupportedCTCPIsIgnored(t *testing.T) {
	d, _, _, sent := newTestDispatcher(t)

	dispatchRaw(t, d, ":bob!b@h PRIVMSG self :\x01CLIENTINFO\x01")

	if len(*sent) != 0 {
		t.Fatalf("sent %d messages, want none for unsupported CTCP", len(*sent))
	}
}

func TestJoinNamesEndOfNamesFlow(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t)

	var fullyJoined []string
	bus.Subscribe(halcyon.CHANNEL_FULLY_JOINED, func(event string, payload interface{}) {
		fullyJoined = append(fullyJoined, payload.(string))
	})

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":irc.example.net 353 self = #chan :@ops +voiced plain self",
		":irc.example.net 366 self #chan :End of /NAMES list",
	)

	ch, ok := store.GetChannel("#chan")
	if !ok {
		t.Fatal("channel not tracked after JOIN")
	}

	if !ch.JoinComplete {
		t.Fatal("JoinComplete should be true after 366")
	}
	if len(fullyJoined) != 1 || fullyJoined[0] != "#chan" {
		t.Fatalf("fullyJoined = %v, want [#chan]", fullyJoined)
	}

	mv, ok := ch.Users.Get("@ops")
	if ok {
		t.Fatalf("prefix characters leaked into the membership key: %+v", mv)
	}

	checks := map[string]string{"ops": "@", "voiced": "+", "plain": "", "self": ""}
	for nick, wantPrefix := range checks {
		mv, ok := ch.Users.Get(nick)
		if !ok {
			t.Fatalf("user %s missing from channel", nick)
		}
		m := mv.(*state.Membership)
		if m.Prefixes != wantPrefix {
			t.Errorf("user %s prefixes = %q, want %q", nick, m.Prefixes, wantPrefix)
		}
	}
}

func TestJoinCompleteFalseBetweenJoinAndEndOfNames(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":irc.example.net 353 self = #chan :self other",
	)

	ch, _ := store.GetChannel("#chan")
	if ch.JoinComplete {
		t.Fatal("JoinComplete should be false before 366")
	}
}

func TestPartRemovesUserAndSelfPartDropsChannel(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":bob!b@h JOIN #chan",
		":bob!b@h PART #chan :bye",
	)

	ch, _ := store.GetChannel("#chan")
	if _, ok := ch.Users.Get("bob"); ok {
		t.Fatal("bob should be removed after PART")
	}

	dispatchRaw(t, d, ":self!s@h PART #chan :gone")

	if _, ok := store.GetChannel("#chan"); ok {
		t.Fatal("self-part should drop channel tracking")
	}
	if _, ok := store.GetContext("#chan"); !ok {
		t.Fatal("self-part should preserve the channel context")
	}
}

func TestKickSelfDropsChannelKeepsContext(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":op!o@h KICK #chan self :begone",
	)

	if _, ok := store.GetChannel("#chan"); ok {
		t.Fatal("self-kick should drop channel tracking")
	}
	if _, ok := store.GetContext("#chan"); !ok {
		t.Fatal("self-kick should preserve the channel context")
	}
}

func TestNickRewritesMembershipAndSelfNick(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":bob!b@h JOIN #chan",
		":bob!b@h NICK robert",
	)

	ch, _ := store.GetChannel("#chan")
	if _, ok := ch.Users.Get("bob"); ok {
		t.Fatal("old nick still present in membership")
	}
	if _, ok := ch.Users.Get("robert"); !ok {
		t.Fatal("new nick missing from membership")
	}

	dispatchRaw(t, d, ":self!s@h NICK renamed")

	v, _ := store.Get("connection_info")
	if ci := v.(*state.ConnectionInfo); ci.Nick != "renamed" {
		t.Fatalf("ConnectionInfo.Nick = %q, want renamed", ci.Nick)
	}
}

func TestModeAppliesPrefixDeltas(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t)

	var deltas []ModeDelta
	bus.Subscribe(halcyon.CHANNEL_MODE_APPLIED, func(event string, payload interface{}) {
		deltas = append(deltas, payload.(ModeDelta))
	})

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":bob!b@h JOIN #chan",
		":op!o@h MODE #chan +ov bob bob",
	)

	ch, _ := store.GetChannel("#chan")
	mv, _ := ch.Users.Get("bob")
	m := mv.(*state.Membership)
	if m.Prefixes != "@+" {
		t.Fatalf("bob prefixes = %q, want @+ (multi-prefix preserved)", m.Prefixes)
	}

	if len(deltas) != 1 || deltas[0].Channel != "#chan" || len(deltas[0].Modes) != 2 {
		t.Fatalf("deltas = %+v, want one event with two parsed modes", deltas)
	}

	dispatchRaw(t, d, ":op!o@h MODE #chan -o bob")

	mv, _ = ch.Users.Get("bob")
	if m := mv.(*state.Membership); m.Prefixes != "+" {
		t.Fatalf("bob prefixes after -o = %q, want +", m.Prefixes)
	}
}

func TestISUPPORTUpdatesParserTables(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":irc.example.net 005 self CASEMAPPING=ascii CHANTYPES=#&! PREFIX=(qov)~@+ CHANMODES=beI,k,l,imnpst :are supported by this server",
	)

	if v, _ := store.Get("casemapping"); v != "ascii" {
		t.Fatalf("casemapping = %v, want ascii", v)
	}
	if d.chanTypes != "#&!" {
		t.Fatalf("chanTypes = %q, want #&!", d.chanTypes)
	}
	if d.prefixes != "(qov)~@+" {
		t.Fatalf("prefixes = %q", d.prefixes)
	}
	if d.chanModes != "beI,k,l,imnpst" {
		t.Fatalf("chanModes = %q", d.chanModes)
	}
}

func TestTopicNumericsUpdateChannel(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":irc.example.net 332 self #chan :the topic",
		":irc.example.net 333 self #chan op!o@h 1700000000",
	)

	ch, _ := store.GetChannel("#chan")
	if ch.Topic != "the topic" {
		t.Fatalf("topic = %q, want 'the topic'", ch.Topic)
	}
	if ch.TopicSetBy != "op!o@h" {
		t.Fatalf("topic set by = %q", ch.TopicSetBy)
	}
	if ch.TopicSetAt.Unix() != 1700000000 {
		t.Fatalf("topic set at = %v", ch.TopicSetAt)
	}
}

func TestUnknownNumericLandsInStatus(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d, ":irc.example.net 482 self #chan :You're not channel operator")

	ctx, ok := store.GetContext("status")
	if !ok {
		t.Fatal("no status context created")
	}

	lines := ctx.Scrollback.All()
	if len(lines) != 1 || lines[0].Text != "You're not channel operator" {
		t.Fatalf("status = %+v, want the numeric's trailing text", lines)
	}
}

func TestQuitRemovesUserEverywhere(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d,
		":self!s@h JOIN #chan",
		":bob!b@h JOIN #chan",
		":bob!b@h QUIT :leaving",
	)

	if _, ok := store.GetUser("bob"); ok {
		t.Fatal("bob should be removed from user table after QUIT")
	}

	ch, _ := store.GetChannel("#chan")
	if _, ok := ch.Users.Get("bob"); ok {
		t.Fatal("bob should be removed from channel membership after QUIT")
	}
}

func TestAwayNotifyTogglesAwayFlag(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)

	dispatchRaw(t, d, ":bob!b@h AWAY :gone fishing")

	u, _ := store.GetUser("bob")
	if !u.Away {
		t.Fatal("away flag should be set")
	}

	dispatchRaw(t, d, ":bob!b@h AWAY")

	u, _ = store.GetUser("bob")
	if u.Away {
		t.Fatal("away flag should be cleared")
	}
}

func TestDCCPayloadReachesRegisteredHook(t *testing.T) {
	store := state.New(nil)
	bus := eventbus.New(nil)

	var gotText string
	d := New(Options{
		Store: store,
		Bus:   bus,
		Send:  func(m *halcyon.Message) {},
		OnDCC: func(src *halcyon.Source, text string) { gotText = text },
	})

	ci := &state.ConnectionInfo{Nick: "self"}
	if err := store.Set("connection_info", ci); err != nil {
		t.Fatal(err)
	}

	dispatchRaw(t, d, ":bob!b@h PRIVMSG self :\x01DCC SEND \"file.bin\" 3232235777 5000 1024\x01")

	if gotText != "SEND \"file.bin\" 3232235777 5000 1024" {
		t.Fatalf("hook got %q", gotText)
	}
}
