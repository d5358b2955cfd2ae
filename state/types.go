// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package state implements the typed, validated, observable, persistable
// bag of client state: a key/value store with per-key validators and
// change-subscriber fan-out, following a mutate-under-lock,
// notify-outside-lock discipline, plus the tracked channel, user, and
// context entities around it.
package state

import (
	"time"

	cmap "github.com/orcaman/concurrent-map"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/scrollback"
)

// ConnectionState is the client's single connection lifecycle state.
// Transitions are owned exclusively by the orchestrator package; every
// other component only ever reads it.
type ConnectionState string

const (
	Disconnected    ConnectionState = "disconnected"
	ConfigError     ConnectionState = "config_error"
	Connecting      ConnectionState = "connecting"
	CapNegotiating  ConnectionState = "cap_negotiating"
	Authenticating  ConnectionState = "authenticating"
	Registering     ConnectionState = "registering"
	Registered      ConnectionState = "registered"
	Ready           ConnectionState = "ready"
	Disconnecting   ConnectionState = "disconnecting"
	StateError      ConnectionState = "error"
)

// String implements fmt.Stringer.
func (c ConnectionState) String() string { return string(c) }

// ConnectionInfo holds everything needed to dial and register against a
// single IRC server.
type ConnectionInfo struct {
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	TLS              bool     `json:"tls"`
	VerifyCert       bool     `json:"verify_cert"`
	Nick             string   `json:"nick"`
	Username         string   `json:"username"`
	RealName         string   `json:"real_name"`
	ServerPassword   string   `json:"-"` // write-only; never persisted
	NickServPassword string   `json:"-"`
	SASLUsername     string   `json:"sasl_username,omitempty"`
	SASLPassword     string   `json:"-"`
	AutoJoin         []string `json:"auto_join,omitempty"`
	RequestedCaps    []string `json:"requested_caps,omitempty"`

	// ConfigErrors is populated by Validate and must be empty before the
	// orchestrator is allowed to leave Disconnected/ConfigError.
	ConfigErrors []string `json:"-"`
}

// Validate checks the ConnectionInfo for obviously-unusable configuration
// and records every problem found into ConfigErrors, returning the same
// slice. A non-empty result means the orchestrator must stay in
// ConfigError rather than attempt a connection.
func (ci *ConnectionInfo) Validate() []string {
	var errs []string

	if ci.Host == "" {
		errs = append(errs, "host must not be empty")
	}
	if ci.Port <= 0 || ci.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if !halcyon.IsValidNick(ci.Nick) {
		errs = append(errs, "nick is not a valid IRC nickname")
	}
	if !halcyon.IsValidUser(ci.Username) {
		errs = append(errs, "username is not a valid IRC ident")
	}
	for _, ch := range ci.AutoJoin {
		if !halcyon.IsValidChannel(ch) {
			errs = append(errs, "auto-join channel \""+ch+"\" is not a valid channel name")
		}
	}
	if (ci.SASLUsername != "") != (ci.SASLPassword != "") {
		errs = append(errs, "sasl_username and sasl_password must be set together")
	}

	ci.ConfigErrors = errs

	return errs
}

// ContextKind distinguishes the three kinds of scrollback context.
type ContextKind string

const (
	ContextStatus  ContextKind = "status"
	ContextChannel ContextKind = "channel"
	ContextQuery   ContextKind = "query"
)

// Context is a named, bounded message buffer: the status window, a
// channel, or a private query.
type Context struct {
	ID         string
	Kind       ContextKind
	Scrollback *scrollback.Ring
	created    int64 // monotonic sequence, used for enumeration order
}

// NewContext builds a Context with a fresh scrollback ring of the given
// capacity.
func NewContext(id string, kind ContextKind, cap int, seq int64) *Context {
	return &Context{ID: id, Kind: kind, Scrollback: scrollback.NewRing(cap), created: seq}
}

// ContextLine is the event payload published on the bus every time a
// line is appended to a context, carrying the same text that landed in
// scrollback.
type ContextLine struct {
	ContextID string
	Line      scrollback.Line
}

// Membership captures how a user appears within a single channel: their
// multi-prefix set, e.g. "@+" for an opped and voiced member.
type Membership struct {
	Nick     string
	Prefixes string
}

// Channel represents an IRC channel and the state attached to it. Name
// is always stored canonically (RFC1459 casemapped).
type Channel struct {
	Name         string
	Topic        string
	TopicSetBy   string
	TopicSetAt   time.Time
	Modes        CModes
	Users        cmap.ConcurrentMap // nick (casemapped) -> *Membership
	JoinComplete bool
	Joined       time.Time

	// namesBuf accumulates RPL_NAMREPLY entries until RPL_ENDOFNAMES
	// flushes them.
	namesBuf []string
}

// NewChannel returns an empty, just-joined Channel tracker.
func NewChannel(name string, modes CModes) *Channel {
	return &Channel{
		Name:   name,
		Modes:  modes,
		Users:  cmap.New(),
		Joined: time.Now(),
	}
}

// BufferNames accumulates a batch of RPL_NAMREPLY tokens for later
// flushing; the reply spans multiple lines and must not be applied
// piecemeal.
func (ch *Channel) BufferNames(tokens []string) {
	ch.namesBuf = append(ch.namesBuf, tokens...)
}

// FlushNames drains and returns the pending names buffer, called on
// RPL_ENDOFNAMES.
func (ch *Channel) FlushNames() []string {
	buf := ch.namesBuf
	ch.namesBuf = nil

	return buf
}

// Copy returns a deep copy of the channel, safe to hand to readers
// without risking mutation of the live state.
func (ch *Channel) Copy() *Channel {
	if ch == nil {
		return nil
	}

	nc := &Channel{
		Name:         ch.Name,
		Topic:        ch.Topic,
		TopicSetBy:   ch.TopicSetBy,
		TopicSetAt:   ch.TopicSetAt,
		Modes:        ch.Modes.Copy(),
		Users:        cmap.New(),
		JoinComplete: ch.JoinComplete,
		Joined:       ch.Joined,
	}

	for entry := range ch.Users.IterBuffered() {
		if m, ok := entry.Val.(*Membership); ok {
			cp := *m
			nc.Users.Set(entry.Key, &cp)
		}
	}

	return nc
}

// Len returns the number of users currently tracked in the channel.
func (ch *Channel) Len() int { return ch.Users.Count() }

// User represents a tracked IRC user.
type User struct {
	Nick    string
	Ident   string
	Host    string
	Account string
	Away    bool
}

// Mask returns the nick!ident@host hostmask, if ident/host are known.
func (u *User) Mask() string {
	if u.Ident == "" && u.Host == "" {
		return u.Nick
	}

	return u.Nick + "!" + u.Ident + "@" + u.Host
}

// Copy returns a shallow copy of the user (User has no reference fields
// that need deep copying).
func (u *User) Copy() *User {
	if u == nil {
		return nil
	}

	cp := *u

	return &cp
}

// DccHistoryEntry is the persisted summary of a DCC transfer that
// reached a terminal state; in-flight transfers are never persisted.
type DccHistoryEntry struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	Filename      string    `json:"filename"`
	Direction     string    `json:"direction"`
	Size          int64     `json:"size"`
	BytesSent     int64     `json:"bytes_transferred"`
	State         string    `json:"state"`
	FinishedAt    time.Time `json:"finished_at"`
}
