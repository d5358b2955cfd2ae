// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package registration drives the PASS/NICK/USER handshake: it sends
// the registration burst, retries colliding nicks with a "_" suffix,
// and on RPL_WELCOME records the server-confirmed nick and parses the
// network name out of the welcome trailing.
package registration

import (
	"strings"
	"sync"
	"time"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/errs"
)

// DefaultTimeout bounds the wait for RPL_WELCOME.
const DefaultTimeout = 30 * time.Second

// MaxNickRetries is how many times a colliding nick is retried
// (appending "_" each time) before giving up.
const MaxNickRetries = 3

// SendFunc emits a raw outbound line, e.g. NICK/USER/PASS.
type SendFunc func(command string, params ...string)

// State is a step in the registration handshake.
type State int

const (
	NotStarted State = iota
	Sent
	Retrying
	Registered
	Failed
)

// Registrar drives one registration attempt. It is not safe for
// concurrent use by more than one goroutine calling HandleLine.
type Registrar struct {
	mu sync.Mutex

	state State
	err   error

	nick           string
	attemptedNick  string
	retries        int
	username       string
	realname       string
	serverPassword string

	confirmedNick string
	network       string

	deadline time.Time
	timeout  time.Duration

	send SendFunc
}

// New builds a Registrar for the given identity. serverPassword may be
// empty, in which case PASS is omitted.
func New(nick, username, realname, serverPassword string, send SendFunc) *Registrar {
	return &Registrar{
		state:          NotStarted,
		nick:           nick,
		username:       username,
		realname:       realname,
		serverPassword: serverPassword,
		timeout:        DefaultTimeout,
		send:           send,
	}
}

// SetTimeout overrides the default registration timeout.
func (r *Registrar) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d > 0 {
		r.timeout = d
	}
}

// Start sends PASS (if configured), NICK, and USER, in that order.
func (r *Registrar) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.serverPassword != "" {
		r.send(halcyon.PASS, r.serverPassword)
	}

	r.attemptedNick = r.nick
	r.send(halcyon.NICK, r.attemptedNick)
	r.send(halcyon.USER, r.username, "0", "*", r.realname)

	r.state = Sent
	r.deadline = time.Now().Add(r.timeout)
}

// State returns the registrar's current state.
func (r *Registrar) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Err returns the terminal error, if State() == Failed.
func (r *Registrar) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// ConfirmedNick returns the nick the server accepted, once registered.
func (r *Registrar) ConfirmedNick() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.confirmedNick
}

// Network returns the network name parsed from the RPL_WELCOME
// trailing, if any.
func (r *Registrar) Network() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.network
}

// HandleLine processes one parsed protocol message relevant to
// registration. It reports whether registration has reached a terminal
// state (Registered or Failed).
func (r *Registrar) HandleLine(command string, params []string, trailing string) (terminal bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch command {
	case halcyon.RPL_WELCOME:
		if len(params) > 0 {
			r.confirmedNick = params[0]
		}

		r.network = parseNetworkName(trailing)
		r.state = Registered

		return true, nil

	case halcyon.ERR_NICKNAMEINUSE, halcyon.ERR_NICKCOLLISION, halcyon.ERR_UNAVAILRESOURCE:
		if r.state == Registered {
			// Post-registration nick collision (e.g. a /nick attempt);
			// not part of the initial handshake.
			return false, nil
		}

		if r.retries >= MaxNickRetries {
			r.state = Failed
			r.err = &errs.NickUnavailable{Nick: r.attemptedNick}

			return true, r.err
		}

		r.retries++
		r.attemptedNick += "_"
		r.state = Retrying
		r.deadline = time.Now().Add(r.timeout)
		r.send(halcyon.NICK, r.attemptedNick)

		return false, nil

	case halcyon.ERR_NEEDMOREPARAMS, halcyon.ERR_NOTREGISTERED:
		r.state = Failed
		r.err = &errs.RegistrationTimeout{}

		return true, r.err
	}

	return false, nil
}

// CheckTimeout reports whether registration has exceeded its timeout
// without reaching a terminal state.
func (r *Registrar) CheckTimeout() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Registered || r.state == Failed || r.state == NotStarted {
		return nil
	}

	if time.Now().After(r.deadline) {
		r.state = Failed
		r.err = &errs.RegistrationTimeout{}

		return r.err
	}

	return nil
}

// parseNetworkName extracts the network name out of a RPL_WELCOME
// trailing of the form "Welcome to the <network> IRC Network, <nick>".
func parseNetworkName(trailing string) string {
	const marker = "Welcome to the "

	i := strings.Index(trailing, marker)
	if i < 0 {
		return ""
	}

	rest := trailing[i+len(marker):]

	if j := strings.Index(rest, " IRC Network"); j >= 0 {
		return rest[:j]
	}

	if j := strings.IndexByte(rest, ','); j >= 0 {
		return rest[:j]
	}

	return ""
}
