// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package sasl implements the PLAIN SASL authentication state machine
// for IRCv3 AUTHENTICATE, using github.com/emersion/go-sasl's PLAIN
// mechanism for the credential framing rather than hand-rolling the
// NUL-joined payload.
package sasl

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	gosasl "github.com/emersion/go-sasl"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/errs"
)

// DefaultStepTimeout bounds the wait for each AUTHENTICATE exchange.
const DefaultStepTimeout = 10 * time.Second

// SendFunc emits a raw AUTHENTICATE line.
type SendFunc func(payload string)

// State is a step in the PLAIN authentication flow.
type State int

const (
	NotStarted State = iota
	Started
	Succeeded
	Failed
)

// Authenticator drives one SASL PLAIN attempt. It is not safe for
// concurrent use by more than one goroutine calling HandleAuthenticate or
// HandleNumeric.
type Authenticator struct {
	mu sync.Mutex

	client gosasl.Client
	state  State
	err    error

	stepTimeout  time.Duration
	stepDeadline time.Time

	send SendFunc
}

// New builds an Authenticator for the given username/password, to be
// driven against a server offering the PLAIN mechanism. identity (the
// SASL authorization identity) is left empty, matching IRC's
// authcid-only convention.
func New(username, password string, send SendFunc) *Authenticator {
	return &Authenticator{
		client:      gosasl.NewPlainClient("", username, password),
		state:       NotStarted,
		stepTimeout: DefaultStepTimeout,
		send:        send,
	}
}

// SetStepTimeout overrides the default per-step timeout.
func (a *Authenticator) SetStepTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d > 0 {
		a.stepTimeout = d
	}
}

// Start sends "AUTHENTICATE PLAIN" to announce the chosen mechanism.
func (a *Authenticator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Started
	a.stepDeadline = time.Now().Add(a.stepTimeout)
	a.send("PLAIN")
}

// State returns the authenticator's current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Err returns the terminal error, if State() == Failed.
func (a *Authenticator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.err
}

// HandleAuthenticate processes a server "AUTHENTICATE <payload>" line.
// The server sends "AUTHENTICATE +" to request the credential blob.
func (a *Authenticator) HandleAuthenticate(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if payload != "+" {
		return nil
	}

	_, ir, err := a.client.Start()
	if err != nil {
		a.state = Failed
		a.err = &errs.SaslError{Kind: errs.SaslAuthenticate, Detail: err.Error()}

		return a.err
	}

	a.stepDeadline = time.Now().Add(a.stepTimeout)
	a.send(base64.StdEncoding.EncodeToString(ir))

	return nil
}

// HandleNumeric processes a terminal or error numeric reply. It reports
// whether the authentication attempt has reached a terminal state.
func (a *Authenticator) HandleNumeric(numeric string, trailing string) (terminal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch numeric {
	case halcyon.RPL_SASLSUCCESS:
		a.state = Succeeded
		return true

	case halcyon.ERR_SASLFAIL:
		a.state = Failed
		a.err = &errs.SaslError{Kind: errs.SaslDenied, Detail: trailing}
		return true

	case halcyon.ERR_NICKLOCKED:
		a.state = Failed
		a.err = &errs.SaslError{Kind: errs.SaslDenied, Detail: "nick locked: " + trailing}
		return true

	case halcyon.ERR_SASLTOOLONG, halcyon.ERR_SASLABORTED:
		a.state = Failed
		a.err = &errs.SaslError{Kind: errs.SaslAuthenticate, Detail: trailing}
		return true

	case halcyon.RPL_SASLMECHS:
		a.state = Failed
		a.err = &errs.SaslError{
			Kind:   errs.SaslUnsupportedMechanism,
			Detail: "server supports: " + strings.TrimSpace(trailing),
		}
		return true
	}

	return false
}

// CheckTimeout reports whether the current step has exceeded its
// timeout without reaching a terminal state.
func (a *Authenticator) CheckTimeout() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Succeeded || a.state == Failed || a.state == NotStarted {
		return nil
	}

	if time.Now().After(a.stepDeadline) {
		a.state = Failed
		a.err = &errs.SaslError{Kind: errs.SaslTimeout}

		return a.err
	}

	return nil
}
