// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package capneg implements the IRCv3 capability negotiation state
// machine: CAP LS 302, the requested/offered intersection, CAP REQ/ACK
// bookkeeping, and CAP END, driven through explicit states
// (Idle->Listing->Requesting->Acking->SaslAwait->Done) with overall and
// per-step timeouts.
package capneg

import (
	"strings"
	"sync"
	"time"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/errs"
)

// State is a step in the CAP negotiation state machine.
type State int

const (
	Idle State = iota
	Listing
	Requesting
	Acking
	SaslAwait
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listing:
		return "Listing"
	case Requesting:
		return "Requesting"
	case Acking:
		return "Acking"
	case SaslAwait:
		return "SaslAwait"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// DefaultOverallTimeout bounds the whole negotiation; DefaultStepTimeout
// bounds each LS/REQ/ACK exchange.
const (
	DefaultOverallTimeout = 15 * time.Second
	DefaultStepTimeout    = 7 * time.Second
)

// SendFunc emits a raw CAP subcommand line, e.g. "CAP REQ :sasl multi-prefix".
type SendFunc func(params []string)

// Negotiator drives one CAP negotiation attempt against a single
// connection. It is not safe for concurrent use by more than one
// goroutine calling HandleLine, though Negotiated/State may be read
// concurrently.
type Negotiator struct {
	mu    sync.Mutex
	state State

	requested map[string]bool
	offered   map[string][]string
	enabled   map[string]bool

	saslRequested bool
	saslDone      bool

	overallTimeout time.Duration
	stepTimeout    time.Duration
	stepDeadline   time.Time
	startedAt      time.Time

	send SendFunc
}

// New builds a Negotiator that will request every capability in
// requested if the server offers it. send is invoked to emit outbound
// CAP lines.
func New(requested []string, send SendFunc) *Negotiator {
	req := make(map[string]bool, len(requested))
	for _, c := range requested {
		req[strings.ToLower(c)] = true
	}

	return &Negotiator{
		state:          Idle,
		requested:      req,
		offered:        make(map[string][]string),
		enabled:        make(map[string]bool),
		overallTimeout: DefaultOverallTimeout,
		stepTimeout:    DefaultStepTimeout,
		send:           send,
	}
}

// SetTimeouts overrides the default overall/per-step timeouts. Zero
// values leave the corresponding default in place.
func (n *Negotiator) SetTimeouts(overall, step time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if overall > 0 {
		n.overallTimeout = overall
	}
	if step > 0 {
		n.stepTimeout = step
	}
}

// Start sends "CAP LS 302" and enters the Listing state.
func (n *Negotiator) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = Listing
	n.startedAt = time.Now()
	n.stepDeadline = n.startedAt.Add(n.stepTimeout)
	n.send([]string{halcyon.CAP, halcyon.CAP_LS, "302"})
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Enabled returns the set of capabilities the server ACKed.
func (n *Negotiator) Enabled() map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]bool, len(n.enabled))
	for k, v := range n.enabled {
		out[k] = v
	}

	return out
}

// parseCapTokens parses a raw "key[=v1,v2] key2..." CAP trailing value.
func parseCapTokens(raw string) map[string][]string {
	out := make(map[string][]string)

	for _, part := range strings.Fields(raw) {
		if i := strings.IndexByte(part, '='); i > 0 && i+1 < len(part) {
			out[part[:i]] = strings.Split(part[i+1:], ",")
			continue
		}

		out[part] = nil
	}

	return out
}

// SaslDone reports SASL's terminal result (success or failure) to the
// negotiator, unblocking CAP END if negotiation is holding for it; when
// sasl was ACKed, CAP END is held until authentication finishes.
func (n *Negotiator) SaslDone() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.saslDone = true

	if n.state == SaslAwait {
		n.finish()
	}
}

// finish sends CAP END and transitions to Done. Caller must hold n.mu.
func (n *Negotiator) finish() {
	n.send([]string{halcyon.CAP, halcyon.CAP_END})
	n.state = Done
}

// HandleLine processes one parsed CAP message (message.Command ==
// "CAP"). It returns a non-nil error only on a hard, terminal failure
// (CapTimeout is reported separately via CheckTimeout).
func (n *Negotiator) HandleLine(params []string, trailing string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(params) < 2 {
		return nil
	}

	sub := params[1]
	n.stepDeadline = time.Now().Add(n.stepTimeout)

	switch sub {
	case halcyon.CAP_LS:
		caps := parseCapTokens(trailing)
		for name, vals := range caps {
			n.offered[strings.ToLower(name)] = vals
		}

		// A "CAP LS" reply whose final line isn't multi-part (no trailing
		// "*" continuation param) means listing is complete; params[2]=="*"
		// signals more to come, in which case stay in Listing.
		if len(params) >= 3 && params[2] == "*" {
			return nil
		}

		var toRequest []string
		for name := range n.requested {
			if _, ok := n.offered[name]; ok {
				toRequest = append(toRequest, name)
			}
		}

		if len(toRequest) == 0 {
			n.finish()
			return nil
		}

		for _, c := range toRequest {
			if c == "sasl" {
				n.saslRequested = true
			}
		}

		n.state = Requesting
		n.send([]string{halcyon.CAP, halcyon.CAP_REQ, strings.Join(toRequest, " ")})
		n.state = Acking

	case halcyon.CAP_ACK:
		for _, c := range strings.Fields(trailing) {
			n.enabled[strings.ToLower(c)] = true
		}

		if n.saslRequested && !n.saslDone {
			n.state = SaslAwait
			return nil
		}

		n.finish()

	case halcyon.CAP_NAK:
		// Continue without the rejected capabilities; still need to end
		// negotiation.
		if n.saslRequested && !n.saslDone {
			n.state = SaslAwait
			return nil
		}

		n.finish()

	case halcyon.CAP_NEW, halcyon.CAP_DEL:
		// Re-list to pick up newly available (or now-gone) capabilities;
		// does not affect the in-progress negotiation's terminal state.
		n.send([]string{halcyon.CAP, halcyon.CAP_LS, "302"})
	}

	return nil
}

// CheckTimeout reports whether the negotiation has exceeded its overall
// or current per-step timeout. If so, it returns a *errs.CapTimeout and
// leaves the negotiator in its current (non-Done) state for the caller
// to decide whether to continue without capabilities.
func (n *Negotiator) CheckTimeout() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == Done || n.state == Idle {
		return nil
	}

	now := time.Now()
	if now.Sub(n.startedAt) > n.overallTimeout {
		return &errs.CapTimeout{Step: "overall"}
	}
	if now.After(n.stepDeadline) {
		return &errs.CapTimeout{Step: n.state.String()}
	}

	return nil
}
