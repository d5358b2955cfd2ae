// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package orchestrator owns the connection lifecycle: it is the only
// component allowed to mutate the state store's connection_state key,
// sequencing transport dial, CAP negotiation, SASL, and registration,
// then handing steady-state line dispatch off to an injected handler.
// Each attempt fans its read/write loops out under a shared cancellation
// context via ctxgroup; failed attempts feed a backoff-governed
// reconnect loop.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/capneg"
	"github.com/halcyon-irc/halcyon/errs"
	"github.com/halcyon-irc/halcyon/eventbus"
	"github.com/halcyon-irc/halcyon/internal/ctxgroup"
	"github.com/halcyon-irc/halcyon/registration"
	"github.com/halcyon-irc/halcyon/sasl"
	"github.com/halcyon-irc/halcyon/state"
	"github.com/halcyon-irc/halcyon/transport"
)

// Reconnect backoff: initial 2s, factor 2, cap 60s, full jitter.
const (
	backoffInitial = 2 * time.Second
	backoffFactor  = 2
	backoffCap     = 60 * time.Second
)

// DialFunc opens the transport-level connection for one attempt.
type DialFunc func(ctx context.Context) (*transport.Transport, error)

// LineHandler is invoked for every parsed message once the client has
// reached Ready. It may enqueue outbound lines but must not block on
// I/O.
type LineHandler func(msg *halcyon.Message)

// Options configures one Orchestrator.
type Options struct {
	Store *state.Store
	Bus   *eventbus.Bus
	Log   *log.Logger

	Dial DialFunc
	Info state.ConnectionInfo

	// AutoReconnect, when true, retries a retryable failure with
	// exponential backoff rather than settling in Disconnected.
	AutoReconnect bool
	// MaxAttempts bounds the number of reconnect attempts; 0 means
	// unbounded.
	MaxAttempts int

	OnLine LineHandler
}

// Orchestrator drives the full Configured -> ResolvingTransport ->
// CapNegotiating -> Authenticating -> Registering -> Ready sequence for
// one logical connection, retrying with backoff on retryable failure.
type Orchestrator struct {
	store *state.Store
	bus   *eventbus.Bus
	log   *log.Logger

	dial DialFunc
	info state.ConnectionInfo

	autoReconnect bool
	maxAttempts   int
	onLine        LineHandler

	mu       sync.Mutex
	manual   bool // true once a manual Disconnect has been issued
	attempts int
	tr       *transport.Transport
}

// New builds an Orchestrator from opts.
func New(opts Options) *Orchestrator {
	logger := opts.Log
	if logger == nil {
		logger = log.New(os.Stderr, "orchestrator: ", log.LstdFlags)
	}

	return &Orchestrator{
		store:         opts.Store,
		bus:           opts.Bus,
		log:           logger,
		dial:          opts.Dial,
		info:          opts.Info,
		autoReconnect: opts.AutoReconnect,
		maxAttempts:   opts.MaxAttempts,
		onLine:        opts.OnLine,
	}
}

// Disconnect cancels any in-progress backoff and forbids auto-reconnect
// until the next explicit Run; a deliberate disconnect stays
// disconnected.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.manual = true
	if o.tr != nil {
		o.tr.Close()
	}
}

func (o *Orchestrator) setState(s state.ConnectionState) {
	if err := o.store.Set("connection_state", s); err != nil {
		o.log.Printf("orchestrator: connection_state transition to %s rejected: %v", s, err)
	}
}

// Run drives the connect/register/reconnect loop until ctx is canceled,
// a manual Disconnect is issued, or a non-retryable failure occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	if validationErrs := o.info.Validate(); len(validationErrs) > 0 {
		o.setState(state.ConfigError)
		return &errs.ConfigError{Errors: validationErrs}
	}

	for {
		o.mu.Lock()
		manual := o.manual
		o.mu.Unlock()
		if manual {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := o.attempt(ctx)
		if err == nil {
			return nil
		}

		o.mu.Lock()
		o.attempts++
		attempt := o.attempts
		manual = o.manual
		o.mu.Unlock()

		if manual {
			o.setState(state.Disconnected)
			return nil
		}

		o.setState(state.Disconnected)
		o.bus.Publish(halcyon.CLIENT_DISCONNECTED, err)

		if !o.autoReconnect || !errs.Retryable(err) {
			return err
		}
		if o.maxAttempts > 0 && attempt >= o.maxAttempts {
			return err
		}

		delay := backoffDelay(attempt)
		o.setState(state.Connecting)
		o.bus.Publish(halcyon.CLIENT_RECONNECTING, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay computes the full-jitter exponential backoff for the
// given 1-indexed attempt number.
func backoffDelay(attempt int) time.Duration {
	max := float64(backoffInitial) * pow(backoffFactor, attempt-1)
	if max > float64(backoffCap) {
		max = float64(backoffCap)
	}

	return time.Duration(rand.Int63n(int64(max) + 1))
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}

	return out
}

// attempt drives a single connection lifecycle from ResolvingTransport
// through Ready, then blocks reading steady-state lines until the
// connection ends. A nil return means the connection ended via a clean
// manual disconnect; a non-nil return is a failure the caller may retry.
func (o *Orchestrator) attempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.setState(state.Connecting)
	o.bus.Publish(halcyon.CLIENT_CONNECTING, o.info.Host)

	tr, err := o.dial(attemptCtx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.tr = tr
	o.mu.Unlock()
	defer tr.Close()

	o.bus.Publish(halcyon.CLIENT_CONNECTED, o.info.Host)

	lines := make(chan *halcyon.Message, 64)
	readErr := make(chan error, 1)

	g := ctxgroup.New(attemptCtx)
	g.Go(func(ctx context.Context) error {
		return tr.WriteLoop(ctx)
	})
	g.Go(func(ctx context.Context) error {
		err := tr.ReadLoop(ctx, func(raw []byte) {
			if m := halcyon.ParseMessage(string(raw)); m != nil {
				select {
				case lines <- m:
				case <-ctx.Done():
				}
			}
		})
		readErr <- err
		return err
	})

	send := func(command string, params ...string) {
		m := &halcyon.Message{Command: command}
		if n := len(params); n > 0 {
			last := params[n-1]
			if strings.ContainsRune(last, ' ') || last == "" {
				m.Params = params[:n-1]
				m.Trailing = last
				m.EmptyTrailing = last == ""
			} else {
				m.Params = params
			}
		}
		tr.SendLine(m.Bytes())
	}

	// capneg builds its params slice with the verb ("CAP") as the first
	// element (matching how it assembles a full wire line), so unpack it
	// the same way send() does rather than nesting it under a second CAP.
	capSend := func(params []string) {
		if len(params) == 0 {
			return
		}

		m := &halcyon.Message{Command: params[0]}
		if n := len(params); n > 1 {
			last := params[n-1]
			if strings.ContainsRune(last, ' ') || last == "" {
				m.Params = params[1 : n-1]
				m.Trailing = last
				m.EmptyTrailing = last == ""
			} else {
				m.Params = params[1:]
			}
		}

		tr.SendLine(m.Bytes())
	}

	n, err := o.negotiateCaps(attemptCtx, lines, capSend)
	if err != nil {
		cancel()
		return err
	}

	// When sasl was ACKed the negotiator parks in SaslAwait holding CAP
	// END back; the SASL exchange runs inside that window, and SaslDone
	// releases CAP END whatever the outcome.
	if n.State() == capneg.SaslAwait {
		authErr := o.authenticate(attemptCtx, lines, func(payload string) {
			tr.SendLine((&halcyon.Message{Command: halcyon.AUTHENTICATE, Params: []string{payload}}).Bytes())
		})
		n.SaslDone()
		if authErr != nil {
			cancel()
			return authErr
		}

		o.bus.Publish(halcyon.CLIENT_CAP_NEGOTIATION_COMPLETE, n.Enabled())
	}

	if err := o.register(attemptCtx, lines, send); err != nil {
		cancel()
		return err
	}

	o.setState(state.Ready)
	o.bus.Publish(halcyon.CLIENT_READY, o.info.Nick)

	o.mu.Lock()
	o.attempts = 0
	o.mu.Unlock()

	for {
		select {
		case m := <-lines:
			if o.onLine != nil {
				o.onLine(m)
			}
			if m.Command == halcyon.ERROR {
				cancel()
				return &errs.TransportIo{Err: fmt.Errorf("remote sent ERROR: %s", m.Trailing)}
			}
		case err := <-readErr:
			o.mu.Lock()
			manual := o.manual
			o.mu.Unlock()
			if manual || err == nil {
				return nil
			}
			return &errs.TransportIo{Err: err}
		case <-attemptCtx.Done():
			return nil
		}
	}
}

// negotiateCaps runs CAP negotiation until the negotiator either
// finishes (CAP END sent) or parks in SaslAwait with CAP END held back
// for the SASL exchange; the caller owns the rest of the SaslAwait path.
func (o *Orchestrator) negotiateCaps(ctx context.Context, lines <-chan *halcyon.Message, send capneg.SendFunc) (*capneg.Negotiator, error) {
	caps := o.info.RequestedCaps
	if o.info.SASLUsername != "" {
		caps = append(append([]string(nil), caps...), "sasl")
	}

	n := capneg.New(caps, send)

	o.setState(state.CapNegotiating)
	o.bus.Publish(halcyon.CLIENT_CAP_NEGOTIATION_START, nil)
	n.Start()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case m := <-lines:
			if m.Command == halcyon.CAP {
				if err := n.HandleLine(m.Params, m.Trailing); err != nil {
					return n, err
				}
			}
			switch n.State() {
			case capneg.Done:
				o.bus.Publish(halcyon.CLIENT_CAP_NEGOTIATION_COMPLETE, n.Enabled())
				return n, nil
			case capneg.SaslAwait:
				return n, nil
			}
		case <-ticker.C:
			if err := n.CheckTimeout(); err != nil {
				return n, err
			}
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

func (o *Orchestrator) authenticate(ctx context.Context, lines <-chan *halcyon.Message, send sasl.SendFunc) error {
	a := sasl.New(o.info.SASLUsername, o.info.SASLPassword, send)

	o.setState(state.Authenticating)
	o.bus.Publish(halcyon.CLIENT_AUTHENTICATING, o.info.SASLUsername)
	a.Start()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case m := <-lines:
			terminal := false
			switch m.Command {
			case halcyon.AUTHENTICATE:
				// The server's "+" continuation arrives as a bare param,
				// not a trailing argument.
				if err := a.HandleAuthenticate(m.Last()); err != nil {
					return err
				}
			default:
				terminal = a.HandleNumeric(m.Command, m.Trailing)
			}

			if terminal || a.State() == sasl.Succeeded || a.State() == sasl.Failed {
				if a.State() == sasl.Failed {
					return a.Err()
				}
				o.bus.Publish(halcyon.CLIENT_AUTHENTICATED, o.info.SASLUsername)
				return nil
			}
		case <-ticker.C:
			if err := a.CheckTimeout(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) register(ctx context.Context, lines <-chan *halcyon.Message, send registration.SendFunc) error {
	r := registration.New(o.info.Nick, o.info.Username, o.info.RealName, o.info.ServerPassword, send)

	o.setState(state.Registering)
	o.bus.Publish(halcyon.CLIENT_REGISTERING, o.info.Nick)
	r.Start()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case m := <-lines:
			terminal, err := r.HandleLine(m.Command, m.Params, m.Trailing)
			if err != nil {
				return err
			}
			if terminal {
				o.info.Nick = r.ConfirmedNick()
				ci := o.info
				if serr := o.store.Set("connection_info", &ci); serr != nil {
					o.log.Printf("orchestrator: storing confirmed connection_info rejected: %v", serr)
				}
				o.bus.Publish(halcyon.CLIENT_REGISTERED, r.ConfirmedNick())
				return nil
			}
		case <-ticker.C:
			if err := r.CheckTimeout(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
