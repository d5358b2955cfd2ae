// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package dispatcher routes parsed IRC messages to per-verb handlers and
// keeps the channel/user/context models in the state store current: one
// function per verb/numeric, each reading the message and mutating
// tracked state, with the bus publish happening after the internal
// handler so state mutations from a line are visible before any observer
// of that line runs.
package dispatcher

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/eventbus"
	"github.com/halcyon-irc/halcyon/scrollback"
	"github.com/halcyon-irc/halcyon/state"
)

// SendFunc enqueues an outbound message on the transport's write queue.
// Handlers may call it but must never block on it.
type SendFunc func(m *halcyon.Message)

// CTCPFunc receives decoded DCC CTCP payloads; the DCC subsystem
// registers itself here so SEND/RESUME/ACCEPT offers reach it without
// the dispatcher importing the dcc package.
type CTCPFunc func(src *halcyon.Source, text string)

// ModeDelta is the payload published on CHANNEL_MODE_APPLIED.
type ModeDelta struct {
	Channel string
	Modes   []state.CMode
}

type handlerFunc func(d *Dispatcher, m *halcyon.Message)

// Options configures a Dispatcher.
type Options struct {
	Store *state.Store
	Bus   *eventbus.Bus
	Log   *log.Logger
	Send  SendFunc

	// Version is the reply text for CTCP VERSION requests.
	Version string
	// ScrollbackCap bounds each context's ring; <= 0 uses the default.
	ScrollbackCap int
	// OnDCC, if set, receives the payload of every DCC CTCP request.
	OnDCC CTCPFunc
}

// Dispatcher consumes parsed messages one at a time. Dispatch must not be
// called concurrently with itself: every state mutation a line causes is
// visible before the next line begins dispatch, which relies on the
// orchestrator's single read loop feeding it sequentially; the internal
// mutex only defends against misuse.
type Dispatcher struct {
	store *state.Store
	bus   *eventbus.Bus
	log   *log.Logger
	send  SendFunc
	onDCC CTCPFunc

	version string
	sbCap   int

	mu       sync.Mutex
	handlers map[string]handlerFunc

	// Server-advertised ISUPPORT tokens the MODE/NAMES parsers need.
	chanModes string
	prefixes  string
	chanTypes string
}

// New builds a Dispatcher with the full built-in handler table
// registered.
func New(opts Options) *Dispatcher {
	logger := opts.Log
	if logger == nil {
		logger = log.New(os.Stderr, "dispatcher: ", log.LstdFlags)
	}
	if opts.ScrollbackCap <= 0 {
		opts.ScrollbackCap = scrollback.DefaultCap
	}
	if opts.Version == "" {
		opts.Version = "halcyon IRC client"
	}

	d := &Dispatcher{
		store:   opts.Store,
		bus:     opts.Bus,
		log:     logger,
		send:    opts.Send,
		onDCC:   opts.OnDCC,
		version: opts.Version,
		sbCap:   opts.ScrollbackCap,

		chanModes: halcyon.ModeDefaults,
		prefixes:  halcyon.DefaultPrefixes,
		chanTypes: "#&",
	}

	d.handlers = map[string]handlerFunc{
		halcyon.PING:    (*Dispatcher).handlePING,
		halcyon.PRIVMSG: (*Dispatcher).handlePRIVMSG,
		halcyon.NOTICE:  (*Dispatcher).handlePRIVMSG,
		halcyon.JOIN:    (*Dispatcher).handleJOIN,
		halcyon.PART:    (*Dispatcher).handlePART,
		halcyon.KICK:    (*Dispatcher).handleKICK,
		halcyon.QUIT:    (*Dispatcher).handleQUIT,
		halcyon.NICK:    (*Dispatcher).handleNICK,
		halcyon.MODE:    (*Dispatcher).handleMODE,
		halcyon.TOPIC:   (*Dispatcher).handleTOPIC,
		halcyon.AWAY:    (*Dispatcher).handleAWAY,
		halcyon.ACCOUNT: (*Dispatcher).handleACCOUNT,
		halcyon.CHGHOST: (*Dispatcher).handleCHGHOST,
		halcyon.ERROR:   (*Dispatcher).handleERROR,

		halcyon.RPL_CREATED:       (*Dispatcher).handleCREATED,
		halcyon.RPL_ISUPPORT:      (*Dispatcher).handleISUPPORT,
		halcyon.RPL_TOPIC:         (*Dispatcher).handleTOPIC,
		halcyon.RPL_NOTOPIC:       (*Dispatcher).handleNOTOPIC,
		halcyon.RPL_TOPICWHOTIME:  (*Dispatcher).handleTOPICWHOTIME,
		halcyon.RPL_NAMREPLY:      (*Dispatcher).handleNAMES,
		halcyon.RPL_ENDOFNAMES:    (*Dispatcher).handleENDOFNAMES,
		halcyon.RPL_WHOREPLY:      (*Dispatcher).handleWHO,
		halcyon.RPL_CHANNELMODEIS: (*Dispatcher).handleMODE,
		halcyon.RPL_MOTDSTART:     (*Dispatcher).handleMOTD,
		halcyon.RPL_MOTD:          (*Dispatcher).handleMOTD,
		halcyon.RPL_ENDOFMOTD:     (*Dispatcher).handleMOTD,
		halcyon.RPL_AWAY:          (*Dispatcher).handleRPLAWAY,
	}

	return d
}

// Dispatch routes a single parsed message. Handlers recover locally: a
// malformed message logs and returns, preserving the session. After the
// internal handler has run (and all of its state
// mutations are visible), the message is published on the bus under its
// command name so external subscribers observe consistent state.
func (d *Dispatcher) Dispatch(m *halcyon.Message) {
	if m == nil || m.Command == "" {
		return
	}

	d.mu.Lock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Printf("dispatcher: handler for %s panicked: %v", m.Command, r)
			}
		}()

		if h, ok := d.handlers[m.Command]; ok {
			h(d, m)
		} else if isNumeric(m.Command) {
			d.handleUnknownNumeric(m)
		}
	}()

	d.mu.Unlock()

	d.bus.Publish(m.Command, m)
}

func isNumeric(verb string) bool {
	if len(verb) != 3 {
		return false
	}

	for i := 0; i < 3; i++ {
		if verb[i] < '0' || verb[i] > '9' {
			return false
		}
	}

	return true
}

// selfNick returns the server-confirmed nick from the store, or "".
func (d *Dispatcher) selfNick() string {
	v, ok := d.store.Get("connection_info")
	if !ok {
		return ""
	}

	ci, ok := v.(*state.ConnectionInfo)
	if !ok {
		return ""
	}

	return ci.Nick
}

func (d *Dispatcher) isSelf(nick string) bool {
	self := d.selfNick()

	return self != "" && halcyon.ToRFC1459(nick) == halcyon.ToRFC1459(self)
}

// appendLine adds a rendered line to the named context, creating the
// context if needed, and publishes the same text on the bus.
func (d *Dispatcher) appendLine(id string, kind state.ContextKind, l scrollback.Line) {
	if l.Time == 0 {
		l.Time = time.Now().UnixNano()
	}

	ctx := d.store.EnsureContext(id, kind, d.sbCap)
	ctx.Scrollback.Append(l)

	d.bus.Publish(halcyon.CONTEXT_LINE, state.ContextLine{ContextID: id, Line: l})
}

// appendStatus adds a system line to the status context.
func (d *Dispatcher) appendStatus(text string) {
	d.appendLine("status", state.ContextStatus, scrollback.Line{Text: text, Kind: "system"})
}

// isChannelName checks the target against the server-advertised
// CHANTYPES prefixes rather than the static default.
func (d *Dispatcher) isChannelName(target string) bool {
	if len(target) == 0 {
		return false
	}

	return strings.IndexByte(d.chanTypes, target[0]) >= 0
}

func (d *Dispatcher) newCModes() state.CModes {
	return state.NewCModes(d.chanModes, d.prefixes)
}

// --- Core verb handlers ------------------------------------------------

func (d *Dispatcher) handlePING(m *halcyon.Message) {
	// Reply with identical trailing; never surfaced to the user.
	d.send(&halcyon.Message{Command: halcyon.PONG, Trailing: m.Last(), EmptyTrailing: m.Last() == ""})
}

func (d *Dispatcher) handlePRIVMSG(m *halcyon.Message) {
	if len(m.Params) == 0 || m.Source == nil {
		return
	}

	// ACTION is a presentation variant, not a CTCP request: it is
	// rendered into the target's context rather than answered.
	if m.IsAction() {
		target := m.Params[0]
		id := halcyon.ToRFC1459(m.Source.Name)
		kind := state.ContextQuery
		if d.isChannelName(target) {
			id = halcyon.ToRFC1459(target)
			kind = state.ContextChannel
		}

		d.appendLine(id, kind, scrollback.Line{Text: m.StripAction(), Kind: "action", Nick: m.Source.Name})
		return
	}

	if ctcp := halcyon.DecodeCTCP(m); ctcp != nil {
		d.handleCTCP(m, ctcp)
		return
	}

	target := m.Params[0]

	kind := "message"
	if m.Command == halcyon.NOTICE {
		kind = "notice"
	}

	text := m.Trailing

	// Channel traffic lands in the channel context; direct traffic lands
	// in a query context keyed by the sender, created on first inbound.
	if d.isChannelName(target) {
		d.appendLine(halcyon.ToRFC1459(target), state.ContextChannel,
			scrollback.Line{Text: text, Kind: kind, Nick: m.Source.Name})
		return
	}

	d.appendLine(halcyon.ToRFC1459(m.Source.Name), state.ContextQuery,
		scrollback.Line{Text: text, Kind: kind, Nick: m.Source.Name})
}

func (d *Dispatcher) handleCTCP(m *halcyon.Message, ctcp *halcyon.CTCPEvent) {
	if ctcp.Reply {
		// Replies to our own requests; surface in status.
		d.appendStatus("CTCP " + ctcp.Command + " reply from " + ctcp.Source.Name + ": " + ctcp.Text)
		return
	}

	reply := func(text string) {
		d.send(&halcyon.Message{
			Command:  halcyon.NOTICE,
			Params:   []string{ctcp.Source.Name},
			Trailing: halcyon.EncodeCTCPRaw(ctcp.Command, text),
		})
	}

	switch ctcp.Command {
	case halcyon.CTCP_VERSION:
		reply(d.version)
	case halcyon.CTCP_PING:
		reply(ctcp.Text)
	case halcyon.CTCP_TIME:
		reply(time.Now().Format(time.RFC1123))
	case halcyon.CTCP_DCC:
		if d.onDCC != nil {
			d.onDCC(ctcp.Source, ctcp.Text)
		}
	default:
		// Unsupported CTCP requests are ignored rather than ERRMSG'd.
	}
}

func (d *Dispatcher) handleJOIN(m *halcyon.Message) {
	if m.Source == nil {
		return
	}

	var name string
	if len(m.Params) > 0 {
		name = m.Params[0]
	} else {
		name = m.Trailing
	}
	if name == "" {
		return
	}

	ch := d.store.EnsureChannel(name, d.newCModes())

	u := d.store.EnsureUser(m.Source.Name)
	u.Ident = m.Source.Ident
	u.Host = m.Source.Host

	// extended-join carries account and realname as extra params.
	if len(m.Params) >= 2 && m.Params[1] != "*" {
		u.Account = m.Params[1]
	}

	ch.Users.Set(halcyon.ToRFC1459(m.Source.Name), &state.Membership{Nick: m.Source.Name})

	if d.isSelf(m.Source.Name) {
		// Names are about to arrive; membership is incomplete until
		// RPL_ENDOFNAMES flushes them.
		ch.JoinComplete = false
		d.store.EnsureContext(halcyon.ToRFC1459(name), state.ContextChannel, d.sbCap)
	}

	if text, ok := m.Pretty(); ok {
		d.appendLine(halcyon.ToRFC1459(name), state.ContextChannel,
			scrollback.Line{Text: text, Kind: "system", Nick: m.Source.Name})
	}
}

func (d *Dispatcher) handlePART(m *halcyon.Message) {
	if m.Source == nil || len(m.Params) < 1 {
		return
	}

	name := m.Params[0]

	if text, ok := m.Pretty(); ok {
		d.appendLine(halcyon.ToRFC1459(name), state.ContextChannel,
			scrollback.Line{Text: text, Kind: "system", Nick: m.Source.Name})
	}

	if d.isSelf(m.Source.Name) {
		// The context stays (the user may rejoin); only the live channel
		// tracking is dropped.
		d.store.RemoveChannel(name)
		return
	}

	if ch, ok := d.store.GetChannel(name); ok {
		ch.Users.Remove(halcyon.ToRFC1459(m.Source.Name))
	}
}

func (d *Dispatcher) handleKICK(m *halcyon.Message) {
	if len(m.Params) < 2 {
		return
	}

	name, victim := m.Params[0], m.Params[1]

	if text, ok := m.Pretty(); ok {
		d.appendLine(halcyon.ToRFC1459(name), state.ContextChannel,
			scrollback.Line{Text: text, Kind: "system"})
	}

	if d.isSelf(victim) {
		d.store.RemoveChannel(name)
		return
	}

	if ch, ok := d.store.GetChannel(name); ok {
		ch.Users.Remove(halcyon.ToRFC1459(victim))
	}
}

func (d *Dispatcher) handleQUIT(m *halcyon.Message) {
	if m.Source == nil {
		return
	}

	if d.isSelf(m.Source.Name) {
		return
	}

	d.store.RemoveUser(m.Source.Name)
}

func (d *Dispatcher) handleNICK(m *halcyon.Message) {
	if m.Source == nil {
		return
	}

	newNick := m.Last()
	if newNick == "" {
		return
	}

	d.store.RenameUser(m.Source.Name, newNick)

	if d.isSelf(m.Source.Name) {
		if v, ok := d.store.Get("connection_info"); ok {
			if ci, ok := v.(*state.ConnectionInfo); ok {
				next := *ci
				next.Nick = newNick
				if err := d.store.Set("connection_info", &next); err != nil {
					d.log.Printf("dispatcher: nick update rejected: %v", err)
				}
			}
		}
	}
}

func (d *Dispatcher) handleMODE(m *halcyon.Message) {
	params := m.Params

	// RPL_CHANNELMODEIS carries our own nick as the first param.
	if m.Command == halcyon.RPL_CHANNELMODEIS && len(params) > 0 {
		params = params[1:]
	}

	if len(params) < 2 {
		return
	}

	target := params[0]
	if !d.isChannelName(target) {
		return
	}

	ch, ok := d.store.GetChannel(target)
	if !ok {
		return
	}

	flags := params[1]
	args := params[2:]

	deltas := ch.Modes.Parse(flags, args)
	ch.Modes.Apply(deltas)

	// Prefix-granting modes (+o, +v, ...) adjust the member's prefix set
	// rather than the channel mode list.
	modeLetters, prefixSymbols := state.ParsePrefixes(d.prefixes)
	for _, delta := range deltas {
		i := strings.IndexByte(modeLetters, delta.Name)
		if i < 0 || i >= len(prefixSymbols) || delta.Args == "" {
			continue
		}

		sym := prefixSymbols[i]

		mv, ok := ch.Users.Get(halcyon.ToRFC1459(delta.Args))
		if !ok {
			continue
		}
		member, ok := mv.(*state.Membership)
		if !ok {
			continue
		}

		if delta.Add {
			if strings.IndexByte(member.Prefixes, sym) < 0 {
				member.Prefixes += string(sym)
			}
		} else {
			member.Prefixes = strings.Replace(member.Prefixes, string(sym), "", 1)
		}
	}

	d.bus.Publish(halcyon.CHANNEL_MODE_APPLIED, ModeDelta{Channel: ch.Name, Modes: deltas})
}

func (d *Dispatcher) handleTOPIC(m *halcyon.Message) {
	var name string
	switch len(m.Params) {
	case 0:
		return
	case 1:
		name = m.Params[0]
	default:
		name = m.Params[1]
	}
	// A raw TOPIC change names the channel first.
	if m.Command == halcyon.TOPIC {
		name = m.Params[0]
	}

	ch, ok := d.store.GetChannel(name)
	if !ok {
		return
	}

	ch.Topic = m.Last()

	if text, ok := m.Pretty(); ok {
		d.appendLine(halcyon.ToRFC1459(name), state.ContextChannel,
			scrollback.Line{Text: text, Kind: "system"})
	}
}

func (d *Dispatcher) handleNOTOPIC(m *halcyon.Message) {
	if len(m.Params) < 2 {
		return
	}

	if ch, ok := d.store.GetChannel(m.Params[1]); ok {
		ch.Topic = ""
	}
}

func (d *Dispatcher) handleTOPICWHOTIME(m *halcyon.Message) {
	// <client> <channel> <setter> <setat>
	if len(m.Params) < 4 {
		return
	}

	ch, ok := d.store.GetChannel(m.Params[1])
	if !ok {
		return
	}

	ch.TopicSetBy = m.Params[2]
	if ts, err := strconv.ParseInt(m.Params[3], 10, 64); err == nil {
		ch.TopicSetAt = time.Unix(ts, 0)
	}
}

func (d *Dispatcher) handleAWAY(m *halcyon.Message) {
	if m.Source == nil {
		return
	}

	u := d.store.EnsureUser(m.Source.Name)
	u.Away = m.Last() != ""
}

func (d *Dispatcher) handleRPLAWAY(m *halcyon.Message) {
	// <client> <nick> :<away message>
	if len(m.Params) < 2 {
		return
	}

	u := d.store.EnsureUser(m.Params[1])
	u.Away = true
}

func (d *Dispatcher) handleACCOUNT(m *halcyon.Message) {
	if m.Source == nil || len(m.Params) < 1 {
		return
	}

	u := d.store.EnsureUser(m.Source.Name)
	if m.Params[0] == "*" {
		u.Account = ""
	} else {
		u.Account = m.Params[0]
	}
}

func (d *Dispatcher) handleCHGHOST(m *halcyon.Message) {
	if m.Source == nil || len(m.Params) < 2 {
		return
	}

	u := d.store.EnsureUser(m.Source.Name)
	u.Ident = m.Params[0]
	u.Host = m.Params[1]
}

func (d *Dispatcher) handleERROR(m *halcyon.Message) {
	// Fatal remote close; the orchestrator tears the connection down.
	// All that's left here is telling the user why.
	d.appendStatus("server error: " + m.Last())
}

// --- Numeric handlers ----------------------------------------------------

func (d *Dispatcher) handleCREATED(m *halcyon.Message) {
	// "This server was created <date>"; the date format varies wildly
	// between daemons, so lean on dateparse rather than a format list.
	text := m.Last()
	if text == "" {
		return
	}
	i := strings.Index(text, "created")
	if i < 0 {
		d.appendStatus(text)
		return
	}

	if created, err := dateparse.ParseAny(strings.TrimSpace(text[i+len("created"):])); err == nil {
		if serr := d.store.Set("server_created", created); serr != nil {
			d.log.Printf("dispatcher: server_created rejected: %v", serr)
		}
	}

	d.appendStatus(text)
}

func (d *Dispatcher) handleISUPPORT(m *halcyon.Message) {
	// Skip the leading nick param and the trailing "are supported by
	// this server" doc string.
	if len(m.Params) < 2 {
		return
	}

	for _, token := range m.Params[1:] {
		key, value := token, ""
		if i := strings.IndexByte(token, '='); i >= 0 {
			key, value = token[:i], token[i+1:]
		}
		if key == "" {
			continue
		}

		switch key {
		case "CASEMAPPING":
			if err := d.store.Set("casemapping", value); err != nil {
				d.log.Printf("dispatcher: casemapping rejected: %v", err)
			}
		case "CHANTYPES":
			if value != "" {
				d.chanTypes = value
			}
		case "PREFIX":
			if value != "" {
				d.prefixes = value
			}
		case "CHANMODES":
			if value != "" {
				d.chanModes = value
			}
		case "NETWORK":
			if err := d.store.Set("network", value); err != nil {
				d.log.Printf("dispatcher: network rejected: %v", err)
			}
		}

		if err := d.store.Set("isupport."+strings.ToLower(key), value); err != nil {
			d.log.Printf("dispatcher: isupport token %s rejected: %v", key, err)
		}
	}
}

func (d *Dispatcher) handleNAMES(m *halcyon.Message) {
	// <client> <symbol> <channel> :<prefixed nicks>
	if len(m.Params) < 3 {
		return
	}

	ch, ok := d.store.GetChannel(m.Params[2])
	if !ok {
		return
	}

	ch.BufferNames(strings.Split(m.Last(), " "))
}

func (d *Dispatcher) handleENDOFNAMES(m *halcyon.Message) {
	// <client> <channel> :End of /NAMES list
	if len(m.Params) < 2 {
		return
	}

	ch, ok := d.store.GetChannel(m.Params[1])
	if !ok {
		return
	}

	for _, token := range ch.FlushNames() {
		prefixes, nick, ok := state.ParseUserPrefix(token)
		if !ok {
			// userhost-in-names sends nick!ident@host; fall back to
			// source parsing before giving up on the token.
			trimmed := strings.TrimLeft(token, "~&@%+")
			src := halcyon.ParseSource(trimmed)
			if src == nil || !halcyon.IsValidNick(src.Name) {
				continue
			}

			prefixes = token[:len(token)-len(trimmed)]
			nick = src.Name

			u := d.store.EnsureUser(src.Name)
			u.Ident = src.Ident
			u.Host = src.Host
		} else {
			d.store.EnsureUser(nick)
		}

		ch.Users.Set(halcyon.ToRFC1459(nick), &state.Membership{Nick: nick, Prefixes: prefixes})
	}

	ch.JoinComplete = true
	d.bus.Publish(halcyon.CHANNEL_FULLY_JOINED, ch.Name)
}

func (d *Dispatcher) handleWHO(m *halcyon.Message) {
	// <client> <channel> <ident> <host> <server> <nick> <flags> :<hops> <realname>
	if len(m.Params) < 6 {
		return
	}

	u := d.store.EnsureUser(m.Params[5])
	u.Ident = m.Params[2]
	u.Host = m.Params[3]
	if len(m.Params) >= 7 {
		u.Away = strings.HasPrefix(m.Params[6], "G")
	}
}

func (d *Dispatcher) handleMOTD(m *halcyon.Message) {
	d.appendStatus(m.Last())
}

// handleUnknownNumeric surfaces anything without a dedicated handler in
// the status context, using the trailing human text.
func (d *Dispatcher) handleUnknownNumeric(m *halcyon.Message) {
	text := m.Last()
	if text == "" {
		return
	}

	d.appendStatus(text)
}
