// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package halcyon

import "strings"

// ctcpDelim if the delimiter used for CTCP formatted events/messages.
const ctcpDelim byte = 0x01 // Prefix and suffix for CTCP messages.

// CTCPEvent is the necessary information decoded from a CTCP-framed
// PRIVMSG/NOTICE.
type CTCPEvent struct {
	// Source is the author of the CTCP event.
	Source *Source
	// Command is the type of CTCP event. E.g. PING, TIME, VERSION.
	Command string
	// Text is the raw arguments following the command.
	Text string
	// Reply is true if the CTCP event is intended to be a reply to a
	// previous CTCP (e.g, if we sent one).
	Reply bool
}

// DecodeCTCP decodes an incoming CTCP event, if it is CTCP. nil is returned
// if the incoming message does not match a valid CTCP.
func DecodeCTCP(m *Message) *CTCPEvent {
	// http://www.irchelp.org/protocol/ctcpspec.html

	// Must be targeting a user/channel, with the payload in the trailing
	// or, when there is no trailing, in a second param. The payload must
	// have DELIM+TAG+DELIM minimum (at least 3 chars).
	var target, payload string
	switch {
	case len(m.Trailing) > 0 || m.EmptyTrailing:
		if len(m.Params) != 1 {
			return nil
		}
		target, payload = m.Params[0], m.Trailing
	case len(m.Params) == 2:
		target, payload = m.Params[0], m.Params[1]
	default:
		return nil
	}

	if len(payload) < 3 {
		return nil
	}

	if (m.Command != PRIVMSG && m.Command != NOTICE) || (!IsValidNick(target) && !IsValidChannel(target)) {
		return nil
	}

	if payload[0] != ctcpDelim || payload[len(payload)-1] != ctcpDelim {
		return nil
	}

	// Strip delimiters.
	text := payload[1 : len(payload)-1]

	s := strings.IndexByte(text, messageSpace)

	// Check to see if it only contains a tag.
	if s < 0 {
		if !isCTCPTag(text) {
			return nil
		}

		return &CTCPEvent{
			Source:  m.Source,
			Command: text,
			Reply:   m.Command == NOTICE,
		}
	}

	if !isCTCPTag(text[:s]) {
		return nil
	}

	return &CTCPEvent{
		Source:  m.Source,
		Command: text[0:s],
		Text:    text[s+1:],
		Reply:   m.Command == NOTICE,
	}
}

// isCTCPTag reports whether raw only contains [A-Z0-9], the character
// class a CTCP tag is restricted to.
func isCTCPTag(raw string) bool {
	if raw == "*" {
		return true
	}

	for i := 0; i < len(raw); i++ {
		if (raw[i] < 0x41 || raw[i] > 0x5A) && (raw[i] < 0x30 || raw[i] > 0x39) {
			return false
		}
	}

	return len(raw) > 0
}

// EncodeCTCP encodes a CTCP event into a string, including delimiters.
func EncodeCTCP(ctcp *CTCPEvent) (out string) {
	if ctcp == nil {
		return ""
	}

	return EncodeCTCPRaw(ctcp.Command, ctcp.Text)
}

// EncodeCTCPRaw is much like EncodeCTCP, however accepts a raw command and
// string as input.
func EncodeCTCPRaw(cmd, text string) (out string) {
	if len(cmd) <= 0 {
		return ""
	}

	out = string(ctcpDelim) + cmd

	if len(text) > 0 {
		out += string(messageSpace) + text
	}

	return out + string(ctcpDelim)
}
