// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package halcyon

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	messageSpace byte = 0x20 // Separator.

	// maxLength is the untagged message budget: 510 wire bytes plus the
	// trailing CRLF, per RFC 2812 section 2.3.
	maxLength = 510

	// maxTaggedLength is the hard ceiling on an entire line, tags
	// included, per the IRCv3 message-tags specification.
	maxTaggedLength = 8192
)

// cutCRFunc is used to trim CR characters from prefixes/messages.
func cutCRFunc(r rune) bool {
	return r == '\r' || r == '\n'
}

// Message represents a single IRC protocol message, see RFC1459 section
// 2.3.1 and the IRCv3 message-tags specification:
//
//	<message>  :: ['@' <tags> <SPACE>] [':' <prefix> <SPACE>] <command> <params> <crlf>
//	<prefix>   :: <servername> | <nick> ['!' <user>] ['@' <host>]
//	<command>  :: <letter>{<letter>} | <number> <number> <number>
//	<SPACE>    :: ' '{' '}
//	<params>   :: <SPACE> [':' <trailing> | <middle> <params>]
//	<middle>   :: <Any *non-empty* sequence of octets not including SPACE or NUL
//	               or CR or LF, the first of which may not be ':'>
//	<trailing> :: <Any, possibly empty, sequence of octets not including NUL or
//	               CR or LF>
//	<crlf>     :: CR LF
type Message struct {
	Source        *Source  // The source of the message, if any.
	Tags          Tags     // IRCv3 style message tags. Only use if network supported.
	Command       string   // the IRC command, e.g. JOIN, PRIVMSG, KILL.
	Params        []string // parameters to the command. Commonly nickname, channel, etc.
	Trailing      string   // any trailing data. e.g. with a PRIVMSG, this is the message text.
	EmptyTrailing bool     // if true, trailing prefix (:) will be added even if Trailing is empty.
	Sensitive     bool     // if the message is sensitive (e.g. and should not be logged).
}

// ParseMessage takes a raw protocol line and attempts to produce a
// Message from it.
//
// Returns nil if the line is malformed: empty verb, a stray NUL byte, or
// a line exceeding maxTaggedLength.
func ParseMessage(raw string) (m *Message) {
	if len(raw) > maxTaggedLength {
		return nil
	}

	// NUL is forbidden anywhere in a message (RFC 1459 section 2.3.1).
	if strings.IndexByte(raw, 0x00) >= 0 {
		return nil
	}

	if raw = strings.TrimFunc(raw, cutCRFunc); len(raw) < 2 {
		return nil
	}

	i, j := 0, 0
	m = &Message{}

	if raw[0] == prefixTag {
		// Tags end with a space.
		i = strings.IndexByte(raw, messageSpace)

		if i < 2 {
			return nil
		}

		m.Tags = ParseTags(raw[1:i])
		raw = raw[i+1:]
		i = 0

		if len(raw) == 0 {
			return nil
		}
	}

	if raw[0] == prefixChar {
		// Prefix ends with a space.
		i = strings.IndexByte(raw, messageSpace)

		// Prefix string must not be empty if the indicator is present.
		if i < 2 {
			return nil
		}

		m.Source = ParseSource(raw[1:i])

		// Skip space at the end of the prefix.
		i++
	}

	// Find end of command.
	j = i + strings.IndexByte(raw[i:], messageSpace)

	// Extract command. An empty verb is a malformed line.
	if j < i {
		if len(raw[i:]) == 0 {
			return nil
		}

		m.Command = strings.ToUpper(raw[i:])
		return m
	}

	m.Command = strings.ToUpper(raw[i:j])
	if len(m.Command) == 0 {
		return nil
	}
	// Skip space after command.
	j++

	// Find prefix for trailer. A trailing that directly follows the
	// command has no space before it within raw[j:].
	if len(raw) > j && raw[j] == prefixChar {
		i = 0
	} else if i = bytes.Index([]byte(raw[j:]), []byte{messageSpace, prefixChar}); i != -1 {
		i += 1
	}

	if i < 0 || raw[j+i-1] != messageSpace {
		// No trailing argument.
		m.Params = strings.Split(raw[j:], string(messageSpace))
		return m
	}

	// Compensate for index on substring.
	i = i + j

	// Check if we need to parse arguments.
	if i > j {
		m.Params = strings.Split(raw[j:i-1], string(messageSpace))
	}

	m.Trailing = raw[i+1:]

	// We need to re-encode the trailing argument even if it was empty.
	if len(m.Trailing) <= 0 {
		m.EmptyTrailing = true
	}

	return m
}

// Len calculates the length of the string representation of the message.
func (m *Message) Len() (length int) {
	if m.Tags != nil {
		// Include tags and trailing space.
		length = m.Tags.Len() + 1
	}
	if m.Source != nil {
		// Include prefix and trailing space.
		length += m.Source.Len() + 2
	}

	length += len(m.Command)

	if len(m.Params) > 0 {
		length += len(m.Params)

		for i := 0; i < len(m.Params); i++ {
			length += len(m.Params[i])
		}
	}

	if len(m.Trailing) > 0 || m.EmptyTrailing {
		// Include prefix and space.
		length += len(m.Trailing) + 2
	}

	return
}

// Bytes returns a []byte representation of the message. Strips all
// newlines and carriage returns.
//
// Lines are truncated to maxLength bytes (510, plus tags up to
// maxTagLength) per the wire budget; callers sending long PRIVMSG/NOTICE
// trailing text should pre-split with SplitMessage instead of relying on
// this truncation.
func (m *Message) Bytes() []byte {
	buffer := new(bytes.Buffer)

	// Tags.
	if m.Tags != nil {
		m.Tags.writeTo(buffer)
	}

	// Message prefix.
	if m.Source != nil {
		buffer.WriteByte(prefixChar)
		m.Source.writeTo(buffer)
		buffer.WriteByte(messageSpace)
	}

	// Command is required.
	buffer.WriteString(m.Command)

	// Space separated list of arguments.
	if len(m.Params) > 0 {
		buffer.WriteByte(messageSpace)
		buffer.WriteString(strings.Join(m.Params, string(messageSpace)))
	}

	if len(m.Trailing) > 0 || m.EmptyTrailing {
		buffer.WriteByte(messageSpace)
		buffer.WriteByte(prefixChar)
		buffer.WriteString(m.Trailing)
	}

	// We need the limit the buffer length.
	if buffer.Len() > maxLength {
		if m.Tags != nil {
			// regular message, max tag length, and the splitting space.
			buffer.Truncate(maxLength + maxTagLength + 1)
		} else {
			buffer.Truncate(maxLength)
		}
	}

	out := buffer.Bytes()

	// Strip newlines and carriage returns.
	for i := 0; i < len(out); i++ {
		if out[i] == 0x0A || out[i] == 0x0D {
			out = append(out[:i], out[i+1:]...)
			i-- // Decrease the index so we can pick up where we left off.
		}
	}

	return out
}

// String returns a string representation of this message. Strips all
// newlines and carriage returns.
func (m *Message) String() string {
	return string(m.Bytes())
}

// Last returns the trailing argument if present, otherwise the final
// positional parameter. This is the common accessor for the "payload" of
// a message, e.g. a topic string, realname, or MOTD line, regardless of
// whether the server sent it as a trailing argument or a bare param.
func (m *Message) Last() string {
	if len(m.Trailing) > 0 || m.EmptyTrailing {
		return m.Trailing
	}

	if len(m.Params) > 0 {
		return m.Params[len(m.Params)-1]
	}

	return ""
}

// Copy returns a deep copy of the message, safe to hand to concurrent
// handlers without risking mutation of the original.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}

	out := &Message{
		Command:       m.Command,
		Trailing:      m.Trailing,
		EmptyTrailing: m.EmptyTrailing,
		Sensitive:     m.Sensitive,
	}

	if m.Source != nil {
		src := *m.Source
		out.Source = &src
	}

	if m.Tags != nil {
		out.Tags = make(Tags, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}

	if m.Params != nil {
		out.Params = make([]string, len(m.Params))
		copy(out.Params, m.Params)
	}

	return out
}

// Pretty returns a prettified, human-readable rendering of the message
// suitable for a scrollback line. If the message doesn't support
// prettification, ok is false -- this is also used to filter out
// messages most clients don't surface (e.g. WHO replies).
func (m *Message) Pretty() (out string, ok bool) {
	if m.Command == INITIALIZED {
		return fmt.Sprintf("[*] connection to %s initialized", m.Trailing), true
	}

	if m.Command == CONNECTED {
		return fmt.Sprintf("[*] successfully connected to %s", m.Trailing), true
	}

	if (m.Command == PRIVMSG || m.Command == NOTICE) && len(m.Params) > 0 {
		return fmt.Sprintf("[%s] (%s) %s", strings.Join(m.Params, ","), m.Source.Name, m.Trailing), true
	}

	if m.Command == RPL_MOTD || m.Command == RPL_MOTDSTART ||
		m.Command == RPL_WELCOME || m.Command == RPL_YOURHOST ||
		m.Command == RPL_CREATED || m.Command == RPL_LUSERCLIENT {
		return "[*] " + m.Trailing, true
	}

	if m.Command == JOIN {
		return fmt.Sprintf("[*] %s has joined %s", m.Source.Name, strings.Join(m.Params, ", ")), true
	}

	if m.Command == PART {
		return fmt.Sprintf("[*] %s has left %s (%s)", m.Source.Name, strings.Join(m.Params, ", "), m.Trailing), true
	}

	if m.Command == ERROR {
		return fmt.Sprintf("[*] an error occurred: %s", m.Trailing), true
	}

	if m.Command == QUIT {
		return fmt.Sprintf("[*] %s has quit (%s)", m.Source.Name, m.Trailing), true
	}

	if m.Command == KICK && len(m.Params) == 2 {
		return fmt.Sprintf("[%s] *** %s has kicked %s: %s", m.Params[0], m.Source.Name, m.Params[1], m.Trailing), true
	}

	if m.Command == NICK && len(m.Params) == 1 {
		return fmt.Sprintf("[*] %s is now known as %s", m.Source.Name, m.Params[0]), true
	}

	if m.Command == TOPIC && len(m.Params) > 0 {
		return fmt.Sprintf("[%s] *** %s has set the topic to: %s", m.Params[len(m.Params)-1], m.Source.Name, m.Trailing), true
	}

	if m.Command == MODE && len(m.Params) > 2 {
		return fmt.Sprintf("[%s] %s set modes: %s", m.Params[0], m.Source.Name, strings.Join(m.Params[1:], " ")), true
	}

	return "", false
}

// IsAction checks to see if the message is a PRIVMSG, and is a CTCP
// ACTION (/me).
func (m *Message) IsAction() bool {
	if len(m.Trailing) <= 0 || m.Command != PRIVMSG {
		return false
	}

	if !strings.HasPrefix(m.Trailing, "\001ACTION") || m.Trailing[len(m.Trailing)-1] != ctcpDelim {
		return false
	}

	return true
}

// StripAction returns the trailing text of a CTCP ACTION (/me) with the
// CTCP framing removed.
func (m *Message) StripAction() string {
	if !m.IsAction() || len(m.Trailing) < 9 {
		return m.Trailing
	}

	return m.Trailing[8 : len(m.Trailing)-1]
}
