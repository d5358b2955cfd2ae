// Copyright 2016 Liam Stanley <me@liamstanley.io>. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

package halcyon

import (
	"bytes"
	"strings"
)

const (
	prefixChar     byte = 0x3A // ":" -- prefix or last argument
	prefixUserChar byte = 0x21 // "!" -- username
	prefixHostChar byte = 0x40 // "@" -- hostname
)

// Source represents the sender of an IRC message, see RFC1459 section
// 2.3.1: <servername> | <nick> [ '!' <user> ] [ '@' <host> ]
type Source struct {
	// Name is the nickname, server name, or service name.
	Name string
	// Ident is commonly known as the "user".
	Ident string
	// Host is the hostname or IP address of the user/service. Not
	// guaranteed accurate, since servers can spoof/cloak hostnames.
	Host string
}

// ParseSource takes a string and attempts to create a Source from it.
func ParseSource(raw string) *Source {
	src := new(Source)

	user := strings.IndexByte(raw, prefixUserChar)
	host := strings.IndexByte(raw, prefixHostChar)

	switch {
	case user > 0 && host > user:
		src.Name = raw[:user]
		src.Ident = raw[user+1 : host]
		src.Host = raw[host+1:]
	case user > 0:
		src.Name = raw[:user]
		src.Ident = raw[user+1:]
	case host > 0:
		src.Name = raw[:host]
		src.Host = raw[host+1:]
	default:
		src.Name = raw
	}

	return src
}

// ID returns the canonical identity of the source: its casemapped nick.
func (s *Source) ID() string {
	return ToRFC1459(s.Name)
}

// Len calculates the length of the string representation of the source.
func (s *Source) Len() (length int) {
	length = len(s.Name)
	if len(s.Ident) > 0 {
		length = 1 + length + len(s.Ident)
	}
	if len(s.Host) > 0 {
		length = 1 + length + len(s.Host)
	}

	return length
}

// Bytes returns a []byte representation of the source.
func (s *Source) Bytes() []byte {
	buffer := new(bytes.Buffer)
	s.writeTo(buffer)

	return buffer.Bytes()
}

// String returns a string representation of the source.
func (s *Source) String() string {
	out := s.Name
	if len(s.Ident) > 0 {
		out = out + string(prefixUserChar) + s.Ident
	}
	if len(s.Host) > 0 {
		out = out + string(prefixHostChar) + s.Host
	}

	return out
}

// IsHostmask returns true if the source looks like a full user hostmask.
func (s *Source) IsHostmask() bool {
	return len(s.Ident) > 0 && len(s.Host) > 0
}

// IsServer returns true if this source looks like a server name rather
// than a user.
func (s *Source) IsServer() bool {
	return len(s.Ident) <= 0 && len(s.Host) <= 0
}

func (s *Source) writeTo(buffer *bytes.Buffer) {
	buffer.WriteString(s.Name)
	if len(s.Ident) > 0 {
		buffer.WriteByte(prefixUserChar)
		buffer.WriteString(s.Ident)
	}
	if len(s.Host) > 0 {
		buffer.WriteByte(prefixHostChar)
		buffer.WriteString(s.Host)
	}
}
