// Copyright 2016 Liam Stanley <me@liamstanley.io>. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

package halcyon

import (
	"bytes"
	"strings"
)

// ToRFC1459 converts a nickname or channel name to its RFC1459-casemapped
// form, used as the canonical key for looking up state table entries
// regardless of how a server or user varies the casing of {}|^ vs []\~.
func ToRFC1459(in string) string {
	r := strings.NewReplacer(
		"{", "[",
		"}", "]",
		"|", "\\",
		"^", "~",
	)

	return strings.ToLower(r.Replace(in))
}

// contains '*', even though this isn't RFC compliant, it's commonly used
// by bouncers such as ZNC.
var validChannelPrefixes = [...]byte{0x21, 0x23, 0x26, 0x2A, 0x2B} // ! # & * +

// IsValidChannel checks if channel is an RFC compliant channel name.
//
//	channel      =  ( "#" / "+" / ( "!" channelid ) / "&" ) chanstring
//	                [ ":" chanstring ]
//	chanstring   =  0x01-0x07 / 0x08-0x09 / 0x0B-0x0C / 0x0E-0x1F / 0x21-0x2B
//	chanstring   =  / 0x2D-0x39 / 0x3B-0xFF
//	                  ; any octet except NUL, BELL, CR, LF, " ", "," and ":"
//	channelid    = 5( 0x41-0x5A / digit )   ; 5( A-Z / 0-9 )
func IsValidChannel(channel string) bool {
	if len(channel) <= 1 || len(channel) > 50 {
		return false
	}

	if bytes.IndexByte(validChannelPrefixes[:], channel[0]) == -1 {
		return false
	}

	// !<channelid> -- the ID must be 5 chars. Minimum size should be:
	// 1 (prefix) + 5 (id) + 1 (channel name).
	if channel[0] == 0x21 {
		if len(channel) < 7 {
			return false
		}

		for i := 1; i < 6; i++ {
			if (channel[i] < 0x30 || channel[i] > 0x39) && (channel[i] < 0x41 || channel[i] > 0x5A) {
				return false
			}
		}
	}

	bad := []byte{0x00, 0x07, 0x0D, 0x0A, 0x20, 0x2C, 0x3A}
	for i := 1; i < len(channel); i++ {
		if bytes.IndexByte(bad, channel[i]) != -1 {
			return false
		}
	}

	return true
}

// IsValidNick validates an IRC nickname. Note that this does not enforce
// a server-advertised NICKLEN; callers should check that separately
// against the ISUPPORT value when known.
//
//	nickname   =  ( letter / special ) *8( letter / digit / special / "-" )
//	letter     =  0x41-0x5A / 0x61-0x7A
//	digit      =  0x30-0x39
//	special    =  0x5B-0x60 / 0x7B-0x7D
func IsValidNick(nick string) bool {
	if len(nick) <= 0 {
		return false
	}

	if nick[0] < 0x41 || nick[0] > 0x7D {
		// a-z, A-Z, and _\[]{}^|
		return false
	}

	for i := 1; i < len(nick); i++ {
		if (nick[i] < 0x41 || nick[i] > 0x7D) && (nick[i] < 0x30 || nick[i] > 0x39) && nick[i] != 0x2D {
			// a-z, A-Z, 0-9, -, and _\[]{}^|
			return false
		}
	}

	return true
}

// IsValidUser validates an ident/username as sent in a USER command.
//
//	user       =  1*( %x01-09 / %x0B-0C / %x0E-1F / %x21-3F / %x41-FF )
//	                ; any octet except NUL, CR, LF, " " and "@"
func IsValidUser(user string) bool {
	if len(user) <= 0 {
		return false
	}

	bad := []byte{0x00, 0x0D, 0x0A, 0x20, 0x40}
	for i := 0; i < len(user); i++ {
		if bytes.IndexByte(bad, user[i]) != -1 {
			return false
		}
	}

	return true
}
