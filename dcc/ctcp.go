// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dcc

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/halcyon-irc/halcyon/errs"
)

// Offer is a decoded DCC SEND/RESUME/ACCEPT CTCP payload.
type Offer struct {
	Kind     string // SEND, RESUME, ACCEPT
	Filename string
	IP       net.IP
	Port     int
	Size     int64
	Position int64  // RESUME/ACCEPT offset
	Token    string // non-empty for passive offers
}

// splitArgs tokenizes a DCC payload, honoring the quoted-filename form
// (`DCC SEND "two words.bin" ...`). Quotes only matter for the filename
// argument; everything else is space-separated.
func splitArgs(raw string) []string {
	var out []string

	for len(raw) > 0 {
		raw = strings.TrimLeft(raw, " ")
		if len(raw) == 0 {
			break
		}

		if raw[0] == '"' {
			end := strings.IndexByte(raw[1:], '"')
			if end < 0 {
				// Unterminated quote; treat the rest as one token.
				out = append(out, raw[1:])
				break
			}

			out = append(out, raw[1:end+1])
			raw = raw[end+2:]
			continue
		}

		i := strings.IndexByte(raw, ' ')
		if i < 0 {
			out = append(out, raw)
			break
		}

		out = append(out, raw[:i])
		raw = raw[i+1:]
	}

	return out
}

// ParseOffer decodes the text of a DCC CTCP (the payload after the "DCC"
// tag) into an Offer.
func ParseOffer(text string) (*Offer, error) {
	args := splitArgs(text)
	if len(args) < 1 {
		return nil, &errs.DccProtocol{Detail: "empty DCC payload"}
	}

	kind := strings.ToUpper(args[0])
	args = args[1:]

	switch kind {
	case "SEND":
		// SEND "<filename>" <ip-int> <port> <size> [token]
		if len(args) < 4 {
			return nil, &errs.DccProtocol{Detail: "SEND needs filename, ip, port and size"}
		}

		ipInt, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return nil, &errs.DccProtocol{Detail: "bad ip integer: " + args[1]}
		}
		port, err := strconv.Atoi(args[2])
		if err != nil || port < 0 || port > 65535 {
			return nil, &errs.DccProtocol{Detail: "bad port: " + args[2]}
		}
		size, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || size < 0 {
			return nil, &errs.DccProtocol{Detail: "bad size: " + args[3]}
		}

		o := &Offer{
			Kind:     kind,
			Filename: args[0],
			IP:       intToIP(uint32(ipInt)),
			Port:     port,
			Size:     size,
		}
		if len(args) >= 5 {
			o.Token = args[4]
		}

		// Passive offers use port 0 plus a non-empty token; port 0
		// without one is unanswerable.
		if o.Port == 0 && o.Token == "" {
			return nil, &errs.DccProtocol{Detail: "passive SEND without a token"}
		}

		return o, nil

	case "RESUME", "ACCEPT":
		// RESUME/ACCEPT <filename> <port> <position>
		if len(args) < 3 {
			return nil, &errs.DccProtocol{Detail: kind + " needs filename, port and position"}
		}

		port, err := strconv.Atoi(args[1])
		if err != nil || port < 0 || port > 65535 {
			return nil, &errs.DccProtocol{Detail: "bad port: " + args[1]}
		}
		pos, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || pos < 0 {
			return nil, &errs.DccProtocol{Detail: "bad position: " + args[2]}
		}

		return &Offer{Kind: kind, Filename: args[0], Port: port, Position: pos}, nil

	default:
		return nil, &errs.DccProtocol{Detail: "unsupported DCC kind: " + kind}
	}
}

// quoteFilename wraps a filename in quotes when it contains spaces,
// matching the wire form other clients emit.
func quoteFilename(name string) string {
	if strings.ContainsRune(name, ' ') {
		return `"` + name + `"`
	}

	return name
}

// formatSend renders the SEND payload for an active offer.
func formatSend(filename string, ip net.IP, port int, size int64) string {
	return fmt.Sprintf("SEND %s %d %d %d", quoteFilename(filename), ipToInt(ip), port, size)
}

// formatPassiveSend renders the SEND payload for a passive (reverse)
// offer: zero ip/port plus the token.
func formatPassiveSend(filename string, size int64, token string) string {
	return fmt.Sprintf("SEND %s 0 0 %d %s", quoteFilename(filename), size, token)
}

// formatPassiveReply renders the receiver's answer to a passive offer,
// echoing the token back with a real endpoint.
func formatPassiveReply(filename string, ip net.IP, port int, size int64, token string) string {
	return fmt.Sprintf("SEND %s %d %d %d %s", quoteFilename(filename), ipToInt(ip), port, size, token)
}

// formatResume renders the RESUME request for a partially downloaded
// file.
func formatResume(filename string, port int, position int64) string {
	return fmt.Sprintf("RESUME %s %d %d", quoteFilename(filename), port, position)
}

// formatAccept renders the ACCEPT reply to a RESUME request.
func formatAccept(filename string, port int, position int64) string {
	return fmt.Sprintf("ACCEPT %s %d %d", quoteFilename(filename), port, position)
}

// ipToInt encodes an IPv4 address as the 32-bit big-endian integer the
// DCC wire format uses.
func ipToInt(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}

	return binary.BigEndian.Uint32(v4)
}

// intToIP is the inverse of ipToInt.
func intToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)

	return ip
}
