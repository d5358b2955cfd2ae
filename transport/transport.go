// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Package transport implements the line-oriented duplex network channel:
// bufio.ReadWriter over a net.Conn, optional TLS, a bounded write queue,
// and read/write loops coordinated through context cancellation. Framing,
// backpressure, and TLS-bypass warnings live in a transport-agnostic type
// so the same shape can back DCC sockets too.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/halcyon-irc/halcyon/errs"
)

// maxLineBytes is the hard ceiling on a single inbound line, tags
// included.
const maxLineBytes = 8192

// DefaultWriteQueueCap is the default bound on the outbound write queue.
const DefaultWriteQueueCap = 1024

// delim is the line terminator bytes accumulate against; CR is stripped
// along with LF after the read.
const delim byte = '\n'

// WarningFunc receives non-fatal transport warnings, e.g. certificate
// verification being bypassed.
type WarningFunc func(msg string)

// Transport is a duplex, line-oriented connection to a single remote
// endpoint. The zero value is not usable; use Dial or New.
type Transport struct {
	sock net.Conn
	io   *bufio.ReadWriter

	tx     chan []byte
	txCap  int
	closed chan struct{}

	connTime time.Time

	OnWarning WarningFunc
}

// Options configures Dial.
type Options struct {
	TLS          bool
	VerifyCert   bool
	TLSConfig    *tls.Config // optional override; VerifyCert/ServerName used only if nil
	DialTimeout  time.Duration
	WriteQueueCap int
	OnWarning    WarningFunc
}

// Dial opens a TCP (optionally TLS) connection to host:port, performing
// the TLS handshake before the first application byte when requested.
func Dial(ctx context.Context, host string, port int, opts Options) (*Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteQueueCap <= 0 {
		opts.WriteQueueCap = DefaultWriteQueueCap
	}

	addr := fmt.Sprintf("%s:%d", host, port)

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errs.TransportIo{Err: err}
	}

	if opts.TLS {
		conf := opts.TLSConfig
		if conf == nil {
			conf = &tls.Config{ServerName: host, InsecureSkipVerify: !opts.VerifyCert} //nolint:gosec
		}

		if !opts.VerifyCert && opts.OnWarning != nil {
			opts.OnWarning("tls certificate verification disabled; chain and hostname checks bypassed")
		}

		tlsConn := tls.Client(conn, conf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()

			return nil, &errs.TlsHandshake{Err: err}
		}

		conn = tlsConn
	}

	return New(conn, opts.WriteQueueCap, opts.OnWarning), nil
}

// New wraps an already-established net.Conn (e.g. a mocked pipe in
// tests, or an accepted DCC socket) as a Transport.
func New(conn net.Conn, writeQueueCap int, onWarning WarningFunc) *Transport {
	if writeQueueCap <= 0 {
		writeQueueCap = DefaultWriteQueueCap
	}

	return &Transport{
		sock:      conn,
		io:        bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		tx:        make(chan []byte, writeQueueCap),
		txCap:     writeQueueCap,
		closed:    make(chan struct{}),
		connTime:  time.Now(),
		OnWarning: onWarning,
	}
}

// Close closes the underlying socket. It is safe to call more than once.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}

	return t.sock.Close()
}

// SendLine enqueues a raw line (without the trailing CRLF) for writing.
// It returns errs.Backpressured immediately, without blocking, if the
// write queue is already full.
func (t *Transport) SendLine(line []byte) error {
	select {
	case t.tx <- line:
		return nil
	default:
		return &errs.Backpressured{QueueCap: t.txCap}
	}
}

// ReadLoop reads lines off the socket, splitting on LF (a CR before the
// LF is stripped; a bare CR does not end a line), and
// invokes onLine for each one until ctx is cancelled or a read error
// occurs. Oversize lines (over 8192 bytes before a terminator is found)
// are dropped with onWarning and the buffer is resynchronized to the
// next terminator, rather than tearing down the connection.
func (t *Transport) ReadLoop(ctx context.Context, onLine func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = t.sock.SetReadDeadline(time.Now().Add(300 * time.Second))

		raw, err := t.io.ReadBytes(delim)
		if err != nil {
			if len(raw) > 0 {
				// Partial line followed by EOF/error; nothing useful to
				// dispatch.
			}

			select {
			case <-ctx.Done():
				return nil
			default:
				return &errs.TransportIo{Err: err}
			}
		}

		if len(raw) > maxLineBytes {
			if t.OnWarning != nil {
				t.OnWarning(fmt.Sprintf("dropped oversize line (%d bytes > %d max)", len(raw), maxLineBytes))
			}

			continue
		}

		for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
			raw = raw[:len(raw)-1]
		}

		if len(raw) == 0 {
			continue
		}

		onLine(raw)
	}
}

// WriteLoop drains the write queue to the socket until ctx is cancelled
// or a write error occurs. Outbound lines are flushed in enqueue order.
func (t *Transport) WriteLoop(ctx context.Context) error {
	for {
		select {
		case line := <-t.tx:
			if _, err := t.io.Write(line); err != nil {
				return &errs.TransportIo{Err: err}
			}
			if _, err := t.io.Write([]byte("\r\n")); err != nil {
				return &errs.TransportIo{Err: err}
			}
			if err := t.io.Flush(); err != nil {
				return &errs.TransportIo{Err: err}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// QueueLen returns the number of lines currently buffered in the write
// queue, useful for diagnostics/tests.
func (t *Transport) QueueLen() int { return len(t.tx) }

// ConnectedAt returns when the transport was established.
func (t *Transport) ConnectedAt() time.Time { return t.connTime }

// LocalAddr exposes the underlying socket's local address, used by the
// DCC subsystem to compute the advertised IP for active SEND offers.
func (t *Transport) LocalAddr() net.Addr { return t.sock.LocalAddr() }
