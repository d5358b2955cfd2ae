// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dcc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/errs"
)

// chunkSize is the bounded unit of transfer I/O; transfers yield between
// chunks so one large file cannot starve the rest of the client.
const chunkSize = 16 * 1024

// SendFile offers a local file to peer. In active mode the local side
// listens and advertises its endpoint; in passive (reverse) mode it
// advertises a token and waits for the peer to listen and reply.
func (m *Manager) SendFile(ctx context.Context, peer, path string, passive bool) (Snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, &errs.TransportIo{Err: err}
	}
	if !fi.Mode().IsRegular() {
		return Snapshot{}, &errs.DccProtocol{Detail: path + " is not a regular file"}
	}

	filename := filepath.Base(path)
	size := fi.Size()

	if passive {
		t := m.newTransfer(peer, filename, path, size, Send, Passive, Negotiating)
		t.passiveToken = newToken()

		m.track(t)
		m.send(peer, formatPassiveSend(filename, size, t.passiveToken))

		return t.Snapshot(), nil
	}

	ln, port, err := m.listen()
	if err != nil {
		return Snapshot{}, err
	}

	t := m.newTransfer(peer, filename, path, size, Send, Active, Negotiating)
	t.port = port
	t.listener = ln

	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	m.track(t)
	m.send(peer, formatSend(filename, m.advertisedIP(), port, size))

	go m.acceptAndSend(tctx, t, ln)

	return t.Snapshot(), nil
}

// acceptAndSend waits for the peer to connect to our active-send
// listener, then streams the file.
func (m *Manager) acceptAndSend(ctx context.Context, t *Transfer, ln net.Listener) {
	if tcp, ok := ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(m.cfg.AcceptTimeout))
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			m.setState(t, Cancelled, nil)
			return
		}

		m.setState(t, Failed, &errs.DccTimeout{Detail: "peer never connected to active offer"})
		return
	}

	m.runSend(ctx, t, conn)
}

// dialAndSend completes a passive send: the peer answered our token with
// a real endpoint, so we connect outbound and stream.
func (m *Manager) dialAndSend(ctx context.Context, t *Transfer) {
	t.mu.Lock()
	addr := fmt.Sprintf("%s:%d", t.peerIP, t.peerPort)
	t.mu.Unlock()

	m.setState(t, Connecting, nil)

	conn, err := net.DialTimeout("tcp", addr, m.cfg.AcceptTimeout)
	if err != nil {
		m.setState(t, Failed, &errs.TransportIo{Err: err})
		return
	}

	m.runSend(ctx, t, conn)
}

// runSend streams the source file to conn in bounded chunks, honoring
// the per-transfer bandwidth cap via token-bucket pacing.
func (m *Manager) runSend(ctx context.Context, t *Transfer, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	f, err := os.Open(t.LocalPath)
	if err != nil {
		m.setState(t, Failed, &errs.TransportIo{Err: err})
		return
	}
	defer f.Close()

	t.mu.Lock()
	offset := t.resumeOffset
	t.bytes = offset
	limitBps := t.rateBps
	t.mu.Unlock()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			m.setState(t, Failed, &errs.TransportIo{Err: err})
			return
		}
	}

	m.setState(t, Transferring, nil)

	// The receiver acks running totals; we don't act on them, but the
	// socket must be drained so its window never fills.
	go io.Copy(io.Discard, conn) //nolint:errcheck

	var limiter *rate.Limiter
	if limitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(limitBps), chunkSize)
	}

	var hasher hash.Hash
	if m.cfg.ChecksumVerify && offset == 0 {
		hasher = sha256.New()
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					m.setState(t, Cancelled, nil)
					return
				}
			}

			if _, werr := conn.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					m.setState(t, Cancelled, nil)
					return
				}

				m.setState(t, Failed, &errs.TransportIo{Err: werr})
				return
			}

			if hasher != nil {
				hasher.Write(buf[:n])
			}

			m.progress(t, int64(n))
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.setState(t, Failed, &errs.TransportIo{Err: rerr})
			return
		}
	}

	m.finish(t, hasher, offset)
}

// Accept accepts a pending inbound offer: dialing the advertised
// endpoint for an active offer (sending RESUME first when a partial
// file exists), or listening and answering the token for a passive one.
func (m *Manager) Accept(ctx context.Context, id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return &errs.DccProtocol{Detail: "unknown transfer id " + id}
	}

	t.mu.Lock()
	if t.Direction != Receive || t.state != Pending {
		st := t.state
		t.mu.Unlock()

		return &errs.DccProtocol{Detail: fmt.Sprintf("transfer %s not acceptable in state %s", id, st)}
	}

	passive := t.peerPort == 0 && t.passiveToken != ""
	t.mu.Unlock()

	if passive {
		ln, port, err := m.listen()
		if err != nil {
			m.setState(t, Failed, err)
			return err
		}

		tctx, cancel := context.WithCancel(ctx)

		t.mu.Lock()
		t.cancel = cancel
		t.listener = ln
		t.port = port
		t.mu.Unlock()

		m.setState(t, Negotiating, nil)
		m.send(t.Peer, formatPassiveReply(t.Filename, m.advertisedIP(), port, t.Size, t.passiveToken))

		go m.acceptAndReceive(tctx, t, ln)

		return nil
	}

	// Active offer: a leftover partial file means we ask the sender to
	// seek before connecting (DCC RESUME extension).
	if fi, err := os.Stat(t.LocalPath); err == nil && fi.Size() > 0 && fi.Size() < t.Size {
		t.mu.Lock()
		t.resumeOffset = fi.Size()
		port := t.peerPort
		t.mu.Unlock()

		m.setState(t, Negotiating, nil)
		m.send(t.Peer, formatResume(t.Filename, port, fi.Size()))

		return nil
	}

	tctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go m.dialAndReceive(tctx, t)

	return nil
}

// acceptAndReceive waits on our passive-reply listener for the sender to
// connect, then streams to disk.
func (m *Manager) acceptAndReceive(ctx context.Context, t *Transfer, ln net.Listener) {
	if tcp, ok := ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(m.cfg.AcceptTimeout))
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			m.setState(t, Cancelled, nil)
			return
		}

		m.setState(t, Failed, &errs.DccTimeout{Detail: "sender never connected to passive reply"})
		return
	}

	m.runReceive(ctx, t, conn)
}

// dialAndReceive connects to the sender's advertised endpoint and
// streams to disk.
func (m *Manager) dialAndReceive(ctx context.Context, t *Transfer) {
	t.mu.Lock()
	addr := fmt.Sprintf("%s:%d", t.peerIP, t.peerPort)
	t.mu.Unlock()

	m.setState(t, Connecting, nil)

	conn, err := net.DialTimeout("tcp", addr, m.cfg.AcceptTimeout)
	if err != nil {
		m.setState(t, Failed, &errs.TransportIo{Err: err})
		return
	}

	m.runReceive(ctx, t, conn)
}

// runReceive streams exactly Size-resumeOffset bytes from conn into the
// destination file, acking running totals, hashing when checksum
// verification is on, and pacing against the receive bandwidth cap.
func (m *Manager) runReceive(ctx context.Context, t *Transfer, conn net.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	t.mu.Lock()
	offset := t.resumeOffset
	t.bytes = offset
	limitBps := t.rateBps
	size := t.Size
	t.mu.Unlock()

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(t.LocalPath, flags, 0o644)
	if err != nil {
		m.setState(t, Failed, &errs.TransportIo{Err: err})
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			m.setState(t, Failed, &errs.TransportIo{Err: err})
			return
		}
	}

	m.setState(t, Transferring, nil)

	var limiter *rate.Limiter
	if limitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(limitBps), chunkSize)
	}

	var hasher hash.Hash
	if m.cfg.ChecksumVerify && offset == 0 {
		hasher = sha256.New()
	}

	var ack [4]byte
	buf := make([]byte, chunkSize)
	remaining := size - offset

	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}

		n, rerr := conn.Read(buf[:want])
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					m.setState(t, Cancelled, nil)
					return
				}
			}

			if _, werr := f.Write(buf[:n]); werr != nil {
				m.setState(t, Failed, &errs.TransportIo{Err: werr})
				return
			}

			if hasher != nil {
				hasher.Write(buf[:n])
			}

			remaining -= int64(n)
			total := m.progress(t, int64(n))

			// Classic DCC: the receiver acks the running byte total as a
			// 32-bit big-endian integer.
			binary.BigEndian.PutUint32(ack[:], uint32(total))
			conn.Write(ack[:]) //nolint:errcheck
		}

		if rerr != nil {
			if ctx.Err() != nil {
				m.setState(t, Cancelled, nil)
				return
			}
			if rerr == io.EOF && remaining > 0 {
				m.setState(t, Failed, &errs.TransportIo{Err: fmt.Errorf("short transfer: %d bytes missing", remaining)})
				return
			}
			if rerr != io.EOF {
				m.setState(t, Failed, &errs.TransportIo{Err: rerr})
				return
			}
		}
	}

	if err := f.Sync(); err != nil {
		m.setState(t, Failed, &errs.TransportIo{Err: err})
		return
	}

	m.finish(t, hasher, offset)
}

// progress records n more transferred bytes and publishes a progress
// event; returns the new total.
func (m *Manager) progress(t *Transfer, n int64) int64 {
	t.mu.Lock()
	t.bytes += n
	t.lastProgress = time.Now()
	total := t.bytes
	t.mu.Unlock()

	m.bus.Publish(halcyon.DCC_TRANSFER_PROGRESS, t.Snapshot())

	return total
}

// finish runs the end-of-stream bookkeeping shared by both directions:
// record the computed digest, compare against the expected one when the
// whole file passed through the hasher, and transition to a terminal
// state.
func (m *Manager) finish(t *Transfer, hasher hash.Hash, offset int64) {
	var computed string
	if hasher != nil {
		computed = hex.EncodeToString(hasher.Sum(nil))
	}

	t.mu.Lock()
	t.computedSum = computed
	expected := t.expectedSum
	t.mu.Unlock()

	// A resumed transfer only hashed the tail, so the digest can't be
	// compared against a whole-file expectation.
	if m.cfg.ChecksumVerify && offset == 0 && expected != "" && computed != "" && expected != computed {
		m.setState(t, Failed, &errs.DccChecksumMismatch{Expected: expected, Got: computed})
		return
	}

	m.setState(t, Completed, nil)
}

// HandleCTCP consumes the payload of an inbound DCC CTCP (everything
// after the DCC tag) and advances whichever negotiation it belongs to.
// Errors are scoped to the offending transfer and never propagate to the
// IRC session.
func (m *Manager) HandleCTCP(src *halcyon.Source, text string) {
	if src == nil {
		return
	}

	offer, err := ParseOffer(text)
	if err != nil {
		m.log.Printf("dcc: bad CTCP from %s: %v", src.Name, err)
		m.statusLine(fmt.Sprintf("DCC request from %s rejected: %v", src.Name, err))
		return
	}

	switch offer.Kind {
	case "SEND":
		m.handleSendOffer(src, offer)
	case "RESUME":
		m.handleResume(src, offer)
	case "ACCEPT":
		m.handleAccept(src, offer)
	}
}

func (m *Manager) handleSendOffer(src *halcyon.Source, offer *Offer) {
	// A token with a real endpoint is the peer answering one of our
	// passive offers: match it and dial out.
	if offer.Token != "" && offer.Port > 0 {
		for entry := range m.transfers.IterBuffered() {
			t, ok := entry.Val.(*Transfer)
			if !ok {
				continue
			}

			t.mu.Lock()
			match := t.Direction == Send && t.Mode == Passive &&
				t.passiveToken == offer.Token && t.state == Negotiating
			if match {
				t.peerIP = offer.IP
				t.peerPort = offer.Port
			}
			t.mu.Unlock()

			if match {
				tctx, cancel := context.WithCancel(context.Background())
				t.mu.Lock()
				t.cancel = cancel
				t.mu.Unlock()

				go m.dialAndSend(tctx, t)
				return
			}
		}

		m.log.Printf("dcc: SEND reply from %s with unknown token %q", src.Name, offer.Token)
		return
	}

	// Otherwise it's an inbound offer to us: active (real endpoint) or
	// passive (port 0 plus token).
	mode := Active
	if offer.Port == 0 {
		mode = Passive
	}

	dest, verr := vetOffer(offer, m.cfg)
	if verr != nil {
		// Security rejection: no socket is opened, no file is created,
		// and a failure event is emitted.
		t := m.newTransfer(src.Name, offer.Filename, "", offer.Size, Receive, mode, Pending)
		m.track(t)
		m.setState(t, Failed, verr)
		return
	}

	t := m.newTransfer(src.Name, filepath.Base(dest), dest, offer.Size, Receive, mode, Pending)
	t.peerIP = offer.IP
	t.peerPort = offer.Port
	t.passiveToken = offer.Token
	m.track(t)

	m.bus.Publish(halcyon.DCC_OFFER_RECEIVED, t.Snapshot())
	m.statusLine(fmt.Sprintf("DCC SEND offer from %s: %s (%d bytes)", src.Name, t.Filename, t.Size))

	if m.cfg.AutoAccept {
		if err := m.Accept(context.Background(), t.ID); err != nil {
			m.log.Printf("dcc: auto-accept of %s failed: %v", t.ID, err)
		}
	}
}

// handleResume answers a peer's RESUME for one of our active sends:
// record the seek position and acknowledge with ACCEPT.
func (m *Manager) handleResume(src *halcyon.Source, offer *Offer) {
	for entry := range m.transfers.IterBuffered() {
		t, ok := entry.Val.(*Transfer)
		if !ok {
			continue
		}

		t.mu.Lock()
		match := t.Direction == Send && t.port == offer.Port && !t.state.Terminal() &&
			halcyon.ToRFC1459(t.Peer) == halcyon.ToRFC1459(src.Name)
		if match {
			pos := offer.Position
			if pos >= t.Size {
				pos = 0
			}
			t.resumeOffset = pos
		}
		t.mu.Unlock()

		if match {
			m.send(t.Peer, formatAccept(t.Filename, offer.Port, offer.Position))
			return
		}
	}

	m.log.Printf("dcc: RESUME from %s for unknown port %d", src.Name, offer.Port)
}

// handleAccept resumes one of our receives: the sender agreed to seek,
// so connect and stream the tail.
func (m *Manager) handleAccept(src *halcyon.Source, offer *Offer) {
	for entry := range m.transfers.IterBuffered() {
		t, ok := entry.Val.(*Transfer)
		if !ok {
			continue
		}

		t.mu.Lock()
		match := t.Direction == Receive && t.peerPort == offer.Port && t.state == Negotiating &&
			halcyon.ToRFC1459(t.Peer) == halcyon.ToRFC1459(src.Name)
		if match {
			t.resumeOffset = offer.Position
		}
		t.mu.Unlock()

		if match {
			tctx, cancel := context.WithCancel(context.Background())
			t.mu.Lock()
			t.cancel = cancel
			t.mu.Unlock()

			go m.dialAndReceive(tctx, t)
			return
		}
	}

	m.log.Printf("dcc: ACCEPT from %s for unknown port %d", src.Name, offer.Port)
}
