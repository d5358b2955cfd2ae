// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

// Command halcyon is a headless reference front-end for the halcyon IRC
// client core: it wires the state store, event bus, protocol dispatcher,
// DCC subsystem and connection orchestrator together, connects to one
// server and streams context lines to stdout. A full terminal UI embeds
// the same packages the same way.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	halcyon "github.com/halcyon-irc/halcyon"
	"github.com/halcyon-irc/halcyon/dcc"
	"github.com/halcyon-irc/halcyon/dispatcher"
	"github.com/halcyon-irc/halcyon/eventbus"
	"github.com/halcyon-irc/halcyon/orchestrator"
	"github.com/halcyon-irc/halcyon/scrollback"
	"github.com/halcyon-irc/halcyon/state"
	"github.com/halcyon-irc/halcyon/transport"
)

func main() {
	var (
		server      = flag.String("server", "irc.libera.chat", "server host to connect to")
		port        = flag.Int("port", 6697, "server port")
		useTLS      = flag.Bool("tls", true, "connect over TLS")
		verifyCert  = flag.Bool("verify-cert", true, "verify the server certificate chain and hostname")
		nick        = flag.String("nick", "halcyon-user", "nickname")
		user        = flag.String("user", "halcyon", "username/ident")
		name        = flag.String("name", "halcyon user", "realname")
		pass        = flag.String("pass", "", "server password (PASS)")
		saslUser    = flag.String("sasl-user", "", "SASL PLAIN username")
		saslPass    = flag.String("sasl-pass", "", "SASL PLAIN password")
		channels    = flag.String("channels", "", "comma-separated channels to auto-join")
		statePath   = flag.String("state", "halcyon-state.json", "path of the persisted state file")
		downloadDir = flag.String("download-dir", "downloads", "directory inbound DCC files land in")
		debug       = flag.Bool("debug", false, "log debug output to stderr")
	)
	flag.Parse()

	logOut := os.Stderr
	if !*debug {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			logOut = devnull
		}
	}
	logger := log.New(logOut, "halcyon: ", log.LstdFlags)

	store := state.New(logger)
	bus := eventbus.New(logger)

	if _, err := state.Load(store, *statePath); err != nil {
		logger.Printf("loading persisted state: %v", err)
	}

	persister := state.NewPersister(store, *statePath, 0, 0)
	persister.Start()
	defer func() {
		persister.Stop()
		if err := persister.Flush(); err != nil {
			logger.Printf("final state flush: %v", err)
		}
	}()

	info := state.ConnectionInfo{
		Host:           *server,
		Port:           *port,
		TLS:            *useTLS,
		VerifyCert:     *verifyCert,
		Nick:           *nick,
		Username:       *user,
		RealName:       *name,
		ServerPassword: *pass,
		SASLUsername:   *saslUser,
		SASLPassword:   *saslPass,
		RequestedCaps:  halcyon.RequiredCaps,
	}
	if *channels != "" {
		info.AutoJoin = strings.Split(*channels, ",")
	}

	if err := store.Set("connection_info", &info); err != nil {
		logger.Printf("seeding connection_info: %v", err)
	}
	if err := store.Set("last_server_key", fmt.Sprintf("%s:%d", *server, *port)); err != nil {
		logger.Printf("seeding last_server_key: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The transport handle moves as the orchestrator reconnects; sends
	// go through the latest one.
	var tr *transport.Transport
	sendMessage := func(m *halcyon.Message) {
		if tr == nil {
			return
		}
		if err := tr.SendLine(m.Bytes()); err != nil {
			logger.Printf("send %s: %v", m.Command, err)
		}
	}

	dccMgr := dcc.NewManager(dcc.Config{DownloadDir: *downloadDir},
		store, bus, logger, func(peer, payload string) {
			sendMessage(&halcyon.Message{
				Command:  halcyon.PRIVMSG,
				Params:   []string{peer},
				Trailing: halcyon.EncodeCTCPRaw(halcyon.CTCP_DCC, payload),
			})
		})
	go dccMgr.Run(ctx)

	disp := dispatcher.New(dispatcher.Options{
		Store:   store,
		Bus:     bus,
		Log:     logger,
		Send:    sendMessage,
		Version: "halcyon",
		OnDCC:   dccMgr.HandleCTCP,
	})

	// Stream every context line to stdout; this is the whole "UI".
	bus.Subscribe(halcyon.CONTEXT_LINE, func(event string, payload interface{}) {
		if cl, ok := payload.(state.ContextLine); ok {
			fmt.Printf("[%s] %s\n", cl.ContextID, cl.Line.Text)
		}
	})

	// Join configured channels once registration completes.
	bus.Subscribe(halcyon.CLIENT_READY, func(event string, payload interface{}) {
		for _, ch := range info.AutoJoin {
			sendMessage(&halcyon.Message{Command: halcyon.JOIN, Params: []string{ch}})
		}

		status := store.EnsureContext("status", state.ContextStatus, scrollback.DefaultCap)
		status.Scrollback.Append(scrollback.Line{Text: fmt.Sprintf("connected to %s as %v", *server, payload), Kind: "system"})
	})

	orch := orchestrator.New(orchestrator.Options{
		Store: store,
		Bus:   bus,
		Log:   logger,
		Info:  info,
		Dial: func(dialCtx context.Context) (*transport.Transport, error) {
			t, err := transport.Dial(dialCtx, *server, *port, transport.Options{
				TLS:        *useTLS,
				VerifyCert: *verifyCert,
				OnWarning:  func(msg string) { logger.Printf("transport: %s", msg) },
			})
			if err != nil {
				return nil, err
			}

			tr = t

			return t, nil
		},
		AutoReconnect: true,
		OnLine:        disp.Dispatch,
	})

	go func() {
		<-ctx.Done()
		orch.Disconnect()
	}()

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Printf("connection ended: %v", err)
		os.Exit(1)
	}
}
