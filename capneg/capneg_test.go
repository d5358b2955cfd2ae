// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package capneg

import (
	"reflect"
	"testing"
	"time"
)

func TestNegotiationWithoutSasl(t *testing.T) {
	var sent [][]string
	n := New([]string{"multi-prefix", "server-time"}, func(params []string) {
		sent = append(sent, append([]string(nil), params...))
	})

	n.Start()
	if n.State() != Listing {
		t.Fatalf("State() = %v, want Listing", n.State())
	}

	if err := n.HandleLine([]string{"*", "LS"}, "multi-prefix server-time away-notify"); err != nil {
		t.Fatalf("HandleLine(LS): %v", err)
	}
	if n.State() != Acking {
		t.Fatalf("State() after LS = %v, want Acking", n.State())
	}

	if err := n.HandleLine([]string{"*", "ACK"}, "multi-prefix server-time"); err != nil {
		t.Fatalf("HandleLine(ACK): %v", err)
	}
	if n.State() != Done {
		t.Fatalf("State() after ACK = %v, want Done", n.State())
	}

	want := map[string]bool{"multi-prefix": true, "server-time": true}
	if got := n.Enabled(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Enabled() = %v, want %v", got, want)
	}

	if len(sent) != 3 {
		t.Fatalf("sent = %v, want 3 lines (LS, REQ, END)", sent)
	}
	if sent[2][1] != "END" {
		t.Fatalf("final line = %v, want CAP END", sent[2])
	}
}

func TestNegotiationHoldsEndForSasl(t *testing.T) {
	var sent [][]string
	n := New([]string{"sasl"}, func(params []string) {
		sent = append(sent, append([]string(nil), params...))
	})

	n.Start()
	n.HandleLine([]string{"*", "LS"}, "sasl=PLAIN")
	n.HandleLine([]string{"*", "ACK"}, "sasl")

	if n.State() != SaslAwait {
		t.Fatalf("State() = %v, want SaslAwait (CAP END must wait for SASL)", n.State())
	}

	for _, line := range sent {
		if line[1] == "END" {
			t.Fatal("CAP END must not be sent before SaslDone")
		}
	}

	n.SaslDone()
	if n.State() != Done {
		t.Fatalf("State() after SaslDone = %v, want Done", n.State())
	}
}

func TestNegotiationEmptyLSCompletesWithEmptySet(t *testing.T) {
	n := New([]string{"sasl", "multi-prefix"}, func(params []string) {})

	n.Start()
	n.HandleLine([]string{"*", "LS"}, "")

	if n.State() != Done {
		t.Fatalf("State() = %v, want Done (empty LS should complete negotiation)", n.State())
	}
	if len(n.Enabled()) != 0 {
		t.Fatalf("Enabled() = %v, want empty", n.Enabled())
	}
}

func TestCheckTimeoutOverall(t *testing.T) {
	n := New([]string{"sasl"}, func(params []string) {})
	n.SetTimeouts(10*time.Millisecond, time.Hour)
	n.Start()

	time.Sleep(20 * time.Millisecond)

	if err := n.CheckTimeout(); err == nil {
		t.Fatal("expected CheckTimeout to report the overall timeout has elapsed")
	}
}

func TestNakWithoutSaslStillEnds(t *testing.T) {
	var sent [][]string
	n := New([]string{"multi-prefix"}, func(params []string) {
		sent = append(sent, append([]string(nil), params...))
	})

	n.Start()
	n.HandleLine([]string{"*", "LS"}, "multi-prefix")
	n.HandleLine([]string{"*", "NAK"}, "multi-prefix")

	if n.State() != Done {
		t.Fatalf("State() = %v, want Done", n.State())
	}
}
