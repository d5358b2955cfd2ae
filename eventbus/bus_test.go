// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestSyncHandlersRunInOrderBeforePublishReturns(t *testing.T) {
	b := New(nil)

	var order []int
	b.Subscribe("PRIVMSG", func(event string, payload interface{}) { order = append(order, 1) })
	b.Subscribe("PRIVMSG", func(event string, payload interface{}) { order = append(order, 2) })
	b.Subscribe("PRIVMSG", func(event string, payload interface{}) { order = append(order, 3) })

	b.Publish("privmsg", "hello")

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}

func TestWildcardHandlersRunForEveryEvent(t *testing.T) {
	b := New(nil)

	var seen []string
	b.Subscribe(All, func(event string, payload interface{}) { seen = append(seen, event) })

	b.Publish("JOIN", nil)
	b.Publish("PART", nil)

	if len(seen) != 2 || seen[0] != "JOIN" || seen[1] != "PART" {
		t.Fatalf("seen = %v, want [JOIN PART]", seen)
	}
}

func TestAsyncHandlerDoesNotBlockPublish(t *testing.T) {
	b := New(nil)

	release := make(chan struct{})
	done := make(chan struct{})
	b.SubscribeAsync("NOTICE", func(event string, payload interface{}) {
		<-release
		close(done)
	})

	start := time.Now()
	b.Publish("NOTICE", nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked for %v, async handler should not delay it", elapsed)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestPanicInHandlerIsIsolated(t *testing.T) {
	b := New(nil)

	var secondRan bool
	b.Subscribe("X", func(event string, payload interface{}) { panic("boom") })
	b.Subscribe("X", func(event string, payload interface{}) { secondRan = true })

	b.Publish("X", nil)

	if !secondRan {
		t.Fatal("second handler should still run after the first panics")
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New(nil)

	var count int
	id := b.Subscribe("X", func(event string, payload interface{}) { count++ })

	b.Publish("X", nil)
	b.Unsubscribe(id)
	b.Publish("X", nil)

	if count != 1 {
		t.Fatalf("count = %d, want 1 (handler should not fire after Unsubscribe)", count)
	}
}

func TestClearAndClearAll(t *testing.T) {
	b := New(nil)

	b.Subscribe("X", func(event string, payload interface{}) {})
	b.Subscribe("Y", func(event string, payload interface{}) {})

	b.Clear("X")
	if b.Count("X") != 0 {
		t.Fatalf("Count(X) = %d after Clear(X), want 0", b.Count("X"))
	}
	if b.Count("Y") != 1 {
		t.Fatalf("Count(Y) = %d, want 1", b.Count("Y"))
	}

	b.ClearAll()
	if b.Count("Y") != 0 {
		t.Fatalf("Count(Y) = %d after ClearAll, want 0", b.Count("Y"))
	}
}

func TestConcurrentPublishIsRaceFree(t *testing.T) {
	b := New(nil)
	b.Subscribe("X", func(event string, payload interface{}) {})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("X", nil)
		}()
	}
	wg.Wait()
}
