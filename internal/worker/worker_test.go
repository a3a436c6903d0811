// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerRunsRegisteredFunctionEachIteration(t *testing.T) {
	w := New(5 * time.Millisecond)
	var calls atomic.Int32
	w.Register("count", func(now time.Time) { calls.Add(1) })

	go w.Run()
	defer w.Stop()

	time.Sleep(40 * time.Millisecond)
	if n := calls.Load(); n < 2 {
		t.Fatalf("calls = %d, want at least 2 iterations in 40ms at a 5ms period", n)
	}
}

func TestWorkerRunsFunctionsInRegistrationOrder(t *testing.T) {
	w := New(5 * time.Millisecond)
	var mu sync.Mutex
	var order []string

	w.Register("a", func(now time.Time) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})
	w.Register("b", func(now time.Time) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
	})

	go w.Run()
	defer w.Stop()

	time.Sleep(12 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want a then b in the first iteration", order)
	}
}

func TestUnregisterWaitsForInFlightIterationToFinish(t *testing.T) {
	w := New(5 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	w.Register("slow", func(now time.Time) {
		close(started)
		<-release
		finished.Store(true)
	})

	go w.Run()
	defer w.Stop()

	<-started // the slow function is now mid-iteration

	done := make(chan struct{})
	go func() {
		w.Unregister("slow")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unregister returned before the in-flight iteration finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done

	if !finished.Load() {
		t.Fatal("Unregister returned without the in-flight call completing")
	}
}

func TestUnregisterRemovesFunctionFromFutureIterations(t *testing.T) {
	w := New(5 * time.Millisecond)
	var calls atomic.Int32
	w.Register("count", func(now time.Time) { calls.Add(1) })

	go w.Run()
	w.Unregister("count")

	time.Sleep(25 * time.Millisecond)
	n := calls.Load()
	w.Stop()

	time.Sleep(15 * time.Millisecond)
	if got := calls.Load(); got != n {
		t.Fatalf("calls grew from %d to %d after Unregister", n, got)
	}
}

func TestUnregisterReturnsAfterStop(t *testing.T) {
	w := New(5 * time.Millisecond)
	w.Register("noop", func(now time.Time) {})

	go w.Run()
	time.Sleep(10 * time.Millisecond)
	w.Stop()

	done := make(chan struct{})
	go func() {
		w.Unregister("noop")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister never returned after Stop")
	}
}
