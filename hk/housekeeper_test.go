package hk_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/atbus-go/atbus/hk"
)

func TestRegFiresAndReschedules(t *testing.T) {
	h := hk.New()
	go h.Run()
	defer h.Stop()
	h.WaitStarted()

	var n int64
	h.Reg("x", func() time.Duration {
		atomic.AddInt64(&n, 1)
		return 5 * time.Millisecond
	}, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&n) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt64(&n) < 3 {
		t.Fatalf("callback fired %d times, want >= 3", n)
	}
}

func TestUnregStopsFurtherCalls(t *testing.T) {
	h := hk.New()
	go h.Run()
	defer h.Stop()
	h.WaitStarted()

	var n int64
	h.Reg("y", func() time.Duration {
		atomic.AddInt64(&n, 1)
		return time.Millisecond
	}, 0)
	time.Sleep(20 * time.Millisecond)
	h.Unreg("y")
	got := atomic.LoadInt64(&n)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&n) != got {
		t.Fatalf("callback still firing after Unreg: %d -> %d", got, n)
	}
}

func TestReturnNonPositiveUnregisters(t *testing.T) {
	h := hk.New()
	go h.Run()
	defer h.Stop()
	h.WaitStarted()

	var n int64
	h.Reg("z", func() time.Duration {
		atomic.AddInt64(&n, 1)
		return 0
	}, 0)
	time.Sleep(30 * time.Millisecond)
	got := atomic.LoadInt64(&n)
	if got != 1 {
		t.Fatalf("expected exactly 1 call, got %d", got)
	}
}
