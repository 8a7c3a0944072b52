// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/localcomm/shmrpc/cmn/debug"
	"github.com/localcomm/shmrpc/cmn/nlog"
)

// NameSuffix is appended by callers that register more than one cleanup
// job sharing a base name (e.g. one per registered service).
const NameSuffix = ".hk"

const minInterval = 10 * time.Millisecond

type (
	// CleanupFunc runs one housekeeping pass and returns the delay until
	// its next run. A non-positive return value deregisters the job.
	CleanupFunc func() time.Duration

	item struct {
		name string
		f    CleanupFunc
		due  time.Time
		idx  int // heap index
	}
	itemHeap []*item

	regReq struct {
		name     string
		f        CleanupFunc
		interval time.Duration
	}

	// HK runs registered CleanupFuncs, one at a time, on their own schedule.
	HK struct {
		mu       sync.Mutex // guards byName (for Unreg lookups only; the heap itself is owned by Run)
		byName   map[string]*item
		h        itemHeap
		regCh    chan regReq
		unregCh  chan string
		stopCh   chan struct{}
		started  chan struct{}
		startOne sync.Once
	}
)

// DefaultHK is the process-wide housekeeper; most callers never need another.
var DefaultHK = New()

func New() *HK {
	return &HK{
		byName:  make(map[string]*item, 8),
		regCh:   make(chan regReq, 16),
		unregCh: make(chan string, 16),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
	}
}

// TestInit resets the default housekeeper; tests call this before starting
// a fresh Run() goroutine so that state does not leak between test runs.
func TestInit() { DefaultHK = New() }

func Reg(name string, f CleanupFunc, interval time.Duration) { DefaultHK.Reg(name, f, interval) }
func Unreg(name string)                                      { DefaultHK.Unreg(name) }
func WaitStarted()                                           { <-DefaultHK.started }

// Reg schedules f to run once after interval, and again after whatever
// interval f itself returns. Re-registering an existing name replaces it.
func (hk *HK) Reg(name string, f CleanupFunc, interval time.Duration) {
	debug.Assert(name != "")
	if interval < minInterval {
		interval = minInterval
	}
	hk.regCh <- regReq{name: name, f: f, interval: interval}
}

func (hk *HK) Unreg(name string) { hk.unregCh <- name }

func (hk *HK) Stop() { close(hk.stopCh) }

// Run is the housekeeper's single dispatch loop; it owns the heap and is
// the only goroutine that ever touches it.
func (hk *HK) Run() {
	hk.startOne.Do(func() { close(hk.started) })

	var timer *time.Timer
	for {
		var fireCh <-chan time.Time
		if len(hk.h) > 0 {
			d := time.Until(hk.h[0].due)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fireCh = timer.C
		}

		select {
		case <-hk.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case req := <-hk.regCh:
			if timer != nil {
				timer.Stop()
			}
			hk.upsert(req.name, req.f, req.interval)

		case name := <-hk.unregCh:
			if timer != nil {
				timer.Stop()
			}
			hk.remove(name)

		case <-fireCh:
			hk.fireDue()
		}
	}
}

func (hk *HK) upsert(name string, f CleanupFunc, interval time.Duration) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if it, ok := hk.byName[name]; ok {
		it.f, it.due = f, time.Now().Add(interval)
		heap.Fix(&hk.h, it.idx)
		return
	}
	it := &item{name: name, f: f, due: time.Now().Add(interval)}
	hk.byName[name] = it
	heap.Push(&hk.h, it)
}

func (hk *HK) remove(name string) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	it, ok := hk.byName[name]
	if !ok {
		return
	}
	delete(hk.byName, name)
	heap.Remove(&hk.h, it.idx)
}

func (hk *HK) fireDue() {
	now := time.Now()
	for len(hk.h) > 0 && !hk.h[0].due.After(now) {
		it := heap.Pop(&hk.h).(*item)
		hk.mu.Lock()
		delete(hk.byName, it.name)
		hk.mu.Unlock()

		next := safeRun(it.f)
		if next <= 0 {
			continue
		}
		it.due = time.Now().Add(next)
		hk.mu.Lock()
		hk.byName[it.name] = it
		hk.mu.Unlock()
		heap.Push(&hk.h, it)
	}
}

func safeRun(f CleanupFunc) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: job panicked: %v", r)
			next = 0
		}
	}()
	return f()
}

//
// itemHeap - container/heap.Interface, ordered by due time
//

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *itemHeap) Push(x any)         { it := x.(*item); it.idx = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
