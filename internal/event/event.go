// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event delivers the asynchronous results of a standing
// request (chiefly subscription data) to its owner, either through a
// blocking Next poll or through a registered callback run on a
// dedicated dispatch goroutine. Events are held on a per-request
// pending list ordered by L5 sequence number and promoted to a
// process-wide active queue once they mature, so a caller sees
// AckContent events in recno order even if the underlying frames
// arrived out of order.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/gdperr"
)

// Type identifies what an Event represents.
type Type int

const (
	TypeData Type = iota
	TypeCreated
	TypeDone
	TypeShutdown
	TypeSuccess
	TypeFailure
	TypeMissing
)

// seqModulus is the circular sequence space L5 sequence numbers live
// in; comparisons wrap at this boundary.
const seqModulus = 1 << 15
const seqHalf = seqModulus / 2

// seqAfter reports whether a is later than b in the circular sequence
// space: a > b iff (a - b) mod 2^15 < 2^14.
func seqAfter(a, b uint16) bool {
	diff := (int(a) - int(b) + seqModulus) % seqModulus
	return diff < seqHalf
}

// Event is one asynchronous result delivered to a request's owner.
type Event struct {
	Type    Type
	Handle  [32]byte // originating log name
	Status  *gdperr.Status
	UserData any
	Datum   *datum.Datum
	Seqno   uint16

	maturity time.Time
}

// Less orders events by L5 sequence number for the pending btree,
// honoring the circular comparison the maturity window relies on.
func (e *Event) Less(than btree.Item) bool {
	o := than.(*Event)
	return seqAfter(o.Seqno, e.Seqno) && e.Seqno != o.Seqno
}

// Queue is one request's pending-event reorder buffer plus the shared
// process-wide active queue it promotes into.
type Queue struct {
	mu      sync.Mutex
	pending *btree.BTree
	seqNext uint16

	DataWindow time.Duration
	DoneWindow time.Duration

	active *ActiveQueue
	timer  *time.Timer
}

// NewQueue returns a Queue that promotes matured events into active.
func NewQueue(active *ActiveQueue, dataWindow, doneWindow time.Duration) *Queue {
	if dataWindow == 0 {
		dataWindow = 100 * time.Millisecond
	}
	if doneWindow == 0 {
		doneWindow = 250 * time.Millisecond
	}
	return &Queue{
		pending:    btree.New(8),
		active:     active,
		DataWindow: dataWindow,
		DoneWindow: doneWindow,
	}
}

// Insert adds ev to the pending list, arming or re-arming the
// maturity timer for the earliest pending event, and promotes
// anything already eligible.
func (q *Queue) Insert(ev *Event) {
	window := q.DataWindow
	if ev.Type == TypeDone {
		window = q.DoneWindow
	}
	ev.maturity = time.Now().Add(window)

	q.mu.Lock()
	q.pending.ReplaceOrInsert(ev)
	q.promoteLocked()
	q.rearmLocked()
	q.mu.Unlock()
}

// Flush promotes every pending event unconditionally, used on request
// teardown or once AckEndOfResults has been seen.
func (q *Queue) Flush() {
	q.mu.Lock()
	for q.pending.Len() > 0 {
		min := q.pending.Min().(*Event)
		q.pending.Delete(min)
		q.seqNext = (min.Seqno + 1) % seqModulus
		q.active.push(min)
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()
}

// promoteLocked moves every pending event that is either next in
// sequence or already matured into the active queue. Caller holds mu.
func (q *Queue) promoteLocked() {
	for q.pending.Len() > 0 {
		min := q.pending.Min().(*Event)
		matured := !min.maturity.After(time.Now())
		if min.Seqno != q.seqNext && !matured {
			break
		}
		q.pending.Delete(min)
		q.seqNext = (min.Seqno + 1) % seqModulus
		q.active.push(min)
	}
}

func (q *Queue) rearmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.pending.Len() == 0 {
		return
	}
	min := q.pending.Min().(*Event)
	d := time.Until(min.maturity)
	if d < 0 {
		d = 0
	}
	q.timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		q.promoteLocked()
		q.rearmLocked()
		q.mu.Unlock()
	})
}

// ActiveQueue is the process-wide queue that Next polls and the
// callback dispatcher drains. Arrival order is FIFO; each Event was
// already promoted in correct per-request sequence order by its
// originating Queue, so the active queue itself only needs to
// preserve arrival order across requests.
type ActiveQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Event
}

// NewActiveQueue returns an empty process-wide active queue.
func NewActiveQueue() *ActiveQueue {
	a := &ActiveQueue{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *ActiveQueue) push(ev *Event) {
	a.mu.Lock()
	a.items = append(a.items, ev)
	a.mu.Unlock()
	a.cond.Broadcast()
}

// Next blocks until an event matching handle (or any handle, if
// handle is nil) is available or ctx is done.
func Next(ctx context.Context, a *ActiveQueue, handle *[32]byte) (*Event, error) {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if idx, ok := a.findLocked(handle); ok {
			ev := a.items[idx]
			a.items = append(a.items[:idx], a.items[idx+1:]...)
			return ev, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.cond.Wait()
	}
}

func (a *ActiveQueue) findLocked(handle *[32]byte) (int, bool) {
	if handle == nil {
		if len(a.items) == 0 {
			return 0, false
		}
		return 0, true
	}
	for i, ev := range a.items {
		if ev.Handle == *handle {
			return i, true
		}
	}
	return 0, false
}

// Dispatcher runs registered callbacks on a dedicated goroutine,
// draining the active queue and freeing each event after its
// callback returns.
type Dispatcher struct {
	active   *ActiveQueue
	callback func(*Event)
}

// NewDispatcher returns a Dispatcher that invokes cb for every event
// pushed onto active.
func NewDispatcher(active *ActiveQueue, cb func(*Event)) *Dispatcher {
	return &Dispatcher{active: active, callback: cb}
}

// Run drains d's active queue and invokes the callback until ctx is
// canceled. It satisfies workgroup.Member.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		ev, err := Next(ctx, d.active, nil)
		if err != nil {
			return nil
		}
		d.callback(ev)
	}
}

