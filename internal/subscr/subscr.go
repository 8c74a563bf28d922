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

// Package subscr implements both halves of the subscription protocol
// that request.Request only carries the plumbing for: server-side
// fan-out of newly appended datums to matching subscribers with
// lease-based expiry, and client-side subscribe/refresh/unsubscribe
// plus the delivery of AckContent responses into event.Queues.
package subscr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/channel"
	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/event"
	"github.com/gdp-project/gdp/internal/gdperr"
	"github.com/gdp-project/gdp/internal/logobj"
	"github.com/gdp-project/gdp/internal/proto"
	"github.com/gdp-project/gdp/internal/request"
)

// DefaultLeaseTimeout and DefaultPokeInterval mirror
// swarm.gdp.subscr.{timeout,pokeintvl}; the refresh point is not a
// fixed duration but DefaultRefreshRatio applied to the lease.
const (
	DefaultLeaseTimeout = 5 * time.Minute
	DefaultRefreshRatio = 3 // refresh at timeout/3 of idle time
	DefaultPokeInterval = 30 * time.Second
)

// ClientSub is the client-side bookkeeping for one standing
// subscription: the request that carries it, and enough state to
// decide when the poker should refresh it.
type ClientSub struct {
	Req      *request.Request
	LogName  [32]byte
	SelfName [32]byte
	Ch       channel.Sender
	Encode   func(proto.Body) ([]byte, error)
	Queue    *event.Queue

	mu          sync.Mutex
	nrecsSeen   int64
	nrecsTotal  int64 // 0 = unbounded
	lastRefresh time.Time
}

// Subscribe issues a CmdSubscribeByRecno and returns once the initial
// ack has been received. The returned ClientSub should be registered
// with a Poker to keep the server-side lease refreshed. Subscription
// content can arrive before that initial ack does (the server streams
// backlog records ahead of its own response), so the request's
// PushFunc is wired to the eventual ClientSub before the command is
// even sent -- see request.Route, which is what invokes it.
func Subscribe(ctx context.Context, ch channel.Sender, logName, selfName [32]byte, start, nrecs int64, leaseTimeout time.Duration, encode func(proto.Body) ([]byte, error), active *event.ActiveQueue, log logrus.FieldLogger) (*ClientSub, *gdperr.Status) {
	cmd := proto.SubscribeByRecnoCmd{Start: start, NRecs: nrecs, Timeout: uint32(leaseTimeout.Seconds())}
	req := request.New(ch, logName, selfName, cmd, request.FlagClientSubscr|request.FlagPersist, log)
	req.NextRecno = start
	req.Remaining = nrecs
	req.SubLastActivity = time.Now()
	req.SubTimeout = leaseTimeout

	var target atomic.Pointer[ClientSub]
	req.PushFunc = func(msg *proto.Message, l5seq uint16) {
		if cs := target.Load(); cs != nil {
			cs.DeliverClientEvent(msg, l5seq)
		}
	}
	req.Unlock()

	_, status := req.Invoke(ctx, encode, request.Options{Timeout: 10 * time.Second, Retries: 2, RetryDelay: 100 * time.Millisecond})
	if status != nil && !status.IsOK() {
		return nil, status
	}

	cs := &ClientSub{
		Req:         req,
		LogName:     logName,
		SelfName:    selfName,
		Ch:          ch,
		Encode:      encode,
		Queue:       event.NewQueue(active, 0, 0),
		nrecsTotal:  nrecs,
		lastRefresh: time.Now(),
	}
	target.Store(cs)
	return cs, nil
}

// DeliverClientEvent translates one received AckContent/AckEndOfResults
// message into an event.Event and inserts it into cs's reorder queue.
// It's the client dispatch half of §4.F's ack processing for
// subscriptions.
func (cs *ClientSub) DeliverClientEvent(msg *proto.Message, l5seq uint16) {
	cs.mu.Lock()
	cs.lastRefresh = time.Now()
	cs.mu.Unlock()

	switch body := msg.Body.(type) {
	case proto.AckContentBody:
		for _, raw := range body.Datums {
			ev := &event.Event{Type: event.TypeData, Handle: cs.LogName, Seqno: l5seq, Datum: &datum.Datum{Payload: raw}}
			cs.Queue.Insert(ev)
			cs.mu.Lock()
			cs.nrecsSeen++
			cs.mu.Unlock()
		}
	case proto.AckEndOfResultsBody:
		ev := &event.Event{Type: event.TypeDone, Handle: cs.LogName, Seqno: l5seq}
		cs.Queue.Insert(ev)
		cs.Queue.Flush()
	}
}

// NeedsRefresh reports whether cs has been idle long enough (per
// DefaultRefreshRatio of its lease) that the poker should reissue the
// subscribe command.
func (cs *ClientSub) NeedsRefresh(now time.Time) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Req.SubTimeout == 0 {
		return false
	}
	refreshAfter := cs.Req.SubTimeout / DefaultRefreshRatio
	return now.Sub(cs.lastRefresh) >= refreshAfter
}

// Refresh reissues the subscribe command starting from the first
// record not yet seen, reusing the same rid so the server treats it
// as a lease refresh rather than a new subscription.
func (cs *ClientSub) Refresh(ctx context.Context) *gdperr.Status {
	cs.mu.Lock()
	start := cs.Req.NextRecno + cs.nrecsSeen
	remaining := int64(0)
	if cs.nrecsTotal != 0 {
		remaining = cs.nrecsTotal - cs.nrecsSeen
	}
	cs.mu.Unlock()

	cs.Req.Cmd = proto.SubscribeByRecnoCmd{Start: start, NRecs: remaining, Timeout: uint32(cs.Req.SubTimeout.Seconds())}
	_, status := cs.Req.Invoke(ctx, cs.Encode, request.Options{Timeout: 10 * time.Second, Retries: 1, RetryDelay: 50 * time.Millisecond})
	cs.mu.Lock()
	cs.lastRefresh = time.Now()
	cs.mu.Unlock()
	return status
}

// Unsubscribe sends CmdUnsubscribe for cs and releases its request.
func (cs *ClientSub) Unsubscribe(ctx context.Context) *gdperr.Status {
	cs.Req.Cmd = proto.UnsubscribeCmd{}
	_, status := cs.Req.Invoke(ctx, cs.Encode, request.Options{Timeout: 5 * time.Second})
	request.Free(cs.Req)
	return status
}

// Poker periodically scans a registry of client subscriptions,
// refreshing any whose lease is going stale. It satisfies
// workgroup.Member.
type Poker struct {
	mu    sync.Mutex
	subs  map[*ClientSub]struct{}
	Every time.Duration

	logrus.FieldLogger
}

// NewPoker returns a Poker that wakes every interval (DefaultPokeInterval
// if zero).
func NewPoker(interval time.Duration, log logrus.FieldLogger) *Poker {
	if interval == 0 {
		interval = DefaultPokeInterval
	}
	return &Poker{subs: make(map[*ClientSub]struct{}), Every: interval, FieldLogger: log}
}

// Register adds cs to the poker's registry.
func (p *Poker) Register(cs *ClientSub) {
	p.mu.Lock()
	p.subs[cs] = struct{}{}
	p.mu.Unlock()
}

// Unregister removes cs from the poker's registry.
func (p *Poker) Unregister(cs *ClientSub) {
	p.mu.Lock()
	delete(p.subs, cs)
	p.mu.Unlock()
}

// Run wakes every p.Every and refreshes stale subscriptions until ctx
// is canceled.
func (p *Poker) Run(ctx context.Context) error {
	t := time.NewTicker(p.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			p.mu.Lock()
			due := make([]*ClientSub, 0, len(p.subs))
			for cs := range p.subs {
				if cs.NeedsRefresh(now) {
					due = append(due, cs)
				}
			}
			p.mu.Unlock()

			for _, cs := range due {
				if status := cs.Refresh(ctx); status != nil && !status.IsOK() {
					p.WithError(status).Warn("subscription refresh failed")
				}
			}
		}
	}
}

// ServerSub is the server-side standing state for one subscriber's
// request, tracked alongside request.Request's generic fields.
type ServerSub struct {
	Req      *request.Request
	SelfName [32]byte
	DstName  [32]byte
	Ch       channel.Sender
	Encode   func(proto.Body) ([]byte, error)

	leaseStart time.Time
	timeout    time.Duration
}

// NewServerSub wires a freshly dispatched CmdSubscribeByRecno into a
// standing server-side request bound to obj's request list.
func NewServerSub(req *request.Request, obj *logobj.Object, selfName [32]byte, ch channel.Sender, encode func(proto.Body) ([]byte, error), leaseTimeout time.Duration) *ServerSub {
	req.Flags |= request.FlagServerSubscr | request.FlagPersist
	req.SubLastActivity = time.Now()
	req.SubTimeout = leaseTimeout
	obj.AddRequest(req)
	return &ServerSub{Req: req, SelfName: selfName, DstName: req.Peer, Ch: ch, Encode: encode, leaseStart: time.Now(), timeout: leaseTimeout}
}

// Expired reports whether the lease has elapsed since the request's
// last refresh.
func (s *ServerSub) Expired(now time.Time) bool {
	if s.timeout == 0 {
		return false
	}
	return now.Sub(s.Req.SubLastActivity) > s.timeout
}

// OnAppend is called once per successful append with the new datum;
// it walks obj's request list and, for every live server-side
// subscription, synthesizes and sends an AckContent, and on reaching
// the requested count sends AckEndOfResults and retires the request.
func OnAppend(ctx context.Context, obj *logobj.Object, d *datum.Datum, selfName [32]byte, encode func(proto.Body) ([]byte, error)) {
	now := time.Now()
	for _, req := range obj.Requests() {
		req.Lock()
		isServerSub := req.Flags&request.FlagServerSubscr != 0
		if !isServerSub {
			req.Unlock()
			continue
		}
		if req.SubTimeout != 0 && now.Sub(req.SubLastActivity) > req.SubTimeout {
			req.Unlock()
			obj.RemoveRequest(req)
			continue
		}
		if d.Recno < req.NextRecno {
			req.Unlock()
			continue
		}

		payload, err := encode(proto.AckContentBody{Datums: [][]byte{d.Encode()}})
		ch := req.ChannelSender()
		req.NextRecno++
		if req.Remaining > 0 {
			req.Remaining--
		}
		done := req.Remaining == 0 && req.Flags&request.FlagServerSubscr != 0 && wasBounded(req)
		req.Unlock()

		if err != nil || ch == nil {
			continue
		}
		_ = ch.Send(ctx, selfName, req.Peer, payload, true)

		if done {
			if eor, err := encode(proto.AckEndOfResultsBody{}); err == nil {
				_ = ch.Send(ctx, selfName, req.Peer, eor, true)
			}
			obj.RemoveRequest(req)
			request.Free(req)
		}
	}
}

func wasBounded(req *request.Request) bool {
	if cmd, ok := req.Cmd.(proto.SubscribeByRecnoCmd); ok {
		return cmd.NRecs != 0
	}
	return false
}

// ReclaimServerSubs walks every cached log object and drops any
// server-side subscription whose lease has expired without a new
// append to trigger OnAppend's own expiry check — the periodic,
// append-independent half of the subscription lease sweep.
func ReclaimServerSubs(cache *logobj.Cache) (reclaimed int) {
	now := time.Now()
	cache.Range(func(name [32]byte, obj *logobj.Object) {
		for _, req := range obj.Requests() {
			req.Lock()
			expired := req.Flags&request.FlagServerSubscr != 0 && req.SubTimeout != 0 && now.Sub(req.SubLastActivity) > req.SubTimeout
			req.Unlock()
			if !expired {
				continue
			}
			obj.RemoveRequest(req)
			request.Free(req)
			reclaimed++
		}
	})
	return reclaimed
}
