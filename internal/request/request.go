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

// Package request implements one Request per in-flight or standing
// operation: it drives the synchronous send/wait/dispatch round trip
// for invoke()-style commands, and stays alive past its first response
// for persistent operations like subscriptions. Requests are recycled
// through a per-process free list rather than individually garbage
// collected, mirroring the bounded-allocation discipline of the rest
// of the core.
package request

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/channel"
	"github.com/gdp-project/gdp/internal/gdperr"
	"github.com/gdp-project/gdp/internal/proto"
)

// State is a Request's position in its lifecycle.
type State int

const (
	StateFree State = iota
	StateActive
	StateWaiting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateActive:
		return "Active"
	case StateWaiting:
		return "Waiting"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Flags modify a Request's behavior.
type Flags uint32

const (
	// FlagPersist marks a request (typically a subscription) that
	// should survive past its first response instead of completing
	// and returning to the free list.
	FlagPersist Flags = 1 << iota
	// FlagAllocRid forces allocation of a fresh request id even for
	// commands that would otherwise use the "no rid" sentinel.
	FlagAllocRid
	// FlagRouteFail surfaces a NakRouterNoRoute immediately instead
	// of consuming a retry.
	FlagRouteFail
	// FlagClientSubscr marks a client-side standing subscription.
	FlagClientSubscr
	// FlagServerSubscr marks a server-side standing subscription
	// entry linked onto a log's request list.
	FlagServerSubscr
)

// NoRid is the sentinel request id meaning "this command carries no
// correlation id" (fire-and-forget commands).
const NoRid uint32 = 0

// anyRid is reserved and skipped when the allocator wraps.
const anyRid uint32 = 0xFFFFFFFF

// Request is one in-flight or standing protocol operation.
type Request struct {
	mu     sync.Mutex
	notify chan struct{} // replaced each time a waiter starts waiting

	State State
	Flags Flags

	LogName [32]byte
	Rid     uint32
	SelfName [32]byte

	// Peer is the address frames should be sent back to. For
	// client-built requests (New) it's the same as LogName, since the
	// client always addresses its own commands to the log. For
	// server-built requests (NewServer) it's the originating frame's
	// src, captured at dispatch time so a standing subscription can
	// still find its subscriber long after the triggering frame has
	// been handled and discarded.
	Peer [32]byte

	Cmd      proto.Body
	Response *proto.Message
	RespErr  *gdperr.Status

	// Subscription bookkeeping, set only when Flags has a *Subscr bit.
	NextRecno       int64
	Remaining       int64 // 0 means unbounded
	SeqNext         uint16
	SubLastActivity time.Time
	SubTimeout      time.Duration

	// PushFunc, when set, receives every message the client dispatcher
	// routes to this request's rid after recognizing it as standing
	// subscription content (AckContentBody/AckEndOfResultsBody) rather
	// than a direct reply to a waiting Invoke. Only meaningful for
	// client-built, FlagPersist requests; see Route.
	PushFunc func(msg *proto.Message, l5seq uint16)

	channel channel.Sender

	logrus.FieldLogger
}

func (r *Request) Lock()   { r.mu.Lock() }
func (r *Request) Unlock() { r.mu.Unlock() }

// ChannelSender returns the channel r was created to send over, so
// server-side subscription fan-out (which holds req's lock, not the
// channel's) can emit frames without reaching into an unexported
// field from another package.
func (r *Request) ChannelSender() channel.Sender { return r.channel }

// freeList is the per-process pool of recycled Requests.
type freeList struct {
	mu   sync.Mutex
	free []*Request

	ridMu  sync.Mutex
	nextID uint32
}

var globalFreeList = &freeList{nextID: 1}

func (fl *freeList) get() *Request {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n := len(fl.free)
	if n == 0 {
		return &Request{}
	}
	r := fl.free[n-1]
	fl.free[n-1] = nil
	fl.free = fl.free[:n-1]
	return r
}

func (fl *freeList) put(r *Request) {
	r.mu.Lock()
	if r.State != StateDone && r.State != StateFree {
		r.mu.Unlock()
		panic("request: freeing a request that is not Done")
	}
	*r = Request{}
	r.State = StateFree
	r.mu.Unlock()

	fl.mu.Lock()
	fl.free = append(fl.free, r)
	fl.mu.Unlock()
}

// allocRid returns the next monotonically increasing request id,
// skipping the reserved "any" sentinel and zero (NoRid) on wrap.
func (fl *freeList) allocRid() uint32 {
	fl.ridMu.Lock()
	defer fl.ridMu.Unlock()
	id := fl.nextID
	fl.nextID++
	if fl.nextID == anyRid || fl.nextID == NoRid {
		fl.nextID = 1
	}
	return id
}

// New takes a Request from the free list (or allocates one), assigns
// it a request id per flags, and attaches cmd as its outbound body.
// The returned Request is locked; callers must Unlock it.
func New(ch channel.Sender, logName, selfName [32]byte, cmd proto.Body, flags Flags, log logrus.FieldLogger) *Request {
	r := globalFreeList.get()
	r.mu.Lock()

	r.State = StateActive
	r.Flags = flags
	r.LogName = logName
	r.SelfName = selfName
	r.Peer = logName
	r.Cmd = cmd
	r.channel = ch
	r.FieldLogger = log

	if flags&FlagAllocRid != 0 || flags&FlagPersist != 0 || proto.IsAcknowledged(cmd.Code()) {
		r.Rid = globalFreeList.allocRid()
		registerClient(r)
	} else {
		r.Rid = NoRid
	}

	return r
}

// NewServer builds a Request for a command PDU received off the wire,
// reusing the sender's rid verbatim rather than allocating a fresh one
// -- the response must echo the same rid so the sender's Invoke can
// match it. peer is the frame's src, kept on the request so a standing
// subscription can address later pushes back to the client that asked
// for them. Used by the server-side dispatch path; client-initiated
// requests use New instead.
func NewServer(ch channel.Sender, logName, selfName, peer [32]byte, rid uint32, cmd proto.Body, flags Flags, log logrus.FieldLogger) *Request {
	r := globalFreeList.get()
	r.mu.Lock()

	r.State = StateActive
	r.Flags = flags
	r.LogName = logName
	r.SelfName = selfName
	r.Peer = peer
	r.Rid = rid
	r.Cmd = cmd
	r.channel = ch
	r.FieldLogger = log

	return r
}

// Free returns r to the free list. r must not be locked by the
// caller; Free acquires and releases the lock itself while
// validating state.
func Free(r *Request) {
	r.mu.Lock()
	r.State = StateDone
	rid := r.Rid
	r.mu.Unlock()
	unregisterClient(rid)
	globalFreeList.put(r)
}

// clientReqs correlates an outstanding client-built request's rid back
// to the Request so a channel's RecvFunc can deliver a response (or
// route standing subscription content) without threading the Request
// through the transport layer itself. Populated by New, cleared by
// Free; server-built requests (NewServer) never enter it since the
// server dispatches by the frame it just received, not by recall.
var clientReqs = struct {
	mu sync.Mutex
	m  map[uint32]*Request
}{m: make(map[uint32]*Request)}

func registerClient(r *Request) {
	if r.Rid == NoRid {
		return
	}
	clientReqs.mu.Lock()
	clientReqs.m[r.Rid] = r
	clientReqs.mu.Unlock()
}

func unregisterClient(rid uint32) {
	if rid == NoRid {
		return
	}
	clientReqs.mu.Lock()
	delete(clientReqs.m, rid)
	clientReqs.mu.Unlock()
}

// Lookup returns the client-built request currently registered under
// rid, if any.
func Lookup(rid uint32) (*Request, bool) {
	clientReqs.mu.Lock()
	defer clientReqs.mu.Unlock()
	r, ok := clientReqs.m[rid]
	return r, ok
}

// isPushBody reports whether body is the shape a standing subscription
// uses to stream content (as opposed to the one-shot AckContentBody a
// plain read command's Invoke is directly waiting on).
func isPushBody(body proto.Body) bool {
	switch body.(type) {
	case proto.AckContentBody, proto.AckEndOfResultsBody:
		return true
	default:
		return false
	}
}

// Route delivers one received message to the client-built request
// registered for msg.Rid. A FlagPersist (subscription) request only
// ever gets AckSuccessBody as its direct Invoke reply -- the server
// sends its content as separate AckContentBody/AckEndOfResultsBody
// frames on the same rid, which Route hands to the request's PushFunc
// instead, since nothing is necessarily waiting on it at the time it
// arrives. A plain (non-persistent) request always goes through
// Deliver, AckContentBody included -- that's the direct reply a read
// command's Invoke is waiting on. It reports whether a registered
// request was found.
func Route(msg *proto.Message, l5seq uint16, status *gdperr.Status) bool {
	if msg.Rid == nil {
		return false
	}
	req, ok := Lookup(*msg.Rid)
	if !ok {
		return false
	}

	req.mu.Lock()
	persistent := req.Flags&FlagPersist != 0
	req.mu.Unlock()

	if persistent && isPushBody(msg.Body) {
		req.mu.Lock()
		push := req.PushFunc
		req.mu.Unlock()
		if push != nil {
			push(msg, l5seq)
		}
		return true
	}

	req.Deliver(msg, status)
	return true
}

// Options configures Invoke's retry/timeout behavior.
type Options struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// DefaultOptions mirrors the configuration defaults for
// swarm.gdp.invoke.{timeout,retries,retrydelay}.
var DefaultOptions = Options{
	Timeout:    10 * time.Second,
	Retries:    3,
	RetryDelay: 100 * time.Millisecond,
}

// Invoke performs a synchronous round trip: encode and send r's
// command, block until a response is delivered (via Deliver) or the
// timeout elapses, and on timeout or a no-route nak with retries
// remaining, resend. It returns the final response body and status.
func (r *Request) Invoke(ctx context.Context, encode func(proto.Body) ([]byte, error), opts Options) (proto.Body, *gdperr.Status) {
	if opts.Timeout == 0 {
		opts = DefaultOptions
	}

	attempt := 0
	for {
		payload, err := encode(r.Cmd)
		if err != nil {
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailMsgFormat, err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		sendErr := r.channel.Send(sendCtx, r.SelfName, r.LogName, payload, proto.IsAcknowledged(r.Cmd.Code()))
		cancel()
		if sendErr != nil {
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailPduWriteFail, sendErr)
		}

		resp, status, timedOut := r.waitForResponse(opts.Timeout)

		switch {
		case !timedOut && status != nil && status.Detail == gdperr.DetailNoRoute && r.Flags&FlagRouteFail == 0 && attempt < opts.Retries:
			attempt++
			time.Sleep(opts.RetryDelay)
			continue
		case timedOut && attempt < opts.Retries:
			attempt++
			time.Sleep(opts.RetryDelay)
			continue
		case timedOut:
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailInvokeTimeout, nil)
		default:
			return resp, status
		}
	}
}

// waitForResponse blocks until Deliver is called on r or timeout
// elapses.
func (r *Request) waitForResponse(timeout time.Duration) (proto.Body, *gdperr.Status, bool) {
	r.mu.Lock()
	if r.State == StateActive && (r.Response != nil || r.RespErr != nil) {
		// Deliver already raced ahead of us (e.g. an immediate
		// loopback response); don't wait at all.
		resp, status := r.result()
		r.mu.Unlock()
		return resp, status, false
	}
	r.State = StateWaiting
	ch := make(chan struct{})
	r.notify = ch
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		r.mu.Lock()
		resp, status := r.result()
		r.mu.Unlock()
		return resp, status, false
	case <-timer.C:
		return nil, nil, true
	}
}

func (r *Request) result() (proto.Body, *gdperr.Status) {
	var body proto.Body
	if r.Response != nil {
		body = r.Response.Body
	}
	return body, r.RespErr
}

// Deliver stores resp (and/or a terminal status) into r and wakes any
// Invoke waiting on it. Called by the client dispatcher once a
// response PDU has been matched to r by its rid (Route does not
// compare the sender's name).
func (r *Request) Deliver(resp *proto.Message, status *gdperr.Status) {
	r.mu.Lock()
	r.Response = resp
	r.RespErr = status
	r.State = StateActive
	ch := r.notify
	r.notify = nil
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Handler processes one received command PDU server-side and fills
// in a response. Returning a non-OK status causes the dispatcher to
// synthesize the matching nak.
type Handler func(ctx context.Context, req *Request) (proto.Body, *gdperr.Status)

// Dispatcher routes received command PDUs to registered Handlers by
// command code.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[proto.CommandCode]Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[proto.CommandCode]Handler)}
}

// Register binds code to fn. Registering the same code twice replaces
// the previous handler.
func (d *Dispatcher) Register(code proto.CommandCode, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[code] = fn
}

// Dispatch runs the handler registered for req.Cmd.Code(), or returns
// NakNotImpl if none is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (proto.Body, *gdperr.Status) {
	d.mu.RLock()
	fn, ok := d.handlers[req.Cmd.Code()]
	d.mu.RUnlock()
	if !ok {
		return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailNotImplemented,
			errors.Errorf("no handler registered for command %d", req.Cmd.Code()))
	}
	return fn(ctx, req)
}
