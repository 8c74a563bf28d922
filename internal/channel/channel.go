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

// Package channel is the single logical connection to the routing
// layer that the request and subscription layers send frames through.
// The interface is deliberately narrow: the router's own advertising
// and forwarding behavior is an external collaborator, not something
// this core implements. Chan is the concrete adapter, carrying frames
// over a websocket so the core is exercisable without a real router
// process.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/proto"
)

// EventFlag is a bit in the set passed to an EventFunc.
type EventFlag uint8

const (
	EventConnected EventFlag = 1 << iota
	EventEOF
	EventError
	EventUserClose
)

// RecvFunc is invoked for every frame the adapter reads off the wire.
type RecvFunc func(src, dst [32]byte, seqno uint32, payload []byte)

// EventFunc is invoked on connection lifecycle transitions.
type EventFunc func(flags EventFlag)

// RouterFunc is invoked when the router itself reports that it could
// not deliver a frame. The adapter calls it directly with the frame's
// addresses; it does not build a NakRouterNoRoute message and passes
// nothing to RecvFunc for such a frame.
type RouterFunc func(src, dst [32]byte, payloadLen int, status error)

// Sender is the narrow surface the request and subscription layers
// need: enough to emit a framed message and nothing about how frames
// arrive.
type Sender interface {
	Send(ctx context.Context, src, dst [32]byte, payload []byte, reliable bool) error
}

// Chan is a single logical connection to a router, backed by a
// websocket transport. The zero value is not usable; construct with
// Open.
type Chan struct {
	logrus.FieldLogger

	routerAddr string
	conn       *websocket.Conn

	recvCB   RecvFunc
	eventCB  EventFunc
	routerCB RouterFunc

	writeMu sync.Mutex

	advertiseMu sync.Mutex
	advertised  map[[32]byte]struct{}
	pendingAdv  [][32]byte
	pendingWd   [][32]byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Sender = (*Chan)(nil)

// Open dials routerAddr and begins reading frames in a background
// goroutine, delivering them through recvCB/eventCB/routerCB.
func Open(routerAddr string, log logrus.FieldLogger, recvCB RecvFunc, eventCB EventFunc, routerCB RouterFunc) (*Chan, error) {
	conn, _, err := websocket.DefaultDialer.Dial(routerAddr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial router")
	}

	// Each dial gets its own identifier so log lines from concurrent
	// or successive connections to the same router can be told apart.
	connID := uuid.New()
	c := &Chan{
		FieldLogger: log.WithField("conn", connID.String()),
		routerAddr:  routerAddr,
		conn:        conn,
		recvCB:      recvCB,
		eventCB:     eventCB,
		routerCB:    routerCB,
		advertised:  make(map[[32]byte]struct{}),
		closed:      make(chan struct{}),
	}

	go c.readLoop()
	if eventCB != nil {
		eventCB(EventConnected)
	}
	return c, nil
}

func (c *Chan) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.eventCB != nil {
				if websocket.IsUnexpectedCloseError(err) {
					c.eventCB(EventError)
				} else {
					c.eventCB(EventEOF)
				}
			}
			return
		}

		h, payload, err := proto.DecodeFrame(data)
		if err != nil {
			c.WithError(err).Warn("discarding malformed frame")
			continue
		}

		switch h.Type {
		case proto.FrameNoRoute:
			if c.routerCB != nil {
				c.routerCB(h.Src, h.Dst, len(payload), errors.New("no route to destination"))
			}
		default:
			if c.recvCB != nil {
				c.recvCB(h.Src, h.Dst, h.SeqFrag, payload)
			}
		}
	}
}

// Send frames payload and writes it to the underlying connection.
// reliable sets the router header's reliable flag (acknowledged
// commands set it; fire-and-forget ones don't).
func (c *Chan) Send(ctx context.Context, src, dst [32]byte, payload []byte, reliable bool) error {
	h := proto.Header{
		Version:  1,
		Type:     proto.FrameRegular,
		Reliable: reliable,
		TTL:      32,
		Dst:      dst,
		Src:      src,
	}
	wire, err := proto.EncodeFrame(h, payload)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, wire)
}

// Advertise queues name to be announced to the router on the next
// AdvertFlush. Advertisements are batched so a burst of log opens
// doesn't produce one frame per name.
func (c *Chan) Advertise(name [32]byte) {
	c.advertiseMu.Lock()
	defer c.advertiseMu.Unlock()
	if _, ok := c.advertised[name]; ok {
		return
	}
	for _, p := range c.pendingAdv {
		if p == name {
			return
		}
	}
	c.pendingAdv = append(c.pendingAdv, name)
}

// Withdraw queues name to be withdrawn on the next AdvertFlush.
func (c *Chan) Withdraw(name [32]byte) {
	c.advertiseMu.Lock()
	defer c.advertiseMu.Unlock()
	delete(c.advertised, name)
	c.pendingWd = append(c.pendingWd, name)
}

// AdvertFlush sends one CmdAdvertise/CmdWithdraw frame per queued
// name and clears the queues.
func (c *Chan) AdvertFlush(ctx context.Context, selfName [32]byte) error {
	c.advertiseMu.Lock()
	adv, wd := c.pendingAdv, c.pendingWd
	c.pendingAdv, c.pendingWd = nil, nil
	for _, n := range adv {
		c.advertised[n] = struct{}{}
	}
	c.advertiseMu.Unlock()

	for _, n := range adv {
		if err := c.sendControl(ctx, selfName, proto.CmdAdvertiseBody{Name: n}); err != nil {
			return err
		}
	}
	for _, n := range wd {
		if err := c.sendControl(ctx, selfName, proto.CmdWithdrawBody{Name: n}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chan) sendControl(ctx context.Context, selfName [32]byte, body proto.Body) error {
	payload, err := proto.EncodeMessage(&proto.Message{SrcName: selfName, DstName: selfName, Body: body})
	if err != nil {
		return err
	}
	return c.Send(ctx, selfName, selfName, payload, false)
}

// Run adapts Chan's lifetime to workgroup.Member: it blocks until ctx
// is canceled or the connection drops, then closes the socket.
func (c *Chan) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-c.closed:
	}
	return c.Close()
}

// Close closes the underlying connection. Idempotent.
func (c *Chan) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		if c.eventCB != nil {
			c.eventCB(EventUserClose)
		}
	})
	return err
}
