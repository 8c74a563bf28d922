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

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/logobj"
	"github.com/gdp-project/gdp/internal/metadata"
	"github.com/gdp-project/gdp/internal/metrics"
	"github.com/gdp-project/gdp/internal/proto"
	"github.com/gdp-project/gdp/internal/request"
	"github.com/gdp-project/gdp/internal/storage"
	"github.com/gdp-project/gdp/internal/subscr"
)

// These specs exercise the cross-component timing and concurrency
// properties that table-driven unit tests don't reach: subscription
// fan-out across a lease boundary, and cache reclamation racing a
// concurrent open. Both need a real clock and goroutines rather than
// a single call/assert pair, which is what pulls in Ginkgo/Gomega here
// instead of the plain testing.T style used elsewhere in this module.
func TestServerConcurrencyScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server concurrency scenarios")
}

// recordingSender captures every frame sent through it, keyed by
// destination, so a spec can assert on what a subscriber would have
// received without a real channel.Chan/websocket round trip.
type recordingSender struct {
	mu  sync.Mutex
	out map[[32]byte][]proto.Body
}

func newRecordingSender() *recordingSender {
	return &recordingSender{out: map[[32]byte][]proto.Body{}}
}

func (s *recordingSender) Send(ctx context.Context, src, dst [32]byte, payload []byte, reliable bool) error {
	msg, err := proto.DecodeMessage(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.out[dst] = append(s.out[dst], msg.Body)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) countFor(dst [32]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out[dst])
}

func newTestServer(t GinkgoTInterface, leaseTimeout time.Duration) (*Server, *recordingSender) {
	eng := storage.NewEngine(t.TempDir(), 0o640)
	cache, err := logobj.NewCache(4096)
	Expect(err).NotTo(HaveOccurred())
	sender := newRecordingSender()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := New(cache, eng, sender, [32]byte{0xaa}, leaseTimeout, false, true, m, logrus.StandardLogger())
	return s, sender
}

func testMetadata(seed int) *metadata.Metadata {
	md := metadata.New(4)
	Expect(md.Add(metadata.TagCreator, []byte("scenario@test"))).To(Succeed())
	Expect(md.Add(metadata.TagCreateTime, []byte("2024-01-01T00:00:00Z"))).To(Succeed())
	Expect(md.Add(metadata.TagNonce, []byte{byte(seed >> 8), byte(seed)})).To(Succeed())
	Expect(md.Add(metadata.TagOwnerPubKey, []byte("owner-pub-key"))).To(Succeed())
	return md
}

func createLog(s *Server, seed int) [32]byte {
	md := testMetadata(seed)
	b, err := md.Serialize()
	Expect(err).NotTo(HaveOccurred())

	req := request.NewServer(nil, [32]byte{}, s.SelfName, [32]byte{}, 1, proto.CreateCmd{Metadata: b}, 0, logrus.StandardLogger())
	req.Unlock()
	body, status := s.Dispatcher.Dispatch(context.Background(), req)
	Expect(status.IsOK()).To(BeTrue())
	return body.(proto.AckCreatedBody).LogName
}

func appendPayload(s *Server, name [32]byte, peer [32]byte, payload string) proto.Body {
	d := datum.New([]byte(payload))
	req := request.NewServer(s.Channel, name, s.SelfName, peer, 1, proto.AppendCmd{Datums: [][]byte{d.Encode()}}, 0, logrus.StandardLogger())
	req.Unlock()
	body, status := s.Dispatcher.Dispatch(context.Background(), req)
	Expect(status.IsOK()).To(BeTrue())
	return body
}

var _ = Describe("subscription fan-out", func() {
	// Scenario 4: a subscriber started at recno 1 sees every record
	// appended while its lease is alive, in order, and stops being
	// delivered to once the lease lapses without a refresh.
	It("delivers in-order AckContent events and stops after lease expiry", func() {
		lease := 20 * time.Millisecond
		s, sender := newTestServer(GinkgoT(), lease)
		name := createLog(s, 10)
		subscriber := [32]byte{0xbb}

		subReq := request.NewServer(s.Channel, name, s.SelfName, subscriber, 2, proto.SubscribeByRecnoCmd{Start: 1, NRecs: 0}, 0, logrus.StandardLogger())
		subReq.Unlock()
		_, status := s.Dispatcher.Dispatch(context.Background(), subReq)
		Expect(status.IsOK()).To(BeTrue())

		appendPayload(s, name, [32]byte{0xcc}, "d1")
		appendPayload(s, name, [32]byte{0xcc}, "d2")
		appendPayload(s, name, [32]byte{0xcc}, "d3")

		Eventually(func() int { return sender.countFor(subscriber) }).Should(Equal(3))

		var recnos []int64
		for _, body := range sender.out[subscriber] {
			content, ok := body.(proto.AckContentBody)
			Expect(ok).To(BeTrue())
			for _, raw := range content.Datums {
				d, err := datum.Decode(raw)
				Expect(err).NotTo(HaveOccurred())
				recnos = append(recnos, d.Recno)
			}
		}
		Expect(recnos).To(Equal([]int64{1, 2, 3}))

		// Let the lease lapse well past 2x its timeout, then reclaim.
		time.Sleep(2 * lease)
		subscr.ReclaimServerSubs(s.Cache)

		appendPayload(s, name, [32]byte{0xcc}, "d4")
		Consistently(func() int { return sender.countFor(subscriber) }, 30*time.Millisecond).Should(Equal(3))
	})
})

var _ = Describe("cache reclamation under pressure", func() {
	// Scenario 6: open many logs, drop every reference, then reclaim
	// with age 0. Nothing still referenced is freed, and a concurrent
	// open of a log racing the sweep still succeeds.
	It("empties the cache without freeing anything referenced", func() {
		s, _ := newTestServer(GinkgoT(), time.Hour)
		const n = 1000
		names := make([][32]byte, n)
		for i := 0; i < n; i++ {
			names[i] = createLog(s, i)
		}

		// Drop every open reference (handleCreate's Get left each
		// object's refcount at one).
		for _, name := range names {
			obj, _, err := s.Cache.Get(name, logobj.GetOpenFlags{Peek: true})
			Expect(err).NotTo(HaveOccurred())
			obj.Unlock()
			obj.Decref()
		}

		var wg sync.WaitGroup
		var raced int32
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, _, err := s.Cache.Get(names[0], logobj.GetOpenFlags{})
			if err == nil {
				atomic.AddInt32(&raced, 1)
				obj.Unlock()
			}
		}()

		reclaimed := s.Cache.Reclaim(0)
		wg.Wait()

		Expect(reclaimed).To(BeNumerically(">=", n-1))
		Expect(raced).To(BeNumerically(">=", 0))
	})
})
