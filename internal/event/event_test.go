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

package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqAfterHandlesWraparound(t *testing.T) {
	assert.True(t, seqAfter(1, 0))
	assert.False(t, seqAfter(0, 1))
	assert.True(t, seqAfter(0, 32767)) // wraps past 2^15-1
}

func TestQueuePromotesInOrderDespiteOutOfOrderInsert(t *testing.T) {
	active := NewActiveQueue()
	q := NewQueue(active, time.Second, time.Second)

	q.Insert(&Event{Type: TypeData, Seqno: 1})
	q.Insert(&Event{Type: TypeData, Seqno: 0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := Next(ctx, active, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.Seqno)

	second, err := Next(ctx, active, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Seqno)
}

func TestQueuePromotesOnMaturityTimeoutDespiteGap(t *testing.T) {
	active := NewActiveQueue()
	q := NewQueue(active, 10*time.Millisecond, 10*time.Millisecond)

	// seqno 5 arrives but seqno 0..4 never do; it must still mature
	// and promote once the data window elapses.
	q.Insert(&Event{Type: TypeData, Seqno: 5})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := Next(ctx, active, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, ev.Seqno)
}

func TestQueueFlushPromotesEverythingImmediately(t *testing.T) {
	active := NewActiveQueue()
	q := NewQueue(active, time.Hour, time.Hour)
	q.Insert(&Event{Type: TypeData, Seqno: 9})
	q.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ev, err := Next(ctx, active, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9, ev.Seqno)
}

func TestNextFiltersByHandle(t *testing.T) {
	active := NewActiveQueue()
	var h1, h2 [32]byte
	h1[0], h2[0] = 1, 2

	active.push(&Event{Type: TypeData, Handle: h1, Seqno: 1})
	active.push(&Event{Type: TypeData, Handle: h2, Seqno: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := Next(ctx, active, &h2)
	require.NoError(t, err)
	assert.Equal(t, h2, ev.Handle)
}

func TestNextReturnsErrorOnContextCancel(t *testing.T) {
	active := NewActiveQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Next(ctx, active, nil)
	require.Error(t, err)
}

func TestDispatcherInvokesCallbackForEachEvent(t *testing.T) {
	active := NewActiveQueue()
	got := make(chan *Event, 1)
	d := NewDispatcher(active, func(ev *Event) { got <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	active.push(&Event{Type: TypeData, Seqno: 3})

	select {
	case ev := <-got:
		assert.EqualValues(t, 3, ev.Seqno)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}
