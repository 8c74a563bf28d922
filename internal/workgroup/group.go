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

// Package workgroup controls the lifetime of the goroutines that make up
// a logd process: the channel event loop, the advertise pacer, the cache
// and subscription reclaimers, the config watcher, the HTTP service and
// the signal handler all run as members of one Group so that a single
// signal stops all of them. Members are canceled together, in no
// particular order.
package workgroup

import (
	"context"
	"sync"
)

// Member is a unit of work run by a Group. It receives a context that is
// canceled when any other Member returns, and should exit promptly once
// ctx.Done() fires.
type Member func(ctx context.Context) error

// A Group manages a set of goroutines with related lifetimes. The zero
// value is ready to use.
type Group struct {
	mu      sync.Mutex
	members []namedMember
}

type namedMember struct {
	name string
	fn   Member
}

// Add registers fn to run in its own goroutine when Run is called.
// Add must be called before Run.
func (g *Group) Add(name string, fn Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, namedMember{name: name, fn: fn})
}

// AddFunc adapts a plain func(context.Context) into a Member that always
// returns nil, for fire-and-forget loops that only stop via ctx.Done().
func (g *Group) AddFunc(name string, fn func(ctx context.Context)) {
	g.Add(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Run executes every registered Member in its own goroutine derived from
// parent, and blocks until all of them have returned. The first Member to
// return cancels the derived context, which every other Member observes
// via ctx.Done(); Run returns that first Member's return value, which
// may be nil.
func (g *Group) Run(parent context.Context) error {
	g.mu.Lock()
	members := g.members
	g.mu.Unlock()

	if len(members) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(len(members))

	result := make(chan error, len(members))
	for _, m := range members {
		go func(m namedMember) {
			defer wg.Done()
			result <- m.fn(ctx)
		}(m)
	}

	defer wg.Wait()
	defer cancel()
	return <-result
}
