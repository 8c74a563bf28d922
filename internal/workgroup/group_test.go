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

package workgroup

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupRunWithNoRegisteredMembers(t *testing.T) {
	var g Group
	got := g.Run(context.Background())
	assertErr(t, nil, got)
}

func TestGroupFirstReturnValueIsReturnedToRunsCaller(t *testing.T) {
	var g Group
	wait := make(chan int)
	g.Add("a", func(context.Context) error {
		<-wait
		return io.EOF
	})

	g.Add("b", func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("stopped")
	})

	result := make(chan error)
	go func() {
		result <- g.Run(context.Background())
	}()
	close(wait)
	assertErr(t, io.EOF, <-result)
}

func TestGroupAddFunc(t *testing.T) {
	var g Group
	wait := make(chan int)
	g.Add("a", func(context.Context) error {
		<-wait
		return io.EOF
	})

	g.AddFunc("b", func(ctx context.Context) {
		<-ctx.Done()
	})

	result := make(chan error)
	go func() {
		result <- g.Run(context.Background())
	}()
	close(wait)
	assertErr(t, io.EOF, <-result)
}

func TestGroupCancellation(t *testing.T) {
	var g Group
	ctx, cancel := context.WithCancel(context.Background())

	const members = 100
	var count int32

	for i := range members {
		g.Add("m", func(ctx context.Context) error {
			defer atomic.AddInt32(&count, 1)
			defer time.Sleep(time.Millisecond * time.Duration(i))
			<-ctx.Done()
			return nil
		})
	}

	done := make(chan error)
	go func() {
		done <- g.Run(ctx)
	}()

	cancel()
	<-done

	if got := atomic.LoadInt32(&count); got != members {
		t.Errorf("expected: %d, got: %d", members, got)
	}
}

func assertErr(t *testing.T, want, got error) {
	t.Helper()
	if want != got {
		t.Fatalf("expected: %v, got: %v", want, got)
	}
}
