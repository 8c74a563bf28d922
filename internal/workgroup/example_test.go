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

package workgroup_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gdp-project/gdp/internal/workgroup"
)

func ExampleGroup_Run() {
	var g workgroup.Group

	g.Add("a", func(ctx context.Context) error {
		defer fmt.Println("A stopped")
		<-time.After(100 * time.Millisecond)
		return fmt.Errorf("timed out")
	})

	g.Add("b", func(ctx context.Context) error {
		defer fmt.Println("B stopped")
		<-ctx.Done()
		return nil
	})

	err := g.Run(context.Background())
	fmt.Println(err)

	// Output:
	// A stopped
	// B stopped
	// timed out
}

func ExampleGroup_Run_withShutdown() {
	var g workgroup.Group

	shutdown := make(chan time.Time)
	g.Add("a", func(context.Context) error {
		<-shutdown
		return fmt.Errorf("shutdown")
	})

	g.Add("b", func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("terminated")
	})

	go func() {
		shutdown <- <-time.After(100 * time.Millisecond)
	}()

	err := g.Run(context.Background())
	fmt.Println(err)

	// Output:
	// shutdown
}

func ExampleGroup_Run_multipleListeners() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "Hello, HTTP!")
	})

	var g workgroup.Group

	// listen on port 80
	g.Add("http", func(ctx context.Context) error {
		l, err := net.Listen("tcp", ":80") // nolint:gosec
		if err != nil {
			return err
		}

		go func() {
			<-ctx.Done()
			l.Close()
		}()
		return http.Serve(l, mux)
	})

	// listen on port 443
	g.Add("https", func(ctx context.Context) error {
		l, err := net.Listen("tcp", ":443") // nolint:gosec
		if err != nil {
			return err
		}

		go func() {
			<-ctx.Done()
			l.Close()
		}()
		return http.Serve(l, mux)
	})

	g.Run(context.Background()) // nolint:errcheck
}
