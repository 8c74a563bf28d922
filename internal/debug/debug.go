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

// Package debug provides http endpoints for pprof profiling and an
// object cache snapshot, so a SIGQUIT/SIGABRT handler (or an operator
// poking at logd in the field) can see what's resident without
// attaching a debugger.
package debug

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/gdp-project/gdp/internal/httpsvc"
)

// Service serves various http endpoints including /debug/pprof and
// /debug/cache.
type Service struct {
	httpsvc.Service

	// Cache is consulted for /debug/cache. Nil disables the endpoint.
	Cache CacheInspector
}

// Start fulfills the workgroup.Member contract.
func (svc *Service) Start(ctx context.Context) error {
	registerProfile(&svc.ServeMux)
	if svc.Cache != nil {
		registerCacheDump(&svc.ServeMux, svc.Cache)
	}
	return svc.Service.Start(ctx)
}

func registerProfile(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
}
