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

// Package httpsvc provides a small HTTP/1.x service compatible with
// workgroup.Member, used by logd to expose /metrics, /debug, and /healthz.
package httpsvc

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is an HTTP/1.x endpoint run as a workgroup.Member.
type Service struct {
	Addr string
	Port int

	logrus.FieldLogger
	http.ServeMux
}

// Start runs the HTTP server until ctx is canceled.
func (svc *Service) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil && err != http.ErrServerClosed {
			svc.WithError(err).Error("terminated HTTP server with error")
		} else {
			svc.Info("stopped HTTP server")
			err = nil
		}
	}()

	s := http.Server{
		Addr:           net.JoinHostPort(svc.Addr, strconv.Itoa(svc.Port)),
		Handler:        &svc.ServeMux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Minute, // allow for long trace requests
		MaxHeaderBytes: 1 << 11,         // 2kb should be enough for anyone
	}

	go func() {
		// wait for stop signal from group.
		<-ctx.Done()

		// shutdown the server with 5 seconds grace.
		ctx := context.Background()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx) // ignored, will always be a cancellation error
	}()

	svc.WithField("address", s.Addr).Info("started HTTP server")
	return s.ListenAndServe()
}
