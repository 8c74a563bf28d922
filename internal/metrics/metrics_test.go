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

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAndServes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.CacheHits.Inc()
	m.Appends.WithLabelValues("logA").Inc()
	m.Appends.WithLabelValues("logA").Inc()

	mf, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mf)

	var appends *dto.MetricFamily
	for _, f := range mf {
		if f.GetName() == AppendsTotal {
			appends = f
		}
	}
	require.NotNil(t, appends, "expected %s to be registered", AppendsTotal)
	require.Len(t, appends.Metric, 1)
	require.Equal(t, float64(2), appends.Metric[0].Counter.GetValue())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(registry).ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}
