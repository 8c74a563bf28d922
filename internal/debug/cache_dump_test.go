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

package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	snap []ObjectInfo
}

func (f fakeInspector) Snapshot() []ObjectInfo { return f.snap }

func TestRegisterCacheDumpServesSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	registerCacheDump(mux, fakeInspector{snap: []ObjectInfo{
		{Name: "edda.deadbeef", RefCount: 2, Requests: 7, Dirty: true, LastUseAgo: "3s"},
	}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/cache", nil)
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got []ObjectInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "edda.deadbeef", got[0].Name)
	require.EqualValues(t, 2, got[0].RefCount)
	require.True(t, got[0].Dirty)
}

func TestServiceStartWithoutCacheSkipsDumpEndpoint(t *testing.T) {
	svc := &Service{}
	registerProfile(&svc.ServeMux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/cache", nil)
	svc.ServeMux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
