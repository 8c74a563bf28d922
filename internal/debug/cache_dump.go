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
)

// ObjectInfo is a snapshot of one entry in the object cache, named and
// shaped after the GOB cache bookkeeping fields kept per log object:
// reference count, dirty bit, and LRU recency.
type ObjectInfo struct {
	Name       string `json:"name"`
	RefCount   int32  `json:"refcount"`
	Requests   int    `json:"requests"`
	Dirty      bool   `json:"dirty"`
	LastUseAgo string `json:"last_use_ago"`
}

// CacheInspector exposes only the read-only snapshot aspect of the
// object cache, so this package never imports the cache's package and
// the two can be tested independently.
type CacheInspector interface {
	Snapshot() []ObjectInfo
}

func registerCacheDump(mux *http.ServeMux, cache CacheInspector) {
	mux.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		snap := cache.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
