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

// Package logobj is the in-memory log object and its process-wide
// cache: a name-keyed map paired with an LRU list under one cache
// mutex, reference counted, reclaimed on a schedule. The lock order
// this package and its callers must respect is cache before object
// before request (see the request package), never the reverse.
package logobj

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/debug"
	"github.com/gdp-project/gdp/internal/gdperr"
	"github.com/gdp-project/gdp/internal/metadata"
	"github.com/gdp-project/gdp/internal/request"
	"github.com/gdp-project/gdp/internal/storage"
)

// Flags on an Object, mirroring the state bits a log object carries
// through its open/close/reclaim lifecycle.
type Flags uint16

const (
	FlagPending Flags = 1 << iota
	FlagInUse
	FlagDropping
	FlagSigning
	FlagVerifying
	FlagDeferFree
	FlagKeepLocked
)

// Object is one in-memory log, cached by name. Fields are protected by
// mu except refcnt, which is managed atomically-by-mutex through
// Incref/Decref to keep the accounting auditable.
type Object struct {
	mu sync.Mutex

	Name     [32]byte
	Metadata *metadata.Metadata
	NRecs    int64
	HashAlg  byte
	LastHash datum.Hash // hash chain tip, updated on each successful append
	Flags    Flags
	refcnt   int32
	requests int // count of requests currently bound to this object

	Storage *storage.Handle

	// reqs is the log's request list: every standing or in-flight
	// Request currently bound to this object, consulted by the
	// server-side subscription fan-out on each append and unwound on
	// request completion/unsubscribe.
	reqs []*request.Request

	lastUse time.Time
}

// AddRequest links req onto o's request list. Callers must hold req's
// lock per the lock order (object before request is not the case
// here: this only appends a pointer, it never blocks on req's mutex).
func (o *Object) AddRequest(req *request.Request) {
	o.mu.Lock()
	o.reqs = append(o.reqs, req)
	o.requests = len(o.reqs)
	o.mu.Unlock()
}

// RemoveRequest unlinks req from o's request list, used when a
// request completes or a subscription is canceled/expired.
func (o *Object) RemoveRequest(req *request.Request) {
	o.mu.Lock()
	for i, r := range o.reqs {
		if r == req {
			o.reqs = append(o.reqs[:i], o.reqs[i+1:]...)
			break
		}
	}
	o.requests = len(o.reqs)
	o.mu.Unlock()
}

// Requests returns a snapshot copy of o's current request list, safe
// to range over without holding o's lock.
func (o *Object) Requests() []*request.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*request.Request, len(o.reqs))
	copy(out, o.reqs)
	return out
}

// Lock/Unlock expose the object mutex to callers that must hold it
// across a multi-step operation (e.g. append followed by fan-out),
// honoring the KeepLocked convention instead of re-entrant locking.
func (o *Object) Lock()   { o.mu.Lock() }
func (o *Object) Unlock() { o.mu.Unlock() }

// Incref bumps the external reference count. Must be called with the
// cache's bookkeeping already accounted for (see Cache.Get).
func (o *Object) Incref() {
	o.mu.Lock()
	o.refcnt++
	o.mu.Unlock()
}

// Decref drops the external reference count. It never frees the
// object itself -- that's the cache's job during Get/reclaim -- it
// only reports whether the object is now referenced by nobody, which
// the caller combines with FlagDeferFree to decide whether to ask the
// cache to drop it immediately.
func (o *Object) Decref() (zero bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refcnt == 0 {
		return true
	}
	o.refcnt--
	return o.refcnt == 0
}

func (o *Object) Refcnt() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcnt
}

// GetFlags reports the flags, a Bool method is a smell so this is a
// plain read under the object mutex.
func (o *Object) GetFlags() Flags {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Flags
}

func (o *Object) SetFlags(f Flags) {
	o.mu.Lock()
	o.Flags |= f
	o.mu.Unlock()
}

func (o *Object) ClearFlags(f Flags) {
	o.mu.Lock()
	o.Flags &^= f
	o.mu.Unlock()
}

// GetOpenFlags describes why a caller is asking the cache for an
// object.
type GetOpenFlags struct {
	Create     bool // allocate a PENDING object on miss
	Peek       bool // do not bump refcount / touch LRU
	GetPending bool // accept an object still in PENDING state
}

// Cache is the name -> Object map paired with an LRU recency list
// (via golang-lru), both protected by mu. Lock order: mu before any
// Object's own mutex.
type Cache struct {
	mu      sync.Mutex
	objects map[[32]byte]*Object
	lru     *lru.Cache[[32]byte, *Object]

	// MaxAge, if non-zero, is the idle duration after which an
	// unreferenced object is eligible for reclamation.
	MaxAge time.Duration
}

// NewCache returns a Cache holding at most capacity objects before the
// LRU starts evicting the coldest unreferenced entries on insert, in
// addition to the periodic Reclaim sweep.
func NewCache(capacity int) (*Cache, error) {
	c := &Cache{objects: map[[32]byte]*Object{}}
	evictable := func(name [32]byte, obj *Object) {
		// golang-lru runs this callback synchronously inside Add,
		// still holding its internal lock, so calling back into
		// c.lru.Add here to "rescue" a referenced victim would
		// deadlock. Instead, leave a live object in c.objects (it
		// stays reachable by name and Reclaim scans c.objects
		// directly, not the LRU list) and let the next Get's touch
		// re-register it with the LRU once it's no longer the
		// coldest entry.
		if obj.Refcnt() > 0 || obj.GetFlags()&FlagDeferFree != 0 {
			return
		}
		delete(c.objects, name)
	}
	l, err := lru.NewWithEvict(capacity, evictable)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get looks up name, optionally creating a PENDING object on miss.
// On success the returned Object is locked; the caller must Unlock it.
func (c *Cache) Get(name [32]byte, flags GetOpenFlags) (*Object, bool, error) {
	c.mu.Lock()
	obj, found := c.objects[name]
	if found {
		obj.Lock()
		if obj.Flags&FlagDropping != 0 || (obj.Flags&FlagPending != 0 && !flags.GetPending) {
			obj.Unlock()
			delete(c.objects, name)
			c.lru.Remove(name)
			found = false
			obj = nil
		}
	}
	if !found {
		if !flags.Create {
			c.mu.Unlock()
			return nil, false, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailNotFound, nil)
		}
		obj = &Object{Name: name, Flags: FlagPending, lastUse: now()}
		obj.Lock()
		c.objects[name] = obj
		c.lru.Add(name, obj)
	}
	if !flags.Peek {
		obj.refcnt++
		obj.Flags |= FlagInUse
		obj.lastUse = now()
		c.lru.Add(name, obj)
	}
	c.mu.Unlock()
	return obj, found, nil
}

// Add inserts a freshly built object under the correct lock order:
// the caller must NOT be holding obj's lock when calling Add. Add
// acquires the cache mutex, then the object's, inserts, then releases
// both in reverse order.
func (c *Cache) Add(name [32]byte, obj *Object) {
	c.mu.Lock()
	obj.Lock()
	c.objects[name] = obj
	c.lru.Add(name, obj)
	obj.Unlock()
	c.mu.Unlock()
}

// ChangeName rebinds obj from its current key to newName, used when a
// log created against a placeholder identity learns its real
// self-certifying name from the server's response.
func (c *Cache) ChangeName(obj *Object, newName [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, obj.Name)
	c.lru.Remove(obj.Name)
	obj.Name = newName
	c.objects[newName] = obj
	c.lru.Add(newName, obj)
}

func (c *Cache) touch(name [32]byte) {
	c.mu.Lock()
	if obj, ok := c.objects[name]; ok {
		obj.lastUse = now()
		c.lru.Add(name, obj)
	}
	c.mu.Unlock()
}

// Drop removes name from both the map and the LRU unconditionally,
// used by Delete once the storage files are gone.
func (c *Cache) Drop(name [32]byte) {
	c.mu.Lock()
	delete(c.objects, name)
	c.lru.Remove(name)
	c.mu.Unlock()
}

// Reclaim walks the cache once, dropping any object that is not
// DROPPING, has refcnt == 0, and has been idle longer than maxAge (0
// disables the age check, reclaiming every unreferenced object).
func (c *Cache) Reclaim(maxAge time.Duration) (reclaimed int) {
	cutoff := now().Add(-maxAge)
	c.mu.Lock()
	keys := make([][32]byte, 0, len(c.objects))
	for name := range c.objects {
		keys = append(keys, name)
	}
	c.mu.Unlock()

	for _, name := range keys {
		c.mu.Lock()
		obj, ok := c.objects[name]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if !obj.mu.TryLock() {
			continue
		}
		idle := maxAge == 0 || obj.lastUse.Before(cutoff)
		if obj.Flags&FlagDropping != 0 || obj.refcnt > 0 || !idle {
			obj.mu.Unlock()
			continue
		}
		obj.Flags |= FlagDropping
		obj.mu.Unlock()

		c.mu.Lock()
		delete(c.objects, name)
		c.lru.Remove(name)
		c.mu.Unlock()
		reclaimed++
	}
	return reclaimed
}

// Range calls fn once for each cached object, locking neither the
// cache nor the object across the call; fn must lock obj itself if it
// needs a consistent view. Used by the idle-subscription reclaim
// sweep, which otherwise has no way to enumerate live objects.
func (c *Cache) Range(fn func(name [32]byte, obj *Object)) {
	c.mu.Lock()
	snapshot := make(map[[32]byte]*Object, len(c.objects))
	for k, v := range c.objects {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for name, obj := range snapshot {
		fn(name, obj)
	}
}

// Len reports the number of cached objects.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Snapshot implements debug.CacheInspector.
func (c *Cache) Snapshot() []debug.ObjectInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]debug.ObjectInfo, 0, len(c.objects))
	for _, obj := range c.objects {
		obj.mu.Lock()
		out = append(out, debug.ObjectInfo{
			Name:       printableName(obj.Name),
			RefCount:   obj.refcnt,
			Requests:   obj.requests,
			Dirty:      obj.Flags&FlagSigning != 0,
			LastUseAgo: now().Sub(obj.lastUse).String(),
		})
		obj.mu.Unlock()
	}
	return out
}

func printableName(name [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = hextable[name[i]>>4]
		out[i*2+1] = hextable[name[i]&0xf]
	}
	return string(out) + "..."
}

// now is a seam so tests can control the clock if ever needed; it is
// intentionally not configurable today.
func now() time.Time { return time.Now() }
