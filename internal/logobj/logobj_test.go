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

package logobj

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCreatesPendingObjectOnMiss(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)

	var name [32]byte
	name[0] = 1

	obj, found, err := c.Get(name, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotZero(t, obj.Flags&FlagPending)
	obj.Unlock()
	assert.EqualValues(t, 1, obj.Refcnt())
}

func TestGetMissWithoutCreateIsNotFound(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)
	var name [32]byte
	_, _, err = c.Get(name, GetOpenFlags{})
	require.Error(t, err)
}

func TestDecrefToZeroReportsZero(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)
	var name [32]byte
	obj, _, err := c.Get(name, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	obj.Unlock()

	assert.True(t, obj.Decref())
}

func TestReclaimDropsUnreferencedIdleObjects(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)

	var name [32]byte
	name[0] = 9
	obj, _, err := c.Get(name, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	obj.Unlock()
	require.True(t, obj.Decref())

	n := c.Reclaim(0)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Len())
}

func TestReclaimSkipsReferencedObjects(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)

	var name [32]byte
	obj, _, err := c.Get(name, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	obj.Unlock()
	// refcnt is 1 from the Get above; don't decref.

	n := c.Reclaim(0)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, c.Len())
}

func TestChangeNameRebindsKey(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)
	var oldName, newName [32]byte
	oldName[0] = 1
	newName[0] = 2

	obj, _, err := c.Get(oldName, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	obj.Unlock()

	c.ChangeName(obj, newName)

	_, _, err = c.Get(oldName, GetOpenFlags{})
	require.Error(t, err)

	got, found, err := c.Get(newName, GetOpenFlags{Peek: true, GetPending: true})
	require.NoError(t, err)
	assert.True(t, found)
	got.Unlock()
}

func TestSnapshotReportsLiveObjects(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)
	var name [32]byte
	name[0] = 7
	obj, _, err := c.Get(name, GetOpenFlags{Create: true, GetPending: true})
	require.NoError(t, err)
	obj.Unlock()

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.EqualValues(t, 1, snap[0].RefCount)
	_ = time.Now()
}
