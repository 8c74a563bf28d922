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

package metadata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// taggedEntry is a comparable projection of Metadata's unexported
// entry list, used so round-trip tests can diff entry order and
// content without reaching into Metadata's internals.
type taggedEntry struct {
	Tag   Tag
	Bytes []byte
}

func entries(m *Metadata) []taggedEntry {
	var out []taggedEntry
	m.Iter(func(tag Tag, value []byte) {
		out = append(out, taggedEntry{Tag: tag, Bytes: value})
	})
	return out
}

func validMetadata(t *testing.T) *Metadata {
	t.Helper()
	m := New(4)
	require.NoError(t, m.Add(TagCreator, []byte("user@host")))
	require.NoError(t, m.Add(TagCreateTime, []byte("2024-01-01T00:00:00Z")))
	require.NoError(t, m.Add(TagNonce, []byte{0x00, 0x0F}))
	require.NoError(t, m.Add(TagOwnerPubKey, []byte("owner-key-bytes")))
	return m
}

func TestAddReplacesExistingTag(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Add(TagExternalID, []byte("first")))
	require.NoError(t, m.Add(TagExternalID, []byte("second")))

	v, ok := m.Find(TagExternalID)
	require.True(t, ok)
	assert.Equal(t, "second", string(v))
}

func TestValidateRejectsMissingRequiredTags(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Add(TagCreator, []byte("user@host")))
	assert.Error(t, m.Validate())

	full := validMetadata(t)
	assert.NoError(t, full.Validate())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := validMetadata(t)
	b, err := m.Serialize()
	require.NoError(t, err)

	back, err := Deserialize(b)
	require.NoError(t, err)

	if diff := cmp.Diff(entries(m), entries(back)); diff != "" {
		t.Errorf("metadata entries changed shape across serialize/deserialize (-want +got):\n%s", diff)
	}

	b2, err := back.Serialize()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestDeserializedMetadataIsReadOnly(t *testing.T) {
	m := validMetadata(t)
	b, err := m.Serialize()
	require.NoError(t, err)

	back, err := Deserialize(b)
	require.NoError(t, err)

	err = back.Add(TagExternalID, []byte("nope"))
	require.Error(t, err)
}

func TestNameIsDeterministic(t *testing.T) {
	m1 := validMetadata(t)
	m2 := validMetadata(t)

	n1, err := Name(m1)
	require.NoError(t, err)
	n2, err := Name(m2)
	require.NoError(t, err)
	assert.Equal(t, n1, n2)
}

func TestCloneIsIndependent(t *testing.T) {
	m := validMetadata(t)
	clone := m.Clone()

	if diff := cmp.Diff(entries(m), entries(clone)); diff != "" {
		t.Errorf("freshly cloned metadata diverges from its source (-want +got):\n%s", diff)
	}

	require.NoError(t, clone.Add(TagExternalID, []byte("cloned-only")))
	_, onOriginal := m.Find(TagExternalID)
	assert.False(t, onOriginal)
}
