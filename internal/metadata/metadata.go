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

// Package metadata implements the ordered (tag, bytes) metadata block
// whose SHA-256 digest is a log's self-certifying name.
package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/gdperr"
)

// Tag identifies one metadata entry. Values mirror the fields a log's
// metadata block is required to carry.
type Tag uint32

const (
	TagExternalID   Tag = 1
	TagCreateTime   Tag = 2
	TagCreator      Tag = 3
	TagNonce        Tag = 4
	TagOwnerPubKey  Tag = 5
	TagWriterPubKey Tag = 6
	TagExpiration   Tag = 7
	TagSyntax       Tag = 8
	TagLocation     Tag = 9
)

var requiredTags = []Tag{TagCreateTime, TagCreator, TagNonce, TagOwnerPubKey}

type entry struct {
	tag   Tag
	bytes []byte
}

// Metadata is an ordered, append-only sequence of (tag, bytes)
// entries. A block produced by Deserialize is read-only: every byte of
// it is baked into the log's name.
type Metadata struct {
	entries  []entry
	readOnly bool
}

// New returns an empty, mutable Metadata block. capacity is a hint for
// the number of entries expected.
func New(capacity int) *Metadata {
	return &Metadata{entries: make([]entry, 0, capacity)}
}

// Add sets the value for tag, replacing any existing entry with the
// same tag. It returns an error if the block is read-only (as a
// Deserialize result is).
func (m *Metadata) Add(tag Tag, value []byte) error {
	if m.readOnly {
		return gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailReadOnly,
			errors.Errorf("metadata block is read-only, cannot add tag %d", tag))
	}
	for i := range m.entries {
		if m.entries[i].tag == tag {
			m.entries[i].bytes = value
			return nil
		}
	}
	m.entries = append(m.entries, entry{tag: tag, bytes: value})
	return nil
}

// Find returns the value for tag and whether it was present.
func (m *Metadata) Find(tag Tag) ([]byte, bool) {
	for _, e := range m.entries {
		if e.tag == tag {
			return e.bytes, true
		}
	}
	return nil, false
}

// Iter calls fn for every entry in serialization order.
func (m *Metadata) Iter(fn func(tag Tag, value []byte)) {
	for _, e := range m.entries {
		fn(e.tag, e.bytes)
	}
}

// Clone returns a deep, mutable copy of m, regardless of m's own
// read-only state.
func (m *Metadata) Clone() *Metadata {
	out := New(len(m.entries))
	for _, e := range m.entries {
		cp := make([]byte, len(e.bytes))
		copy(cp, e.bytes)
		out.entries = append(out.entries, entry{tag: e.tag, bytes: cp})
	}
	return out
}

// Validate checks that every tag required of a log-creation metadata
// block is present.
func (m *Metadata) Validate() error {
	for _, tag := range requiredTags {
		if _, ok := m.Find(tag); !ok {
			return gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMetadataRequired,
				errors.Errorf("metadata missing required tag %d", tag))
		}
	}
	return nil
}

// Serialize produces the deterministic wire form: a u16 entry count,
// then count (u32 tag, u32 length) pairs, then the concatenated
// entry bytes in the same order.
func (m *Metadata) Serialize() ([]byte, error) {
	if len(m.entries) > 0xFFFF {
		return nil, errors.Errorf("metadata has %d entries, exceeds u16 count", len(m.entries))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(m.entries))); err != nil {
		return nil, err
	}
	for _, e := range m.entries {
		if err := binary.Write(&buf, binary.BigEndian, uint32(e.tag)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(e.bytes))); err != nil {
			return nil, err
		}
	}
	for _, e := range m.entries {
		buf.Write(e.bytes)
	}
	return buf.Bytes(), nil
}

// Deserialize parses the wire form produced by Serialize. The result
// is marked read-only, matching the immutability of a metadata block
// once it has been committed to a log.
func Deserialize(b []byte) (*Metadata, error) {
	r := bytes.NewReader(b)
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat, err)
	}

	type header struct {
		tag Tag
		len uint32
	}
	headers := make([]header, count)
	for i := range headers {
		var tag, length uint32
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat, err)
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat, err)
		}
		headers[i] = header{tag: Tag(tag), len: length}
	}

	out := New(int(count))
	for _, h := range headers {
		buf := make([]byte, h.len)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailShortMsg, err)
		}
		out.entries = append(out.entries, entry{tag: h.tag, bytes: buf})
	}
	out.readOnly = true
	return out, nil
}

// Name computes a log's self-certifying name: SHA-256 of the
// metadata's canonical serialization.
func Name(m *Metadata) ([32]byte, error) {
	b, err := m.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
