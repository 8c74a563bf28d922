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

package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessageRoundTripAppend(t *testing.T) {
	rid := uint32(42)
	msg := &Message{
		SrcName: [32]byte{1},
		DstName: [32]byte{2},
		L4Seqno: 7,
		Rid:     &rid,
		Body:    AppendCmd{Datums: [][]byte{[]byte("one"), []byte("two")}},
	}
	b, err := EncodeMessage(msg)
	require.NoError(t, err)

	out, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msg.SrcName, out.SrcName)
	assert.Equal(t, msg.DstName, out.DstName)
	assert.Equal(t, msg.L4Seqno, out.L4Seqno)
	require.NotNil(t, out.Rid)
	assert.Equal(t, rid, *out.Rid)
	assert.Nil(t, out.L5Seqno)
	body, ok := out.Body.(AppendCmd)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, body.Datums)
}

func TestEncodeDecodeMessageRoundTripSubscribeByRecno(t *testing.T) {
	seq := uint16(99)
	msg := &Message{
		SrcName: [32]byte{3},
		DstName: [32]byte{4},
		L5Seqno: &seq,
		Body:    SubscribeByRecnoCmd{Start: 5, NRecs: 10, Timeout: 300},
	}
	b, err := EncodeMessage(msg)
	require.NoError(t, err)
	out, err := DecodeMessage(b)
	require.NoError(t, err)
	require.NotNil(t, out.L5Seqno)
	assert.EqualValues(t, 99, *out.L5Seqno)
	body, ok := out.Body.(SubscribeByRecnoCmd)
	require.True(t, ok)
	assert.Equal(t, SubscribeByRecnoCmd{Start: 5, NRecs: 10, Timeout: 300}, body)
}

func TestEncodeDecodeMessageRoundTripNakGeneric(t *testing.T) {
	msg := &Message{Body: NakGenericBody{Detail: 404, Description: "no such log", Recno: 0}}
	b, err := EncodeMessage(msg)
	require.NoError(t, err)
	out, err := DecodeMessage(b)
	require.NoError(t, err)
	body, ok := out.Body.(NakGenericBody)
	require.True(t, ok)
	assert.Equal(t, 404, body.Detail)
	assert.Equal(t, "no such log", body.Description)
}

func TestDecodeMessageRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeMessage([]byte{0, 1, 2})
	require.Error(t, err)
}

func TestEncodeMessageRejectsNilBody(t *testing.T) {
	_, err := EncodeMessage(&Message{})
	require.Error(t, err)
}
