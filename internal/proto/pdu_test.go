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

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	h := Header{
		Version:  1,
		Type:     FrameRegular,
		Reliable: true,
		TTL:      32,
		SeqFrag:  0xdeadbeef,
	}
	payload := []byte("hello, pdu")

	wire, err := EncodeFrame(h, payload)
	require.NoError(t, err)

	gotH, gotPayload, err := DecodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, h.Version, gotH.Version)
	assert.Equal(t, h.Type, gotH.Type)
	assert.True(t, gotH.Reliable)
	assert.Equal(t, h.TTL, gotH.TTL)
	assert.Equal(t, h.SeqFrag, gotH.SeqFrag)
	assert.Equal(t, payload, gotPayload)
}

func TestEncodeFrameRejectsOversizedTTL(t *testing.T) {
	_, err := EncodeFrame(Header{TTL: 0xFF}, nil)
	require.Error(t, err)
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	_, _, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCommandBodiesCarryExpectedCodes(t *testing.T) {
	assert.Equal(t, CmdCreate, CreateCmd{}.Code())
	assert.Equal(t, CmdAppend, AppendCmd{}.Code())
	assert.Equal(t, AckContent, AckContentBody{}.Code())
	assert.Equal(t, NakRouterNoRoute, NakRouterNoRouteBody{}.Code())
}

func TestNakGenericBodyMapsDetailToCode(t *testing.T) {
	b := NakGenericBody{Detail: 404}
	assert.Equal(t, NakNotFound, b.Code())

	fallback := NakGenericBody{Detail: 99999}
	assert.Equal(t, NakInternal, fallback.Code())
}
