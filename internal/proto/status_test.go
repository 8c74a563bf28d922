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

func TestAckNakStatusRoundTrip(t *testing.T) {
	for _, code := range []CommandCode{AckSuccess, AckCreated, AckContent, NakConflict, NakInternal, NakRouterNoRoute} {
		detail, ok := StatusDetailFromAckNak(code)
		require.True(t, ok, "code %d", code)

		back, ok := AckNakFromStatusDetail(detail)
		require.True(t, ok, "detail %d", detail)
		assert.Equal(t, code, back)
	}
}

func TestIsAcknowledgedRanges(t *testing.T) {
	assert.False(t, IsAcknowledged(CmdKeepalive))
	assert.True(t, IsAcknowledged(CmdCreate))
	assert.True(t, IsAck(AckSuccess))
	assert.True(t, IsNak(NakConflict))
	assert.False(t, IsNak(AckSuccess))
}

func TestUnmappedCodeReturnsFalse(t *testing.T) {
	_, ok := StatusDetailFromAckNak(CmdKeepalive)
	assert.False(t, ok)

	_, ok = AckNakFromStatusDetail(999)
	assert.False(t, ok)
}
