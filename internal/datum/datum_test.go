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

package datum

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigestInputs(t *testing.T) DigestInputs {
	t.Helper()
	return DigestInputs{
		LogName:            [32]byte{1, 2, 3},
		SerializedMetadata: []byte("fake-serialized-metadata"),
		Alg:                HashAlgSHA256,
	}
}

func TestCanonicalDigestIsDeterministic(t *testing.T) {
	in := testDigestInputs(t)
	d := New([]byte("hello"))
	d.Recno = 1

	h1, err := CanonicalDigest(in, d)
	require.NoError(t, err)
	h2, err := CanonicalDigest(in, d)
	require.NoError(t, err)
	assert.True(t, h1.Equals(h2))
}

func TestCanonicalDigestChangesWithPayload(t *testing.T) {
	in := testDigestInputs(t)
	d1 := New([]byte("hello"))
	d2 := New([]byte("goodbye"))

	h1, err := CanonicalDigest(in, d1)
	require.NoError(t, err)
	h2, err := CanonicalDigest(in, d2)
	require.NoError(t, err)
	assert.False(t, h1.Equals(h2))
}

func TestSignThenVerifySucceeds(t *testing.T) {
	in := testDigestInputs(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	d := New([]byte("payload"))
	require.NoError(t, Sign(in, d, priv))
	require.NotNil(t, d.Sig)
	assert.NoError(t, Verify(in, d, pub))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	in := testDigestInputs(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	d := New([]byte("payload"))
	require.NoError(t, Sign(in, d, priv))
	d.Payload = []byte("tampered")

	assert.Error(t, Verify(in, d, pub))
}

func TestVerifyMissingSignature(t *testing.T) {
	in := testDigestInputs(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	d := New([]byte("payload"))

	require.Error(t, Verify(in, d, pub))
}

func TestCopyIsIndependent(t *testing.T) {
	d := New([]byte("payload"))
	cp := d.Copy()
	cp.Payload[0] = 'X'
	assert.NotEqual(t, d.Payload[0], cp.Payload[0])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testDigestInputs(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	d := New([]byte("payload"))
	d.Recno = 9
	d.TS = Timestamp{Sec: 100, Nsec: 200, Accuracy: 0.5}
	d.PrevHash = Hash{Alg: HashAlgSHA256, Bytes: [32]byte{9, 9, 9}}
	require.NoError(t, Sign(in, d, priv))

	out, err := Decode(d.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(d, out); diff != "" {
		t.Errorf("datum changed shape across the wire (-want +got):\n%s", diff)
	}
	assert.NoError(t, Verify(in, out, pub))
}

func TestEncodeDecodeRoundTripNoSignature(t *testing.T) {
	d := New([]byte("unsigned"))
	out, err := Decode(d.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(d, out); diff != "" {
		t.Errorf("datum changed shape across the wire (-want +got):\n%s", diff)
	}
}
