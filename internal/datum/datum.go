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

// Package datum implements the record type committed to a log: its
// canonical digest, and signing/verification against that digest. The
// digest and signature primitives are treated as an opaque crypto
// provider (stdlib sha256/ed25519 here); this package never branches
// on the concrete algorithm beyond the per-log HashAlg selector.
package datum

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/gdperr"
)

// HashAlg identifies the digest algorithm a log was created with,
// stored in the first byte of its public-key metadata entry per §9's
// open question: the algorithm must always be derived from that byte,
// never a compile-time default.
type HashAlg byte

const (
	HashAlgSHA256 HashAlg = 1
)

// Hash is a digest over a datum's canonical content.
type Hash struct {
	Alg   HashAlg
	Bytes [32]byte
}

// Equals reports whether two hashes have the same algorithm and bytes.
func (h Hash) Equals(o Hash) bool {
	return h.Alg == o.Alg && h.Bytes == o.Bytes
}

// Signature is a signature over a datum's canonical digest, together
// with the key type it was produced under.
type Signature struct {
	KeyType string // e.g. "ed25519"
	Bytes   []byte
}

// Timestamp is a server-assigned commit time.
type Timestamp struct {
	Sec      int64
	Nsec     int32
	Accuracy float32
}

// Datum is one record in a log.
type Datum struct {
	Recno    int64
	TS       Timestamp
	PrevHash Hash
	Payload  []byte
	Sig      *Signature
}

// New returns a zero-value Datum carrying payload; recno, timestamp,
// and prev_hash are assigned by the server on append.
func New(payload []byte) *Datum {
	return &Datum{Payload: append([]byte(nil), payload...)}
}

// Copy returns a deep copy of d.
func (d *Datum) Copy() *Datum {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	if d.Sig != nil {
		sig := *d.Sig
		sig.Bytes = append([]byte(nil), d.Sig.Bytes...)
		cp.Sig = &sig
	}
	return &cp
}

// DigestInputs bundles the per-log context the canonical digest is
// computed over: the log's name and its serialized metadata block,
// both constant for the life of the log.
type DigestInputs struct {
	LogName            [32]byte
	SerializedMetadata []byte
	Alg                HashAlg
}

// CanonicalDigest computes H(log_name || serialized_metadata ||
// recno_be64 || sec_be64 || nsec_be32 || accuracy_be32 ||
// prev_hash_bytes || H(payload)), the value that is both signed and
// used as the datum's content address.
func CanonicalDigest(in DigestInputs, d *Datum) (Hash, error) {
	switch in.Alg {
	case HashAlgSHA256:
		h := sha256.New()
		h.Write(in.LogName[:])
		h.Write(in.SerializedMetadata)
		writeInt64BE(h, d.Recno)
		writeInt64BE(h, d.TS.Sec)
		writeUint32BE(h, uint32(d.TS.Nsec))
		writeUint32BE(h, math.Float32bits(d.TS.Accuracy))
		h.Write(d.PrevHash.Bytes[:])
		payloadHash := sha256.Sum256(d.Payload)
		h.Write(payloadHash[:])

		var out Hash
		out.Alg = in.Alg
		copy(out.Bytes[:], h.Sum(nil))
		return out, nil
	default:
		return Hash{}, gdperr.New(gdperr.ERROR, gdperr.ModuleCrypto, gdperr.DetailHashAlg,
			errors.Errorf("unsupported hash algorithm %d", in.Alg))
	}
}

// Sign computes the canonical digest of d and signs it with priv,
// setting d.Sig. The log must be in a state permitting signing
// (enforced by callers, e.g. the request layer's SIGNING flag).
func Sign(in DigestInputs, d *Datum, priv ed25519.PrivateKey) error {
	digest, err := CanonicalDigest(in, d)
	if err != nil {
		return err
	}
	d.Sig = &Signature{
		KeyType: "ed25519",
		Bytes:   ed25519.Sign(priv, digest.Bytes[:]),
	}
	return nil
}

// Verify reports whether d.Sig is a valid ed25519 signature over d's
// canonical digest under pub. A missing signature is a SigMissing
// error, not a panic; callers downgrade to a warning per the log's strictness
// bitmask.
func Verify(in DigestInputs, d *Datum, pub ed25519.PublicKey) error {
	if d.Sig == nil {
		return gdperr.New(gdperr.ERROR, gdperr.ModuleCrypto, gdperr.DetailSigMissing,
			errors.New("datum has no signature"))
	}
	digest, err := CanonicalDigest(in, d)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest.Bytes[:], d.Sig.Bytes) {
		return gdperr.New(gdperr.ERROR, gdperr.ModuleCrypto, gdperr.DetailVrfyFail,
			errors.New("signature verification failed"))
	}
	return nil
}

// Encode serializes d into the wire form carried inside an Append or
// AckContent command body: recno, timestamp, prev_hash, payload, and
// an optional signature, each big-endian and length-prefixed where
// variable.
func (d *Datum) Encode() []byte {
	var buf bytes.Buffer
	writeInt64(&buf, d.Recno)
	writeInt64(&buf, d.TS.Sec)
	writeUint32(&buf, uint32(d.TS.Nsec))
	writeUint32(&buf, math.Float32bits(d.TS.Accuracy))
	buf.WriteByte(byte(d.PrevHash.Alg))
	buf.Write(d.PrevHash.Bytes[:])
	writeBytesLP(&buf, d.Payload)
	if d.Sig == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		writeString(&buf, d.Sig.KeyType)
		writeBytesLP(&buf, d.Sig.Bytes)
	}
	return buf.Bytes()
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (*Datum, error) {
	r := bytes.NewReader(b)
	d := &Datum{}
	var err error
	if d.Recno, err = readInt64(r); err != nil {
		return nil, shortDatum(err)
	}
	if d.TS.Sec, err = readInt64(r); err != nil {
		return nil, shortDatum(err)
	}
	nsec, err := readUint32(r)
	if err != nil {
		return nil, shortDatum(err)
	}
	d.TS.Nsec = int32(nsec)
	accBits, err := readUint32(r)
	if err != nil {
		return nil, shortDatum(err)
	}
	d.TS.Accuracy = math.Float32frombits(accBits)

	alg, err := r.ReadByte()
	if err != nil {
		return nil, shortDatum(err)
	}
	d.PrevHash.Alg = HashAlg(alg)
	if _, err := io.ReadFull(r, d.PrevHash.Bytes[:]); err != nil {
		return nil, shortDatum(err)
	}
	if d.Payload, err = readBytesLP(r); err != nil {
		return nil, err
	}
	hasSig, err := r.ReadByte()
	if err != nil {
		return nil, shortDatum(err)
	}
	if hasSig != 0 {
		keyType, err := readString(r)
		if err != nil {
			return nil, err
		}
		sigBytes, err := readBytesLP(r)
		if err != nil {
			return nil, err
		}
		d.Sig = &Signature{KeyType: keyType, Bytes: sigBytes}
	}
	return d, nil
}

func shortDatum(err error) error {
	return gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailShortMsg, err)
}

func writeBytesLP(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytesLP(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, shortDatum(err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, shortDatum(err)
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytesLP(buf, []byte(s)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytesLP(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint32(buf, uint32(v>>32))
	writeUint32(buf, uint32(v))
}

func readInt64(r *bytes.Reader) (int64, error) {
	hi, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	lo, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return int64(uint64(hi)<<32 | uint64(lo)), nil
}

func writeInt64BE(h hash.Hash, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}

func writeUint32BE(h hash.Hash, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	h.Write(buf[:])
}
