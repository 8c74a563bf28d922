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

// Package proto implements the PDU framing the channel adapter speaks
// and the message/status vocabulary carried inside it: the router
// frame header, the tagged-union command/ack/nak bodies, and the
// ack/nak <-> status-detail mapping table (status.go).
package proto

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/gdperr"
)

// FrameType occupies the top three bits of the router header's
// flags_and_type byte.
type FrameType byte

const (
	FrameRegular FrameType = iota
	FrameForward
	FrameAdvertise
	FrameWithdraw
	FrameNoRoute
	_ // reserved
	FrameAck
	FrameNak
)

const reliableFlag = 1 << 4

// Header is the router wire header: version, header length, the
// frame's type and reliability flag, TTL, sequence+fragment, fragment
// length, SDU length, and the 32-byte source/destination names.
type Header struct {
	Version   byte
	Type      FrameType
	Reliable  bool
	TTL       byte // 6 bits
	SeqFrag   uint32
	FragLen   uint16
	SDULen    uint16
	Dst       [32]byte
	Src       [32]byte
}

const headerWireLen = 1 + 1 + 1 + 1 + 4 + 2 + 2 + 32 + 32

// EncodeFrame serializes h followed by payload into the big-endian
// router wire format.
func EncodeFrame(h Header, payload []byte) ([]byte, error) {
	if h.TTL > 0x3F {
		return nil, errors.Errorf("ttl %d exceeds 6 bits", h.TTL)
	}
	var buf bytes.Buffer
	buf.WriteByte(h.Version)
	buf.WriteByte(1) // header_len: fixed, in units the adapter agrees on
	flagsAndType := byte(h.Type) << 5
	if h.Reliable {
		flagsAndType |= reliableFlag
	}
	buf.WriteByte(flagsAndType)
	buf.WriteByte(h.TTL & 0x3F)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], h.SeqFrag)
	buf.Write(u32[:])

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], h.FragLen)
	buf.Write(u16[:])
	binary.BigEndian.PutUint16(u16[:], uint16(len(payload)))
	buf.Write(u16[:])

	buf.Write(h.Dst[:])
	buf.Write(h.Src[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeFrame parses a router wire frame back into its header and
// payload. Reserved flag bits are ignored on receive per the wire
// contract; they must be zero on send (EncodeFrame never sets them).
func DecodeFrame(b []byte) (Header, []byte, error) {
	if len(b) < headerWireLen {
		return Header{}, nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailShortMsg,
			errors.Errorf("frame of %d bytes shorter than header (%d)", len(b), headerWireLen))
	}
	var h Header
	h.Version = b[0]
	// b[1] is header_len, unused beyond the fixed layout here.
	flagsAndType := b[2]
	h.Type = FrameType(flagsAndType >> 5)
	h.Reliable = flagsAndType&reliableFlag != 0
	h.TTL = b[3] & 0x3F

	h.SeqFrag = binary.BigEndian.Uint32(b[4:8])
	h.FragLen = binary.BigEndian.Uint16(b[8:10])
	sduLen := binary.BigEndian.Uint16(b[10:12])
	copy(h.Dst[:], b[12:44])
	copy(h.Src[:], b[44:76])

	payload := b[76:]
	if int(sduLen) > len(payload) {
		return Header{}, nil, gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailPduTooLong,
			errors.Errorf("declared sdu_len %d exceeds remaining %d bytes", sduLen, len(payload)))
	}
	return h, payload[:sduLen], nil
}

// Body is the tagged-union payload of a Message: exactly one command,
// ack, or nak variant. Concrete types are the CmdXxx/AckXxx/NakXxx
// structs below.
type Body interface {
	Code() CommandCode
}

// Message is the logical content carried as a frame's payload: the
// endpoint names, an L4 sequence number, an optional request id for
// session-layer correlation, an optional L5 sequence number for event
// ordering, and the tagged body.
type Message struct {
	SrcName  [32]byte
	DstName  [32]byte
	L4Seqno  uint32
	Rid      *uint32
	L5Seqno  *uint16
	Body     Body
}

// OpenMode selects the access mode of CmdOpen.
type OpenMode byte

const (
	OpenAO OpenMode = iota // append-only
	OpenRO                 // read-only
	OpenRA                 // read-append
)

// Command body struct names carry a Cmd suffix rather than a prefix
// to avoid colliding with the CommandCode constants of the same
// conceptual command declared in status.go (e.g. the CmdCreate
// constant vs. the CreateCmd body below).

type CreateCmd struct {
	LogName  [32]byte
	Metadata []byte
}

func (CreateCmd) Code() CommandCode { return CmdCreate }

type OpenCmd struct{ Mode OpenMode }

func (OpenCmd) Code() CommandCode { return CmdOpen }

type CloseCmd struct{}

func (CloseCmd) Code() CommandCode { return CmdClose }

type DeleteCmd struct{}

func (DeleteCmd) Code() CommandCode { return CmdDelete }

type AppendCmd struct{ Datums [][]byte } // each entry is a serialized datum

func (AppendCmd) Code() CommandCode { return CmdAppend }

type ReadByRecnoCmd struct {
	Recno int64
	NRecs int64 // 0 means "exactly one"
}

func (ReadByRecnoCmd) Code() CommandCode { return CmdReadByRecno }

type ReadByTsCmd struct {
	Sec   int64
	NRecs int64
}

func (ReadByTsCmd) Code() CommandCode { return CmdReadByTs }

type ReadByHashCmd struct{ Hash []byte }

func (ReadByHashCmd) Code() CommandCode { return CmdReadByHash }

type SubscribeByRecnoCmd struct {
	Start   int64
	NRecs   int64
	Timeout uint32 // seconds, 0 = server default
}

func (SubscribeByRecnoCmd) Code() CommandCode { return CmdSubscribeByRecno }

type SubscribeByTsCmd struct {
	Sec     int64
	NRecs   int64
	Timeout uint32
}

func (SubscribeByTsCmd) Code() CommandCode { return CmdSubscribeByTs }

type SubscribeByHashCmd struct {
	Hash    []byte
	Timeout uint32
}

func (SubscribeByHashCmd) Code() CommandCode { return CmdSubscribeByHash }

type UnsubscribeCmd struct{}

func (UnsubscribeCmd) Code() CommandCode { return CmdUnsubscribe }

type GetMetadataCmd struct{}

func (GetMetadataCmd) Code() CommandCode { return CmdGetMetadata }

type CmdKeepaliveBody struct{}

func (CmdKeepaliveBody) Code() CommandCode { return CmdKeepalive }

type CmdAdvertiseBody struct{ Name [32]byte }

func (CmdAdvertiseBody) Code() CommandCode { return CmdAdvertise }

type CmdWithdrawBody struct{ Name [32]byte }

func (CmdWithdrawBody) Code() CommandCode { return CmdWithdraw }

type CmdPingBody struct{}

func (CmdPingBody) Code() CommandCode { return CmdPing }

type AckSuccessBody struct {
	Recno    int64
	Sec      int64
	Nsec     int32
	Hash     []byte
	Metadata []byte
}

func (AckSuccessBody) Code() CommandCode { return AckSuccess }

type AckCreatedBody struct{ LogName [32]byte }

func (AckCreatedBody) Code() CommandCode { return AckCreated }

type AckDeletedBody struct{}

func (AckDeletedBody) Code() CommandCode { return AckDeleted }

type AckChangedBody struct{ Recno int64 }

func (AckChangedBody) Code() CommandCode { return AckChanged }

type AckContentBody struct{ Datums [][]byte }

func (AckContentBody) Code() CommandCode { return AckContent }

type AckEndOfResultsBody struct {
	NResults int64
	Detail   int
}

func (AckEndOfResultsBody) Code() CommandCode { return AckEndOfResults }

type NakGenericBody struct {
	Detail      int
	Description string
	Recno       int64
}

func (b NakGenericBody) Code() CommandCode {
	if code, ok := AckNakFromStatusDetail(b.Detail); ok {
		return code
	}
	return NakInternal
}

type NakConflictBody struct {
	Recno int64
	NRecs int64
}

func (NakConflictBody) Code() CommandCode { return NakConflict }

type NakRouterNoRouteBody struct{}

func (NakRouterNoRouteBody) Code() CommandCode { return NakRouterNoRoute }
