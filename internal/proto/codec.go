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
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/gdperr"
)

// EncodeMessage serializes msg into the byte string carried as a
// frame's SDU: the endpoint names, sequence numbers, optional rid/L5
// seqno, and the tagged body, each field big-endian and length
// prefixed where variable. This is the payload EncodeFrame/DecodeFrame
// treat as opaque.
func EncodeMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	var flags byte
	if msg.Rid != nil {
		flags |= 1
	}
	if msg.L5Seqno != nil {
		flags |= 2
	}
	buf.WriteByte(flags)
	buf.Write(msg.SrcName[:])
	buf.Write(msg.DstName[:])
	writeUint32(&buf, msg.L4Seqno)
	if msg.Rid != nil {
		writeUint32(&buf, *msg.Rid)
	}
	if msg.L5Seqno != nil {
		writeUint16(&buf, *msg.L5Seqno)
	}

	if msg.Body == nil {
		return nil, errors.New("message has no body")
	}
	buf.WriteByte(byte(msg.Body.Code()))
	if err := encodeBody(&buf, msg.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, shortMsg(err)
	}
	msg := &Message{}
	if _, err := io.ReadFull(r, msg.SrcName[:]); err != nil {
		return nil, shortMsg(err)
	}
	if _, err := io.ReadFull(r, msg.DstName[:]); err != nil {
		return nil, shortMsg(err)
	}
	if msg.L4Seqno, err = readUint32(r); err != nil {
		return nil, shortMsg(err)
	}
	if flags&1 != 0 {
		rid, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		msg.Rid = &rid
	}
	if flags&2 != 0 {
		seq, err := readUint16(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		msg.L5Seqno = &seq
	}

	codeByte, err := r.ReadByte()
	if err != nil {
		return nil, shortMsg(err)
	}
	body, err := decodeBody(CommandCode(codeByte), r)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	return msg, nil
}

func shortMsg(err error) error {
	return gdperr.New(gdperr.ERROR, gdperr.ModuleProto, gdperr.DetailShortMsg, err)
}

func encodeBody(buf *bytes.Buffer, body Body) error {
	switch b := body.(type) {
	case CreateCmd:
		buf.Write(b.LogName[:])
		writeBytes(buf, b.Metadata)
	case OpenCmd:
		buf.WriteByte(byte(b.Mode))
	case CloseCmd, DeleteCmd, AckDeletedBody, CmdKeepaliveBody, CmdPingBody, UnsubscribeCmd, GetMetadataCmd, NakRouterNoRouteBody:
		// no fields
	case AppendCmd:
		writeUint32(buf, uint32(len(b.Datums)))
		for _, d := range b.Datums {
			writeBytes(buf, d)
		}
	case ReadByRecnoCmd:
		writeInt64(buf, b.Recno)
		writeInt64(buf, b.NRecs)
	case ReadByTsCmd:
		writeInt64(buf, b.Sec)
		writeInt64(buf, b.NRecs)
	case ReadByHashCmd:
		writeBytes(buf, b.Hash)
	case SubscribeByRecnoCmd:
		writeInt64(buf, b.Start)
		writeInt64(buf, b.NRecs)
		writeUint32(buf, b.Timeout)
	case SubscribeByTsCmd:
		writeInt64(buf, b.Sec)
		writeInt64(buf, b.NRecs)
		writeUint32(buf, b.Timeout)
	case SubscribeByHashCmd:
		writeBytes(buf, b.Hash)
		writeUint32(buf, b.Timeout)
	case CmdAdvertiseBody:
		buf.Write(b.Name[:])
	case CmdWithdrawBody:
		buf.Write(b.Name[:])
	case AckSuccessBody:
		writeInt64(buf, b.Recno)
		writeInt64(buf, b.Sec)
		writeInt32(buf, b.Nsec)
		writeBytes(buf, b.Hash)
		writeBytes(buf, b.Metadata)
	case AckCreatedBody:
		buf.Write(b.LogName[:])
	case AckChangedBody:
		writeInt64(buf, b.Recno)
	case AckContentBody:
		writeUint32(buf, uint32(len(b.Datums)))
		for _, d := range b.Datums {
			writeBytes(buf, d)
		}
	case AckEndOfResultsBody:
		writeInt64(buf, b.NResults)
		writeInt64(buf, int64(b.Detail))
	case NakGenericBody:
		writeInt64(buf, int64(b.Detail))
		writeString(buf, b.Description)
		writeInt64(buf, b.Recno)
	case NakConflictBody:
		writeInt64(buf, b.Recno)
		writeInt64(buf, b.NRecs)
	default:
		return errors.Errorf("no wire encoding registered for body type %T", body)
	}
	return nil
}

func decodeBody(code CommandCode, r *bytes.Reader) (Body, error) {
	switch code {
	case CmdCreate:
		var b CreateCmd
		if _, err := io.ReadFull(r, b.LogName[:]); err != nil {
			return nil, shortMsg(err)
		}
		md, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		b.Metadata = md
		return b, nil
	case CmdOpen:
		mode, err := r.ReadByte()
		if err != nil {
			return nil, shortMsg(err)
		}
		return OpenCmd{Mode: OpenMode(mode)}, nil
	case CmdClose:
		return CloseCmd{}, nil
	case CmdDelete:
		return DeleteCmd{}, nil
	case CmdAppend:
		n, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		datums := make([][]byte, n)
		for i := range datums {
			if datums[i], err = readBytes(r); err != nil {
				return nil, err
			}
		}
		return AppendCmd{Datums: datums}, nil
	case CmdReadByRecno:
		recno, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nrecs, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return ReadByRecnoCmd{Recno: recno, NRecs: nrecs}, nil
	case CmdReadByTs:
		sec, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nrecs, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return ReadByTsCmd{Sec: sec, NRecs: nrecs}, nil
	case CmdReadByHash:
		h, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return ReadByHashCmd{Hash: h}, nil
	case CmdSubscribeByRecno:
		start, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nrecs, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		timeout, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return SubscribeByRecnoCmd{Start: start, NRecs: nrecs, Timeout: timeout}, nil
	case CmdSubscribeByTs:
		sec, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nrecs, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		timeout, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return SubscribeByTsCmd{Sec: sec, NRecs: nrecs, Timeout: timeout}, nil
	case CmdSubscribeByHash:
		h, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		timeout, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return SubscribeByHashCmd{Hash: h, Timeout: timeout}, nil
	case CmdUnsubscribe:
		return UnsubscribeCmd{}, nil
	case CmdGetMetadata:
		return GetMetadataCmd{}, nil
	case CmdKeepalive:
		return CmdKeepaliveBody{}, nil
	case CmdAdvertise:
		var b CmdAdvertiseBody
		if _, err := io.ReadFull(r, b.Name[:]); err != nil {
			return nil, shortMsg(err)
		}
		return b, nil
	case CmdWithdraw:
		var b CmdWithdrawBody
		if _, err := io.ReadFull(r, b.Name[:]); err != nil {
			return nil, shortMsg(err)
		}
		return b, nil
	case CmdPing:
		return CmdPingBody{}, nil
	case AckSuccess:
		recno, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		sec, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nsec, err := readInt32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		hash, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		md, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return AckSuccessBody{Recno: recno, Sec: sec, Nsec: nsec, Hash: hash, Metadata: md}, nil
	case AckCreated:
		var b AckCreatedBody
		if _, err := io.ReadFull(r, b.LogName[:]); err != nil {
			return nil, shortMsg(err)
		}
		return b, nil
	case AckDeleted:
		return AckDeletedBody{}, nil
	case AckChanged:
		recno, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return AckChangedBody{Recno: recno}, nil
	case AckContent:
		n, err := readUint32(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		datums := make([][]byte, n)
		for i := range datums {
			if datums[i], err = readBytes(r); err != nil {
				return nil, err
			}
		}
		return AckContentBody{Datums: datums}, nil
	case AckEndOfResults:
		nresults, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		detail, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return AckEndOfResultsBody{NResults: nresults, Detail: int(detail)}, nil
	case NakConflict:
		recno, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		nrecs, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return NakConflictBody{Recno: recno, NRecs: nrecs}, nil
	case NakRouterNoRoute:
		return NakRouterNoRouteBody{}, nil
	default:
		detail, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		desc, err := readString(r)
		if err != nil {
			return nil, err
		}
		recno, err := readInt64(r)
		if err != nil {
			return nil, shortMsg(err)
		}
		return NakGenericBody{Detail: int(detail), Description: desc, Recno: recno}, nil
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, shortMsg(err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, shortMsg(err)
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
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

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint32(buf, uint32(v>>32)); writeUint32(buf, uint32(v)) }

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

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}
