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

// Package server wires the on-disk storage engine and in-memory log
// cache to request.Dispatcher, implementing every command a logd
// process answers: create/open/close/delete, append, the three read
// variants, the three subscribe variants, unsubscribe, and
// get-metadata. It is also the RecvFunc the channel adapter calls for
// every inbound frame, translating wire messages to dispatched
// Requests and their responses back to wire messages.
package server

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gdp-project/gdp/internal/channel"
	"github.com/gdp-project/gdp/internal/datum"
	"github.com/gdp-project/gdp/internal/gdperr"
	"github.com/gdp-project/gdp/internal/logobj"
	"github.com/gdp-project/gdp/internal/metadata"
	"github.com/gdp-project/gdp/internal/metrics"
	"github.com/gdp-project/gdp/internal/proto"
	"github.com/gdp-project/gdp/internal/request"
	"github.com/gdp-project/gdp/internal/storage"
	"github.com/gdp-project/gdp/internal/subscr"
)

// Server is the log-hosting side of the daemon: every command PDU the
// channel adapter receives is decoded, bound to a Request, and routed
// through Dispatcher to one of the methods below.
type Server struct {
	Cache        *logobj.Cache
	Storage      *storage.Engine
	Dispatcher   *request.Dispatcher
	Channel      channel.Sender
	SelfName     [32]byte
	LeaseTimeout time.Duration
	Metrics      *metrics.Metrics

	// AllowGaps permits an append carrying an explicit recno beyond
	// nrecs+1 to accept the gap instead of rejecting with NakForbidden.
	AllowGaps bool
	// AllowDups permits a same-content resubmission of an already
	// committed recno (or a coincidental hash collision at a freshly
	// assigned one) to succeed idempotently instead of NakConflict.
	AllowDups bool

	logrus.FieldLogger
}

// New builds a Server and registers its command handlers on a fresh
// Dispatcher.
func New(cache *logobj.Cache, eng *storage.Engine, ch channel.Sender, selfName [32]byte, leaseTimeout time.Duration, allowGaps, allowDups bool, m *metrics.Metrics, log logrus.FieldLogger) *Server {
	s := &Server{
		Cache:        cache,
		Storage:      eng,
		Dispatcher:   request.NewDispatcher(),
		Channel:      ch,
		SelfName:     selfName,
		LeaseTimeout: leaseTimeout,
		AllowGaps:    allowGaps,
		AllowDups:    allowDups,
		Metrics:      m,
		FieldLogger:  log,
	}
	s.Dispatcher.Register(proto.CmdCreate, s.handleCreate)
	s.Dispatcher.Register(proto.CmdOpen, s.handleOpen)
	s.Dispatcher.Register(proto.CmdClose, s.handleClose)
	s.Dispatcher.Register(proto.CmdDelete, s.handleDelete)
	s.Dispatcher.Register(proto.CmdAppend, s.handleAppend)
	s.Dispatcher.Register(proto.CmdReadByRecno, s.handleReadByRecno)
	s.Dispatcher.Register(proto.CmdReadByTs, s.handleReadByTs)
	s.Dispatcher.Register(proto.CmdReadByHash, s.handleReadByHash)
	s.Dispatcher.Register(proto.CmdSubscribeByRecno, s.handleSubscribeByRecno)
	s.Dispatcher.Register(proto.CmdSubscribeByTs, s.handleSubscribeByTs)
	s.Dispatcher.Register(proto.CmdSubscribeByHash, s.handleSubscribeByHash)
	s.Dispatcher.Register(proto.CmdUnsubscribe, s.handleUnsubscribe)
	s.Dispatcher.Register(proto.CmdGetMetadata, s.handleGetMetadata)
	return s
}

// encodeTo builds the codec request.Invoke/subscr.OnAppend expect: wraps a
// response body with this server's identity and the original
// requester's name.
func (s *Server) encodeTo(dst [32]byte) func(proto.Body) ([]byte, error) {
	return func(body proto.Body) ([]byte, error) {
		return proto.EncodeMessage(&proto.Message{SrcName: s.SelfName, DstName: dst, Body: body})
	}
}

// HandleFrame is the channel.RecvFunc the adapter invokes for every
// received frame. It decodes the message, builds a server-side
// Request carrying the sender's rid, dispatches it, and -- for
// acknowledged commands -- writes back the response or synthesized
// nak.
func (s *Server) HandleFrame(src, dst [32]byte, seqno uint32, payload []byte) {
	msg, err := proto.DecodeMessage(payload)
	if err != nil {
		s.WithError(err).Warn("discarding undecodable frame")
		return
	}

	var rid uint32
	if msg.Rid != nil {
		rid = *msg.Rid
	}

	req := request.NewServer(s.Channel, dst, s.SelfName, src, rid, msg.Body, 0, s.FieldLogger)
	req.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, status := s.Dispatcher.Dispatch(ctx, req)

	if !proto.IsAcknowledged(msg.Body.Code()) {
		return
	}

	var body proto.Body
	if status != nil && !status.IsOK() {
		body = proto.NakGenericBody{Detail: status.Detail, Description: status.Error()}
	} else {
		body = resp
	}
	out, err := proto.EncodeMessage(&proto.Message{SrcName: s.SelfName, DstName: src, Rid: &rid, Body: body})
	if err != nil {
		s.WithError(err).Warn("failed to encode response")
		return
	}
	if err := s.Channel.Send(context.Background(), s.SelfName, src, out, true); err != nil {
		s.WithError(err).Warn("failed to send response")
	}
}

func (s *Server) handleCreate(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.CreateCmd)
	md, err := metadata.Deserialize(cmd.Metadata)
	if err != nil {
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat)
	}

	serializedMetadata := cmd.Metadata
	if _, ok := md.Find(metadata.TagNonce); !ok {
		// A caller that omits the nonce still needs one: the
		// self-certifying name is a hash of this metadata block, so
		// the nonce has to be assigned before that hash is taken, not
		// handed back separately.
		writable := md.Clone()
		nonce := uuid.New()
		if aerr := writable.Add(metadata.TagNonce, nonce[:]); aerr != nil {
			return nil, gdperr.Wrap(aerr, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMetadataRequired)
		}
		md = writable
		if serializedMetadata, err = md.Serialize(); err != nil {
			return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat)
		}
	}
	if err := md.Validate(); err != nil {
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMetadataRequired)
	}
	name, err := metadata.Name(md)
	if err != nil {
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat)
	}

	handle, err := s.Storage.Create(name, serializedMetadata)
	if err != nil {
		if st, ok := err.(*gdperr.Status); ok {
			return nil, st
		}
		return nil, gdperr.Wrap(err, gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailPhysioError)
	}

	obj, _, err := s.Cache.Get(name, logobj.GetOpenFlags{Create: true, GetPending: true})
	if err != nil {
		if st, ok := err.(*gdperr.Status); ok {
			return nil, st
		}
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailInternalError)
	}
	obj.Metadata = md
	obj.Storage = handle
	obj.HashAlg = byte(datum.HashAlgSHA256)
	obj.Flags &^= logobj.FlagPending
	obj.Unlock()

	s.advertise(name)
	if m := s.Metrics; m != nil {
		m.CacheSize.Set(float64(s.Cache.Len()))
	}
	return proto.AckCreatedBody{LogName: name}, nil
}

// advertise tells the router this process now hosts name, if the
// configured Channel supports advertisement (channel.Chan does; a
// test fake may not).
func (s *Server) advertise(name [32]byte) {
	if adv, ok := s.Channel.(interface{ Advertise([32]byte) }); ok {
		adv.Advertise(name)
	}
}

func (s *Server) handleOpen(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	name := req.LogName
	obj, _, err := s.Cache.Get(name, logobj.GetOpenFlags{})
	if err != nil {
		handle, oerr := s.Storage.Open(name)
		if oerr != nil {
			if st, ok := oerr.(*gdperr.Status); ok {
				return nil, st
			}
			return nil, gdperr.Wrap(oerr, gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailLogNotOpen)
		}
		mdBytes, merr := handle.GetMetadata()
		if merr != nil {
			handle.Close()
			if st, ok := merr.(*gdperr.Status); ok {
				return nil, st
			}
			return nil, gdperr.Wrap(merr, gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailNoMetadata)
		}
		md, derr := metadata.Deserialize(mdBytes)
		if derr != nil {
			handle.Close()
			return nil, gdperr.Wrap(derr, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat)
		}
		newObj := &logobj.Object{Name: name, Metadata: md, Storage: handle, HashAlg: byte(datum.HashAlgSHA256)}
		s.Cache.Add(name, newObj)
		obj, _, err = s.Cache.Get(name, logobj.GetOpenFlags{})
		if err != nil {
			if st, ok := err.(*gdperr.Status); ok {
				return nil, st
			}
			return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailInternalError)
		}
	}
	md, _ := obj.Metadata.Serialize()
	obj.Unlock()
	return proto.AckSuccessBody{Metadata: md}, nil
}

func (s *Server) handleClose(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{Peek: true})
	if err == nil {
		obj.Unlock()
		obj.Decref()
	}
	return proto.AckDeletedBody{}, nil
}

func (s *Server) handleDelete(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	if err := s.Storage.Remove(req.LogName); err != nil {
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailPhysioError)
	}
	s.Cache.Drop(req.LogName)
	return proto.AckDeletedBody{}, nil
}

func (s *Server) handleAppend(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.AppendCmd)
	if len(cmd.Datums) == 0 {
		return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailDatumRequired, nil)
	}

	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		if st, ok := err.(*gdperr.Status); ok {
			return nil, st
		}
		return nil, gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailLogNotOpen)
	}

	var last proto.Body
	for _, raw := range cmd.Datums {
		d, derr := datum.Decode(raw)
		if derr != nil {
			obj.Unlock()
			return nil, gdperr.Wrap(derr, gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailMsgFormat)
		}

		nextRecno := obj.NRecs + 1
		if d.Recno != 0 && d.Recno < nextRecno {
			// The caller is resubmitting a recno that's already
			// committed. Per the append boundary rule, that's only
			// legitimate if it reproduces the same content; anything
			// else is a genuine recno collision.
			var existing storage.Record
			found := false
			if rerr := obj.Storage.ReadByRecnoOnce(d.Recno, func(r storage.Record) error {
				existing, found = r, true
				return nil
			}); rerr != nil {
				obj.Unlock()
				return nil, gdperr.Wrap(rerr, gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailSqliteError)
			}
			if found && bytes.Equal(existing.Payload, d.Payload) {
				if !s.AllowDups {
					obj.Unlock()
					return proto.NakConflictBody{Recno: obj.NRecs, NRecs: int64(len(cmd.Datums))}, nil
				}
				last = proto.AckSuccessBody{Recno: existing.Recno, Sec: existing.Sec, Nsec: existing.Nsec, Hash: existing.Hash}
				continue
			}
			obj.Unlock()
			return proto.NakConflictBody{Recno: obj.NRecs, NRecs: int64(len(cmd.Datums))}, nil
		}
		if d.Recno > nextRecno {
			if !s.AllowGaps {
				obj.Unlock()
				return proto.NakGenericBody{Detail: gdperr.DetailForbidden, Description: "append recno leaves a gap", Recno: obj.NRecs}, nil
			}
			nextRecno = d.Recno
		}

		d.Recno = nextRecno
		now := time.Now()
		d.TS = datum.Timestamp{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
		d.PrevHash = obj.LastHash

		serializedMD, _ := obj.Metadata.Serialize()
		digest, herr := datum.CanonicalDigest(datum.DigestInputs{LogName: obj.Name, SerializedMetadata: serializedMD, Alg: datum.HashAlg(obj.HashAlg)}, d)
		if herr != nil {
			obj.Unlock()
			return nil, gdperr.Wrap(herr, gdperr.ERROR, gdperr.ModuleCrypto, gdperr.DetailHashAlg)
		}

		rec := storage.Record{Hash: digest.Bytes[:], Recno: d.Recno, Sec: d.TS.Sec, Nsec: d.TS.Nsec, Accuracy: d.TS.Accuracy, PrevHash: d.PrevHash.Bytes[:], Payload: d.Payload}
		if d.Sig != nil {
			rec.Sig = d.Sig.Bytes
		}
		inserted, aerr := obj.Storage.Append(rec)
		if aerr != nil {
			obj.Unlock()
			if st, ok := aerr.(*gdperr.Status); ok {
				return nil, st
			}
			return nil, gdperr.Wrap(aerr, gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError)
		}
		if !inserted {
			// nextRecno was never used before, so this can only be a
			// hash collision with unrelated content elsewhere in the
			// log: treat it the same as a same-recno duplicate rather
			// than silently advancing nrecs/LastHash past a record
			// that was never actually written.
			if !s.AllowDups {
				obj.Unlock()
				return proto.NakConflictBody{Recno: obj.NRecs, NRecs: int64(len(cmd.Datums))}, nil
			}
			last = proto.AckSuccessBody{Recno: d.Recno, Sec: d.TS.Sec, Nsec: d.TS.Nsec, Hash: digest.Bytes[:]}
			continue
		}
		obj.NRecs = nextRecno
		obj.LastHash = digest

		if m := s.Metrics; m != nil {
			m.Appends.WithLabelValues(hexName(obj.Name)).Inc()
		}

		subscr.OnAppend(ctx, obj, d, s.SelfName, s.encodeTo(req.SelfName))
		last = proto.AckSuccessBody{Recno: d.Recno, Sec: d.TS.Sec, Nsec: d.TS.Nsec, Hash: digest.Bytes[:]}
	}
	obj.Unlock()
	return last, nil
}

func (s *Server) handleReadByRecno(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.ReadByRecnoCmd)
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	handle := obj.Storage
	nrecs := obj.NRecs
	obj.Unlock()

	recno := cmd.Recno
	if recno < 0 {
		recno = nrecs + recno + 1
		if recno < 1 {
			recno = 1
		}
	}

	var datums [][]byte
	_, rerr := handle.ReadByRecno(recno, cmd.NRecs, func(r storage.Record) error {
		datums = append(datums, recordToDatum(r).Encode())
		return nil
	})
	if rerr != nil {
		return nil, asStatus(rerr, gdperr.DetailNotFound)
	}
	if m := s.Metrics; m != nil {
		m.Reads.WithLabelValues(hexName(req.LogName), "recno").Inc()
	}
	return proto.AckContentBody{Datums: datums}, nil
}

func (s *Server) handleReadByTs(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.ReadByTsCmd)
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	handle := obj.Storage
	obj.Unlock()

	var datums [][]byte
	_, rerr := handle.ReadByTimestamp(cmd.Sec, cmd.NRecs, func(r storage.Record) error {
		datums = append(datums, recordToDatum(r).Encode())
		return nil
	})
	if rerr != nil {
		return nil, asStatus(rerr, gdperr.DetailNotFound)
	}
	if m := s.Metrics; m != nil {
		m.Reads.WithLabelValues(hexName(req.LogName), "ts").Inc()
	}
	return proto.AckContentBody{Datums: datums}, nil
}

func (s *Server) handleReadByHash(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.ReadByHashCmd)
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	handle := obj.Storage
	obj.Unlock()

	r, rerr := handle.ReadByHash(cmd.Hash)
	if rerr != nil {
		return nil, asStatus(rerr, gdperr.DetailNotFound)
	}
	if m := s.Metrics; m != nil {
		m.Reads.WithLabelValues(hexName(req.LogName), "hash").Inc()
	}
	return proto.AckContentBody{Datums: [][]byte{recordToDatum(r).Encode()}}, nil
}

func (s *Server) handleSubscribeByRecno(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.SubscribeByRecnoCmd)
	return s.subscribeFrom(ctx, req, cmd.Start, cmd.NRecs, cmd.Timeout)
}

func (s *Server) handleSubscribeByTs(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.SubscribeByTsCmd)
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	handle := obj.Storage
	obj.Unlock()

	var start int64 = 1
	_, rerr := handle.ReadByTimestamp(cmd.Sec, 1, func(r storage.Record) error {
		start = r.Recno
		return nil
	})
	if rerr != nil {
		start = 1
	}
	return s.subscribeFrom(ctx, req, start, cmd.NRecs, cmd.Timeout)
}

func (s *Server) handleSubscribeByHash(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	cmd := req.Cmd.(proto.SubscribeByHashCmd)
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	handle := obj.Storage
	obj.Unlock()

	r, rerr := handle.ReadByHash(cmd.Hash)
	if rerr != nil {
		return nil, asStatus(rerr, gdperr.DetailNotFound)
	}
	return s.subscribeFrom(ctx, req, r.Recno, 0, cmd.Timeout)
}

// subscribeFrom delivers any backlog records from start through the
// log's current tail, then -- if the subscription is unbounded or
// still has records remaining -- registers a ServerSub so future
// appends continue the fan-out.
func (s *Server) subscribeFrom(ctx context.Context, req *request.Request, start, nrecs int64, timeoutSecs uint32) (proto.Body, *gdperr.Status) {
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}

	leaseTimeout := s.LeaseTimeout
	if timeoutSecs != 0 {
		leaseTimeout = time.Duration(timeoutSecs) * time.Second
	}

	req.NextRecno = start
	req.Remaining = nrecs
	encode := s.encodeTo(req.SelfName)

	delivered := int64(0)
	if have, _ := obj.Storage.RecnoExists(start); have {
		_, _ = obj.Storage.ReadByRecno(start, nrecs, func(r storage.Record) error {
			payload, eerr := encode(proto.AckContentBody{Datums: [][]byte{recordToDatum(r).Encode()}})
			if eerr != nil {
				return eerr
			}
			if serr := s.Channel.Send(ctx, s.SelfName, req.Peer, payload, true); serr != nil {
				return serr
			}
			req.NextRecno = r.Recno + 1
			delivered++
			return nil
		})
	}
	if nrecs != 0 {
		req.Remaining = nrecs - delivered
	}

	sub := subscr.NewServerSub(req, obj, s.SelfName, s.Channel, encode, leaseTimeout)
	obj.Unlock()

	if nrecs != 0 && req.Remaining <= 0 {
		obj.RemoveRequest(sub.Req)
		request.Free(sub.Req)
		eor, _ := encode(proto.AckEndOfResultsBody{NResults: delivered})
		_ = s.Channel.Send(ctx, s.SelfName, req.Peer, eor, true)
	}
	if m := s.Metrics; m != nil {
		m.SubscriptionsLive.Inc()
	}
	return proto.AckSuccessBody{Recno: req.NextRecno}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{Peek: true})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	obj.Unlock()

	for _, r := range obj.Requests() {
		r.Lock()
		match := r.Rid == req.Rid
		r.Unlock()
		if match {
			obj.RemoveRequest(r)
			request.Free(r)
			if m := s.Metrics; m != nil {
				m.SubscriptionsLive.Dec()
			}
			return proto.AckDeletedBody{}, nil
		}
	}
	return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleCore, gdperr.DetailNotFound, nil)
}

func (s *Server) handleGetMetadata(ctx context.Context, req *request.Request) (proto.Body, *gdperr.Status) {
	obj, _, err := s.Cache.Get(req.LogName, logobj.GetOpenFlags{Peek: true})
	if err != nil {
		return nil, asStatus(err, gdperr.DetailLogNotOpen)
	}
	md, _ := obj.Metadata.Serialize()
	obj.Unlock()
	return proto.AckSuccessBody{Metadata: md}, nil
}

func recordToDatum(r storage.Record) *datum.Datum {
	d := &datum.Datum{
		Recno:   r.Recno,
		TS:      datum.Timestamp{Sec: r.Sec, Nsec: r.Nsec, Accuracy: r.Accuracy},
		Payload: r.Payload,
	}
	copy(d.PrevHash.Bytes[:], r.PrevHash)
	d.PrevHash.Alg = datum.HashAlgSHA256
	if len(r.Sig) > 0 {
		d.Sig = &datum.Signature{KeyType: "ed25519", Bytes: r.Sig}
	}
	return d
}

func asStatus(err error, fallback int) *gdperr.Status {
	if st, ok := err.(*gdperr.Status); ok {
		return st
	}
	return gdperr.Wrap(err, gdperr.ERROR, gdperr.ModuleCore, fallback)
}

func hexName(name [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = hextable[name[i]>>4]
		out[i*2+1] = hextable[name[i]&0xf]
	}
	return string(out)
}
