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

// Package gdperr defines the typed status values raised by the core:
// a severity, a module, and a detail number. Detail values 200-699
// coincide with the ack/nak codes of the message layer (see the
// proto package's status table) so a status and a wire code round-trip
// without translation.
package gdperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Severity orders from least to most serious, matching the escalation
// path a caller applies when deciding whether to log, retry, or abort.
type Severity int

const (
	OK Severity = iota
	WARN
	ERROR
	SEVERE
	ABORT
)

func (s Severity) String() string {
	switch s {
	case OK:
		return "OK"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case SEVERE:
		return "SEVERE"
	case ABORT:
		return "ABORT"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Module groups detail numbers into the subsystem that raised them, so
// the same numeric detail in two modules never collides.
type Module string

const (
	ModuleCore    Module = "core"
	ModuleStorage Module = "storage"
	ModuleCrypto  Module = "crypto"
	ModuleProto   Module = "proto"
)

// Status is a typed, structured error value. The zero Status is OK.
type Status struct {
	Severity Severity
	Module   Module
	Detail   int
	cause    error
}

func (s *Status) Error() string {
	if s.cause != nil {
		return fmt.Sprintf("%s %s/%d: %v", s.Severity, s.Module, s.Detail, s.cause)
	}
	return fmt.Sprintf("%s %s/%d: %s", s.Severity, s.Module, s.Detail, Name(s))
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (s *Status) Unwrap() error { return s.cause }

// IsOK reports whether s represents success (nil s counts as OK).
func (s *Status) IsOK() bool { return s == nil || s.Severity == OK }

// New constructs a Status, optionally wrapping cause with
// github.com/pkg/errors for a recorded stack trace.
func New(sev Severity, mod Module, detail int, cause error) *Status {
	st := &Status{Severity: sev, Module: mod, Detail: detail}
	if cause != nil {
		st.cause = errors.WithStack(cause)
	}
	return st
}

// Wrap attaches a Status's severity/module/detail to an existing error
// without discarding it, mirroring pkg/errors.Wrap's message-plus-cause
// idiom used elsewhere in this codebase.
func Wrap(err error, sev Severity, mod Module, detail int) *Status {
	if err == nil {
		return nil
	}
	return New(sev, mod, detail, err)
}

// acknak-range kinds, detail numbers grounded in the original status
// header: 200-263 ack, 400-431 client nak, 500-531 server nak,
// 600-699 routing nak.
const (
	DetailMsgFormat          = 1
	DetailShortMsg           = 2
	DetailNotImplemented     = 4
	DetailPduWriteFail       = 5
	DetailPduReadFail        = 6
	DetailVersionMismatch    = 7
	DetailLogNotOpen         = 10
	DetailUnknownRid         = 11
	DetailInternalError      = 12
	DetailNameInvalid        = 14
	DetailBufferFailure      = 15
	DetailNullGob            = 16
	DetailNullGin            = 17
	DetailProtocolFail       = 18
	DetailCorruptLog         = 19
	DetailDeadDaemon         = 20
	DetailLogVersionMismatch = 21
	DetailReadOnly           = 22
	DetailNotFound           = 23
	DetailPduCorrupt         = 24
	DetailSkeyRequired       = 25
	DetailRecnoSeqError      = 27
	DetailVrfyFail           = 28
	DetailPhysioError        = 29
	DetailRecordExpired      = 30
	DetailUsingFreeReq       = 31
	DetailBadRefcnt          = 32
	DetailRecordMissing      = 33
	DetailRecordDuplicated   = 34
	DetailDatumRequired      = 35
	DetailSqliteError        = 36
	DetailInvokeTimeout      = 37
	DetailPduTooLong         = 38
	DetailChanNotConnected   = 39
	DetailMetadataRequired   = 40
	DetailResponseSent       = 41
	DetailNoMetadata         = 42
	DetailNameUnknown        = 43
	DetailSigMissing         = 45
	DetailNoPubKey           = 46
	DetailNoSig              = 47
	DetailHashAlg            = 49
	DetailCryptoError        = 54
	DetailKeyType            = 55
	DetailKeyTooSmall        = 56
	DetailNoRoute            = 600
)

// Client-nak details occupying the reserved ack/nak band directly:
// unlike the core detail numbers above (informational; apart from
// DetailNoRoute, which maps to NakRouterNoRoute, they round-trip to
// NakInternal), these two are read by
// proto.NakGenericBody.Code() to select NakForbidden/NakConflict on
// the wire, so they must stay in the 400-431 client-nak band.
const (
	DetailForbidden = 401
	DetailConflict  = 402
)

var kindNames = map[int]string{
	DetailMsgFormat:          "MsgFormat",
	DetailShortMsg:           "ShortMsg",
	DetailNotImplemented:     "NotImplemented",
	DetailPduWriteFail:       "PduWriteFail",
	DetailPduReadFail:        "PduReadFail",
	DetailVersionMismatch:    "VersionMismatch",
	DetailLogNotOpen:         "LogNotOpen",
	DetailUnknownRid:         "UnknownRid",
	DetailInternalError:      "InternalError",
	DetailNameInvalid:        "NameInvalid",
	DetailBufferFailure:      "BufferFailure",
	DetailNullGob:            "NullGob",
	DetailNullGin:            "NullGin",
	DetailProtocolFail:       "ProtocolFail",
	DetailCorruptLog:         "CorruptLog",
	DetailDeadDaemon:         "DeadDaemon",
	DetailLogVersionMismatch: "LogVersionMismatch",
	DetailReadOnly:           "ReadOnly",
	DetailNotFound:           "NotFound",
	DetailPduCorrupt:         "PduCorrupt",
	DetailRecnoSeqError:      "RecnoSeqError",
	DetailVrfyFail:           "VrfyFail",
	DetailPhysioError:        "PhysioError",
	DetailRecordExpired:      "RecordExpired",
	DetailUsingFreeReq:       "UsingFreeReq",
	DetailBadRefcnt:          "BadRefcnt",
	DetailRecordMissing:      "RecordMissing",
	DetailRecordDuplicated:   "RecordDuplicated",
	DetailDatumRequired:      "DatumRequired",
	DetailMetadataRequired:   "MetadataRequired",
	DetailSqliteError:        "SqliteError",
	DetailInvokeTimeout:      "InvokeTimeout",
	DetailPduTooLong:         "PduTooLong",
	DetailChanNotConnected:   "ChanNotConnected",
	DetailResponseSent:       "ResponseSent",
	DetailNoMetadata:         "NoMetadata",
	DetailNameUnknown:        "NameUnknown",
	DetailSigMissing:         "SigMissing",
	DetailNoPubKey:           "NoPubKey",
	DetailNoSig:              "NoSig",
	DetailHashAlg:            "HashAlg",
	DetailCryptoError:        "CryptoError",
	DetailKeyType:            "KeyType",
	DetailKeyTooSmall:        "KeyTooSmall",
	DetailNoRoute:            "NoRoute",
}

// Name returns the symbolic kind name for s's detail, or a numeric
// fallback if the detail isn't one of the named kinds above.
func Name(s *Status) string {
	if n, ok := kindNames[s.Detail]; ok {
		return n
	}
	return fmt.Sprintf("Detail(%d)", s.Detail)
}

// IsAck reports whether detail falls in the 200-263 ack range.
func IsAck(detail int) bool { return detail >= 200 && detail <= 263 }

// IsClientNak reports whether detail falls in the 400-431 client nak range.
func IsClientNak(detail int) bool { return detail >= 400 && detail <= 431 }

// IsServerNak reports whether detail falls in the 500-531 server nak range.
func IsServerNak(detail int) bool { return detail >= 500 && detail <= 531 }

// IsRouteNak reports whether detail falls in the 600-699 routing nak range.
func IsRouteNak(detail int) bool { return detail >= 600 && detail <= 699 }
