// Copyright 2026 The gVisor Authors.
//
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

package hik

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// AuditKind is the type of an audit record.
type AuditKind uint8

// Audit record kinds.
const (
	AuditCapVerify AuditKind = iota
	AuditCapCreate
	AuditCapTransfer
	AuditCapDerive
	AuditCapRevoke
	AuditDomainCreate
	AuditDomainDestroy
	AuditDomainSuspend
	AuditDomainResume
	AuditThreadCreate
	AuditThreadDestroy
	AuditThreadSwitch
	AuditSyscall
	AuditIrq
	AuditIpcCall
	AuditIpcReturn
	AuditException
	AuditSecurityViolation
	AuditPmmAlloc
	AuditPmmFree
	AuditPagetableMap
	AuditPagetableUnmap
	AuditServiceCrash
	AuditServiceRestart
	AuditResourceExhausted
	AuditMonitorAction
	AuditPanic

	numAuditKinds
)

var auditKindNames = [...]string{
	AuditCapVerify:         "CapVerify",
	AuditCapCreate:         "CapCreate",
	AuditCapTransfer:       "CapTransfer",
	AuditCapDerive:         "CapDerive",
	AuditCapRevoke:         "CapRevoke",
	AuditDomainCreate:      "DomainCreate",
	AuditDomainDestroy:     "DomainDestroy",
	AuditDomainSuspend:     "DomainSuspend",
	AuditDomainResume:      "DomainResume",
	AuditThreadCreate:      "ThreadCreate",
	AuditThreadDestroy:     "ThreadDestroy",
	AuditThreadSwitch:      "ThreadSwitch",
	AuditSyscall:           "Syscall",
	AuditIrq:               "Irq",
	AuditIpcCall:           "IpcCall",
	AuditIpcReturn:         "IpcReturn",
	AuditException:         "Exception",
	AuditSecurityViolation: "SecurityViolation",
	AuditPmmAlloc:          "PmmAlloc",
	AuditPmmFree:           "PmmFree",
	AuditPagetableMap:      "PagetableMap",
	AuditPagetableUnmap:    "PagetableUnmap",
	AuditServiceCrash:      "ServiceCrash",
	AuditServiceRestart:    "ServiceRestart",
	AuditResourceExhausted: "ResourceExhausted",
	AuditMonitorAction:     "MonitorAction",
	AuditPanic:             "Panic",
}

// String implements fmt.Stringer.String.
func (k AuditKind) String() string {
	if k < numAuditKinds {
		return auditKindNames[k]
	}
	return fmt.Sprintf("AuditKind(%d)", uint8(k))
}

// ParseAuditKind returns the kind named name, ignoring case.
func ParseAuditKind(name string) (AuditKind, error) {
	for k, n := range auditKindNames {
		if strings.EqualFold(n, name) {
			return AuditKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown audit kind %q", name)
}

// Audit results.
const (
	AuditFailure uint8 = 0
	AuditSuccess uint8 = 1
)

// AuditRecord is the fixed-size audit log entry.
type AuditRecord struct {
	Timestamp uint64
	Sequence  uint32
	Kind      AuditKind
	Domain    DomainID
	Cap       CapID
	Thread    ThreadID
	Result    uint8
	Data      [4]uint64
}

// AuditRecordSize is the encoded size of an AuditRecord. The encoding is
// little endian and padded to a cache line.
const AuditRecordSize = 64

// MarshalBinary encodes r into exactly AuditRecordSize bytes.
func (r *AuditRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, AuditRecordSize)
	r.MarshalTo(b)
	return b, nil
}

// MarshalTo encodes r into dst, which must hold AuditRecordSize bytes.
//
// Layout: timestamp(8) sequence(4) kind(1) result(1) pad(2) domain(4)
// cap(4) thread(4) pad(4) data(32).
func (r *AuditRecord) MarshalTo(dst []byte) {
	_ = dst[AuditRecordSize-1]
	le := binary.LittleEndian
	le.PutUint64(dst[0:], r.Timestamp)
	le.PutUint32(dst[8:], r.Sequence)
	dst[12] = byte(r.Kind)
	dst[13] = r.Result
	dst[14], dst[15] = 0, 0
	le.PutUint32(dst[16:], uint32(r.Domain))
	le.PutUint32(dst[20:], uint32(r.Cap))
	le.PutUint32(dst[24:], uint32(r.Thread))
	le.PutUint32(dst[28:], 0)
	for i, d := range r.Data {
		le.PutUint64(dst[32+8*i:], d)
	}
}

// UnmarshalBinary decodes an AuditRecord.
func (r *AuditRecord) UnmarshalBinary(src []byte) error {
	if len(src) < AuditRecordSize {
		return fmt.Errorf("audit record too short: %d bytes", len(src))
	}
	le := binary.LittleEndian
	r.Timestamp = le.Uint64(src[0:])
	r.Sequence = le.Uint32(src[8:])
	r.Kind = AuditKind(src[12])
	r.Result = src[13]
	r.Domain = DomainID(le.Uint32(src[16:]))
	r.Cap = CapID(le.Uint32(src[20:]))
	r.Thread = ThreadID(le.Uint32(src[24:]))
	for i := range r.Data {
		r.Data[i] = le.Uint64(src[32+8*i:])
	}
	return nil
}
