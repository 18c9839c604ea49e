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

// Package hikerr contains the kernel's failures exported as *errors.Error
// pointers. Comparing against these values is cheap and they translate
// directly into the status codes returned at the syscall boundary.
package hikerr

import (
	goerrors "errors"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/errors"
)

// One error per status code. The zero status has no error; success is nil.
var (
	ErrGeneric       = errors.New(hik.StatusGeneric, "generic failure")
	ErrInvalidParam  = errors.New(hik.StatusInvalidParam, "invalid parameter")
	ErrNoMemory      = errors.New(hik.StatusNoMemory, "out of memory")
	ErrPermission    = errors.New(hik.StatusPermission, "permission denied")
	ErrNotFound      = errors.New(hik.StatusNotFound, "not found")
	ErrTimeout       = errors.New(hik.StatusTimeout, "timed out")
	ErrBusy          = errors.New(hik.StatusBusy, "resource busy")
	ErrNotSupported  = errors.New(hik.StatusNotSupported, "not supported")
	ErrCapInvalid    = errors.New(hik.StatusCapInvalid, "invalid capability")
	ErrCapRevoked    = errors.New(hik.StatusCapRevoked, "capability revoked")
	ErrInvalidState  = errors.New(hik.StatusInvalidState, "invalid state transition")
	ErrQuotaExceeded = errors.New(hik.StatusQuotaExceeded, "quota exceeded")
)

// Named failures. Each carries the stable status it is reported as.
var (
	ErrInvalidRegion    = errors.New(hik.StatusInvalidParam, "invalid memory region")
	ErrNotAllocated     = errors.New(hik.StatusInvalidParam, "frames not allocated")
	ErrMisaligned       = errors.New(hik.StatusInvalidParam, "address not page aligned")
	ErrOverlap          = errors.New(hik.StatusBusy, "range already mapped")
	ErrUnmapped         = errors.New(hik.StatusNotFound, "address not mapped")
	ErrNoSlots          = errors.New(hik.StatusNoMemory, "no free region slots")
	ErrStackOverflow    = errors.New(hik.StatusBusy, "domain call stack full")
	ErrStackEmpty       = errors.New(hik.StatusInvalidState, "no cross-domain call to return from")
	ErrCallerTerminated = errors.New(hik.StatusInvalidState, "callee terminated")
	ErrImmutable        = errors.New(hik.StatusPermission, "capability is immutable")
	ErrNotSubset        = errors.New(hik.StatusInvalidParam, "rights are not a subset of the parent")
	ErrWrongKind        = errors.New(hik.StatusInvalidParam, "capability has the wrong kind")
	ErrNotPrivileged    = errors.New(hik.StatusPermission, "caller is not privileged")
	ErrTableFull        = errors.New(hik.StatusNoMemory, "table full")
	ErrHalted           = errors.New(hik.StatusGeneric, "kernel halted")
	ErrBadSyscall       = errors.New(hik.StatusNotSupported, "invalid syscall number")
	ErrCPUBudget        = errors.New(hik.StatusQuotaExceeded, "cpu budget exceeded")
)

// ToStatus returns the status that err is reported as. nil is success and
// errors that do not carry a status are Generic.
func ToStatus(err error) hik.Status {
	if err == nil {
		return hik.StatusSuccess
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Status()
	}
	return hik.StatusGeneric
}

// Equals compares an *errors.Error to an error, unwrapping err as needed.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	var target *errors.Error
	if !goerrors.As(err, &target) {
		return false
	}
	return target == e || goerrors.Is(err, e)
}

// FromStatus returns the canonical error for a status.
func FromStatus(s hik.Status) error {
	switch s {
	case hik.StatusSuccess:
		return nil
	case hik.StatusInvalidParam:
		return ErrInvalidParam
	case hik.StatusNoMemory:
		return ErrNoMemory
	case hik.StatusPermission:
		return ErrPermission
	case hik.StatusNotFound:
		return ErrNotFound
	case hik.StatusTimeout:
		return ErrTimeout
	case hik.StatusBusy:
		return ErrBusy
	case hik.StatusNotSupported:
		return ErrNotSupported
	case hik.StatusCapInvalid:
		return ErrCapInvalid
	case hik.StatusCapRevoked:
		return ErrCapRevoked
	case hik.StatusInvalidState:
		return ErrInvalidState
	case hik.StatusQuotaExceeded:
		return ErrQuotaExceeded
	default:
		return ErrGeneric
	}
}
