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

import "fmt"

// Status is the 32-bit result code returned at the syscall boundary. The
// numeric values are stable.
type Status uint32

// Status codes.
const (
	StatusSuccess       Status = 0
	StatusGeneric       Status = 1
	StatusInvalidParam  Status = 2
	StatusNoMemory      Status = 3
	StatusPermission    Status = 4
	StatusNotFound      Status = 5
	StatusTimeout       Status = 6
	StatusBusy          Status = 7
	StatusNotSupported  Status = 8
	StatusCapInvalid    Status = 9
	StatusCapRevoked    Status = 10
	StatusInvalidState  Status = 11
	StatusQuotaExceeded Status = 12
)

var statusNames = [...]string{
	StatusSuccess:       "Success",
	StatusGeneric:       "Generic",
	StatusInvalidParam:  "InvalidParam",
	StatusNoMemory:      "NoMemory",
	StatusPermission:    "Permission",
	StatusNotFound:      "NotFound",
	StatusTimeout:       "Timeout",
	StatusBusy:          "Busy",
	StatusNotSupported:  "NotSupported",
	StatusCapInvalid:    "CapInvalid",
	StatusCapRevoked:    "CapRevoked",
	StatusInvalidState:  "InvalidState",
	StatusQuotaExceeded: "QuotaExceeded",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Ok returns true for StatusSuccess.
func (s Status) Ok() bool {
	return s == StatusSuccess
}
