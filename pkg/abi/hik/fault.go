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

// FaultKind is the type of a synchronous exception taken by a thread. It is
// passed to fault handlers in RegArg0.
type FaultKind uint32

// Fault kinds.
const (
	FaultPage FaultKind = iota + 1
	FaultIllegalInstruction
	FaultAccess
	FaultAlignment
	FaultDivide
)

var faultNames = map[FaultKind]string{
	FaultPage:               "page fault",
	FaultIllegalInstruction: "illegal instruction",
	FaultAccess:             "access violation",
	FaultAlignment:          "alignment fault",
	FaultDivide:             "divide error",
}

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	if s, ok := faultNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FaultKind(%d)", uint32(k))
}

// Valid returns whether k names a fault.
func (k FaultKind) Valid() bool {
	_, ok := faultNames[k]
	return ok
}
