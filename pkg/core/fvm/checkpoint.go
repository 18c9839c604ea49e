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

package fvm

import (
	"fmt"

	"hik.dev/hik/pkg/errors/hikerr"
)

// CheckpointID identifies a proof checkpoint.
type CheckpointID uint32

// Checkpoint ties a proof step to the invariant that asserts it at run
// time. It is metadata only; nothing is proved.
type Checkpoint struct {
	ID        CheckpointID
	Theorem   string
	Invariant InvariantID
	Step      string

	Verified   bool
	VerifiedAt uint64
	Holds      bool
}

// RegisterCheckpoint records a checkpoint for invariant.
func (m *Monitor) RegisterCheckpoint(theorem string, invariant InvariantID, step string) (CheckpointID, error) {
	if int(invariant) >= NumInvariants {
		return 0, fmt.Errorf("%w: invariant %d", hikerr.ErrInvalidParam, invariant)
	}
	id := CheckpointID(len(m.checkpoints) + 1)
	m.checkpoints = append(m.checkpoints, Checkpoint{ID: id, Theorem: theorem, Invariant: invariant, Step: step})
	return id, nil
}

// VerifyCheckpoint evaluates the checkpoint's invariant now and stamps the
// result.
func (m *Monitor) VerifyCheckpoint(id CheckpointID) error {
	if id == 0 || int(id) > len(m.checkpoints) {
		return fmt.Errorf("%w: checkpoint %d", hikerr.ErrNotFound, id)
	}
	cp := &m.checkpoints[id-1]
	err := m.Check(cp.Invariant)
	cp.Verified = true
	cp.VerifiedAt = m.now()
	cp.Holds = err == nil
	return err
}

// Checkpoints returns every checkpoint in registration order.
func (m *Monitor) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), m.checkpoints...)
}
