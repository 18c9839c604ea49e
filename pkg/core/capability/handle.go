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

package capability

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/errors/hikerr"
)

// Handles are what user code holds in place of a CapID. A handle is
// token<<32 | id, where the token is keyed per domain, so a handle minted
// for one domain does not resolve in another and cannot be guessed from
// the id alone.

// tokenBit is always set in a token so that no valid handle is zero.
const tokenBit = 1 << 31

// RegisterDomain generates d's handle key. Re-registering replaces the key
// and invalidates handles minted before.
func (t *Table) RegisterDomain(d hik.DomainID) error {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Errorf("generating handle key for domain %d: %w", d, err)
	}
	t.keys[d] = binary.LittleEndian.Uint64(b[:])
	t.space(d)
	return nil
}

// UnregisterDomain drops d's handle key.
func (t *Table) UnregisterDomain(d hik.DomainID) {
	delete(t.keys, d)
}

func token(key uint64, id hik.CapID) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint64(b[:], key)
	binary.LittleEndian.PutUint32(b[8:], uint32(id))
	return uint32(xxhash.Sum64(b[:])) | tokenBit
}

// Handle returns the handle d uses to name id.
func (t *Table) Handle(d hik.DomainID, id hik.CapID) (uint64, error) {
	key, ok := t.keys[d]
	if !ok {
		return 0, fmt.Errorf("%w: domain %d has no handle key", hikerr.ErrNotFound, d)
	}
	return uint64(token(key, id))<<32 | uint64(id), nil
}

// ResolveHandle returns the CapID named by handle h in domain d. Ownership
// is not checked here; Check does that.
func (t *Table) ResolveHandle(d hik.DomainID, h uint64) (hik.CapID, error) {
	key, ok := t.keys[d]
	if !ok || h == 0 {
		return hik.InvalidCap, hikerr.ErrCapInvalid
	}
	id := hik.CapID(uint32(h))
	if uint32(h>>32) != token(key, id) {
		return hik.InvalidCap, fmt.Errorf("%w: bad handle %#x", hikerr.ErrCapInvalid, h)
	}
	return id, nil
}
