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

// Package capability implements the kernel capability table.
//
// Every capability is created here and carries a kind tag and a matching
// payload. A capability has exactly one owner; transfer moves it. Derived
// capabilities form a tree under their parent. Revoking a capability
// revokes its whole subtree. Slots are never reused, so a revoked id keeps
// reporting CapRevoked.
package capability

import (
	"fmt"
	"sort"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hikarch"
)

// DefaultMaxCaps is the table size used when none is configured.
const DefaultMaxCaps = 1 << 16

// Accountant enforces capability quotas and domain liveness. The domain
// manager implements it.
type Accountant interface {
	// CheckCapQuota returns an error if d may not hold another
	// capability.
	CheckCapQuota(d hik.DomainID) error

	// ChargeCap adjusts d's capability count by delta.
	ChargeCap(d hik.DomainID, delta int)

	// IsActive returns whether d may own capabilities.
	IsActive(d hik.DomainID) bool
}

// Table is the capability table. It is not safe for concurrent use; the
// kernel serializes calls.
type Table struct {
	// caps is indexed by CapID. Entry 0 is always nil.
	caps    []*Capability
	maxCaps int

	spaces  map[hik.DomainID]map[hik.CapID]struct{}
	ledgers map[hik.DomainID]*Ledger
	keys    map[hik.DomainID]uint64

	acct  Accountant
	audit audit.Sink
}

// NewTable returns an empty table holding at most maxCaps capabilities.
func NewTable(maxCaps int, sink audit.Sink) *Table {
	if maxCaps <= 0 {
		maxCaps = DefaultMaxCaps
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &Table{
		caps:    make([]*Capability, 1),
		maxCaps: maxCaps,
		spaces:  make(map[hik.DomainID]map[hik.CapID]struct{}),
		ledgers: make(map[hik.DomainID]*Ledger),
		keys:    make(map[hik.DomainID]uint64),
		audit:   sink,
	}
}

// SetAccountant installs the quota accountant.
func (t *Table) SetAccountant(acct Accountant) {
	t.acct = acct
}

func (t *Table) space(d hik.DomainID) map[hik.CapID]struct{} {
	s, ok := t.spaces[d]
	if !ok {
		s = make(map[hik.CapID]struct{})
		t.spaces[d] = s
	}
	return s
}

func (t *Table) ledger(d hik.DomainID) *Ledger {
	l, ok := t.ledgers[d]
	if !ok {
		l = &Ledger{}
		t.ledgers[d] = l
	}
	return l
}

func (t *Table) lookup(id hik.CapID) (*Capability, error) {
	if id == hik.InvalidCap || int(id) >= len(t.caps) {
		return nil, fmt.Errorf("%w: %d", hikerr.ErrCapInvalid, id)
	}
	return t.caps[id], nil
}

// checkOwner verifies that owner may receive one more capability.
func (t *Table) checkOwner(owner hik.DomainID) error {
	if t.acct == nil {
		return nil
	}
	if !t.acct.IsActive(owner) {
		return fmt.Errorf("%w: domain %d is not active", hikerr.ErrInvalidState, owner)
	}
	return t.acct.CheckCapQuota(owner)
}

func (t *Table) insert(owner hik.DomainID, kind Kind, rights Rights, payload Payload, flags Flags) (hik.CapID, error) {
	if err := t.checkOwner(owner); err != nil {
		return hik.InvalidCap, err
	}
	if len(t.caps) > t.maxCaps {
		return hik.InvalidCap, hikerr.ErrTableFull
	}
	c := &Capability{
		ID:      hik.CapID(len(t.caps)),
		Kind:    kind,
		Owner:   owner,
		Rights:  rights,
		Payload: payload,
		Flags:   flags,
	}
	t.caps = append(t.caps, c)
	t.space(owner)[c.ID] = struct{}{}
	t.ledger(owner).Created++
	if t.acct != nil {
		t.acct.ChargeCap(owner, 1)
	}
	return c.ID, nil
}

func (t *Table) create(owner hik.DomainID, kind Kind, rights Rights, payload Payload) (hik.CapID, error) {
	if !rights.Valid() {
		return hik.InvalidCap, fmt.Errorf("%w: rights %#x", hikerr.ErrInvalidParam, uint16(rights))
	}
	id, err := t.insert(owner, kind, rights, payload, 0)
	t.audit.Record(hik.AuditCapCreate, owner, id, 0, err == nil, uint64(kind), uint64(rights))
	return id, err
}

func checkRange(base hikarch.PhysAddr, size uint64) error {
	if size == 0 || hikarch.AddOverflows(uint64(base), size) {
		return fmt.Errorf("%w: range %v+%#x", hikerr.ErrInvalidParam, base, size)
	}
	return nil
}

// CreateMemory creates a memory capability over [base, base+size).
func (t *Table) CreateMemory(owner hik.DomainID, base hikarch.PhysAddr, size uint64, rights Rights) (hik.CapID, error) {
	if err := checkRange(base, size); err != nil {
		return hik.InvalidCap, err
	}
	return t.create(owner, KindMemory, rights, MemoryPayload{Base: base, Size: size})
}

// CreateMMIO creates a device capability over [base, base+size). Its rights
// are always MMIORights.
func (t *Table) CreateMMIO(owner hik.DomainID, base hikarch.PhysAddr, size uint64) (hik.CapID, error) {
	if err := checkRange(base, size); err != nil {
		return hik.InvalidCap, err
	}
	return t.create(owner, KindMMIO, MMIORights, MMIOPayload{Base: base, Size: size})
}

// CreateIRQ creates a capability for an interrupt vector.
func (t *Table) CreateIRQ(owner hik.DomainID, vector uint8) (hik.CapID, error) {
	return t.create(owner, KindIRQ, RightRead|RightWrite, IRQPayload{Vector: vector})
}

// CreateEndpoint creates an endpoint for calls into target.
func (t *Table) CreateEndpoint(owner, target hik.DomainID, tag uint64) (hik.CapID, error) {
	if t.acct != nil && !t.acct.IsActive(target) {
		return hik.InvalidCap, fmt.Errorf("%w: endpoint target %d", hikerr.ErrNotFound, target)
	}
	return t.create(owner, KindEndpoint, EndpointRights, EndpointPayload{Target: target, Tag: tag})
}

// CreateService creates a capability naming a privileged service.
func (t *Table) CreateService(owner, service hik.DomainID, name string) (hik.CapID, error) {
	return t.create(owner, KindService, RightRead|RightWrite, ServicePayload{Service: service, Name: name})
}

// SetImmutable marks id as not transferable.
func (t *Table) SetImmutable(id hik.CapID) error {
	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	c.Flags |= FlagImmutable
	return nil
}

// Check verifies that domain owns id with at least required rights.
func (t *Table) Check(domain hik.DomainID, id hik.CapID, required Rights) error {
	err := t.check(domain, id, required)
	if err != nil {
		t.audit.Record(hik.AuditCapVerify, domain, id, 0, false, uint64(required), uint64(hikerr.ToStatus(err)))
	}
	return err
}

func (t *Table) check(domain hik.DomainID, id hik.CapID, required Rights) error {
	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if c.Revoked() {
		return fmt.Errorf("%w: %d", hikerr.ErrCapRevoked, id)
	}
	if c.Owner != domain {
		return fmt.Errorf("%w: cap %d is not owned by domain %d", hikerr.ErrPermission, id, domain)
	}
	if !required.SubsetOf(c.Rights) {
		return fmt.Errorf("%w: cap %d has %v, need %v", hikerr.ErrPermission, id, c.Rights, required)
	}
	return nil
}

// Transfer moves id from one domain to another.
func (t *Table) Transfer(from, to hik.DomainID, id hik.CapID) error {
	err := t.transfer(from, to, id)
	t.audit.Record(hik.AuditCapTransfer, from, id, 0, err == nil, uint64(to))
	return err
}

func (t *Table) transfer(from, to hik.DomainID, id hik.CapID) error {
	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if c.Revoked() {
		return fmt.Errorf("%w: %d", hikerr.ErrCapRevoked, id)
	}
	if c.Owner != from {
		return fmt.Errorf("%w: cap %d is not owned by domain %d", hikerr.ErrPermission, id, from)
	}
	if c.Immutable() {
		return hikerr.ErrImmutable
	}
	if from == to {
		return nil
	}
	if err := t.checkOwner(to); err != nil {
		return err
	}
	delete(t.space(from), id)
	t.space(to)[id] = struct{}{}
	c.Owner = to
	t.ledger(from).TransferredOut++
	t.ledger(to).TransferredIn++
	if t.acct != nil {
		t.acct.ChargeCap(from, -1)
		t.acct.ChargeCap(to, 1)
	}
	return nil
}

// Derive creates a capability with a subset of parent's rights, owned by
// owner. owner must own parent.
func (t *Table) Derive(owner hik.DomainID, parent hik.CapID, rights Rights) (hik.CapID, error) {
	id, err := t.derive(owner, parent, rights)
	t.audit.Record(hik.AuditCapDerive, owner, id, 0, err == nil, uint64(parent), uint64(rights))
	return id, err
}

func (t *Table) derive(owner hik.DomainID, parent hik.CapID, rights Rights) (hik.CapID, error) {
	p, err := t.lookup(parent)
	if err != nil {
		return hik.InvalidCap, err
	}
	if p.Revoked() {
		return hik.InvalidCap, fmt.Errorf("%w: %d", hikerr.ErrCapRevoked, parent)
	}
	if p.Owner != owner {
		return hik.InvalidCap, fmt.Errorf("%w: cap %d is not owned by domain %d", hikerr.ErrPermission, parent, owner)
	}
	if !rights.SubsetOf(p.Rights) {
		return hik.InvalidCap, fmt.Errorf("%w: %v is not within %v", hikerr.ErrNotSubset, rights, p.Rights)
	}
	id, err := t.insert(owner, KindDerived, rights, DerivedPayload{Parent: parent, Mask: rights}, 0)
	if err != nil {
		return hik.InvalidCap, err
	}
	p.RefCount++
	p.children = append(p.children, id)
	return id, nil
}

// Revoke revokes id and every capability derived from it, directly or
// transitively. Revoking a revoked capability succeeds and does nothing.
func (t *Table) Revoke(id hik.CapID) error {
	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if c.Revoked() {
		return nil
	}
	n := t.revokeTree(c)
	t.audit.Record(hik.AuditCapRevoke, c.Owner, id, 0, true, uint64(n))
	return nil
}

// RevokeBy revokes id on behalf of caller. The caller must own id, or own
// an ancestor of id that carries RightRevoke.
func (t *Table) RevokeBy(caller hik.DomainID, id hik.CapID) error {
	c, err := t.lookup(id)
	if err != nil {
		return err
	}
	if c.Revoked() {
		return nil
	}
	if c.Owner != caller && !t.ancestorGrantsRevoke(caller, c) {
		t.audit.Record(hik.AuditCapRevoke, caller, id, 0, false)
		return fmt.Errorf("%w: domain %d may not revoke cap %d", hikerr.ErrPermission, caller, id)
	}
	return t.Revoke(id)
}

func (t *Table) ancestorGrantsRevoke(caller hik.DomainID, c *Capability) bool {
	for p := c.Parent(); p != hik.InvalidCap; {
		pc := t.caps[p]
		if pc.Owner == caller && !pc.Revoked() && pc.Rights&RightRevoke != 0 {
			return true
		}
		p = pc.Parent()
	}
	return false
}

// revokeTree flags root and its live descendants and returns how many were
// revoked.
func (t *Table) revokeTree(root *Capability) int {
	n := 0
	queue := []*Capability{root}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c.Revoked() {
			continue
		}
		c.Flags |= FlagRevoked
		delete(t.space(c.Owner), c.ID)
		t.ledger(c.Owner).Revoked++
		if t.acct != nil {
			t.acct.ChargeCap(c.Owner, -1)
		}
		if p := c.Parent(); p != hik.InvalidCap {
			if pc := t.caps[p]; pc.RefCount > 0 {
				pc.RefCount--
			}
		}
		n++
		for _, child := range c.children {
			queue = append(queue, t.caps[child])
		}
	}
	return n
}

// RevokeOwnedBy revokes every capability d owns and returns how many
// capabilities were revoked in total, descendants included.
func (t *Table) RevokeOwnedBy(d hik.DomainID) int {
	n := 0
	for _, id := range t.CapsOf(d) {
		if c := t.caps[id]; !c.Revoked() {
			n += t.revokeTree(c)
			t.audit.Record(hik.AuditCapRevoke, d, id, 0, true)
		}
	}
	return n
}

// Get returns a copy of capability id.
func (t *Table) Get(id hik.CapID) (Capability, error) {
	c, err := t.lookup(id)
	if err != nil {
		return Capability{}, err
	}
	cp := *c
	cp.children = c.Children()
	return cp, nil
}

// Resolve follows the derivation chain of id to its root and returns the
// root's payload together with id's own rights.
func (t *Table) Resolve(id hik.CapID) (Payload, Rights, error) {
	c, err := t.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	rights := c.Rights
	for {
		d, ok := c.Payload.(DerivedPayload)
		if !ok {
			return c.Payload, rights, nil
		}
		c = t.caps[d.Parent]
	}
}

// CapsOf returns the ids in d's capability space in ascending order.
func (t *Table) CapsOf(d hik.DomainID) []hik.CapID {
	s := t.spaces[d]
	ids := make([]hik.CapID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the size of d's capability space.
func (t *Table) Count(d hik.DomainID) int {
	return len(t.spaces[d])
}

// Ledger returns d's movement counters.
func (t *Table) Ledger(d hik.DomainID) Ledger {
	if l, ok := t.ledgers[d]; ok {
		return *l
	}
	return Ledger{}
}

// Live returns the number of capabilities that are not revoked.
func (t *Table) Live() int {
	n := 0
	for _, s := range t.spaces {
		n += len(s)
	}
	return n
}

// ForEach calls fn with every capability ever created, revoked ones
// included, in id order. fn must not modify the table.
func (t *Table) ForEach(fn func(c *Capability)) {
	for _, c := range t.caps[1:] {
		fn(c)
	}
}

// Domains returns every domain that has held a capability space.
func (t *Table) Domains() []hik.DomainID {
	ds := make([]hik.DomainID, 0, len(t.spaces))
	for d := range t.spaces {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	return ds
}
