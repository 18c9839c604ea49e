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

// Package irq implements the interrupt router: a static table mapping each
// vector to a handler in some domain, guarded by an endpoint capability
// owned by that domain.
package irq

import (
	"fmt"
	"time"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/audit"
	"hik.dev/hik/pkg/core/capability"
	"hik.dev/hik/pkg/errors/hikerr"
	"hik.dev/hik/pkg/hal"
	"hik.dev/hik/pkg/log"
)

// Route is a populated routing table entry.
type Route struct {
	Domain    hik.DomainID
	Endpoint  hik.CapID
	HandlerPC uint64
}

// Caps is the view of the capability table used by the router.
type Caps interface {
	Check(domain hik.DomainID, id hik.CapID, required capability.Rights) error
	Resolve(id hik.CapID) (capability.Payload, capability.Rights, error)
	Get(id hik.CapID) (capability.Capability, error)
}

// Privilege reports which domains may change routes.
type Privilege interface {
	IsPrivileged(d hik.DomainID) bool
}

// Activator makes a domain's address space current.
type Activator interface {
	Activate(d hik.DomainID) error
}

// Stats counts dispatch outcomes.
type Stats struct {
	Delivered uint64
	Spurious  uint64
	Denied    uint64
}

// Router owns the routing table.
type Router struct {
	hal    hal.HAL
	caps   Caps
	priv   Privilege
	spaces Activator
	audit  audit.Sink
	warn   log.Logger

	routes [hik.NumIRQVectors]*Route
	counts [hik.NumIRQVectors]uint64
	stats  Stats
}

// New returns a router with an empty table.
func New(h hal.HAL, caps Caps, priv Privilege, spaces Activator, sink audit.Sink) *Router {
	if sink == nil {
		sink = audit.Discard
	}
	return &Router{
		hal:    h,
		caps:   caps,
		priv:   priv,
		spaces: spaces,
		audit:  sink,
		warn:   log.RateLimitedLogger(log.Log(), time.Second),
	}
}

// Register routes vector to handlerPC in domain, guarded by endpoint,
// which domain must own. Only privileged callers may register and a
// populated vector must be unregistered first.
func (r *Router) Register(caller hik.DomainID, vector uint8, domain hik.DomainID, handlerPC uint64, endpoint hik.CapID) error {
	if !r.priv.IsPrivileged(caller) {
		return fmt.Errorf("%w: domain %d registering vector %d", hikerr.ErrNotPrivileged, caller, vector)
	}
	if r.routes[vector] != nil {
		return fmt.Errorf("%w: vector %d is routed to domain %d", hikerr.ErrBusy, vector, r.routes[vector].Domain)
	}
	if err := r.caps.Check(domain, endpoint, 0); err != nil {
		return err
	}
	payload, _, err := r.caps.Resolve(endpoint)
	if err != nil {
		return err
	}
	if _, ok := payload.(capability.EndpointPayload); !ok {
		return fmt.Errorf("%w: cap %d is not an endpoint", hikerr.ErrWrongKind, endpoint)
	}
	r.routes[vector] = &Route{Domain: domain, Endpoint: endpoint, HandlerPC: handlerPC}
	log.Debugf("irq: vector %d -> domain %d pc %#x", vector, domain, handlerPC)
	return nil
}

// Unregister clears vector.
func (r *Router) Unregister(caller hik.DomainID, vector uint8) error {
	if !r.priv.IsPrivileged(caller) {
		return fmt.Errorf("%w: domain %d unregistering vector %d", hikerr.ErrNotPrivileged, caller, vector)
	}
	if r.routes[vector] == nil {
		return fmt.Errorf("%w: vector %d", hikerr.ErrNotFound, vector)
	}
	r.routes[vector] = nil
	return nil
}

// UnregisterDomain clears every route into d and returns how many there
// were.
func (r *Router) UnregisterDomain(d hik.DomainID) int {
	n := 0
	for v, rt := range r.routes {
		if rt != nil && rt.Domain == d {
			r.routes[v] = nil
			n++
		}
	}
	return n
}

// Prune clears every route whose endpoint is gone, revoked or no longer
// owned by the route's domain. It returns the cleared vectors in order.
func (r *Router) Prune() []uint8 {
	var cleared []uint8
	for v, rt := range r.routes {
		if rt == nil || r.live(rt) {
			continue
		}
		r.routes[v] = nil
		cleared = append(cleared, uint8(v))
		log.Infof("irq: vector %d unrouted, endpoint %d no longer held by domain %d", v, rt.Endpoint, rt.Domain)
	}
	return cleared
}

func (r *Router) live(rt *Route) bool {
	c, err := r.caps.Get(rt.Endpoint)
	return err == nil && !c.Revoked() && c.Owner == rt.Domain
}

// Lookup returns the route for vector.
func (r *Router) Lookup(vector uint8) (Route, bool) {
	rt := r.routes[vector]
	if rt == nil {
		return Route{}, false
	}
	return *rt, true
}

// Dispatch delivers vector. interrupted is the domain whose address space
// is live. The handler runs to completion before Dispatch returns, after
// which the interrupted state is restored and the vector acknowledged.
func (r *Router) Dispatch(vector uint8, interrupted hik.DomainID) error {
	defer r.hal.AckIRQ(vector)

	rt := r.routes[vector]
	if rt == nil {
		r.stats.Spurious++
		r.warn.Warningf("irq: spurious vector %d", vector)
		return fmt.Errorf("%w: vector %d", hikerr.ErrNotFound, vector)
	}
	if err := r.caps.Check(rt.Domain, rt.Endpoint, 0); err != nil {
		r.stats.Denied++
		r.audit.Record(hik.AuditSecurityViolation, rt.Domain, rt.Endpoint, 0, false, uint64(vector), uint64(hikerr.ToStatus(err)))
		r.audit.Record(hik.AuditIrq, rt.Domain, rt.Endpoint, 0, false, uint64(vector))
		return err
	}

	var saved hal.Context
	r.hal.SaveContext(&saved)
	if err := r.spaces.Activate(rt.Domain); err != nil {
		return err
	}
	handler := hal.Context{PC: rt.HandlerPC, SP: saved.SP}
	handler.Regs[hik.RegSysno] = uint64(vector)
	if payload, _, err := r.caps.Resolve(rt.Endpoint); err == nil {
		if ep, ok := payload.(capability.EndpointPayload); ok {
			handler.Regs[hik.RegArg0] = ep.Tag
		}
	}
	r.hal.RestoreContext(&handler)

	if err := r.spaces.Activate(interrupted); err != nil {
		log.Warningf("irq: reactivating domain %d: %v", interrupted, err)
	}
	r.hal.RestoreContext(&saved)
	r.counts[vector]++
	r.stats.Delivered++
	r.audit.Record(hik.AuditIrq, rt.Domain, rt.Endpoint, 0, true, uint64(vector))
	return nil
}

// Count returns how many times vector was delivered.
func (r *Router) Count(vector uint8) uint64 {
	return r.counts[vector]
}

// Stats returns the dispatch counters.
func (r *Router) Stats() Stats {
	return r.stats
}

// Routes returns every populated vector.
func (r *Router) Routes() map[uint8]Route {
	out := make(map[uint8]Route)
	for v, rt := range r.routes {
		if rt != nil {
			out[uint8(v)] = *rt
		}
	}
	return out
}

// Export returns the table in its persisted layout.
func (r *Router) Export() *[hik.NumIRQVectors]hik.IRQRouteEntry {
	var t [hik.NumIRQVectors]hik.IRQRouteEntry
	for v, rt := range r.routes {
		if rt == nil {
			continue
		}
		t[v] = hik.IRQRouteEntry{
			TargetDomain: uint32(rt.Domain),
			HandlerPC:    rt.HandlerPC,
			EndpointCap:  uint32(rt.Endpoint),
			Flags:        hik.IRQRoutePresent,
		}
	}
	return &t
}

// Import registers every present entry of a persisted table on behalf of
// caller. Entries matching the current route are skipped. It stops at the
// first entry that fails.
func (r *Router) Import(caller hik.DomainID, t *[hik.NumIRQVectors]hik.IRQRouteEntry) error {
	for v := range t {
		e := &t[v]
		if e.Flags&hik.IRQRoutePresent == 0 {
			continue
		}
		if rt := r.routes[v]; rt != nil && rt.Domain == hik.DomainID(e.TargetDomain) && rt.HandlerPC == e.HandlerPC && rt.Endpoint == hik.CapID(e.EndpointCap) {
			continue
		}
		if err := r.Register(caller, uint8(v), hik.DomainID(e.TargetDomain), e.HandlerPC, hik.CapID(e.EndpointCap)); err != nil {
			return fmt.Errorf("vector %d: %w", v, err)
		}
	}
	return nil
}
