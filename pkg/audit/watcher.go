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

package audit

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/log"
)

// Watcher receives audit records as they are pushed.
type Watcher interface {
	// Notify is called with each record. Returning hangup = true removes
	// the watcher.
	Notify(rec hik.AuditRecord) (hangup bool)
}

// WatcherFunc adapts a function to a Watcher.
type WatcherFunc func(rec hik.AuditRecord) bool

// Notify implements Watcher.Notify.
func (f WatcherFunc) Notify(rec hik.AuditRecord) bool {
	return f(rec)
}

// watcherEntry is one registered watcher. done is set once it hangs up.
type watcherEntry struct {
	w    Watcher
	done atomic.Bool
}

// multiWatcher forwards records to multiple Watchers. The list is replaced
// on every add, so notify only loads it.
type multiWatcher struct {
	// mu serializes add.
	mu       sync.Mutex
	watchers atomic.Pointer[[]*watcherEntry]
}

func (mw *multiWatcher) add(w Watcher) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var live []*watcherEntry
	if cur := mw.watchers.Load(); cur != nil {
		for _, e := range *cur {
			if !e.done.Load() {
				live = append(live, e)
			}
		}
	}
	live = append(live, &watcherEntry{w: w})
	mw.watchers.Store(&live)
}

// notify passes rec to every live watcher. Hung up watchers are dropped
// from the list by the next add.
func (mw *multiWatcher) notify(rec hik.AuditRecord) {
	cur := mw.watchers.Load()
	if cur == nil {
		return
	}
	for _, e := range *cur {
		if e.done.Load() {
			continue
		}
		if e.w.Notify(rec) {
			log.Debugf("audit: watcher %T hung up", e.w)
			e.done.Store(true)
		}
	}
}

// count returns the number of live watchers.
func (mw *multiWatcher) count() int {
	cur := mw.watchers.Load()
	if cur == nil {
		return 0
	}
	n := 0
	for _, e := range *cur {
		if !e.done.Load() {
			n++
		}
	}
	return n
}

// KindFilter forwards only records of the listed kinds.
func KindFilter(inner Watcher, kinds ...hik.AuditKind) Watcher {
	set := make(map[hik.AuditKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &kindFilter{inner: inner, kinds: set}
}

type kindFilter struct {
	inner Watcher
	kinds map[hik.AuditKind]struct{}
}

// Notify implements Watcher.Notify.
func (f *kindFilter) Notify(rec hik.AuditRecord) bool {
	if _, ok := f.kinds[rec.Kind]; !ok {
		return false
	}
	return f.inner.Notify(rec)
}

// rateLimitedWatcher wraps a watcher and limits records to the given limits.
// Records that would exceed the limit are discarded.
type rateLimitedWatcher struct {
	inner   Watcher
	limiter *rate.Limiter
}

// RateLimitedWatcher returns a watcher that forwards at most maxRate records
// per second to inner, with bursts of up to burst records.
func RateLimitedWatcher(inner Watcher, maxRate float64, burst int) Watcher {
	return &rateLimitedWatcher{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(maxRate), burst),
	}
}

// Notify implements Watcher.Notify.
func (rlw *rateLimitedWatcher) Notify(rec hik.AuditRecord) bool {
	if !rlw.limiter.Allow() {
		// Drop record.
		return false
	}
	return rlw.inner.Notify(rec)
}
