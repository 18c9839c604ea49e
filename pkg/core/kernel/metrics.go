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

package kernel

import (
	"io"

	"hik.dev/hik/pkg/abi/hik"
	"hik.dev/hik/pkg/core/fvm"
	"hik.dev/hik/pkg/metric"
)

// MetricPrefix is prepended to every exported metric name.
const MetricPrefix = "hik_"

func (k *Kernel) registerMetrics() {
	r := metric.NewRegistry()
	names := make([]string, 0, hik.NumSyscalls+1)
	for s := 0; s < hik.NumSyscalls; s++ {
		names = append(names, hik.Sysno(s).String())
	}
	names = append(names, "unknown")
	k.syscallCount = r.MustCreateNewUint64Metric("/kernel/syscalls", true, "Syscalls handled, by number.", metric.NewField("sysno", names...))

	r.MustRegisterGaugeFunc("/kernel/ticks", "Timer ticks handled.", func() uint64 { return k.ticks })
	r.MustRegisterGaugeFunc("/kernel/domains", "Active domains.", func() uint64 { return uint64(len(k.domains.Active())) })
	r.MustRegisterGaugeFunc("/kernel/threads", "Threads, the idle thread included.", func() uint64 { return uint64(k.sched.Len()) })
	r.MustRegisterGaugeFunc("/sched/switches", "Thread switches.", k.sched.Switches)
	r.MustRegisterGaugeFunc("/memory/frames_total", "Frames managed by the allocator.", k.frames.Total)
	r.MustRegisterGaugeFunc("/memory/frames_free", "Free frames.", k.frames.FreeFrames)
	r.MustRegisterGaugeFunc("/caps/live", "Capabilities that are not revoked.", func() uint64 { return uint64(k.caps.Live()) })
	r.MustRegisterGaugeFunc("/irq/delivered", "Interrupts delivered to a handler.", func() uint64 { return k.irq.Stats().Delivered })
	r.MustRegisterGaugeFunc("/irq/spurious", "Interrupts with no route.", func() uint64 { return k.irq.Stats().Spurious })
	r.MustRegisterGaugeFunc("/irq/denied", "Interrupts whose route failed the capability check.", func() uint64 { return k.irq.Stats().Denied })
	r.MustRegisterGaugeFunc("/xds/calls", "Cross-domain calls.", func() uint64 { return k.xds.Stats().Calls })
	r.MustRegisterGaugeFunc("/xds/returns", "Cross-domain returns.", func() uint64 { return k.xds.Stats().Returns })
	r.MustRegisterGaugeFunc("/xds/unwinds", "Calls ended by the callee terminating.", func() uint64 { return k.xds.Stats().Unwinds })
	r.MustRegisterGaugeFunc("/audit/records", "Audit records written.", k.ring.Pushed)
	r.MustRegisterGaugeFunc("/audit/overwritten", "Audit records lost to wrap-around.", k.ring.Overwritten)
	r.MustRegisterGaugeFunc("/fvm/runs", "Full invariant checks.", k.monitor.Runs)
	r.MustRegisterGaugeFunc("/fvm/failures", "Invariant evaluations that failed.", func() uint64 {
		var n uint64
		for id := 0; id < fvm.NumInvariants; id++ {
			n += k.monitor.Counters(fvm.InvariantID(id)).Failures
		}
		return n
	})
	k.metrics = r
}

// WriteMetrics writes every kernel metric in the Prometheus text format.
func (k *Kernel) WriteMetrics(w io.Writer) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.metrics.WritePrometheus(w, MetricPrefix)
}

// Metrics returns the current value of every metric, keyed as in
// metric.Registry.Values.
func (k *Kernel) Metrics() map[string]uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.metrics.Values()
}
