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

package boot

import (
	"vmkernel.dev/vmkernel/pkg/mm"
	"vmkernel.dev/vmkernel/pkg/prometheus"
)

// Metrics exported by Snapshot.
var (
	framesTotalMetric   = &prometheus.Metric{Name: "frames_total", Type: prometheus.TypeGauge, Help: "Frames of physical memory."}
	framesInUseMetric   = &prometheus.Metric{Name: "frames_in_use", Type: prometheus.TypeGauge, Help: "Allocated frames, including page tables."}
	pagesInUseMetric    = &prometheus.Metric{Name: "pages_in_use", Type: prometheus.TypeGauge, Help: "Frames held as refcounted pages."}
	invalidationsMetric = &prometheus.Metric{Name: "tlb_invalidations_total", Type: prometheus.TypeCounter, Help: "Single-address TLB invalidations."}
	flushesMetric       = &prometheus.Metric{Name: "tlb_flushes_total", Type: prometheus.TypeCounter, Help: "Full TLB flushes."}

	faultsMetric      = &prometheus.Metric{Name: "faults_total", Type: prometheus.TypeCounter, Help: "Page faults handled."}
	anonPagesMetric   = &prometheus.Metric{Name: "anon_pages_total", Type: prometheus.TypeCounter, Help: "Anonymous pages allocated by faults."}
	copyOnWriteMetric = &prometheus.Metric{Name: "copy_on_write_total", Type: prometheus.TypeCounter, Help: "Pages copied by write faults."}
	segvMetric        = &prometheus.Metric{Name: "segv_total", Type: prometheus.TypeCounter, Help: "Faults rejected as protection violations."}
	areasMetric       = &prometheus.Metric{Name: "areas", Type: prometheus.TypeGauge, Help: "Mapped areas."}
	residentMetric    = &prometheus.Metric{Name: "resident_pages", Type: prometheus.TypeGauge, Help: "Resolved pages across all areas."}
)

// Snapshot returns the machine's counters and those of each address space
// in spaces, labelled with the map key.
func (m *Machine) Snapshot(spaces map[string]mm.Stats) *prometheus.Snapshot {
	inv, flushes := m.CPU.TLBStats()
	s := prometheus.NewSnapshot().Add(
		prometheus.NewIntData(framesTotalMetric, int64(m.MemoryFile.TotalFrames())),
		prometheus.NewIntData(framesInUseMetric, m.MemoryFile.FramesInUse()),
		prometheus.NewIntData(pagesInUseMetric, m.MemoryFile.PagesInUse()),
		prometheus.NewIntData(invalidationsMetric, int64(inv)),
		prometheus.NewIntData(flushesMetric, int64(flushes)),
	)
	for name, st := range spaces {
		l := map[string]string{"space": name}
		s.Add(
			prometheus.LabeledIntData(faultsMetric, l, int64(st.Faults)),
			prometheus.LabeledIntData(anonPagesMetric, l, int64(st.AnonPages)),
			prometheus.LabeledIntData(copyOnWriteMetric, l, int64(st.CopyOnWrite)),
			prometheus.LabeledIntData(segvMetric, l, int64(st.Segv)),
			prometheus.LabeledIntData(areasMetric, l, int64(st.Areas)),
			prometheus.LabeledIntData(residentMetric, l, int64(st.Resident)),
		)
	}
	return s
}
