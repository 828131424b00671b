package placement

import (
	"sync"

	"github.com/nubla/slicer/pkg/telemetry"
	"github.com/nubla/slicer/pkg/types"
)

// workerState is one UP worker's capacity picture during a placement
// run: the telemetry sample plus the running assigned totals.
type workerState struct {
	name   string
	sample *telemetry.Sample

	assignedCores float64
	assignedRAM   float64
	assignedDisk  float64
}

func (w *workerState) assign(cores, ramMiB, diskGiB float64) {
	w.assignedCores += cores
	w.assignedRAM += ramMiB
	w.assignedDisk += diskGiB
}

func (w *workerState) availableCores() float64 {
	return w.sample.TotalCores*cpuOvercommit - w.assignedCores
}

func (w *workerState) availableRAM() float64 {
	return w.sample.TotalRAMMiB*ramOvercommit - w.assignedRAM
}

func (w *workerState) availableDisk() float64 {
	return w.sample.TotalDiskGiB*diskOvercommit - w.assignedDisk
}

func (w *workerState) admits(cores, ramMiB, diskGiB float64) bool {
	return w.availableCores() >= cores && w.availableRAM() >= ramMiB && w.availableDisk() >= diskGiB
}

// capacityScore weighs the free share of each overcommitted resource:
// ram dominates, then cpu, then disk.
func (w *workerState) capacityScore() float64 {
	ram := w.availableRAM() / (w.sample.TotalRAMMiB * ramOvercommit)
	cpu := w.availableCores() / (w.sample.TotalCores * cpuOvercommit)
	disk := w.availableDisk() / (w.sample.TotalDiskGiB * diskOvercommit)
	return 0.5*ram + 0.3*cpu + 0.2*disk
}

// stabilityScore penalizes observed pressure. No overcommit factor:
// a worker near its physical RAM limit is unstable no matter what the
// ledger says.
func (w *workerState) stabilityScore() float64 {
	ram := w.sample.UsedRAMMiB / w.sample.TotalRAMMiB
	cpu := w.sample.UsedCores / w.sample.TotalCores
	disk := w.sample.UsedDiskGiB / w.sample.TotalDiskGiB
	return 1 - (0.65*ram + 0.15*cpu + 0.2*disk)
}

func (w *workerState) score() float64 {
	return 0.6*w.capacityScore() + 0.4*w.stabilityScore()
}

// pick returns the admissible worker with the greatest score. Workers
// arrive sorted by name and a challenger must strictly beat the
// incumbent, so ties resolve to the lexicographically first name.
func pick(workers []*workerState, cores, ramMiB, diskGiB float64) *workerState {
	var best *workerState
	var bestScore float64

	for _, w := range workers {
		if !w.admits(cores, ramMiB, diskGiB) {
			continue
		}
		if s := w.score(); best == nil || s > bestScore {
			best = w
			bestScore = s
		}
	}
	return best
}

// zoneLocks serializes placement per zone: the telemetry read and the
// ledger writes of one slice must not interleave with another's.
type zoneLocks struct {
	mu map[types.Zone]*sync.Mutex
}

func newZoneLocks() *zoneLocks {
	locks := &zoneLocks{mu: map[types.Zone]*sync.Mutex{}}
	for _, zone := range types.Zones() {
		locks.mu[zone] = &sync.Mutex{}
	}
	return locks
}

func (z *zoneLocks) lock(zone types.Zone) func() {
	mu := z.mu[zone]
	mu.Lock()
	return mu.Unlock
}
