package metrics

import (
	"time"

	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

// Collector periodically folds the store and queues into gauges.
type Collector struct {
	store  storage.Store
	queues *queue.Broker
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over the orchestrator state.
func NewCollector(store storage.Store, queues *queue.Broker) *Collector {
	return &Collector{store: store, queues: queues, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSliceMetrics()
	c.collectImageMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectSliceMetrics() {
	slices, err := c.store.ListSlices()
	if err != nil {
		return
	}

	counts := map[types.Zone]map[types.SliceKind]int{}
	vlans := map[types.Zone]int{}
	for _, slice := range slices {
		if counts[slice.Zone] == nil {
			counts[slice.Zone] = map[types.SliceKind]int{}
		}
		counts[slice.Zone][slice.Kind]++

		if slice.Kind == types.SliceValidated || slice.Kind == types.SliceVLANsMapped || slice.Kind == types.SliceDeployed {
			vlans[slice.Zone] += len(types.ParseVLANs(slice.VLANs))
		}
	}

	for zone, kinds := range counts {
		for kind, count := range kinds {
			SlicesTotal.WithLabelValues(string(zone), string(kind)).Set(float64(count))
		}
	}
	for _, zone := range []types.Zone{types.ZoneLinux, types.ZoneOpenStack} {
		VLANsInUse.WithLabelValues(string(zone)).Set(float64(vlans[zone]))
	}
}

func (c *Collector) collectImageMetrics() {
	images, err := c.store.ListImages()
	if err != nil {
		return
	}
	ImagesTotal.Set(float64(len(images)))
}

func (c *Collector) collectQueueMetrics() {
	for _, zone := range []types.Zone{types.ZoneLinux, types.ZoneOpenStack} {
		for _, name := range []string{queue.VLANMappingQueue(zone), queue.VMPlacementQueue(zone)} {
			depth, err := c.queues.Queue(name).Depth()
			if err != nil {
				continue
			}
			QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
	}
}
