package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	SlicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slicer_slices_total",
			Help: "Total number of slices by zone and kind",
		},
		[]string{"zone", "kind"},
	)

	VLANsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slicer_vlans_in_use",
			Help: "VLAN ids currently held by live slices, per zone",
		},
		[]string{"zone"},
	)

	ImagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slicer_images_total",
			Help: "Total number of registered images",
		},
	)

	// Pipeline metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slicer_queue_depth",
			Help: "Pending messages per durable queue",
		},
		[]string{"queue"},
	)

	QueueDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicer_queue_dead_lettered_total",
			Help: "Messages parked after exhausting their delivery attempts",
		},
		[]string{"queue"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slicer_placement_latency_seconds",
			Help:    "Time taken to place and deploy a slice in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SlicesDeployed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicer_slices_deployed_total",
			Help: "Total number of slices deployed",
		},
	)

	SlicesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slicer_slices_failed_total",
			Help: "Total number of slices that ended in error",
		},
	)

	// Driver metrics
	DriverOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slicer_driver_op_duration_seconds",
			Help:    "Cluster driver operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"zone", "op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicer_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slicer_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(SlicesTotal)
	prometheus.MustRegister(VLANsInUse)
	prometheus.MustRegister(ImagesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueDeadLettered)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(SlicesDeployed)
	prometheus.MustRegister(SlicesFailed)
	prometheus.MustRegister(DriverOpDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
