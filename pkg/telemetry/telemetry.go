// Package telemetry reads live worker metrics from a Prometheus server.
// Placement treats these as the observed side of capacity accounting;
// the assigned side lives in the placement ledger.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/nubla/slicer/pkg/errdefs"
)

const (
	// usageWindow is the averaging window for used-resource queries.
	usageWindow = "10m"

	queryTimeout = 10 * time.Second
)

// Sample is one worker's observed capacity and use. Units match the
// placement ledger: cores, MiB of RAM, GiB of root-FS disk.
type Sample struct {
	Worker string

	Up bool

	TotalCores   float64
	TotalRAMMiB  float64
	TotalDiskGiB float64

	UsedCores   float64
	UsedRAMMiB  float64
	UsedDiskGiB float64
}

// Client queries a Prometheus HTTP API endpoint.
type Client struct {
	api v1.API
}

// New builds a client for the given Prometheus base URL.
func New(url string) (*Client, error) {
	c, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry client: %w", err)
	}
	return &Client{api: v1.NewAPI(c)}, nil
}

// HeadnodeUp reports whether the zone's headnode blackbox probe
// succeeded. A telemetry outage is indistinguishable from a dead
// headnode for placement purposes, so both surface as unavailable.
func (c *Client) HeadnodeUp(ctx context.Context, job string) (bool, error) {
	value, found, err := c.scalar(ctx, fmt.Sprintf(`probe_success{job=%q}`, job))
	if err != nil {
		return false, err
	}
	return found && value == 1, nil
}

// WorkerSample probes one worker and, when it is up, collects its
// capacity totals and window-averaged use. A down worker returns a
// sample with Up=false and no numbers.
func (c *Client) WorkerSample(ctx context.Context, job, worker string) (*Sample, error) {
	sample := &Sample{Worker: worker}

	up, found, err := c.scalar(ctx, fmt.Sprintf(`up{job=%q,instance=%q}`, job, worker))
	if err != nil {
		return nil, err
	}
	if !found || up != 1 {
		return sample, nil
	}
	sample.Up = true

	selector := fmt.Sprintf(`job=%q,instance=%q`, job, worker)
	queries := []struct {
		expr string
		dest *float64
		conv float64
	}{
		{fmt.Sprintf(`count(node_cpu_seconds_total{%s,mode="idle"})`, selector), &sample.TotalCores, 1},
		{fmt.Sprintf(`node_memory_MemTotal_bytes{%s}`, selector), &sample.TotalRAMMiB, 1.0 / (1 << 20)},
		{fmt.Sprintf(`node_filesystem_size_bytes{%s,mountpoint="/"}`, selector), &sample.TotalDiskGiB, 1.0 / (1 << 30)},
		{fmt.Sprintf(`sum(rate(node_cpu_seconds_total{%s,mode!="idle"}[%s]))`, selector, usageWindow), &sample.UsedCores, 1},
		{fmt.Sprintf(`node_memory_MemTotal_bytes{%s} - avg_over_time(node_memory_MemAvailable_bytes{%s}[%s])`, selector, selector, usageWindow), &sample.UsedRAMMiB, 1.0 / (1 << 20)},
		{fmt.Sprintf(`node_filesystem_size_bytes{%s,mountpoint="/"} - avg_over_time(node_filesystem_avail_bytes{%s,mountpoint="/"}[%s])`, selector, selector, usageWindow), &sample.UsedDiskGiB, 1.0 / (1 << 30)},
	}

	for _, q := range queries {
		value, found, err := c.scalar(ctx, q.expr)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errdefs.DependencyUnavailable(fmt.Sprintf("telemetry returned no data for worker %s", worker))
		}
		*q.dest = value * q.conv
	}

	return sample, nil
}

// scalar runs an instant query and returns the first vector element.
func (c *Client) scalar(ctx context.Context, query string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	value, _, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, errdefs.DependencyUnavailable("telemetry query failed").WithCause(err)
	}

	vector, ok := value.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, false, nil
	}
	return float64(vector[0].Value), true, nil
}
