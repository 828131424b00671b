// Package placement chooses a physical worker for every VM of a slice,
// weighing live telemetry against the resources already assigned in
// the zone's ledger, then drives the cluster deploy.
package placement

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/planner"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/telemetry"
	"github.com/nubla/slicer/pkg/topology"
	"github.com/nubla/slicer/pkg/types"
)

// Overcommit ratios: observed capacity is multiplied by these before
// assigned resources are subtracted.
const (
	cpuOvercommit  = 16.0
	ramOvercommit  = 1.5
	diskOvercommit = 1.0
)

// Telemetry is the slice of the metrics client the engine needs.
type Telemetry interface {
	HeadnodeUp(ctx context.Context, job string) (bool, error)
	WorkerSample(ctx context.Context, job, worker string) (*telemetry.Sample, error)
}

// Deployer materializes a fully placed slice.
type Deployer interface {
	Deploy(ctx context.Context, slice *types.Slice) (*driver.DeployResult, error)
}

// Engine consumes the per-zone placement queues.
type Engine struct {
	cfg       *config.Config
	store     storage.Store
	queues    *queue.Broker
	events    *events.Broker
	telemetry Telemetry
	deployer  Deployer
	zones     *zoneLocks
	logger    zerolog.Logger
}

// New creates a placement engine.
func New(cfg *config.Config, store storage.Store, queues *queue.Broker, broker *events.Broker, tel Telemetry, deployer Deployer) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		queues:    queues,
		events:    broker,
		telemetry: tel,
		deployer:  deployer,
		zones:     newZoneLocks(),
		logger:    log.WithComponent("placement"),
	}
}

// Run drains every zone's placement queue until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, zone := range types.Zones() {
		q := e.queues.Queue(queue.VMPlacementQueue(zone))
		group.Go(func() error {
			q.Consume(ctx, e.handle)
			return nil
		})
	}
	return group.Wait()
}

func (e *Engine) handle(ctx context.Context, msg *queue.Message) error {
	var order planner.WorkOrder
	if err := json.Unmarshal(msg.Body, &order); err != nil {
		return err
	}

	err := e.Place(ctx, order.SliceID)
	if err == nil || errdefs.Transient(err) {
		return err
	}

	e.events.Publish(&events.Event{Type: events.EventSliceFailed, SliceID: order.SliceID, Err: err})
	return nil
}

// Place assigns a worker to every VM and deploys the slice. Idempotent
// per slice id: an already-deployed slice only re-publishes its
// completion event.
func (e *Engine) Place(ctx context.Context, sliceID int) error {
	slice, err := e.store.GetSlice(sliceID)
	if err != nil {
		return err
	}

	switch slice.Kind {
	case types.SliceVLANsMapped:
	case types.SliceDeployed:
		e.events.Publish(&events.Event{Type: events.EventSliceDeployed, SliceID: sliceID})
		return nil
	default:
		e.logger.Warn().Int("slice_id", sliceID).Str("kind", string(slice.Kind)).Msg("skipping slice in unexpected kind")
		return nil
	}

	req, err := topology.Parse(slice.RequestDoc)
	if err != nil {
		e.markError(slice)
		return err
	}

	if err := e.place(ctx, slice, req); err != nil {
		if !errdefs.Transient(err) {
			e.markError(slice)
		}
		return err
	}

	if err := e.deploy(ctx, slice, req); err != nil {
		if !errdefs.Transient(err) {
			e.markError(slice)
		}
		return err
	}

	e.events.Publish(&events.Event{Type: events.EventSliceDeployed, SliceID: sliceID})
	return nil
}

// place runs the scoring loop under the zone mutex, which is held
// across the telemetry read and the ledger writes so concurrent slices
// see a consistent assigned column. On any fault every ledger entry
// added here is removed again.
func (e *Engine) place(ctx context.Context, slice *types.Slice, req *topology.Request) error {
	unlock := e.zones.lock(slice.Zone)
	defer unlock()

	workers, err := e.observe(ctx, slice.Zone)
	if err != nil {
		return err
	}

	doc := req.Document
	slice.VMs = nil
	for _, spec := range doc.AllVMs() {
		cores, ramMiB, diskGiB, err := spec.Resources()
		if err != nil {
			e.rollback(slice)
			return errdefs.Validation("vm %s: %v", spec.Name, err)
		}

		chosen := pick(workers, float64(cores), float64(ramMiB), float64(diskGiB))
		if chosen == nil {
			e.rollback(slice)
			return errdefs.ResourceExhausted("no admissible worker for vm %s (%d cores, %d MiB, %d GiB)", spec.Name, cores, ramMiB, diskGiB)
		}

		entry := &types.LedgerEntry{SliceID: slice.ID, VMName: spec.Name, Cores: cores, RAMMiB: ramMiB, DiskGiB: diskGiB}
		if err := e.store.AppendLedgerEntry(slice.Zone, chosen.name, entry); err != nil {
			e.rollback(slice)
			return err
		}

		// The next VM in the loop sees this one's assignment.
		chosen.assign(float64(cores), float64(ramMiB), float64(diskGiB))

		spec.Worker = chosen.name
		slice.VMs = append(slice.VMs, &types.VM{
			Name:     spec.Name,
			Cores:    cores,
			RAMMiB:   ramMiB,
			DiskGiB:  diskGiB,
			Image:    spec.Image,
			Internet: doc.HasInternet(spec.Name),
			VLANs:    spec.VLANs,
			Worker:   chosen.name,
		})

		e.logger.Info().
			Int("slice_id", slice.ID).
			Str("vm", spec.Name).
			Str("worker", chosen.name).
			Msg("vm placed")
	}

	return nil
}

// observe queries the headnode probe and every configured worker.
// Down workers are skipped, not counted.
func (e *Engine) observe(ctx context.Context, zone types.Zone) ([]*workerState, error) {
	zc := e.cfg.Zone(zone)

	up, err := e.telemetry.HeadnodeUp(ctx, zc.HeadnodeJob)
	if err != nil {
		return nil, err
	}
	if !up {
		return nil, errdefs.DependencyUnavailable("zone %s is unavailable: headnode probe is down", zone)
	}

	ledger, err := e.store.Ledger(zone)
	if err != nil {
		return nil, err
	}

	var workers []*workerState
	for _, name := range zc.WorkerNames() {
		sample, err := e.telemetry.WorkerSample(ctx, zc.WorkerJob, name)
		if err != nil {
			return nil, err
		}
		if !sample.Up {
			e.logger.Warn().Str("zone", string(zone)).Str("worker", name).Msg("worker probe down, skipping")
			continue
		}

		state := &workerState{name: name, sample: sample}
		for _, entry := range ledger[name] {
			state.assign(float64(entry.Cores), float64(entry.RAMMiB), float64(entry.DiskGiB))
		}
		workers = append(workers, state)
	}

	// Deterministic tiebreak: workers are scored in name order and a
	// later worker must strictly beat the incumbent.
	sort.Slice(workers, func(i, j int) bool { return workers[i].name < workers[j].name })
	return workers, nil
}

// deploy calls the driver and commits the deployed slice. The zone
// mutex is not held here; the ledger already accounts the slice.
func (e *Engine) deploy(ctx context.Context, slice *types.Slice, req *topology.Request) error {
	result, err := e.deployer.Deploy(ctx, slice)
	if err != nil {
		e.rollback(slice)
		return err
	}

	var displays []int
	for _, vm := range slice.VMs {
		if display, ok := result.VNCDisplays[vm.Name]; ok {
			vm.VNC = display
			displays = append(displays, display)
		}
		vm.State = types.VMRunning
	}

	doc := req.Document
	for _, spec := range doc.AllVMs() {
		if vm := slice.VM(spec.Name); vm != nil && vm.VNC != 0 {
			spec.VNC = strconv.Itoa(vm.VNC)
		}
	}
	doc.UsedVNCs = types.JoinVLANs(displays)

	body, err := req.Encode()
	if err != nil {
		return err
	}

	slice.RequestDoc = body
	slice.Kind = types.SliceDeployed
	slice.State = types.SliceRunning
	slice.DeployedAt = time.Now()
	if err := e.store.UpdateSlice(slice); err != nil {
		return err
	}

	e.backfillDefaultSG(slice.ID, result.DefaultSGRules)
	return nil
}

// backfillDefaultSG records the cluster-issued rule UUIDs in the
// default group row. Best-effort: the deploy is already committed.
func (e *Engine) backfillDefaultSG(sliceID int, ruleIDs map[int]string) {
	if len(ruleIDs) == 0 {
		return
	}

	group, err := e.store.GetSecurityGroupByName(sliceID, "default")
	if err != nil {
		e.logger.Error().Err(err).Int("slice_id", sliceID).Msg("default group missing for uuid backfill")
		return
	}

	for _, rule := range group.Rules {
		if id, ok := ruleIDs[rule.ID]; ok {
			rule.ForeignID = id
		}
	}
	if err := e.store.UpdateSecurityGroup(group); err != nil {
		e.logger.Error().Err(err).Int("slice_id", sliceID).Msg("failed to backfill rule uuids")
	}
}

// rollback removes every ledger entry the slice holds, restoring the
// pre-placement ledger.
func (e *Engine) rollback(slice *types.Slice) {
	if err := e.store.RemoveSliceLedger(slice.Zone, slice.ID); err != nil {
		e.logger.Error().Err(err).Int("slice_id", slice.ID).Msg("ledger rollback failed")
	}
	slice.VMs = nil
}

func (e *Engine) markError(slice *types.Slice) {
	slice.Kind = types.SliceError
	if err := e.store.UpdateSlice(slice); err != nil {
		e.logger.Error().Err(err).Int("slice_id", slice.ID).Msg("failed to mark slice as errored")
	}
}
