// Package planner assigns one VLAN per link of a validated slice from
// the zone's pool and derives each VM's VLAN membership.
package planner

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/topology"
	"github.com/nubla/slicer/pkg/types"
)

// SecurityGroups is the slice of the security-group manager the planner
// needs: the default group is created as soon as VLANs are mapped.
type SecurityGroups interface {
	EnsureDefault(sliceID int) (*types.SecurityGroup, error)
}

// WorkOrder is the body of both pipeline queue messages. Consumers load
// the authoritative document from the slice row, so redelivery after a
// crash always sees committed state.
type WorkOrder struct {
	SliceID int `json:"id_slice"`
}

// Planner consumes the per-zone VLAN mapping queues. The queue's
// single consumer and ack-after-commit discipline serialize allocation
// within a zone, so two slices can never pick overlapping VLAN sets.
type Planner struct {
	cfg       *config.Config
	store     storage.Store
	queues    *queue.Broker
	events    *events.Broker
	secgroups SecurityGroups
	logger    zerolog.Logger
}

// New creates a planner.
func New(cfg *config.Config, store storage.Store, queues *queue.Broker, broker *events.Broker, secgroups SecurityGroups) *Planner {
	return &Planner{
		cfg:       cfg,
		store:     store,
		queues:    queues,
		events:    broker,
		secgroups: secgroups,
		logger:    log.WithComponent("planner"),
	}
}

// Run drains every zone's mapping queue until the context is cancelled.
func (p *Planner) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, zone := range types.Zones() {
		q := p.queues.Queue(queue.VLANMappingQueue(zone))
		group.Go(func() error {
			q.Consume(ctx, p.handle)
			return nil
		})
	}
	return group.Wait()
}

func (p *Planner) handle(ctx context.Context, msg *queue.Message) error {
	var order WorkOrder
	if err := json.Unmarshal(msg.Body, &order); err != nil {
		return err
	}

	err := p.Map(ctx, order.SliceID)
	if err == nil || errdefs.Transient(err) {
		return err
	}

	// Permanent fault: the row carries the error mark and the waiting
	// creator is unblocked; the message is acked to keep the queue moving.
	p.events.Publish(&events.Event{Type: events.EventSliceFailed, SliceID: order.SliceID, Err: err})
	return nil
}

// Map allocates VLANs for the slice and hands it to placement. It is
// idempotent per slice id: a redelivered message for an already-mapped
// slice only re-publishes the placement hand-off.
func (p *Planner) Map(ctx context.Context, sliceID int) error {
	slice, err := p.store.GetSlice(sliceID)
	if err != nil {
		return err
	}

	switch slice.Kind {
	case types.SliceValidated:
	case types.SliceVLANsMapped:
		return p.handOff(sliceID)
	default:
		p.logger.Warn().Int("slice_id", sliceID).Str("kind", string(slice.Kind)).Msg("skipping slice in unexpected kind")
		return nil
	}

	req, err := topology.Parse(slice.RequestDoc)
	if err != nil {
		p.markError(slice)
		return err
	}

	if err := p.assign(slice, req); err != nil {
		if !errdefs.Transient(err) {
			p.markError(slice)
		}
		return err
	}

	if _, err := p.secgroups.EnsureDefault(sliceID); err != nil {
		return err
	}

	p.events.Publish(&events.Event{Type: events.EventSliceVLANsMapped, SliceID: sliceID})
	return p.handOff(sliceID)
}

// assign computes the allocation and commits the augmented document and
// the vlans column in one row update. Nothing is written on failure.
func (p *Planner) assign(slice *types.Slice, req *topology.Request) error {
	links := req.Document.Links()

	occupied, err := p.store.OccupiedVLANs(slice.Zone)
	if err != nil {
		return err
	}

	zone := p.cfg.Zone(slice.Zone)
	allocated, err := allocate(occupied, zone.PoolStart, zone.PoolEnd, len(links))
	if err != nil {
		return err
	}

	// The i-th link carries the i-th allocated VLAN.
	byLink := make(map[types.Link]int, len(links))
	for i, link := range links {
		byLink[link] = allocated[i]
	}

	doc := req.Document
	doc.SliceID = slice.ID
	doc.UsedVLANs = types.JoinVLANs(allocated)

	for _, vm := range doc.AllVMs() {
		var ids []int
		for link, vlan := range byLink {
			if link.Touches(vm.Name) {
				ids = append(ids, vlan)
			}
		}
		ids = types.SortedUnique(ids)
		if doc.HasInternet(vm.Name) {
			ids = append([]int{slice.Zone.InternetVLAN()}, ids...)
		}
		vm.VLANs = types.JoinVLANs(ids)
	}

	body, err := req.Encode()
	if err != nil {
		return err
	}

	slice.RequestDoc = body
	slice.VLANs = types.JoinVLANs(allocated)
	slice.Kind = types.SliceVLANsMapped
	if err := p.store.UpdateSlice(slice); err != nil {
		return err
	}

	p.logger.Info().
		Int("slice_id", slice.ID).
		Str("zone", string(slice.Zone)).
		Int("links", len(links)).
		Str("vlans", slice.VLANs).
		Msg("vlans mapped")
	return nil
}

func (p *Planner) handOff(sliceID int) error {
	slice, err := p.store.GetSlice(sliceID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(&WorkOrder{SliceID: sliceID})
	if err != nil {
		return err
	}
	return p.queues.Queue(queue.VMPlacementQueue(slice.Zone)).Publish(body)
}

func (p *Planner) markError(slice *types.Slice) {
	slice.Kind = types.SliceError
	if err := p.store.UpdateSlice(slice); err != nil {
		p.logger.Error().Err(err).Int("slice_id", slice.ID).Msg("failed to mark slice as errored")
	}
}

// allocate walks the pool upward skipping occupied ids until n free ids
// are collected.
func allocate(occupied map[int]bool, start, end, n int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}

	ids := make([]int, 0, n)
	for id := start; id <= end && len(ids) < n; id++ {
		if !occupied[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) < n {
		return nil, errdefs.ResourceExhausted("zone pool has %d free vlans, need %d", len(ids), n)
	}
	return ids, nil
}
