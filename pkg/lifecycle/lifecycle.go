// Package lifecycle owns the slice and VM state graph. Every runtime
// transition is acknowledged by the backing cluster before the row is
// updated, and the slice's derived state is reconciled afterwards.
package lifecycle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

// Driver is the slice of the cluster facade the state machine needs.
type Driver interface {
	Delete(ctx context.Context, slice *types.Slice) error
	Transition(ctx context.Context, slice *types.Slice, action driver.Action) error
	TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action driver.Action) error
}

// Manager serializes lifecycle operations per slice: concurrent pause
// and delete on the same slice must not race.
type Manager struct {
	store  storage.Store
	driver Driver
	events *events.Broker
	locks  *sliceLocks
	logger zerolog.Logger
}

// New creates a lifecycle manager.
func New(store storage.Store, drv Driver, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		driver: drv,
		events: broker,
		locks:  newSliceLocks(),
		logger: log.WithComponent("lifecycle"),
	}
}

// TransitionSlice fans a bulk action out to every VM of the slice,
// then reconciles the derived state. VMs already in the target state
// are left alone.
func (m *Manager) TransitionSlice(ctx context.Context, sliceID int, action driver.Action) (*types.Slice, error) {
	unlock := m.locks.lock(sliceID)
	defer unlock()

	slice, err := m.deployedSlice(sliceID)
	if err != nil {
		return nil, err
	}

	target := action.Target()
	any := false
	for _, vm := range slice.VMs {
		if vm.State != target && canTransition(vm.State, action) {
			any = true
		}
	}
	if !any {
		return nil, errdefs.Conflict("no vm of slice %d can %s", sliceID, action)
	}

	// Cluster first. The agents apply the action to every VM they hold
	// for the slice; VMs already in the target state are no-ops there.
	if err := m.driver.Transition(ctx, slice, action); err != nil {
		return nil, err
	}

	for _, vm := range slice.VMs {
		if canTransition(vm.State, action) {
			vm.State = target
		}
	}
	return m.reconcile(slice, action)
}

// TransitionVM applies an action to a single VM. Illegal transitions
// (pausing an already-paused VM) are conflicts with no side effect.
func (m *Manager) TransitionVM(ctx context.Context, sliceID int, vmName string, action driver.Action) (*types.Slice, error) {
	unlock := m.locks.lock(sliceID)
	defer unlock()

	slice, err := m.deployedSlice(sliceID)
	if err != nil {
		return nil, err
	}

	vm := slice.VM(vmName)
	if vm == nil {
		return nil, errdefs.NotFound("vm %s does not exist in slice %d", vmName, sliceID)
	}
	if !canTransition(vm.State, action) {
		return nil, errdefs.Conflict("vm %s is %s and cannot %s", vmName, vm.State, action)
	}

	if err := m.driver.TransitionVM(ctx, slice, vmName, action); err != nil {
		return nil, err
	}

	vm.State = action.Target()
	return m.reconcile(slice, action)
}

// Delete runs the delete protocol: cluster teardown first, then the
// VLANs, ledger entries and VNC reservations are freed and the row
// goes terminal. On driver failure the row is untouched and the caller
// sees the error. Repeating a delete of a deleted slice is a no-op.
func (m *Manager) Delete(ctx context.Context, sliceID int) error {
	unlock := m.locks.lock(sliceID)
	defer unlock()

	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return err
	}

	switch slice.Kind {
	case types.SliceDeleted:
		return nil
	case types.SliceDeployed, types.SliceError, types.SliceVLANsMapped:
	default:
		return errdefs.Conflict("slice %d is %s and cannot be deleted", sliceID, slice.Kind)
	}

	if err := m.driver.Delete(ctx, slice); err != nil {
		return err
	}

	if err := m.store.RemoveSliceLedger(slice.Zone, slice.ID); err != nil {
		return err
	}
	if err := m.store.ReleaseDisplays(slice.ID); err != nil {
		return err
	}

	// Kind deleted takes the VLANs out of the allocator's occupied set.
	slice.Kind = types.SliceDeleted
	slice.State = types.SliceEliminated
	slice.VMs = nil
	if err := m.store.UpdateSlice(slice); err != nil {
		return err
	}

	m.events.Publish(&events.Event{Type: events.EventSliceDeleted, SliceID: sliceID})
	m.logger.Info().Int("slice_id", sliceID).Msg("slice deleted")
	return nil
}

func (m *Manager) deployedSlice(sliceID int) (*types.Slice, error) {
	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return nil, err
	}
	if slice.Kind != types.SliceDeployed {
		return nil, errdefs.Conflict("slice %d is %s, runtime transitions need a deployed slice", sliceID, slice.Kind)
	}
	return slice, nil
}

// reconcile derives the slice state from its VMs and commits the row.
func (m *Manager) reconcile(slice *types.Slice, action driver.Action) (*types.Slice, error) {
	slice.State = types.DerivedState(slice.VMs)
	if err := m.store.UpdateSlice(slice); err != nil {
		return nil, err
	}

	m.events.Publish(&events.Event{
		Type:     events.EventVMTransitioned,
		SliceID:  slice.ID,
		Metadata: map[string]string{"action": string(action), "estado": string(slice.State)},
	})
	return slice, nil
}

// canTransition encodes the VM state graph.
func canTransition(state types.VMState, action driver.Action) bool {
	switch action {
	case driver.ActionPause:
		return state == types.VMRunning
	case driver.ActionResume:
		return state == types.VMPaused
	case driver.ActionShutdown:
		return state == types.VMRunning || state == types.VMPaused
	case driver.ActionStart:
		return state == types.VMStopped
	default:
		return false
	}
}

// sliceLocks hands out one mutex per slice id.
type sliceLocks struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func newSliceLocks() *sliceLocks {
	return &sliceLocks{locks: map[int]*sync.Mutex{}}
}

func (s *sliceLocks) lock(sliceID int) func() {
	s.mu.Lock()
	lock, ok := s.locks[sliceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sliceID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
