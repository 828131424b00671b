// Package driver translates planned slices into the operations of one
// backing cluster. Two drivers implement the same contract; a facade
// picks one by zone and enforces the per-operation deadlines.
package driver

import (
	"context"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

// Action is a runtime transition applied to a slice or a single VM.
type Action string

const (
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionShutdown Action = "shutdown"
	ActionStart    Action = "start"
)

// Target returns the VM state an action drives toward.
func (a Action) Target() types.VMState {
	switch a {
	case ActionPause:
		return types.VMPaused
	case ActionShutdown:
		return types.VMStopped
	default:
		return types.VMRunning
	}
}

// Valid reports whether the action is one of the four transitions.
func (a Action) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionShutdown, ActionStart:
		return true
	}
	return false
}

// DeployResult carries what the cluster decided during materialization.
type DeployResult struct {
	// VNCDisplays maps VM name to its reserved display number (linux).
	VNCDisplays map[string]int

	// ForeignIDs maps VM name to the cluster-native server id (openstack).
	ForeignIDs map[string]string

	// DefaultSGRules maps logical rule id to the cluster-issued rule
	// UUID for the slice's default security group (openstack).
	DefaultSGRules map[int]string
}

// Driver is the per-zone provisioning contract. Deploy must be atomic
// from the caller's perspective: on failure everything created for the
// slice is undone before the error returns. Delete is idempotent.
type Driver interface {
	Deploy(ctx context.Context, slice *types.Slice) (*DeployResult, error)
	Delete(ctx context.Context, slice *types.Slice) error

	Transition(ctx context.Context, slice *types.Slice, action Action) error
	TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action Action) error

	ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error
	RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error
	RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error

	ImportImage(ctx context.Context, image *types.Image, path string) (string, error)
	DeleteImage(ctx context.Context, image *types.Image) error
}

// Facade routes calls to the zone's driver under the configured
// operation deadlines.
type Facade struct {
	timeouts config.TimeoutConfig
	linux    Driver
	osd      Driver
}

// NewFacade builds the zone-routing facade.
func NewFacade(timeouts config.TimeoutConfig, linux, openstack Driver) *Facade {
	return &Facade{timeouts: timeouts, linux: linux, osd: openstack}
}

func (f *Facade) pick(zone types.Zone) (Driver, error) {
	switch zone {
	case types.ZoneLinux:
		return f.linux, nil
	case types.ZoneOpenStack:
		return f.osd, nil
	default:
		return nil, errdefs.Validation("unknown zone %q", zone)
	}
}

// Deploy materializes the slice within the deploy deadline.
func (f *Facade) Deploy(ctx context.Context, slice *types.Slice) (*DeployResult, error) {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Deploy)
	defer cancel()
	return d.Deploy(ctx, slice)
}

// Delete removes everything the slice owns within the delete deadline.
func (f *Facade) Delete(ctx context.Context, slice *types.Slice) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Delete)
	defer cancel()
	return d.Delete(ctx, slice)
}

// Transition applies a bulk runtime action to every VM of the slice.
func (f *Facade) Transition(ctx context.Context, slice *types.Slice, action Action) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transition)
	defer cancel()
	return d.Transition(ctx, slice, action)
}

// TransitionVM applies a runtime action to one VM.
func (f *Facade) TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action Action) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transition)
	defer cancel()
	return d.TransitionVM(ctx, slice, vmName, action)
}

// ApplySecurityGroup pushes a group and its rules to the cluster.
func (f *Facade) ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transition)
	defer cancel()
	return d.ApplySecurityGroup(ctx, slice, group)
}

// RemoveSecurityGroup removes a group from the cluster.
func (f *Facade) RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transition)
	defer cancel()
	return d.RemoveSecurityGroup(ctx, slice, group)
}

// RemoveRule removes one rule from a cluster-side group.
func (f *Facade) RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error {
	d, err := f.pick(slice.Zone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transition)
	defer cancel()
	return d.RemoveRule(ctx, slice, group, rule)
}
