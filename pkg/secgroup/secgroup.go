// Package secgroup manages per-slice security groups: the default
// group cloned from the template at VLAN-mapping time, plus custom
// groups and their rules.
package secgroup

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

// Driver is the slice of the cluster facade the manager needs.
type Driver interface {
	ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error
	RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error
	RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error
}

// Manager owns the logical security-group rows and mirrors them to the
// cluster once the slice is deployed.
type Manager struct {
	store  storage.Store
	driver Driver
	logger zerolog.Logger
}

// New creates a security-group manager.
func New(store storage.Store, drv Driver) *Manager {
	return &Manager{store: store, driver: drv, logger: log.WithComponent("secgroup")}
}

// EnsureDefault clones the template row (slice id 0) into the slice's
// default group. Idempotent: an existing default group is returned
// unchanged.
func (m *Manager) EnsureDefault(sliceID int) (*types.SecurityGroup, error) {
	existing, err := m.store.GetSecurityGroupByName(sliceID, "default")
	if err == nil {
		return existing, nil
	}
	if !errdefs.Is(err, errdefs.KindNotFound) {
		return nil, err
	}

	template, err := m.store.GetSecurityGroupByName(0, "default")
	if err != nil {
		return nil, err
	}

	group := &types.SecurityGroup{
		SliceID:     sliceID,
		Name:        "default",
		Description: template.Description,
		IsDefault:   true,
	}
	for _, rule := range template.Rules {
		clone := *rule
		clone.ForeignID = ""
		group.Rules = append(group.Rules, &clone)
	}

	if err := m.store.CreateSecurityGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// Create makes a custom group for the slice and, when the slice is
// already deployed, pushes it to the cluster.
func (m *Manager) Create(ctx context.Context, sliceID int, name, description string) (*types.SecurityGroup, error) {
	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return nil, err
	}
	if slice.Kind == types.SliceDeleted {
		return nil, errdefs.Conflict("slice %d is deleted", sliceID)
	}
	if name == "default" {
		return nil, errdefs.Conflict("the default group name is reserved")
	}

	group := &types.SecurityGroup{SliceID: sliceID, Name: name, Description: description}
	if err := m.store.CreateSecurityGroup(group); err != nil {
		return nil, err
	}

	if slice.Kind == types.SliceDeployed {
		if err := m.driver.ApplySecurityGroup(ctx, slice, group); err != nil {
			if delErr := m.store.DeleteSecurityGroup(group.ID); delErr != nil {
				m.logger.Error().Err(delErr).Int("sg_id", group.ID).Msg("failed to remove group after cluster refusal")
			}
			return nil, err
		}
		if err := m.store.UpdateSecurityGroup(group); err != nil {
			return nil, err
		}
	}
	return group, nil
}

// Get returns one group of the slice.
func (m *Manager) Get(sliceID, groupID int) (*types.SecurityGroup, error) {
	group, err := m.store.GetSecurityGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group.SliceID != sliceID {
		return nil, errdefs.NotFound("security group %d does not belong to slice %d", groupID, sliceID)
	}
	return group, nil
}

// List returns the slice's groups.
func (m *Manager) List(sliceID int) ([]*types.SecurityGroup, error) {
	return m.store.ListSecurityGroups(sliceID)
}

// Delete removes a custom group. The default group is protected while
// the slice exists.
func (m *Manager) Delete(ctx context.Context, sliceID, groupID int) error {
	group, err := m.Get(sliceID, groupID)
	if err != nil {
		return err
	}
	if group.IsDefault {
		return errdefs.Conflict("the default group cannot be deleted while the slice exists")
	}

	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return err
	}
	if slice.Kind == types.SliceDeployed {
		if err := m.driver.RemoveSecurityGroup(ctx, slice, group); err != nil {
			return err
		}
	}
	return m.store.DeleteSecurityGroup(group.ID)
}

// AddRule appends a rule with the next sequential id, persists it,
// then applies it to the cluster; cluster-issued UUIDs are backfilled
// into the row.
func (m *Manager) AddRule(ctx context.Context, sliceID, groupID int, rule *types.Rule) (*types.SecurityGroup, error) {
	group, err := m.Get(sliceID, groupID)
	if err != nil {
		return nil, err
	}

	rule.ID = group.NextRuleID()
	rule.ForeignID = ""
	group.Rules = append(group.Rules, rule)
	if err := m.store.UpdateSecurityGroup(group); err != nil {
		return nil, err
	}

	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return nil, err
	}
	if slice.Kind == types.SliceDeployed {
		if err := m.driver.ApplySecurityGroup(ctx, slice, group); err != nil {
			return nil, err
		}
		if err := m.store.UpdateSecurityGroup(group); err != nil {
			return nil, err
		}
	}
	return group, nil
}

// RemoveRule asks the cluster to drop the rule, then prunes it from
// the row. The last rule of a group may not be removed.
func (m *Manager) RemoveRule(ctx context.Context, sliceID, groupID, ruleID int) (*types.SecurityGroup, error) {
	group, err := m.Get(sliceID, groupID)
	if err != nil {
		return nil, err
	}
	if len(group.Rules) <= 1 {
		return nil, errdefs.Conflict("a security group keeps at least one rule")
	}

	var rule *types.Rule
	for _, r := range group.Rules {
		if r.ID == ruleID {
			rule = r
			break
		}
	}
	if rule == nil {
		return nil, errdefs.NotFound("rule %d does not exist in security group %d", ruleID, groupID)
	}

	slice, err := m.store.GetSlice(sliceID)
	if err != nil {
		return nil, err
	}

	kept := group.Rules[:0]
	for _, r := range group.Rules {
		if r.ID != ruleID {
			kept = append(kept, r)
		}
	}
	group.Rules = kept

	if slice.Kind == types.SliceDeployed {
		if err := m.driver.RemoveRule(ctx, slice, group, rule); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdateSecurityGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// PurgeSlice removes every group row of a deleted slice. The cluster
// side is already gone with the slice itself.
func (m *Manager) PurgeSlice(sliceID int) error {
	groups, err := m.store.ListSecurityGroups(sliceID)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := m.store.DeleteSecurityGroup(group.ID); err != nil {
			return err
		}
	}
	return nil
}
