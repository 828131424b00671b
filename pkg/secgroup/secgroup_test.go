package secgroup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

type fakeDriver struct {
	applied []string
	removed []string
	fail    error
}

func (f *fakeDriver) ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	if f.fail != nil {
		return f.fail
	}
	f.applied = append(f.applied, group.Name)

	// The openstack driver backfills foreign ids on apply.
	if group.ForeignID == "" {
		group.ForeignID = "sg-" + group.Name
	}
	for _, rule := range group.Rules {
		if rule.ForeignID == "" {
			rule.ForeignID = "rule-foreign"
		}
	}
	return nil
}

func (f *fakeDriver) RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	if f.fail != nil {
		return f.fail
	}
	f.removed = append(f.removed, group.Name)
	return nil
}

func (f *fakeDriver) RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error {
	return f.fail
}

type fixture struct {
	manager *Manager
	store   *storage.BoltStore
	driver  *fakeDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	drv := &fakeDriver{}
	return &fixture{manager: New(store, drv), store: store, driver: drv}
}

func (f *fixture) slice(t *testing.T, kind types.SliceKind) *types.Slice {
	t.Helper()
	slice := &types.Slice{Owner: 1, Name: "segura", Zone: types.ZoneLinux, Kind: kind}
	if kind == types.SliceDeployed {
		slice.VMs = []*types.VM{{Name: "vm1", Worker: "worker1", State: types.VMRunning}}
	}
	require.NoError(t, f.store.CreateSlice(slice))
	return slice
}

func TestEnsureDefaultClonesTemplate(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceVLANsMapped)

	group, err := f.manager.EnsureDefault(slice.ID)
	require.NoError(t, err)
	assert.True(t, group.IsDefault)
	assert.Equal(t, "default", group.Name)
	require.Len(t, group.Rules, 2)
	assert.Equal(t, 1, group.Rules[0].ID)
	assert.Equal(t, 2, group.Rules[1].ID)
	assert.Empty(t, group.Rules[0].ForeignID, "clones start without cluster ids")

	// Idempotent.
	again, err := f.manager.EnsureDefault(slice.ID)
	require.NoError(t, err)
	assert.Equal(t, group.ID, again.ID)
}

func TestCreateCustomGroup(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)

	group, err := f.manager.Create(context.Background(), slice.ID, "web", "frontend rules")
	require.NoError(t, err)
	assert.False(t, group.IsDefault)
	assert.Equal(t, []string{"web"}, f.driver.applied)
	assert.Equal(t, "sg-web", group.ForeignID)

	// Reserved name.
	_, err = f.manager.Create(context.Background(), slice.ID, "default", "")
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))
}

func TestCreateBeforeDeploySkipsCluster(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceVLANsMapped)

	group, err := f.manager.Create(context.Background(), slice.ID, "web", "")
	require.NoError(t, err)
	assert.Empty(t, f.driver.applied)
	assert.Empty(t, group.ForeignID)
}

func TestCreateRollsBackRowOnClusterRefusal(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)
	f.driver.fail = errdefs.DriverFailure("neutron said no")

	_, err := f.manager.Create(context.Background(), slice.ID, "web", "")
	require.Error(t, err)

	groups, err := f.manager.List(slice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestAddRuleSequencesIDs(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)

	group, err := f.manager.Create(context.Background(), slice.ID, "web", "")
	require.NoError(t, err)

	group, err = f.manager.AddRule(context.Background(), slice.ID, group.ID, &types.Rule{
		Direction: "ingress", EtherType: "IPv4", Protocol: "tcp", PortMin: 80, PortMax: 80,
	})
	require.NoError(t, err)
	require.Len(t, group.Rules, 1)
	assert.Equal(t, 1, group.Rules[0].ID)
	assert.Equal(t, "rule-foreign", group.Rules[0].ForeignID)

	group, err = f.manager.AddRule(context.Background(), slice.ID, group.ID, &types.Rule{
		Direction: "ingress", EtherType: "IPv4", Protocol: "tcp", PortMin: 443, PortMax: 443,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, group.Rules[1].ID)
}

func TestRemoveRuleKeepsLastRule(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)

	group, err := f.manager.Create(context.Background(), slice.ID, "web", "")
	require.NoError(t, err)
	group, err = f.manager.AddRule(context.Background(), slice.ID, group.ID, &types.Rule{Direction: "ingress", EtherType: "IPv4"})
	require.NoError(t, err)

	_, err = f.manager.RemoveRule(context.Background(), slice.ID, group.ID, group.Rules[0].ID)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))

	group, err = f.manager.AddRule(context.Background(), slice.ID, group.ID, &types.Rule{Direction: "egress", EtherType: "IPv4"})
	require.NoError(t, err)

	group, err = f.manager.RemoveRule(context.Background(), slice.ID, group.ID, group.Rules[0].ID)
	require.NoError(t, err)
	require.Len(t, group.Rules, 1)
	assert.Equal(t, "egress", group.Rules[0].Direction)
}

func TestDefaultGroupCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)

	group, err := f.manager.EnsureDefault(slice.ID)
	require.NoError(t, err)

	err = f.manager.Delete(context.Background(), slice.ID, group.ID)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))
}

func TestDeleteCustomGroup(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceDeployed)

	group, err := f.manager.Create(context.Background(), slice.ID, "web", "")
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(context.Background(), slice.ID, group.ID))
	assert.Equal(t, []string{"web"}, f.driver.removed)

	_, err = f.manager.Get(slice.ID, group.ID)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestPurgeSlice(t *testing.T) {
	f := newFixture(t)
	slice := f.slice(t, types.SliceVLANsMapped)

	_, err := f.manager.EnsureDefault(slice.ID)
	require.NoError(t, err)
	_, err = f.manager.Create(context.Background(), slice.ID, "web", "")
	require.NoError(t, err)

	require.NoError(t, f.manager.PurgeSlice(slice.ID))

	groups, err := f.manager.List(slice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
