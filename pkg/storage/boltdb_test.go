package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSliceCRUD(t *testing.T) {
	store := newStore(t)

	s1 := &types.Slice{Owner: 7, Name: "red-uno", Zone: types.ZoneLinux, Kind: types.SliceValidated}
	s2 := &types.Slice{Owner: 8, Name: "red-dos", Zone: types.ZoneOpenStack, Kind: types.SliceValidated}

	require.NoError(t, store.CreateSlice(s1))
	require.NoError(t, store.CreateSlice(s2))

	// Monotonic ids.
	assert.Equal(t, 1, s1.ID)
	assert.Equal(t, 2, s2.ID)

	got, err := store.GetSlice(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, "red-uno", got.Name)

	got.Kind = types.SliceDeployed
	got.VLANs = "5,6"
	require.NoError(t, store.UpdateSlice(got))

	byOwner, err := store.ListSlicesByOwner(7)
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, types.SliceDeployed, byOwner[0].Kind)

	_, err = store.GetSlice(99)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestOccupiedVLANs(t *testing.T) {
	store := newStore(t)

	live := &types.Slice{Zone: types.ZoneLinux, Kind: types.SliceDeployed, VLANs: "5,6,7"}
	pending := &types.Slice{Zone: types.ZoneLinux, Kind: types.SliceValidated, VLANs: "8"}
	mapped := &types.Slice{Zone: types.ZoneLinux, Kind: types.SliceVLANsMapped, VLANs: "10"}
	dead := &types.Slice{Zone: types.ZoneLinux, Kind: types.SliceDeleted, VLANs: "9"}
	other := &types.Slice{Zone: types.ZoneOpenStack, Kind: types.SliceDeployed, VLANs: "15"}

	for _, s := range []*types.Slice{live, pending, mapped, dead, other} {
		require.NoError(t, store.CreateSlice(s))
	}

	occupied, err := store.OccupiedVLANs(types.ZoneLinux)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{5: true, 6: true, 7: true, 8: true, 10: true}, occupied,
		"a mapped slice waiting on deploy still holds its vlans")
}

func TestSecurityGroupTemplateSeeded(t *testing.T) {
	store := newStore(t)

	template, err := store.GetSecurityGroupByName(0, "default")
	require.NoError(t, err)
	assert.True(t, template.IsDefault)
	require.Len(t, template.Rules, 2)
	assert.Equal(t, 1, template.Rules[0].ID)
	assert.Equal(t, 2, template.Rules[1].ID)
}

func TestSecurityGroupUniqueName(t *testing.T) {
	store := newStore(t)

	g := &types.SecurityGroup{SliceID: 3, Name: "web"}
	require.NoError(t, store.CreateSecurityGroup(g))

	dup := &types.SecurityGroup{SliceID: 3, Name: "web"}
	err := store.CreateSecurityGroup(dup)
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))

	// Same name on another slice is fine.
	other := &types.SecurityGroup{SliceID: 4, Name: "web"}
	assert.NoError(t, store.CreateSecurityGroup(other))
}

func TestSecurityGroupOptimisticConcurrency(t *testing.T) {
	store := newStore(t)

	g := &types.SecurityGroup{SliceID: 3, Name: "web"}
	require.NoError(t, store.CreateSecurityGroup(g))

	first, err := store.GetSecurityGroup(g.ID)
	require.NoError(t, err)
	second, err := store.GetSecurityGroup(g.ID)
	require.NoError(t, err)

	first.Description = "writer one"
	require.NoError(t, store.UpdateSecurityGroup(first))

	second.Description = "writer two"
	err = store.UpdateSecurityGroup(second)
	assert.True(t, errdefs.Is(err, errdefs.KindConflict))
}

func TestImageCRUD(t *testing.T) {
	store := newStore(t)

	img := &types.Image{Name: "ubuntu-22", Format: "qcow2", SizeGB: 0.6}
	require.NoError(t, store.CreateImage(img))
	assert.Equal(t, 1, img.ID)

	byName, err := store.GetImageByName("ubuntu-22")
	require.NoError(t, err)
	assert.Equal(t, img.ID, byName.ID)

	byName.ForeignID = "abc-123"
	require.NoError(t, store.UpdateImage(byName))

	got, err := store.GetImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", got.ForeignID)

	require.NoError(t, store.DeleteImage(img.ID))
	_, err = store.GetImage(img.ID)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestVNCReservations(t *testing.T) {
	store := newStore(t)

	first, err := store.ReserveDisplays(1, "worker1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, first)

	// A second slice on the same worker skips claimed displays.
	second, err := store.ReserveDisplays(2, "worker1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, second)

	// Another worker has its own pool.
	other, err := store.ReserveDisplays(2, "worker2", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, other)

	require.NoError(t, store.ReleaseDisplays(1))

	// Released displays are reusable.
	reused, err := store.ReserveDisplays(3, "worker1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, reused)

	// Release is idempotent.
	assert.NoError(t, store.ReleaseDisplays(1))
}

func TestVNCExhaustion(t *testing.T) {
	store := newStore(t)

	_, err := store.ReserveDisplays(1, "worker1", maxVNCDisplay)
	require.NoError(t, err)

	_, err = store.ReserveDisplays(2, "worker1", 1)
	assert.True(t, errdefs.Is(err, errdefs.KindResourceExhausted))
}

func TestLedger(t *testing.T) {
	store := newStore(t)

	e1 := &types.LedgerEntry{SliceID: 1, VMName: "vm1", Cores: 1, RAMMiB: 512, DiskGiB: 2}
	e2 := &types.LedgerEntry{SliceID: 1, VMName: "vm2", Cores: 2, RAMMiB: 1024, DiskGiB: 4}
	e3 := &types.LedgerEntry{SliceID: 2, VMName: "vm1", Cores: 1, RAMMiB: 256, DiskGiB: 1}

	require.NoError(t, store.AppendLedgerEntry(types.ZoneLinux, "worker1", e1))
	require.NoError(t, store.AppendLedgerEntry(types.ZoneLinux, "worker2", e2))
	require.NoError(t, store.AppendLedgerEntry(types.ZoneLinux, "worker1", e3))

	ledger, err := store.Ledger(types.ZoneLinux)
	require.NoError(t, err)
	assert.Len(t, ledger["worker1"], 2)
	assert.Len(t, ledger["worker2"], 1)

	// Zones are independent.
	empty, err := store.Ledger(types.ZoneOpenStack)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.RemoveLedgerEntry(types.ZoneLinux, "worker1", 1, "vm1"))
	ledger, err = store.Ledger(types.ZoneLinux)
	require.NoError(t, err)
	require.Len(t, ledger["worker1"], 1)
	assert.Equal(t, 2, ledger["worker1"][0].SliceID)

	// Slice-wide removal restores the pre-deploy ledger.
	require.NoError(t, store.RemoveSliceLedger(types.ZoneLinux, 1))
	ledger, err = store.Ledger(types.ZoneLinux)
	require.NoError(t, err)
	assert.Len(t, ledger["worker1"], 1)
	_, hasWorker2 := ledger["worker2"]
	assert.False(t, hasWorker2)
}
