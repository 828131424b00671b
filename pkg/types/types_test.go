package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivedState(t *testing.T) {
	tests := []struct {
		name     string
		states   []VMState
		expected SliceState
	}{
		{
			name:     "all running",
			states:   []VMState{VMRunning, VMRunning, VMRunning},
			expected: SliceRunning,
		},
		{
			name:     "one running among paused",
			states:   []VMState{VMPaused, VMRunning, VMPaused},
			expected: SliceRunning,
		},
		{
			name:     "all paused",
			states:   []VMState{VMPaused, VMPaused},
			expected: SlicePaused,
		},
		{
			name:     "all stopped",
			states:   []VMState{VMStopped, VMStopped, VMStopped},
			expected: SliceStopped,
		},
		{
			name:     "mixed paused and stopped counts as running",
			states:   []VMState{VMStopped, VMPaused, VMPaused, VMPaused},
			expected: SliceRunning,
		},
		{
			name:     "no vms",
			states:   nil,
			expected: SliceStateNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vms []*VM
			for _, st := range tt.states {
				vms = append(vms, &VM{State: st})
			}
			assert.Equal(t, tt.expected, DerivedState(vms))
		})
	}
}

func TestVLANRoundTrip(t *testing.T) {
	assert.Equal(t, "", JoinVLANs(nil))
	assert.Nil(t, ParseVLANs(""))
	assert.Nil(t, ParseVLANs("   "))

	ids := []int{5, 6, 7, 120}
	joined := JoinVLANs(ids)
	assert.Equal(t, "5,6,7,120", joined)
	assert.Equal(t, ids, ParseVLANs(joined))

	// Garbage elements are skipped, not fatal.
	assert.Equal(t, []int{5, 7}, ParseVLANs("5,x,7"))
}

func TestSortedUnique(t *testing.T) {
	assert.Nil(t, SortedUnique(nil))
	assert.Equal(t, []int{3, 5, 9}, SortedUnique([]int{9, 3, 5, 3, 9}))
}

func TestLinkNormalization(t *testing.T) {
	assert.Equal(t, NewLink("vm1", "vm2"), NewLink("vm2", "vm1"))
	assert.True(t, NewLink("vm2", "vm5").Touches("vm5"))
	assert.False(t, NewLink("vm2", "vm5").Touches("vm3"))
	assert.Equal(t, "vm2-vm5", NewLink("vm5", "vm2").String())
}

func TestClusterNaming(t *testing.T) {
	assert.Equal(t, "id42_vm3", ClusterName(42, "vm3"))
	assert.Equal(t, "id42_project", ProjectName(42))
}

func TestZone(t *testing.T) {
	assert.True(t, ZoneLinux.Valid())
	assert.True(t, ZoneOpenStack.Valid())
	assert.False(t, Zone("aws").Valid())
	assert.Equal(t, 1, ZoneLinux.InternetVLAN())
	assert.Equal(t, 11, ZoneOpenStack.InternetVLAN())
}

func TestNextRuleID(t *testing.T) {
	g := &SecurityGroup{}
	assert.Equal(t, 1, g.NextRuleID())

	g.Rules = []*Rule{{ID: 1}, {ID: 2}, {ID: 5}}
	assert.Equal(t, 6, g.NextRuleID())
}
