package storage

import (
	"github.com/nubla/slicer/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Slices
	CreateSlice(slice *types.Slice) error
	GetSlice(id int) (*types.Slice, error)
	ListSlices() ([]*types.Slice, error)
	ListSlicesByOwner(owner int) ([]*types.Slice, error)
	ListSlicesByZone(zone types.Zone, kinds ...types.SliceKind) ([]*types.Slice, error)
	UpdateSlice(slice *types.Slice) error

	// OccupiedVLANs returns the union of VLAN ids held by live slices
	// of the zone (kinds validated and deployed).
	OccupiedVLANs(zone types.Zone) (map[int]bool, error)

	// Security groups
	CreateSecurityGroup(group *types.SecurityGroup) error
	GetSecurityGroup(id int) (*types.SecurityGroup, error)
	GetSecurityGroupByName(sliceID int, name string) (*types.SecurityGroup, error)
	ListSecurityGroups(sliceID int) ([]*types.SecurityGroup, error)
	UpdateSecurityGroup(group *types.SecurityGroup) error
	DeleteSecurityGroup(id int) error

	// Images
	CreateImage(image *types.Image) error
	GetImage(id int) (*types.Image, error)
	GetImageByName(name string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	UpdateImage(image *types.Image) error
	DeleteImage(id int) error

	// VNC reservations
	ReserveDisplays(sliceID int, worker string, count int) ([]int, error)
	ReleaseDisplays(sliceID int) error
	GetVNCReservation(sliceID int) (*types.VNCReservation, error)

	// Placement ledger
	AppendLedgerEntry(zone types.Zone, worker string, entry *types.LedgerEntry) error
	RemoveLedgerEntry(zone types.Zone, worker string, sliceID int, vmName string) error
	RemoveSliceLedger(zone types.Zone, sliceID int) error
	Ledger(zone types.Zone) (map[string][]*types.LedgerEntry, error)

	// Utility
	Close() error
}
