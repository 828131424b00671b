package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

var (
	// Bucket names
	bucketSlices          = []byte("slices")
	bucketSecurityGroups  = []byte("security_groups")
	bucketImages          = []byte("imagenes")
	bucketVNCReservations = []byte("vnc_reservations")
	bucketPlacementLinux  = []byte("placement_linux")
	bucketPlacementOpenSt = []byte("placement_openstack")
)

// maxVNCDisplay bounds the per-worker display pool.
const maxVNCDisplay = 1000

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store and seeds the security
// group template row (slice id 0) on first open.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "slicer.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSlices,
			bucketSecurityGroups,
			bucketImages,
			bucketVNCReservations,
			bucketPlacementLinux,
			bucketPlacementOpenSt,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return seedTemplate(tx)
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// seedTemplate writes the default security group template under slice id
// 0 if no template exists yet. The rule list is zone independent; the
// drivers supply the cluster-native ids.
func seedTemplate(tx *bolt.Tx) error {
	b := tx.Bucket(bucketSecurityGroups)

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var group types.SecurityGroup
		if err := json.Unmarshal(v, &group); err != nil {
			continue
		}
		if group.SliceID == 0 && group.Name == "default" {
			return nil
		}
	}

	id, err := b.NextSequence()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &types.SecurityGroup{
		ID:          int(id),
		SliceID:     0,
		Name:        "default",
		Description: "per-slice default group template",
		IsDefault:   true,
		Rules: []*types.Rule{
			{ID: 1, Direction: "egress", EtherType: "IPv4", Description: "allow all egress"},
			{ID: 2, Direction: "ingress", EtherType: "IPv4", RemoteGroup: "default", Description: "allow intra-group"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(template)
	if err != nil {
		return err
	}
	return b.Put(itob(template.ID), data)
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func placementBucket(zone types.Zone) []byte {
	if zone == types.ZoneOpenStack {
		return bucketPlacementOpenSt
	}
	return bucketPlacementLinux
}

// Slice operations

// CreateSlice persists a new slice and assigns its monotonic id.
func (s *BoltStore) CreateSlice(slice *types.Slice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlices)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		slice.ID = int(id)

		data, err := json.Marshal(slice)
		if err != nil {
			return err
		}
		return b.Put(itob(slice.ID), data)
	})
}

func (s *BoltStore) GetSlice(id int) (*types.Slice, error) {
	var slice types.Slice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlices)
		data := b.Get(itob(id))
		if data == nil {
			return errdefs.NotFound("slice %d not found", id)
		}
		return json.Unmarshal(data, &slice)
	})
	if err != nil {
		return nil, err
	}
	return &slice, nil
}

func (s *BoltStore) ListSlices() ([]*types.Slice, error) {
	var slices []*types.Slice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlices)
		return b.ForEach(func(k, v []byte) error {
			var slice types.Slice
			if err := json.Unmarshal(v, &slice); err != nil {
				return err
			}
			slices = append(slices, &slice)
			return nil
		})
	})
	return slices, err
}

func (s *BoltStore) ListSlicesByOwner(owner int) ([]*types.Slice, error) {
	slices, err := s.ListSlices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Slice
	for _, slice := range slices {
		if slice.Owner == owner {
			filtered = append(filtered, slice)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListSlicesByZone(zone types.Zone, kinds ...types.SliceKind) ([]*types.Slice, error) {
	slices, err := s.ListSlices()
	if err != nil {
		return nil, err
	}

	kindSet := make(map[types.SliceKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var filtered []*types.Slice
	for _, slice := range slices {
		if slice.Zone != zone {
			continue
		}
		if len(kinds) > 0 && !kindSet[slice.Kind] {
			continue
		}
		filtered = append(filtered, slice)
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSlice(slice *types.Slice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlices)
		if b.Get(itob(slice.ID)) == nil {
			return errdefs.NotFound("slice %d not found", slice.ID)
		}

		data, err := json.Marshal(slice)
		if err != nil {
			return err
		}
		return b.Put(itob(slice.ID), data)
	})
}

// OccupiedVLANs returns the VLAN ids currently held by live slices of
// the zone. Read inside one transaction so the planner sees a committed
// snapshot.
func (s *BoltStore) OccupiedVLANs(zone types.Zone) (map[int]bool, error) {
	occupied := make(map[int]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlices)
		return b.ForEach(func(k, v []byte) error {
			var slice types.Slice
			if err := json.Unmarshal(v, &slice); err != nil {
				return err
			}
			if slice.Zone != zone {
				return nil
			}
			if slice.Kind != types.SliceValidated && slice.Kind != types.SliceVLANsMapped && slice.Kind != types.SliceDeployed {
				return nil
			}
			for _, id := range slice.VLANList() {
				occupied[id] = true
			}
			return nil
		})
	})
	return occupied, err
}

// Security group operations

func (s *BoltStore) CreateSecurityGroup(group *types.SecurityGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)

		// Name is unique per slice.
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing types.SecurityGroup
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.SliceID == group.SliceID && existing.Name == group.Name {
				return errdefs.Conflict("security group %q already exists for slice %d", group.Name, group.SliceID)
			}
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		group.ID = int(id)
		group.CreatedAt = time.Now()
		group.UpdatedAt = group.CreatedAt

		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return b.Put(itob(group.ID), data)
	})
}

func (s *BoltStore) GetSecurityGroup(id int) (*types.SecurityGroup, error) {
	var group types.SecurityGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)
		data := b.Get(itob(id))
		if data == nil {
			return errdefs.NotFound("security group %d not found", id)
		}
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) GetSecurityGroupByName(sliceID int, name string) (*types.SecurityGroup, error) {
	var found *types.SecurityGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)
		return b.ForEach(func(k, v []byte) error {
			var group types.SecurityGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.SliceID == sliceID && group.Name == name {
				found = &group
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("security group %q not found for slice %d", name, sliceID)
	}
	return found, nil
}

func (s *BoltStore) ListSecurityGroups(sliceID int) ([]*types.SecurityGroup, error) {
	var groups []*types.SecurityGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)
		return b.ForEach(func(k, v []byte) error {
			var group types.SecurityGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if group.SliceID == sliceID {
				groups = append(groups, &group)
			}
			return nil
		})
	})
	return groups, err
}

// UpdateSecurityGroup writes the row back under optimistic concurrency:
// the stored UpdatedAt must match the one the caller read.
func (s *BoltStore) UpdateSecurityGroup(group *types.SecurityGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)
		data := b.Get(itob(group.ID))
		if data == nil {
			return errdefs.NotFound("security group %d not found", group.ID)
		}

		var current types.SecurityGroup
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if !current.UpdatedAt.Equal(group.UpdatedAt) {
			return errdefs.Conflict("security group %d was modified concurrently", group.ID)
		}

		group.UpdatedAt = time.Now()
		out, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return b.Put(itob(group.ID), out)
	})
}

func (s *BoltStore) DeleteSecurityGroup(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityGroups)
		if b.Get(itob(id)) == nil {
			return errdefs.NotFound("security group %d not found", id)
		}
		return b.Delete(itob(id))
	})
}

// Image operations

func (s *BoltStore) CreateImage(image *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		image.ID = int(id)

		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return b.Put(itob(image.ID), data)
	})
}

func (s *BoltStore) GetImage(id int) (*types.Image, error) {
	var image types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		data := b.Get(itob(id))
		if data == nil {
			return errdefs.NotFound("image %d not found", id)
		}
		return json.Unmarshal(data, &image)
	})
	if err != nil {
		return nil, err
	}
	return &image, nil
}

func (s *BoltStore) GetImageByName(name string) (*types.Image, error) {
	var found *types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			if image.Name == name {
				found = &image
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("image %q not found", name)
	}
	return found, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var images []*types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.Image
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			images = append(images, &image)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) UpdateImage(image *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b.Get(itob(image.ID)) == nil {
			return errdefs.NotFound("image %d not found", image.ID)
		}
		data, err := json.Marshal(image)
		if err != nil {
			return err
		}
		return b.Put(itob(image.ID), data)
	})
}

func (s *BoltStore) DeleteImage(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b.Get(itob(id)) == nil {
			return errdefs.NotFound("image %d not found", id)
		}
		return b.Delete(itob(id))
	})
}

// VNC reservation operations

// ReserveDisplays claims the lowest free display numbers on the worker
// for the slice. The single-writer transaction is the table-level lock:
// no two slices can observe the same free display.
func (s *BoltStore) ReserveDisplays(sliceID int, worker string, count int) ([]int, error) {
	var claimed []int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVNCReservations)

		used := make(map[int]bool)
		if err := b.ForEach(func(k, v []byte) error {
			var res types.VNCReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			for _, d := range res.Displays[worker] {
				used[d] = true
			}
			return nil
		}); err != nil {
			return err
		}

		for d := 1; d <= maxVNCDisplay && len(claimed) < count; d++ {
			if !used[d] {
				claimed = append(claimed, d)
			}
		}
		if len(claimed) < count {
			claimed = nil
			return errdefs.ResourceExhausted("worker %s is out of vnc displays", worker)
		}

		res := types.VNCReservation{SliceID: sliceID, Displays: map[string][]int{worker: claimed}}
		if data := b.Get(itob(sliceID)); data != nil {
			if err := json.Unmarshal(data, &res); err != nil {
				return err
			}
			res.Displays[worker] = append(res.Displays[worker], claimed...)
		}

		data, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		return b.Put(itob(sliceID), data)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseDisplays frees every display the slice holds. Releasing a slice
// with no reservation is a no-op: delete is idempotent.
func (s *BoltStore) ReleaseDisplays(sliceID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVNCReservations).Delete(itob(sliceID))
	})
}

func (s *BoltStore) GetVNCReservation(sliceID int) (*types.VNCReservation, error) {
	var res types.VNCReservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVNCReservations)
		data := b.Get(itob(sliceID))
		if data == nil {
			return errdefs.NotFound("no vnc reservation for slice %d", sliceID)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Placement ledger operations

func (s *BoltStore) AppendLedgerEntry(zone types.Zone, worker string, entry *types.LedgerEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(placementBucket(zone))

		var entries []*types.LedgerEntry
		if data := b.Get([]byte(worker)); data != nil {
			if err := json.Unmarshal(data, &entries); err != nil {
				return err
			}
		}
		entries = append(entries, entry)

		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker), data)
	})
}

func (s *BoltStore) RemoveLedgerEntry(zone types.Zone, worker string, sliceID int, vmName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(placementBucket(zone))

		data := b.Get([]byte(worker))
		if data == nil {
			return nil
		}

		var entries []*types.LedgerEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}

		kept := entries[:0]
		for _, e := range entries {
			if e.SliceID == sliceID && e.VMName == vmName {
				continue
			}
			kept = append(kept, e)
		}

		if len(kept) == 0 {
			return b.Delete([]byte(worker))
		}
		out, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker), out)
	})
}

// RemoveSliceLedger drops every entry the slice holds across all workers
// of the zone in one transaction.
func (s *BoltStore) RemoveSliceLedger(zone types.Zone, sliceID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(placementBucket(zone))

		type update struct {
			worker string
			data   []byte
			drop   bool
		}
		var updates []update

		if err := b.ForEach(func(k, v []byte) error {
			var entries []*types.LedgerEntry
			if err := json.Unmarshal(v, &entries); err != nil {
				return err
			}

			kept := entries[:0]
			for _, e := range entries {
				if e.SliceID != sliceID {
					kept = append(kept, e)
				}
			}
			if len(kept) == len(entries) {
				return nil
			}

			if len(kept) == 0 {
				updates = append(updates, update{worker: string(k), drop: true})
				return nil
			}
			data, err := json.Marshal(kept)
			if err != nil {
				return err
			}
			updates = append(updates, update{worker: string(k), data: data})
			return nil
		}); err != nil {
			return err
		}

		for _, u := range updates {
			if u.drop {
				if err := b.Delete([]byte(u.worker)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(u.worker), u.data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Ledger(zone types.Zone) (map[string][]*types.LedgerEntry, error) {
	ledger := make(map[string][]*types.LedgerEntry)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(placementBucket(zone))
		return b.ForEach(func(k, v []byte) error {
			var entries []*types.LedgerEntry
			if err := json.Unmarshal(v, &entries); err != nil {
				return err
			}
			ledger[string(k)] = entries
			return nil
		})
	})
	return ledger, err
}
