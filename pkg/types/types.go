package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Zone identifies one of the two backing clusters.
type Zone string

const (
	ZoneLinux     Zone = "linux"
	ZoneOpenStack Zone = "openstack"
)

// Valid reports whether the zone is one of the two supported clusters.
func (z Zone) Valid() bool {
	return z == ZoneLinux || z == ZoneOpenStack
}

// InternetVLAN returns the zone-wide VLAN that carries internet traffic.
func (z Zone) InternetVLAN() int {
	if z == ZoneOpenStack {
		return 11
	}
	return 1
}

// Zones lists every supported zone.
func Zones() []Zone {
	return []Zone{ZoneLinux, ZoneOpenStack}
}

// SliceKind is the lifecycle kind of a slice row.
type SliceKind string

const (
	SliceValidated   SliceKind = "validated"
	SliceVLANsMapped SliceKind = "vlans_mapped"
	SliceDeployed    SliceKind = "deployed"
	SliceError       SliceKind = "error"
	SliceDeleted     SliceKind = "deleted"
)

// SliceState is the derived runtime state of a slice.
type SliceState string

const (
	SliceRunning    SliceState = "corriendo"
	SlicePaused     SliceState = "pausado"
	SliceStopped    SliceState = "apagado"
	SliceEliminated SliceState = "eliminado"
	SliceStateNone  SliceState = ""
)

// VMState is the runtime state of a single VM.
type VMState string

const (
	VMRunning VMState = "Corriendo"
	VMPaused  VMState = "Pausado"
	VMStopped VMState = "Apagado"
)

// Slice is the DB row of record for a user topology and its materialization.
type Slice struct {
	ID         int        `json:"id"`
	Owner      int        `json:"usuario"`
	Name       string     `json:"nombre_slice"`
	Zone       Zone       `json:"zona_disponibilidad"`
	Kind       SliceKind  `json:"tipo"`
	State      SliceState `json:"estado"`
	VLANs      string     `json:"vlans"`
	RequestDoc []byte     `json:"peticion_json"`
	VMs        []*VM      `json:"vms"`
	CreatedAt  time.Time  `json:"timestamp_creacion"`
	DeployedAt time.Time  `json:"timestamp_despliegue"`
}

// VLANList parses the comma-joined vlans column.
func (s *Slice) VLANList() []int {
	return ParseVLANs(s.VLANs)
}

// VM returns the slice's VM by name, or nil.
func (s *Slice) VM(name string) *VM {
	for _, vm := range s.VMs {
		if vm.Name == name {
			return vm
		}
	}
	return nil
}

// ClusterName is the name a VM carries on the backing cluster.
func ClusterName(sliceID int, vmName string) string {
	return fmt.Sprintf("id%d_%s", sliceID, vmName)
}

// ProjectName is the tenant project an openstack slice lives in.
func ProjectName(sliceID int) string {
	return fmt.Sprintf("id%d_project", sliceID)
}

// DerivedState computes the slice runtime state from its VM states.
// Any running VM makes the slice running; an all-paused slice is paused;
// an all-stopped slice is stopped. A mix of paused and stopped still
// counts as running: part of the slice can be brought back to service.
func DerivedState(vms []*VM) SliceState {
	if len(vms) == 0 {
		return SliceStateNone
	}

	paused, stopped := 0, 0
	for _, vm := range vms {
		switch vm.State {
		case VMRunning:
			return SliceRunning
		case VMPaused:
			paused++
		case VMStopped:
			stopped++
		}
	}

	if paused == len(vms) {
		return SlicePaused
	}
	if stopped == len(vms) {
		return SliceStopped
	}
	return SliceRunning
}

// VM is one virtual machine inside a slice.
type VM struct {
	Name     string  `json:"nombre"`
	Cores    int     `json:"cores"`
	RAMMiB   int     `json:"ram_mib"`
	DiskGiB  int     `json:"disco_gib"`
	Image    string  `json:"image"`
	Internet bool    `json:"internet"`
	VLANs    string  `json:"conexiones_vlans"`
	Worker   string  `json:"server"`
	VNC      int     `json:"puerto_vnc"`
	State    VMState `json:"estado"`
}

// VLANList parses the VM's comma-joined VLAN membership.
func (v *VM) VLANList() []int {
	return ParseVLANs(v.VLANs)
}

// Link is an unordered pair of VM names sharing one VLAN. Links are
// derived from the request document and never stored standalone.
type Link struct {
	A string
	B string
}

// NewLink normalizes endpoint order so (a,b) and (b,a) compare equal.
func NewLink(a, b string) Link {
	if b < a {
		a, b = b, a
	}
	return Link{A: a, B: b}
}

// Touches reports whether the link is incident to the named VM.
func (l Link) Touches(vm string) bool {
	return l.A == vm || l.B == vm
}

func (l Link) String() string {
	return l.A + "-" + l.B
}

// SecurityGroup is the logical security group row. Slice id 0 is the
// template cloned into every new slice's default group.
type SecurityGroup struct {
	ID          int       `json:"id"`
	SliceID     int       `json:"slice_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	Rules       []*Rule   `json:"rules"`
	ForeignID   string    `json:"id_openstack,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NextRuleID returns the sequential id for a new rule within the group.
func (g *SecurityGroup) NextRuleID() int {
	max := 0
	for _, r := range g.Rules {
		if r.ID > max {
			max = r.ID
		}
	}
	return max + 1
}

// Rule is one entry in a security group's ordered rule list.
type Rule struct {
	ID          int    `json:"id"`
	Direction   string `json:"direction"` // ingress | egress
	EtherType   string `json:"ethertype"` // IPv4 | IPv6
	Protocol    string `json:"protocol"`  // tcp | udp | icmp | ""
	PortMin     int    `json:"port_range_min"`
	PortMax     int    `json:"port_range_max"`
	RemoteCIDR  string `json:"remote_ip_prefix,omitempty"`
	RemoteGroup string `json:"remote_group,omitempty"`
	Description string `json:"description,omitempty"`
	ForeignID   string `json:"id_openstack,omitempty"`
}

// Image is one catalog image admitted into the registry.
type Image struct {
	ID          int       `json:"id"`
	Name        string    `json:"nombre"`
	Description string    `json:"descripcion"`
	Filename    string    `json:"nombre_imagen"`
	Format      string    `json:"formato"`
	SizeGB      float64   `json:"tamano_gb"`
	Source      string    `json:"tipo_importacion"` // url | file
	ForeignID   string    `json:"id_openstack,omitempty"`
	ImportedAt  time.Time `json:"fecha_importacion"`
}

// VNCReservation holds the display numbers a slice claims, per worker.
type VNCReservation struct {
	SliceID  int              `json:"slice_id"`
	Displays map[string][]int `json:"vnc_ports"` // worker -> displays in [1,1000]
}

// LedgerEntry accounts one deployed VM's requirements against a worker.
// Assigned resources are distinct from the observed use that telemetry
// reports; the placement engine consumes both.
type LedgerEntry struct {
	SliceID int    `json:"slice_id"`
	VMName  string `json:"name"`
	Cores   int    `json:"cores"`
	RAMMiB  int    `json:"ram"`
	DiskGiB int    `json:"disk"`
}

// ParseVLANs parses a comma-joined VLAN id list. Blank input yields nil.
func ParseVLANs(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// JoinVLANs serializes VLAN ids as the comma-joined DB representation.
func JoinVLANs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// SortedUnique sorts ids ascending and drops duplicates.
func SortedUnique(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}

	sort.Ints(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
