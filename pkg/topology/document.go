package topology

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

// Kind names the four supported sub-topology shapes.
const (
	KindSingle = "1vm"
	KindLinear = "lineal"
	KindRing   = "anillo"
	KindTree   = "arbol"
)

// Request is the ingress body of a slice-create call. The document is
// mutated in place as pipeline stages add data, and is persisted
// verbatim in the slice row for audit.
type Request struct {
	SliceName string    `json:"nombre_slice"`
	Zone      string    `json:"zona_despliegue"`
	Document  *Document `json:"solicitud_json"`
}

// Document is the topology description inside a request.
type Document struct {
	SliceID     int         `json:"id_slice,omitempty"`
	UsedVLANs   string      `json:"vlans_usadas"`
	UsedVNCs    string      `json:"vncs_usadas"`
	TotalVMs    int         `json:"total_vms"`
	Connections string      `json:"conexiones_vms"`
	Topologies  []*Topology `json:"topologias"`
}

// Topology is one sub-topology of a slice.
type Topology struct {
	Kind    string    `json:"nombre"`
	VMCount string    `json:"cantidad_vms"`
	VMs     []*VMSpec `json:"vms"`

	// Internet, when "si", grants internet membership to every VM of
	// the topology regardless of the per-VM flag.
	Internet string `json:"internet,omitempty"`
}

// VMSpec is one VM inside a topology. The puerto_vnc, conexiones_vlans
// and server fields must arrive empty; the pipeline populates them.
type VMSpec struct {
	Name     string `json:"nombre"`
	Cores    string `json:"cores"`
	RAM      string `json:"ram"`
	Storage  string `json:"almacenamiento"`
	Image    string `json:"image"`
	Internet string `json:"internet"`
	VNC      string `json:"puerto_vnc"`
	VLANs    string `json:"conexiones_vlans"`
	Worker   string `json:"server"`
}

// Parse decodes a request body. Unknown fields are rejected so typos in
// client documents fail loudly instead of silently dropping data.
func Parse(data []byte) (*Request, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, errdefs.Validation("malformed request body").WithCause(err)
	}
	return &req, nil
}

// Encode serializes the request back to JSON.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// AllVMs flattens the VM list in declaration order across topologies.
func (d *Document) AllVMs() []*VMSpec {
	var vms []*VMSpec
	for _, topo := range d.Topologies {
		vms = append(vms, topo.VMs...)
	}
	return vms
}

// FindVM returns the spec of the named VM, or nil.
func (d *Document) FindVM(name string) *VMSpec {
	for _, vm := range d.AllVMs() {
		if vm.Name == name {
			return vm
		}
	}
	return nil
}

// HasInternet reports whether the named VM gets internet membership,
// either through its own flag or its topology's.
func (d *Document) HasInternet(name string) bool {
	for _, topo := range d.Topologies {
		for _, vm := range topo.VMs {
			if vm.Name != name {
				continue
			}
			return vm.Internet == "si" || topo.Internet == "si"
		}
	}
	return false
}

// Links enumerates every link of the document in canonical order:
// first each topology's intra links in declared order, then the
// inter-topology connections in declared order. The document must have
// passed Validate; Links performs no checking of its own.
func (d *Document) Links() []types.Link {
	var links []types.Link
	for _, topo := range d.Topologies {
		links = append(links, topo.Links()...)
	}
	for _, conn := range parseConnections(d.Connections) {
		links = append(links, conn)
	}
	return links
}

// Links enumerates the canonical intra-topology links for the kind:
// a chain of N-1 for lineal, a ring of N for anillo, and the parent and
// child edges of a binary tree for arbol. A 1vm topology has none.
func (t *Topology) Links() []types.Link {
	names := make([]string, len(t.VMs))
	for i, vm := range t.VMs {
		names[i] = vm.Name
	}

	switch t.Kind {
	case KindLinear:
		return chainLinks(names)
	case KindRing:
		return ringLinks(names)
	case KindTree:
		return treeLinks(names)
	default:
		return nil
	}
}

func chainLinks(names []string) []types.Link {
	var links []types.Link
	for i := 0; i+1 < len(names); i++ {
		links = append(links, types.NewLink(names[i], names[i+1]))
	}
	return links
}

func ringLinks(names []string) []types.Link {
	links := chainLinks(names)
	if len(names) >= 3 {
		links = append(links, types.NewLink(names[len(names)-1], names[0]))
	}
	return links
}

// treeLinks emits the parent/child edges of a complete binary tree over
// the ordered VM list: node i parents 2i+1 and 2i+2.
func treeLinks(names []string) []types.Link {
	var links []types.Link
	for i := range names {
		for _, child := range []int{2*i + 1, 2*i + 2} {
			if child < len(names) {
				links = append(links, types.NewLink(names[i], names[child]))
			}
		}
	}
	return links
}

// parseConnections splits the slice-level vmA-vmB;vmC-vmD string.
// Malformed entries are dropped; Validate rejects them first.
func parseConnections(s string) []types.Link {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var links []types.Link
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "-", 2)
		if len(parts) != 2 {
			continue
		}
		links = append(links, types.NewLink(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])))
	}
	return links
}

// Resources parses the spec's stringly-typed sizing into numbers:
// cores, RAM in MiB and disk in GiB.
func (v *VMSpec) Resources() (cores, ramMiB, diskGiB int, err error) {
	cores, err = strconv.Atoi(v.Cores)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid cores %q", v.Cores)
	}

	ramMiB, err = parseRAM(v.RAM)
	if err != nil {
		return 0, 0, 0, err
	}

	diskGiB, err = parseStorage(v.Storage)
	if err != nil {
		return 0, 0, 0, err
	}

	return cores, ramMiB, diskGiB, nil
}

// parseRAM accepts NNNM for 256-999 MiB or N.NG for 1.0-1.5 GiB.
func parseRAM(s string) (int, error) {
	switch {
	case strings.HasSuffix(s, "M"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "M"))
		if err != nil || n < 256 || n > 999 {
			return 0, fmt.Errorf("invalid ram %q", s)
		}
		return n, nil
	case strings.HasSuffix(s, "G"):
		g, err := strconv.ParseFloat(strings.TrimSuffix(s, "G"), 64)
		if err != nil || g < 1.0 || g > 1.5 {
			return 0, fmt.Errorf("invalid ram %q", s)
		}
		return int(g * 1024), nil
	default:
		return 0, fmt.Errorf("invalid ram %q", s)
	}
}

func parseStorage(s string) (int, error) {
	switch s {
	case "1G":
		return 1, nil
	case "2G":
		return 2, nil
	case "4G":
		return 4, nil
	default:
		return 0, fmt.Errorf("invalid almacenamiento %q", s)
	}
}
