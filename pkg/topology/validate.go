package topology

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

var vmNamePattern = regexp.MustCompile(`^vm\d+$`)

// kindSizes bounds the VM count per topology kind.
var kindSizes = map[string][2]int{
	KindSingle: {1, 1},
	KindLinear: {2, 12},
	KindRing:   {3, 12},
	KindTree:   {5, 12},
}

// Validate checks the whole request against the admission rules. It is
// the only gate before the document enters the pipeline, so it verifies
// every field; later stages assume a validated document.
func (r *Request) Validate() error {
	if n := len(strings.TrimSpace(r.SliceName)); n < 3 || n > 200 {
		return errdefs.Validation("nombre_slice must be 3-200 characters")
	}
	if !types.Zone(r.Zone).Valid() {
		return errdefs.Validation("unknown zona_despliegue %q", r.Zone)
	}
	if r.Document == nil {
		return errdefs.Validation("solicitud_json is required")
	}
	return r.Document.validate()
}

func (d *Document) validate() error {
	// Pipeline-owned fields must arrive unset.
	if d.SliceID != 0 {
		return errdefs.Validation("id_slice must be empty on input")
	}
	if d.UsedVLANs != "" || d.UsedVNCs != "" {
		return errdefs.Validation("vlans_usadas and vncs_usadas must be empty on input")
	}

	if len(d.Topologies) < 1 || len(d.Topologies) > 3 {
		return errdefs.Validation("a slice needs 1-3 topologies")
	}

	total := 0
	seen := map[string]bool{}
	for i, topo := range d.Topologies {
		count, err := topo.validate(i)
		if err != nil {
			return err
		}
		total += count

		for _, vm := range topo.VMs {
			if seen[vm.Name] {
				return errdefs.Validation("duplicate vm name %q", vm.Name)
			}
			seen[vm.Name] = true
		}
	}

	if d.TotalVMs != total {
		return errdefs.Validation("total_vms %d does not match the %d declared vms", d.TotalVMs, total)
	}
	if total > 12 {
		return errdefs.Validation("a slice holds at most 12 vms")
	}

	if err := d.validateConnections(seen); err != nil {
		return err
	}
	return d.validateConnectivity()
}

func (t *Topology) validate(index int) (int, error) {
	bounds, ok := kindSizes[t.Kind]
	if !ok {
		return 0, errdefs.Validation("topology %d: unknown kind %q", index, t.Kind)
	}

	count, err := strconv.Atoi(t.VMCount)
	if err != nil {
		return 0, errdefs.Validation("topology %d: cantidad_vms %q is not a number", index, t.VMCount)
	}
	if count != len(t.VMs) {
		return 0, errdefs.Validation("topology %d: cantidad_vms %d does not match %d vms", index, count, len(t.VMs))
	}
	if count < bounds[0] || count > bounds[1] {
		return 0, errdefs.Validation("topology %d: kind %s needs %d-%d vms", index, t.Kind, bounds[0], bounds[1])
	}
	if t.Internet != "" && t.Internet != "si" && t.Internet != "no" {
		return 0, errdefs.Validation("topology %d: internet must be si or no", index)
	}

	for _, vm := range t.VMs {
		if err := vm.validate(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (v *VMSpec) validate() error {
	if !vmNamePattern.MatchString(v.Name) {
		return errdefs.Validation("vm name %q must match vmN", v.Name)
	}
	if v.Cores != "1" && v.Cores != "2" {
		return errdefs.Validation("vm %s: cores must be 1 or 2", v.Name)
	}
	if _, err := parseRAM(v.RAM); err != nil {
		return errdefs.Validation("vm %s: ram must be 256M-999M or 1.0G-1.5G", v.Name)
	}
	if _, err := parseStorage(v.Storage); err != nil {
		return errdefs.Validation("vm %s: almacenamiento must be 1G, 2G or 4G", v.Name)
	}
	if strings.TrimSpace(v.Image) == "" {
		return errdefs.Validation("vm %s: image is required", v.Name)
	}
	if v.Internet != "si" && v.Internet != "no" {
		return errdefs.Validation("vm %s: internet must be si or no", v.Name)
	}
	if v.VNC != "" || v.VLANs != "" || v.Worker != "" {
		return errdefs.Validation("vm %s: puerto_vnc, conexiones_vlans and server must be empty on input", v.Name)
	}
	return nil
}

// validateConnections checks the inter-topology string: well-formed
// pairs, existing endpoints, no self-links, and no duplicate of any
// link the topologies already imply.
func (d *Document) validateConnections(names map[string]bool) error {
	intra := map[types.Link]bool{}
	for _, topo := range d.Topologies {
		for _, link := range topo.Links() {
			intra[link] = true
		}
	}

	seen := map[types.Link]bool{}
	raw := strings.TrimSpace(d.Connections)
	if raw == "" {
		return nil
	}

	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "-", 2)
		if len(parts) != 2 {
			return errdefs.Validation("malformed connection %q", pair)
		}

		a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if a == b {
			return errdefs.Validation("connection %q links a vm to itself", pair)
		}
		if !names[a] || !names[b] {
			return errdefs.Validation("connection %q references an unknown vm", pair)
		}

		link := types.NewLink(a, b)
		if intra[link] {
			return errdefs.Validation("connection %s duplicates a topology link", link)
		}
		if seen[link] {
			return errdefs.Validation("duplicate connection %s", link)
		}
		seen[link] = true
	}
	return nil
}

// validateConnectivity requires the topology graph to be connected:
// with two or more topologies, the inter-topology links must reach
// every topology from the first.
func (d *Document) validateConnectivity() error {
	if len(d.Topologies) < 2 {
		return nil
	}

	topoOf := map[string]int{}
	for i, topo := range d.Topologies {
		for _, vm := range topo.VMs {
			topoOf[vm.Name] = i
		}
	}

	adjacent := make(map[int][]int)
	for _, link := range parseConnections(d.Connections) {
		a, b := topoOf[link.A], topoOf[link.B]
		if a == b {
			continue
		}
		adjacent[a] = append(adjacent[a], b)
		adjacent[b] = append(adjacent[b], a)
	}

	reached := map[int]bool{0: true}
	frontier := []int{0}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range adjacent[current] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	if len(reached) != len(d.Topologies) {
		return errdefs.Validation("conexiones_vms must connect every topology")
	}
	return nil
}
