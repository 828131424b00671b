package openstack

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/pauseunpause"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/roles"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/imagedata"
	glance "github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/provider"
	sgroups "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/groups"
	sgrules "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/subnets"
	"github.com/rs/zerolog"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/types"
)

// Driver materializes slices on the OpenStack zone.
type Driver struct {
	zone    *config.ZoneConfig
	cfg     *config.OpenStackConfig
	connect Connector
	logger  zerolog.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New builds the openstack driver.
func New(zone *config.ZoneConfig) *Driver {
	return &Driver{
		zone:    zone,
		cfg:     zone.OpenStack,
		connect: Connect,
		logger:  log.WithComponent("driver.openstack"),
	}
}

func networkName(sliceID, vlan int) string {
	return fmt.Sprintf("id%d_vlan%d", sliceID, vlan)
}

func defaultSGName(sliceID int) string {
	return fmt.Sprintf("id%d_default", sliceID)
}

// vlanCIDR derives a /24 per VLAN; pool ids stay under 1024 so the
// mapping is collision-free.
func vlanCIDR(vlan int) string {
	return fmt.Sprintf("10.%d.%d.0/24", vlan/256, vlan%256)
}

// Deploy creates the tenant project, one provider network and subnet
// per VLAN, the default security group, one port per (VM, VLAN) pair
// and one server per VM. Any failure rolls the project and every
// nested resource back before returning.
func (d *Driver) Deploy(ctx context.Context, slice *types.Slice) (*driver.DeployResult, error) {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return nil, err
	}

	project, err := projects.Create(admin.Identity, projects.CreateOpts{
		Name:        types.ProjectName(slice.ID),
		Description: fmt.Sprintf("slice %d (%s)", slice.ID, slice.Name),
	}).Extract()
	if err != nil {
		return nil, errdefs.DriverFailure("project creation failed").WithCause(err)
	}

	var rollback []func()
	undo := func() {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		if err := projects.Delete(admin.Identity, project.ID).ExtractErr(); err != nil {
			d.logger.Error().Err(err).Int("slice_id", slice.ID).Msg("rollback: project delete failed")
		}
	}

	err = roles.Assign(admin.Identity, d.cfg.AdminRoleID, roles.AssignOpts{
		UserID:    admin.UserID,
		ProjectID: project.ID,
	}).ExtractErr()
	if err != nil {
		undo()
		return nil, errdefs.DriverFailure("role assignment failed").WithCause(err)
	}

	scoped, err := d.connect(d.cfg, project.ID)
	if err != nil {
		undo()
		return nil, err
	}

	networkIDs, cleanup, err := d.createNetworks(scoped, slice)
	rollback = append(rollback, cleanup...)
	if err != nil {
		undo()
		return nil, err
	}

	sgID, sgRules, cleanup, err := d.createDefaultSG(scoped, slice.ID)
	rollback = append(rollback, cleanup...)
	if err != nil {
		undo()
		return nil, err
	}

	result := &driver.DeployResult{ForeignIDs: map[string]string{}, DefaultSGRules: sgRules}
	for _, vm := range slice.VMs {
		serverID, cleanup, err := d.createServer(scoped, slice, vm, networkIDs, sgID)
		rollback = append(rollback, cleanup...)
		if err != nil {
			undo()
			return nil, err
		}
		result.ForeignIDs[vm.Name] = serverID
	}

	return result, nil
}

// createNetworks makes one VLAN provider network and subnet per
// allocated VLAN and returns vlan -> network id. The shared internet
// network is pre-existing zone configuration, never created here.
func (d *Driver) createNetworks(c *Clients, slice *types.Slice) (map[int]string, []func(), error) {
	var cleanup []func()
	networkIDs := map[int]string{}

	for _, vlan := range slice.VLANList() {
		opts := provider.CreateOptsExt{
			CreateOptsBuilder: networks.CreateOpts{Name: networkName(slice.ID, vlan)},
			Segments: []provider.Segment{{
				NetworkType:     "vlan",
				PhysicalNetwork: d.cfg.PhysicalNetwork,
				SegmentationID:  vlan,
			}},
		}

		network, err := networks.Create(c.Network, opts).Extract()
		if err != nil {
			return nil, cleanup, errdefs.DriverFailure("network creation failed for vlan %d", vlan).WithCause(err)
		}
		networkIDs[vlan] = network.ID
		cleanup = append(cleanup, func() {
			if err := networks.Delete(c.Network, network.ID).ExtractErr(); err != nil {
				d.logger.Error().Err(err).Str("network_id", network.ID).Msg("rollback: network delete failed")
			}
		})

		enableDHCP := true
		_, err = subnets.Create(c.Network, subnets.CreateOpts{
			NetworkID:  network.ID,
			Name:       fmt.Sprintf("%s_subnet", networkName(slice.ID, vlan)),
			CIDR:       vlanCIDR(vlan),
			IPVersion:  gophercloud.IPv4,
			EnableDHCP: &enableDHCP,
		}).Extract()
		if err != nil {
			return nil, cleanup, errdefs.DriverFailure("subnet creation failed for vlan %d", vlan).WithCause(err)
		}
	}

	return networkIDs, cleanup, nil
}

// createDefaultSG clones the logical template into the project: rule 1
// permits all egress, rule 2 permits intra-group ingress. Returns the
// group id and logical-rule-id -> foreign UUID.
func (d *Driver) createDefaultSG(c *Clients, sliceID int) (string, map[int]string, []func(), error) {
	var cleanup []func()

	group, err := sgroups.Create(c.Network, sgroups.CreateOpts{
		Name:        defaultSGName(sliceID),
		Description: "slice default group",
	}).Extract()
	if err != nil {
		return "", nil, cleanup, errdefs.DriverFailure("default security group creation failed").WithCause(err)
	}
	cleanup = append(cleanup, func() {
		if err := sgroups.Delete(c.Network, group.ID).ExtractErr(); err != nil {
			d.logger.Error().Err(err).Str("sg_id", group.ID).Msg("rollback: security group delete failed")
		}
	})

	egress, err := sgrules.Create(c.Network, sgrules.CreateOpts{
		SecGroupID: group.ID,
		Direction:  sgrules.DirEgress,
		EtherType:  sgrules.EtherType4,
	}).Extract()
	if err != nil {
		return "", nil, cleanup, errdefs.DriverFailure("default egress rule creation failed").WithCause(err)
	}

	intra, err := sgrules.Create(c.Network, sgrules.CreateOpts{
		SecGroupID:    group.ID,
		Direction:     sgrules.DirIngress,
		EtherType:     sgrules.EtherType4,
		RemoteGroupID: group.ID,
	}).Extract()
	if err != nil {
		return "", nil, cleanup, errdefs.DriverFailure("default ingress rule creation failed").WithCause(err)
	}

	return group.ID, map[int]string{1: egress.ID, 2: intra.ID}, cleanup, nil
}

// createServer makes the VM's ports and the server itself.
func (d *Driver) createServer(c *Clients, slice *types.Slice, vm *types.VM, networkIDs map[int]string, sgID string) (string, []func(), error) {
	var cleanup []func()

	flavorID, err := d.pickFlavor(c, vm)
	if err != nil {
		return "", cleanup, err
	}

	imageID, err := d.findImage(c, vm.Image)
	if err != nil {
		return "", cleanup, err
	}

	var nics []servers.Network
	for _, vlan := range vm.VLANList() {
		networkID := networkIDs[vlan]
		if vlan == types.ZoneOpenStack.InternetVLAN() {
			networkID = d.cfg.InternetNetworkID
		}
		if networkID == "" {
			return "", cleanup, errdefs.DriverFailure("vm %s references unallocated vlan %d", vm.Name, vlan)
		}

		groups := []string{sgID}
		port, err := ports.Create(c.Network, ports.CreateOpts{
			NetworkID:      networkID,
			Name:           fmt.Sprintf("%s_vlan%d", types.ClusterName(slice.ID, vm.Name), vlan),
			SecurityGroups: &groups,
		}).Extract()
		if err != nil {
			return "", cleanup, errdefs.DriverFailure("port creation failed for vm %s vlan %d", vm.Name, vlan).WithCause(err)
		}
		cleanup = append(cleanup, func() {
			if err := ports.Delete(c.Network, port.ID).ExtractErr(); err != nil {
				d.logger.Error().Err(err).Str("port_id", port.ID).Msg("rollback: port delete failed")
			}
		})
		nics = append(nics, servers.Network{Port: port.ID})
	}

	availabilityZone := ""
	if w := d.zone.Worker(vm.Worker); w != nil {
		availabilityZone = w.AvailabilityZone
	}

	server, err := servers.Create(c.Compute, servers.CreateOpts{
		Name:             types.ClusterName(slice.ID, vm.Name),
		FlavorRef:        flavorID,
		ImageRef:         imageID,
		AvailabilityZone: availabilityZone,
		Networks:         nics,
	}).Extract()
	if err != nil {
		return "", cleanup, errdefs.DriverFailure("server creation failed for vm %s", vm.Name).WithCause(err)
	}
	cleanup = append(cleanup, func() {
		if err := servers.Delete(c.Compute, server.ID).ExtractErr(); err != nil {
			d.logger.Error().Err(err).Str("server_id", server.ID).Msg("rollback: server delete failed")
		}
	})

	return server.ID, cleanup, nil
}

// pickFlavor chooses the smallest flavor that fits the VM.
func (d *Driver) pickFlavor(c *Clients, vm *types.VM) (string, error) {
	page, err := flavors.ListDetail(c.Compute, flavors.ListOpts{}).AllPages()
	if err != nil {
		return "", errdefs.DependencyUnavailable("flavor listing failed").WithCause(err)
	}

	all, err := flavors.ExtractFlavors(page)
	if err != nil {
		return "", err
	}

	var best *flavors.Flavor
	for i := range all {
		f := &all[i]
		if f.VCPUs < vm.Cores || f.RAM < vm.RAMMiB || f.Disk < vm.DiskGiB {
			continue
		}
		if best == nil || f.RAM < best.RAM || (f.RAM == best.RAM && f.VCPUs < best.VCPUs) {
			best = f
		}
	}
	if best == nil {
		return "", errdefs.DriverFailure("no flavor fits vm %s (%d cores, %d MiB, %d GiB)", vm.Name, vm.Cores, vm.RAMMiB, vm.DiskGiB)
	}
	return best.ID, nil
}

func (d *Driver) findImage(c *Clients, name string) (string, error) {
	page, err := glance.List(c.Image, glance.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", errdefs.DependencyUnavailable("image listing failed").WithCause(err)
	}

	all, err := glance.ExtractImages(page)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", errdefs.DriverFailure("image %q is not registered on the openstack cluster", name)
	}
	return all[0].ID, nil
}

// Delete sweeps everything the slice owns and removes its project.
// Absent resources are skipped, so repeating a half-finished delete
// converges.
func (d *Driver) Delete(ctx context.Context, slice *types.Slice) error {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return err
	}

	projectID, err := d.findProject(admin, types.ProjectName(slice.ID))
	if err != nil {
		return err
	}
	if projectID == "" {
		return nil
	}

	scoped, err := d.connect(d.cfg, projectID)
	if err != nil {
		return err
	}

	if err := d.deleteServers(scoped, projectID); err != nil {
		return err
	}
	if err := d.deletePorts(scoped, projectID); err != nil {
		return err
	}
	if err := d.deleteNetworks(scoped, projectID); err != nil {
		return err
	}
	if err := d.deleteSecurityGroups(scoped, projectID); err != nil {
		return err
	}

	if err := projects.Delete(admin.Identity, projectID).ExtractErr(); err != nil {
		return errdefs.DriverFailure("project delete failed").WithCause(err)
	}
	return nil
}

func (d *Driver) findProject(c *Clients, name string) (string, error) {
	page, err := projects.List(c.Identity, projects.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", errdefs.DependencyUnavailable("project listing failed").WithCause(err)
	}

	all, err := projects.ExtractProjects(page)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", nil
	}
	return all[0].ID, nil
}

func (d *Driver) deleteServers(c *Clients, projectID string) error {
	page, err := servers.List(c.Compute, servers.ListOpts{TenantID: projectID}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("server listing failed").WithCause(err)
	}

	all, err := servers.ExtractServers(page)
	if err != nil {
		return err
	}
	for _, s := range all {
		if err := servers.Delete(c.Compute, s.ID).ExtractErr(); err != nil {
			return errdefs.DriverFailure("server delete failed").WithCause(err)
		}
	}
	return nil
}

func (d *Driver) deletePorts(c *Clients, projectID string) error {
	page, err := ports.List(c.Network, ports.ListOpts{ProjectID: projectID}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("port listing failed").WithCause(err)
	}

	all, err := ports.ExtractPorts(page)
	if err != nil {
		return err
	}
	for _, p := range all {
		// DHCP ports disappear with their subnet.
		if p.DeviceOwner == "network:dhcp" {
			continue
		}
		if err := ports.Delete(c.Network, p.ID).ExtractErr(); err != nil {
			return errdefs.DriverFailure("port delete failed").WithCause(err)
		}
	}
	return nil
}

func (d *Driver) deleteNetworks(c *Clients, projectID string) error {
	page, err := networks.List(c.Network, networks.ListOpts{ProjectID: projectID}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("network listing failed").WithCause(err)
	}

	all, err := networks.ExtractNetworks(page)
	if err != nil {
		return err
	}
	for _, n := range all {
		// The shared internet network belongs to the zone, not the slice.
		if n.ID == d.cfg.InternetNetworkID {
			continue
		}
		if err := networks.Delete(c.Network, n.ID).ExtractErr(); err != nil {
			return errdefs.DriverFailure("network delete failed").WithCause(err)
		}
	}
	return nil
}

func (d *Driver) deleteSecurityGroups(c *Clients, projectID string) error {
	page, err := sgroups.List(c.Network, sgroups.ListOpts{ProjectID: projectID}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("security group listing failed").WithCause(err)
	}

	all, err := sgroups.ExtractGroups(page)
	if err != nil {
		return err
	}
	for _, g := range all {
		// Neutron's own per-project "default" group dies with the project.
		if g.Name == "default" {
			continue
		}
		if err := sgroups.Delete(c.Network, g.ID).ExtractErr(); err != nil {
			return errdefs.DriverFailure("security group delete failed").WithCause(err)
		}
	}
	return nil
}

// Transition applies a bulk action to every server of the slice.
func (d *Driver) Transition(ctx context.Context, slice *types.Slice, action driver.Action) error {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return err
	}

	prefix := fmt.Sprintf("id%d_", slice.ID)
	page, err := servers.List(admin.Compute, servers.ListOpts{Name: prefix, AllTenants: true}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("server listing failed").WithCause(err)
	}

	all, err := servers.ExtractServers(page)
	if err != nil {
		return err
	}
	for _, s := range all {
		if !strings.HasPrefix(s.Name, prefix) {
			continue
		}
		if err := d.applyAction(admin, s.ID, action); err != nil {
			return err
		}
	}
	return nil
}

// TransitionVM applies an action to a single server by cluster name.
func (d *Driver) TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action driver.Action) error {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return err
	}

	name := types.ClusterName(slice.ID, vmName)
	page, err := servers.List(admin.Compute, servers.ListOpts{Name: name, AllTenants: true}).AllPages()
	if err != nil {
		return errdefs.DependencyUnavailable("server listing failed").WithCause(err)
	}

	all, err := servers.ExtractServers(page)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.Name == name {
			return d.applyAction(admin, s.ID, action)
		}
	}
	return errdefs.NotFound("server %s does not exist on the cluster", name)
}

func (d *Driver) applyAction(c *Clients, serverID string, action driver.Action) error {
	var err error
	switch action {
	case driver.ActionPause:
		err = pauseunpause.Pause(c.Compute, serverID).ExtractErr()
	case driver.ActionResume:
		err = pauseunpause.Unpause(c.Compute, serverID).ExtractErr()
	case driver.ActionShutdown:
		err = startstop.Stop(c.Compute, serverID).ExtractErr()
	case driver.ActionStart:
		err = startstop.Start(c.Compute, serverID).ExtractErr()
	default:
		return errdefs.Validation("unknown action %q", action)
	}
	if err != nil {
		return errdefs.DriverFailure("%s failed on server %s", action, serverID).WithCause(err)
	}
	return nil
}

// ApplySecurityGroup creates or refreshes a custom group in the
// slice's project and backfills the foreign UUIDs into the logical row.
func (d *Driver) ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	scoped, err := d.scopedToSlice(slice)
	if err != nil {
		return err
	}

	if group.ForeignID == "" {
		created, err := sgroups.Create(scoped.Network, sgroups.CreateOpts{
			Name:        fmt.Sprintf("id%d_%s", slice.ID, group.Name),
			Description: group.Description,
		}).Extract()
		if err != nil {
			return errdefs.DriverFailure("security group creation failed").WithCause(err)
		}
		group.ForeignID = created.ID
	}

	for _, rule := range group.Rules {
		if rule.ForeignID != "" {
			continue
		}

		opts := sgrules.CreateOpts{
			SecGroupID:     group.ForeignID,
			Direction:      sgrules.RuleDirection(rule.Direction),
			EtherType:      sgrules.RuleEtherType(rule.EtherType),
			Protocol:       sgrules.RuleProtocol(rule.Protocol),
			PortRangeMin:   rule.PortMin,
			PortRangeMax:   rule.PortMax,
			RemoteIPPrefix: rule.RemoteCIDR,
		}
		if rule.RemoteGroup != "" {
			opts.RemoteGroupID = group.ForeignID
		}

		created, err := sgrules.Create(scoped.Network, opts).Extract()
		if err != nil {
			return errdefs.DriverFailure("rule creation failed").WithCause(err)
		}
		rule.ForeignID = created.ID
	}
	return nil
}

// RemoveSecurityGroup deletes a custom group from the cluster.
func (d *Driver) RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	if group.ForeignID == "" {
		return nil
	}

	scoped, err := d.scopedToSlice(slice)
	if err != nil {
		return err
	}
	if err := sgroups.Delete(scoped.Network, group.ForeignID).ExtractErr(); err != nil {
		return errdefs.DriverFailure("security group delete failed").WithCause(err)
	}
	return nil
}

// RemoveRule deletes one rule by its foreign UUID.
func (d *Driver) RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error {
	if rule.ForeignID == "" {
		return nil
	}

	scoped, err := d.scopedToSlice(slice)
	if err != nil {
		return err
	}
	if err := sgrules.Delete(scoped.Network, rule.ForeignID).ExtractErr(); err != nil {
		return errdefs.DriverFailure("rule delete failed").WithCause(err)
	}
	return nil
}

func (d *Driver) scopedToSlice(slice *types.Slice) (*Clients, error) {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return nil, err
	}

	projectID, err := d.findProject(admin, types.ProjectName(slice.ID))
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, errdefs.NotFound("slice %d has no project on the cluster", slice.ID)
	}
	return d.connect(d.cfg, projectID)
}

// ImportImage uploads the image to glance and returns the foreign id.
func (d *Driver) ImportImage(ctx context.Context, image *types.Image, path string) (string, error) {
	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return "", err
	}

	visibility := glance.ImageVisibilityShared
	created, err := glance.Create(admin.Image, glance.CreateOpts{
		Name:            image.Name,
		DiskFormat:      image.Format,
		ContainerFormat: "bare",
		Visibility:      &visibility,
	}).Extract()
	if err != nil {
		return "", errdefs.DriverFailure("glance image creation failed").WithCause(err)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if err := imagedata.Upload(admin.Image, created.ID, file).ExtractErr(); err != nil {
		if delErr := glance.Delete(admin.Image, created.ID).ExtractErr(); delErr != nil {
			d.logger.Error().Err(delErr).Str("image_id", created.ID).Msg("rollback: glance delete failed")
		}
		return "", errdefs.DriverFailure("glance upload failed").WithCause(err)
	}

	return created.ID, nil
}

// DeleteImage removes the image from glance when it was ever uploaded.
func (d *Driver) DeleteImage(ctx context.Context, image *types.Image) error {
	if image.ForeignID == "" {
		return nil
	}

	admin, err := d.connect(d.cfg, "")
	if err != nil {
		return err
	}
	if err := glance.Delete(admin.Image, image.ForeignID).ExtractErr(); err != nil {
		return errdefs.DriverFailure("glance delete failed").WithCause(err)
	}
	return nil
}
