// Package linux drives the KVM/OVS bare-metal zone through per-worker
// HTTP agents.
package linux

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/types"
)

// DisplayReserver is the slice of the store the driver needs: VNC
// display accounting lives in the database, claimed under a table-level
// lock.
type DisplayReserver interface {
	ReserveDisplays(sliceID int, worker string, count int) ([]int, error)
	ReleaseDisplays(sliceID int) error
}

// Driver materializes slices on the linux zone.
type Driver struct {
	zone     *config.ZoneConfig
	catalog  config.CatalogConfig
	displays DisplayReserver
	agents   map[string]*AgentClient
	client   *http.Client
	logger   zerolog.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New builds the linux driver and one agent client per worker.
func New(zone *config.ZoneConfig, catalog config.CatalogConfig, displays DisplayReserver) *Driver {
	agents := make(map[string]*AgentClient, len(zone.Workers))
	for _, w := range zone.Workers {
		agents[w.Name] = NewAgentClient(w.AgentURL, zone.AgentToken)
	}

	return &Driver{
		zone:     zone,
		catalog:  catalog,
		displays: displays,
		agents:   agents,
		client:   &http.Client{},
		logger:   log.WithComponent("driver.linux"),
	}
}

func (d *Driver) agent(worker string) (*AgentClient, error) {
	agent, ok := d.agents[worker]
	if !ok {
		return nil, errdefs.DriverFailure("worker %s is not part of the linux zone", worker)
	}
	return agent, nil
}

// Deploy creates every VM of the slice. VNC displays are reserved for
// all VMs before the first one starts; on any failure the driver
// deletes what it created, cleans the slice's VLANs off the touched
// workers and releases the displays before returning.
func (d *Driver) Deploy(ctx context.Context, slice *types.Slice) (*driver.DeployResult, error) {
	perWorker := map[string][]*types.VM{}
	for _, vm := range slice.VMs {
		perWorker[vm.Worker] = append(perWorker[vm.Worker], vm)
	}

	displays := map[string]int{}
	for worker, vms := range perWorker {
		reserved, err := d.displays.ReserveDisplays(slice.ID, worker, len(vms))
		if err != nil {
			d.undo(ctx, slice, nil)
			return nil, err
		}
		for i, vm := range vms {
			vm.VNC = reserved[i]
			displays[vm.Name] = reserved[i]
		}
	}

	touched := map[string]bool{}
	for _, vm := range slice.VMs {
		agent, err := d.agent(vm.Worker)
		if err != nil {
			d.undo(ctx, slice, touched)
			return nil, err
		}

		touched[vm.Worker] = true
		err = agent.CreateVM(ctx, &CreateVMRequest{
			Name:       types.ClusterName(slice.ID, vm.Name),
			Image:      vm.Image,
			Cores:      vm.Cores,
			RAMMiB:     vm.RAMMiB,
			DiskGiB:    vm.DiskGiB,
			VLANs:      vm.VLANList(),
			VNCDisplay: vm.VNC,
			Internet:   vm.Internet,
		})
		if err != nil {
			d.logger.Error().Err(err).Int("slice_id", slice.ID).Str("vm", vm.Name).Msg("vm creation failed, undoing slice")
			d.undo(ctx, slice, touched)
			return nil, err
		}
	}

	return &driver.DeployResult{VNCDisplays: displays}, nil
}

// undo best-effort reverses a partial deploy: delete the slice's VMs on
// every touched worker, clean its VLANs there, release its displays.
func (d *Driver) undo(ctx context.Context, slice *types.Slice, touched map[string]bool) {
	for worker := range touched {
		agent, err := d.agent(worker)
		if err != nil {
			continue
		}
		if err := agent.DeleteSlice(ctx, slice.ID); err != nil {
			d.logger.Error().Err(err).Int("slice_id", slice.ID).Str("worker", worker).Msg("undo: delete failed")
		}
		for _, vlan := range slice.VLANList() {
			if err := agent.CleanupVLAN(ctx, vlan); err != nil {
				d.logger.Error().Err(err).Int("slice_id", slice.ID).Int("vlan", vlan).Str("worker", worker).Msg("undo: vlan cleanup failed")
			}
		}
	}

	if err := d.displays.ReleaseDisplays(slice.ID); err != nil {
		d.logger.Error().Err(err).Int("slice_id", slice.ID).Msg("undo: display release failed")
	}
}

// Delete removes the slice from every worker that hosts one of its VMs
// and tears down its VLANs. Safe to repeat: agents answer success for
// absent slices.
func (d *Driver) Delete(ctx context.Context, slice *types.Slice) error {
	for _, worker := range d.workersOf(slice) {
		agent, err := d.agent(worker)
		if err != nil {
			return err
		}
		if err := agent.DeleteSlice(ctx, slice.ID); err != nil {
			return err
		}
		for _, vlan := range slice.VLANList() {
			if err := agent.CleanupVLAN(ctx, vlan); err != nil {
				return err
			}
		}
	}
	return nil
}

// Transition fans a bulk action out to every worker hosting the slice.
func (d *Driver) Transition(ctx context.Context, slice *types.Slice, action driver.Action) error {
	for _, worker := range d.workersOf(slice) {
		agent, err := d.agent(worker)
		if err != nil {
			return err
		}
		if err := agent.SliceAction(ctx, string(action), slice.ID); err != nil {
			return err
		}
	}
	return nil
}

// TransitionVM applies an action to one VM on its assigned worker.
func (d *Driver) TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action driver.Action) error {
	vm := slice.VM(vmName)
	if vm == nil {
		return errdefs.NotFound("vm %s does not exist in slice %d", vmName, slice.ID)
	}

	agent, err := d.agent(vm.Worker)
	if err != nil {
		return err
	}
	return agent.VMAction(ctx, string(action), types.ClusterName(slice.ID, vmName))
}

// sgPayload is the rule set the agents translate into iptables/OVS
// flows for the slice's VMs.
type sgPayload struct {
	SliceID int           `json:"id_slice"`
	Name    string        `json:"nombre"`
	Rules   []*types.Rule `json:"reglas"`
}

// ApplySecurityGroup replaces the group's rule set on every worker
// hosting the slice.
func (d *Driver) ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	payload := &sgPayload{SliceID: slice.ID, Name: group.Name, Rules: group.Rules}
	for _, worker := range d.workersOf(slice) {
		agent, err := d.agent(worker)
		if err != nil {
			return err
		}
		if err := agent.ApplySecurityGroup(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSecurityGroup clears the group by applying an empty rule set.
func (d *Driver) RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	cleared := &types.SecurityGroup{ID: group.ID, SliceID: group.SliceID, Name: group.Name}
	return d.ApplySecurityGroup(ctx, slice, cleared)
}

// RemoveRule re-applies the group; the caller prunes the rule first.
func (d *Driver) RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error {
	return d.ApplySecurityGroup(ctx, slice, group)
}

// ImportImage pushes the validated image file to the catalog service
// the workers build disks from. The linux zone issues no foreign id.
func (d *Driver) ImportImage(ctx context.Context, image *types.Image, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("imagen", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.catalog.URL+"/import-image", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+d.catalog.Token)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errdefs.DependencyUnavailable("image catalog unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", errdefs.DriverFailure("image catalog refused upload: %s", resp.Status)
	}
	return "", nil
}

// DeleteImage removes the image from the catalog.
func (d *Driver) DeleteImage(ctx context.Context, image *types.Image) error {
	url := fmt.Sprintf("%s/delete-image/%d", d.catalog.URL, image.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.catalog.Token)

	resp, err := d.client.Do(req)
	if err != nil {
		return errdefs.DependencyUnavailable("image catalog unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errdefs.DriverFailure("image catalog refused delete: %s", resp.Status)
	}
	return nil
}

// workersOf lists the distinct workers of the slice, stably ordered by
// the zone's configuration.
func (d *Driver) workersOf(slice *types.Slice) []string {
	hosts := map[string]bool{}
	for _, vm := range slice.VMs {
		hosts[vm.Worker] = true
	}

	var workers []string
	for _, w := range d.zone.Workers {
		if hosts[w.Name] {
			workers = append(workers, w.Name)
		}
	}
	return workers
}
