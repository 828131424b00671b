package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/auth"
	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/images"
	"github.com/nubla/slicer/pkg/lifecycle"
	"github.com/nubla/slicer/pkg/placement"
	"github.com/nubla/slicer/pkg/planner"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/secgroup"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/telemetry"
	"github.com/nubla/slicer/pkg/topology"
	"github.com/nubla/slicer/pkg/types"
)

// fakeCluster stands in for both zone drivers across every manager.
type fakeCluster struct {
	fail error
}

func (f *fakeCluster) Deploy(ctx context.Context, slice *types.Slice) (*driver.DeployResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	displays := map[string]int{}
	for i, vm := range slice.VMs {
		displays[vm.Name] = i + 1
	}
	return &driver.DeployResult{VNCDisplays: displays}, nil
}

func (f *fakeCluster) Delete(ctx context.Context, slice *types.Slice) error { return f.fail }

func (f *fakeCluster) Transition(ctx context.Context, slice *types.Slice, action driver.Action) error {
	return f.fail
}

func (f *fakeCluster) TransitionVM(ctx context.Context, slice *types.Slice, vmName string, action driver.Action) error {
	return f.fail
}

func (f *fakeCluster) ApplySecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	return f.fail
}

func (f *fakeCluster) RemoveSecurityGroup(ctx context.Context, slice *types.Slice, group *types.SecurityGroup) error {
	return f.fail
}

func (f *fakeCluster) RemoveRule(ctx context.Context, slice *types.Slice, group *types.SecurityGroup, rule *types.Rule) error {
	return f.fail
}

type fakeTelemetry struct{}

func (fakeTelemetry) HeadnodeUp(ctx context.Context, job string) (bool, error) { return true, nil }

func (fakeTelemetry) WorkerSample(ctx context.Context, job, worker string) (*telemetry.Sample, error) {
	return &telemetry.Sample{
		Worker: worker, Up: true,
		TotalCores: 8, TotalRAMMiB: 16384, TotalDiskGiB: 200,
		UsedCores: 1, UsedRAMMiB: 2048, UsedDiskGiB: 20,
	}, nil
}

type fakeImporter struct{}

func (fakeImporter) ImportImage(ctx context.Context, image *types.Image, path string) (string, error) {
	return "", nil
}

func (fakeImporter) DeleteImage(ctx context.Context, image *types.Image) error { return nil }

type fixture struct {
	store    *storage.BoltStore
	srv      *httptest.Server
	verifier *auth.Verifier
	cluster  *fakeCluster
	cfg      *config.Config
	planner  *planner.Planner
	engine   *placement.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := newIdleFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.planner.Run(ctx)
	go f.engine.Run(ctx)

	return f
}

// newIdleFixture builds the server without running the pipeline
// consumers, for tests that drive the queues or the store by hand.
func newIdleFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queues, err := queue.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { queues.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.ImageDir = t.TempDir()
	cfg.TokenSecret = "secreto-de-prueba"
	cfg.Timeouts.Deploy = 30 * time.Second
	cfg.Linux.Workers = []config.WorkerConfig{
		{Name: "worker1", AgentURL: "http://worker1:8081"},
		{Name: "worker2", AgentURL: "http://worker2:8081"},
	}

	cluster := &fakeCluster{}
	secgroups := secgroup.New(store, cluster)
	lc := lifecycle.New(store, cluster, broker)
	img := images.New(cfg, store, fakeImporter{}, fakeImporter{}, broker)
	verifier := auth.NewVerifier(cfg.TokenSecret)

	pl := planner.New(cfg, store, queues, broker, secgroups)
	engine := placement.New(cfg, store, queues, broker, fakeTelemetry{}, cluster)

	server := New(cfg, store, queues, broker, verifier, lc, secgroups, img)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	require.NoError(t, store.CreateImage(&types.Image{Name: "cirros", Format: "qcow2"}))

	return &fixture{
		store: store, srv: srv, verifier: verifier, cluster: cluster,
		cfg: cfg, planner: pl, engine: engine,
	}
}

func (f *fixture) token(t *testing.T, id int, role auth.Role) string {
	t.Helper()
	token, err := f.verifier.Sign(&auth.Identity{ID: id, Email: "u@nubla.dev", Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func sliceRequest(t *testing.T, name string, vmNames ...string) []byte {
	t.Helper()

	topo := &topology.Topology{Kind: topology.KindLinear, VMCount: strconv.Itoa(len(vmNames))}
	if len(vmNames) == 1 {
		topo.Kind = topology.KindSingle
	}
	for _, vm := range vmNames {
		topo.VMs = append(topo.VMs, &topology.VMSpec{
			Name: vm, Cores: "1", RAM: "512M", Storage: "1G", Image: "cirros", Internet: "no",
		})
	}
	req := &topology.Request{
		SliceName: name,
		Zone:      "linux",
		Document:  &topology.Document{TotalVMs: len(vmNames), Topologies: []*topology.Topology{topo}},
	}

	body, err := req.Encode()
	require.NoError(t, err)
	return body
}

func (f *fixture) deployedSlice(t *testing.T, owner int) *types.Slice {
	t.Helper()

	slice := &types.Slice{
		Owner: owner, Name: "directa", Zone: types.ZoneLinux,
		Kind: types.SliceDeployed, State: types.SliceRunning,
		VMs: []*types.VM{{Name: "vm1", Worker: "worker1", State: types.VMRunning, Cores: 1, RAMMiB: 512, DiskGiB: 1}},
	}
	require.NoError(t, f.store.CreateSlice(slice))
	return slice
}

func TestCreateSliceEndToEnd(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, 1, auth.RoleClient)

	resp := f.do(t, http.MethodPost, "/slices", token, sliceRequest(t, "mi-slice", "vm1", "vm2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[sliceView](t, resp)
	assert.Equal(t, types.SliceDeployed, got.Kind)
	assert.Equal(t, types.SliceRunning, got.State)
	assert.Equal(t, 1, got.Owner)
	require.Len(t, got.VMs, 2)
	for _, vm := range got.VMs {
		assert.NotEmpty(t, vm.Worker)
		assert.NotZero(t, vm.VNC)
		assert.Equal(t, types.VMRunning, vm.State)
	}

	// The default security group came up with the slice.
	groups, err := f.store.ListSecurityGroups(got.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsDefault)
}

func TestCreateSliceRejectsBadDocument(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, 1, auth.RoleClient)

	resp := f.do(t, http.MethodPost, "/slices", token, []byte(`{"nombre_slice":"x"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	slices, err := f.store.ListSlices()
	require.NoError(t, err)
	assert.Empty(t, slices, "validation failures leave no row behind")
}

func TestCreateSliceRejectsUnknownImage(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, 1, auth.RoleClient)

	body := bytes.ReplaceAll(sliceRequest(t, "mi-slice", "vm1"), []byte("cirros"), []byte("no-existe"))
	resp := f.do(t, http.MethodPost, "/slices", token, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateSliceReportsDriverFailure(t *testing.T) {
	f := newFixture(t)
	f.cluster.fail = errdefs.DriverFailure("libvirt exploded")

	token := f.token(t, 1, auth.RoleClient)
	resp := f.do(t, http.MethodPost, "/slices", token, sliceRequest(t, "mi-slice", "vm1"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Equal(t, "driver_failure", body.Code)
}

func TestCreateSliceReportsRowAfterDeadline(t *testing.T) {
	f := newIdleFixture(t)
	f.cfg.Timeouts.Deploy = 300 * time.Millisecond

	// No consumer is running, so the handler's waiter can only expire.
	// Mark the row deployed underneath it: a deploy landing right at
	// the deadline must not be reported as a failure.
	go func() {
		for i := 0; i < 50; i++ {
			slices, err := f.store.ListSlices()
			if err == nil && len(slices) == 1 {
				s := slices[0]
				s.Kind = types.SliceDeployed
				s.State = types.SliceRunning
				_ = f.store.UpdateSlice(s)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := f.do(t, http.MethodPost, "/slices", f.token(t, 1, auth.RoleClient), sliceRequest(t, "mi-slice", "vm1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[sliceView](t, resp)
	assert.Equal(t, types.SliceDeployed, got.Kind)
	assert.Equal(t, types.SliceRunning, got.State)
}

func TestAuthIsRequired(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/slices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/slices", "token-basura", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestListSlicesFiltersByOwner(t *testing.T) {
	f := newFixture(t)
	f.deployedSlice(t, 1)
	f.deployedSlice(t, 2)

	resp := f.do(t, http.MethodGet, "/slices", f.token(t, 1, auth.RoleClient), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*sliceView](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/slices", f.token(t, 9, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*sliceView](t, resp), 2)
}

func TestGetSliceEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	slice := f.deployedSlice(t, 1)
	path := "/slices/" + strconv.Itoa(slice.ID)

	resp := f.do(t, http.MethodGet, path, f.token(t, 2, auth.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, path, f.token(t, 9, auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteSlicePurgesSecurityGroups(t *testing.T) {
	f := newFixture(t)
	slice := f.deployedSlice(t, 1)

	require.NoError(t, f.store.CreateSecurityGroup(&types.SecurityGroup{SliceID: slice.ID, Name: "web"}))

	resp := f.do(t, http.MethodDelete, "/slices/"+strconv.Itoa(slice.ID), f.token(t, 1, auth.RoleClient), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := f.store.GetSlice(slice.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SliceDeleted, got.Kind)

	groups, err := f.store.ListSecurityGroups(slice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestRuntimeTransitions(t *testing.T) {
	f := newFixture(t)
	slice := f.deployedSlice(t, 1)
	token := f.token(t, 1, auth.RoleClient)
	base := "/slices/" + strconv.Itoa(slice.ID)

	resp := f.do(t, http.MethodPost, base+"/pause", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SlicePaused, decode[sliceView](t, resp).State)

	resp = f.do(t, http.MethodPost, base+"/vms/vm1/resume", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SliceRunning, decode[sliceView](t, resp).State)

	// Resuming a running vm is an illegal transition.
	resp = f.do(t, http.MethodPost, base+"/vms/vm1/resume", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestSecurityGroupEndpoints(t *testing.T) {
	f := newFixture(t)
	slice := f.deployedSlice(t, 1)
	token := f.token(t, 1, auth.RoleClient)
	base := "/slices/" + strconv.Itoa(slice.ID) + "/security-groups"

	resp := f.do(t, http.MethodPost, base, token, []byte(`{"nombre":"web","descripcion":"frontend"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decode[types.SecurityGroup](t, resp)

	sgBase := base + "/" + strconv.Itoa(group.ID)
	rule := []byte(`{"direction":"ingress","ethertype":"IPv4","protocol":"tcp","port_range_min":80,"port_range_max":80}`)
	resp = f.do(t, http.MethodPost, sgBase+"/rules", token, rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	withRule := decode[types.SecurityGroup](t, resp)
	require.Len(t, withRule.Rules, 1)
	assert.Equal(t, 1, withRule.Rules[0].ID)

	resp = f.do(t, http.MethodDelete, sgBase, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestImageEndpointsGateAdmins(t *testing.T) {
	f := newFixture(t)
	client := f.token(t, 1, auth.RoleClient)

	resp := f.do(t, http.MethodGet, "/images", client, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*types.Image](t, resp), 1)

	resp = f.do(t, http.MethodPost, "/images", client, []byte(`{"nombre":"x","url":"http://example.com/x.img"}`))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/images/1", client, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
