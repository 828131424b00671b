package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/types"
)

const sample = `
listen_addr: 0.0.0.0:8000
token_secret: sekrit
telemetry:
  url: http://prometheus:9090
linux:
  headnode_job: headnode_linux
  agent_token: agent-token
  workers:
    - name: worker1
      agent_url: http://worker1:8500
    - name: worker2
      agent_url: http://worker2:8500
openstack:
  headnode_job: headnode_openstack
  workers:
    - name: compute1
      availability_zone: az-compute1
  openstack:
    auth_url: http://headnode:5000/v3
    username: admin
    password: pw
    domain: Default
    internet_network_id: 11111111-2222-3333-4444-555555555555
    physical_network: provider
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slicer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Deploy)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Delete)

	// Pool bounds default per zone.
	assert.Equal(t, 5, cfg.Zone(types.ZoneLinux).PoolStart)
	assert.Equal(t, 15, cfg.Zone(types.ZoneOpenStack).PoolStart)
	assert.Equal(t, 900, cfg.Zone(types.ZoneLinux).PoolEnd)

	assert.Equal(t, []string{"worker1", "worker2"}, cfg.Linux.WorkerNames())
	require.NotNil(t, cfg.Linux.Worker("worker2"))
	assert.Nil(t, cfg.Linux.Worker("worker9"))
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.URL = "http://prometheus:9090"
	assert.ErrorContains(t, cfg.Validate(), "token_secret")
}

func TestValidateRejectsLinuxWorkerWithoutAgent(t *testing.T) {
	_, err := Load(writeConfig(t, sample+`
`))
	require.NoError(t, err)

	broken := `
token_secret: sekrit
telemetry:
  url: http://prometheus:9090
linux:
  workers:
    - name: worker1
openstack:
  workers:
    - name: compute1
  openstack:
    auth_url: http://headnode:5000/v3
    internet_network_id: x
`
	_, err = Load(writeConfig(t, broken))
	assert.ErrorContains(t, err, "agent_url")
}

func TestValidateRejectsMissingInternetNetwork(t *testing.T) {
	broken := `
token_secret: sekrit
telemetry:
  url: http://prometheus:9090
linux:
  workers:
    - name: worker1
      agent_url: http://worker1:8500
openstack:
  workers:
    - name: compute1
  openstack:
    auth_url: http://headnode:5000/v3
`
	_, err := Load(writeConfig(t, broken))
	assert.ErrorContains(t, err, "internet_network_id")
}
