package linux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nubla/slicer/pkg/errdefs"
)

// AgentClient talks to one worker's provisioning agent. Every call is
// bearer-token-protected and answers {success, message, details?}.
type AgentClient struct {
	base   string
	token  string
	client *http.Client
}

// NewAgentClient builds a client for one worker agent endpoint.
func NewAgentClient(base, token string) *AgentClient {
	return &AgentClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type agentResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CreateVMRequest describes one VM for the agent: qcow2 disk from the
// catalog image, one TAP per VLAN on the OVS bridge, VNC on the given
// display, started under libvirt.
type CreateVMRequest struct {
	Name       string `json:"nombre"`
	Image      string `json:"imagen"`
	Cores      int    `json:"cores"`
	RAMMiB     int    `json:"ram"`
	DiskGiB    int    `json:"disco"`
	VLANs      []int  `json:"vlans"`
	VNCDisplay int    `json:"puerto_vnc"`
	Internet   bool   `json:"internet"`
}

// CreateVM materializes one VM on the worker.
func (c *AgentClient) CreateVM(ctx context.Context, req *CreateVMRequest) error {
	return c.post(ctx, "create-vm", req)
}

// VMAction applies pause/resume/shutdown/start to a single VM by its
// cluster name.
func (c *AgentClient) VMAction(ctx context.Context, action, clusterName string) error {
	return c.post(ctx, action, map[string]string{"nombre": clusterName})
}

// SliceAction applies a bulk pause/resume/shutdown/start to every VM
// the worker holds for the slice.
func (c *AgentClient) SliceAction(ctx context.Context, action string, sliceID int) error {
	return c.post(ctx, action, map[string]int{"id_slice": sliceID})
}

// DeleteSlice removes every VM, TAP and disk the worker holds for the
// slice. Idempotent: an agent with nothing to delete answers success.
func (c *AgentClient) DeleteSlice(ctx context.Context, sliceID int) error {
	return c.post(ctx, "delete-slice", map[string]int{"id_slice": sliceID})
}

// CleanupVLAN tears down the VLAN's bridge configuration and DHCP
// namespace on the worker.
func (c *AgentClient) CleanupVLAN(ctx context.Context, vlan int) error {
	return c.post(ctx, "cleanup-vlan", map[string]int{"vlan": vlan})
}

// ApplySecurityGroup replaces the slice's rule set on the worker.
func (c *AgentClient) ApplySecurityGroup(ctx context.Context, payload any) error {
	return c.post(ctx, "apply-security-group", payload)
}

func (c *AgentClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.base, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.DependencyUnavailable("worker agent unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	var parsed agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errdefs.DriverFailure("worker agent returned an unreadable response").WithCause(err)
	}
	if resp.StatusCode >= 500 {
		return errdefs.DependencyUnavailable("worker agent error: %s", parsed.Message)
	}
	if !parsed.Success {
		return errdefs.DriverFailure("worker agent refused %s: %s", path, parsed.Message)
	}
	return nil
}
