// Package openstack drives the OpenStack zone through its control
// plane APIs: one tenant project per slice, one VLAN provider network
// per allocated VLAN, one port per (VM, VLAN) pair, one server per VM.
package openstack

import (
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/identity/v3/tokens"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/errdefs"
)

// Clients bundles the service clients behind one authenticated session.
// gophercloud is verbose; everything above talks to these wrappers.
type Clients struct {
	provider *gophercloud.ProviderClient

	Identity *gophercloud.ServiceClient
	Network  *gophercloud.ServiceClient
	Compute  *gophercloud.ServiceClient
	Image    *gophercloud.ServiceClient

	// UserID of the service account, needed for role assignment on
	// freshly created projects.
	UserID string
}

// Connect authenticates against the control plane. When projectID is
// non-empty the session is scoped to that project, so resources created
// through it land in the slice's tenant.
func Connect(cfg *config.OpenStackConfig, projectID string) (*Clients, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		DomainName:       cfg.Domain,
		AllowReauth:      true,
	}
	if projectID != "" {
		opts.Scope = &gophercloud.AuthScope{ProjectID: projectID}
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, errdefs.DependencyUnavailable("openstack authentication failed").WithCause(err)
	}

	endpoint := gophercloud.EndpointOpts{Region: cfg.Region}

	identity, err := openstack.NewIdentityV3(provider, endpoint)
	if err != nil {
		return nil, err
	}
	network, err := openstack.NewNetworkV2(provider, endpoint)
	if err != nil {
		return nil, err
	}
	compute, err := openstack.NewComputeV2(provider, endpoint)
	if err != nil {
		return nil, err
	}
	image, err := openstack.NewImageServiceV2(provider, endpoint)
	if err != nil {
		return nil, err
	}

	clients := &Clients{
		provider: provider,
		Identity: identity,
		Network:  network,
		Compute:  compute,
		Image:    image,
	}

	if result, ok := provider.GetAuthResult().(tokens.CreateResult); ok {
		if user, err := result.ExtractUser(); err == nil {
			clients.UserID = user.ID
		}
	}

	return clients, nil
}

// Connector abstracts session creation so tests can substitute a fake
// control plane.
type Connector func(cfg *config.OpenStackConfig, projectID string) (*Clients, error)
