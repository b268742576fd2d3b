package enforcement

import (
	"context"
	"errors"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	resp container.InspectResponse
	err  error
}

func (f fakeInspector) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return f.resp, f.err
}

func withNetworks(nets map[string]*network.EndpointSettings) container.InspectResponse {
	return container.InspectResponse{NetworkSettings: &container.NetworkSettings{Networks: nets}}
}

func TestDockerResolver_ResolveIP(t *testing.T) {
	r := &DockerResolver{client: fakeInspector{resp: withNetworks(map[string]*network.EndpointSettings{
		"zeta":   {IPAddress: "172.20.0.4"},
		"bridge": {IPAddress: "172.17.0.3"},
		"v6only": {IPAddress: ""},
	})}}

	ip, err := r.ResolveIP(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.3", ip)
}

func TestDockerResolver_Errors(t *testing.T) {
	ctx := context.Background()

	r := &DockerResolver{client: fakeInspector{err: cerrdefs.ErrNotFound}}
	_, err := r.ResolveIP(ctx, "ghost")
	assert.ErrorIs(t, err, ErrInvalidWorkload)

	r = &DockerResolver{client: fakeInspector{err: errors.New("daemon down")}}
	_, err = r.ResolveIP(ctx, "agent")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidWorkload)

	r = &DockerResolver{client: fakeInspector{resp: container.InspectResponse{}}}
	_, err = r.ResolveIP(ctx, "agent")
	assert.ErrorIs(t, err, ErrInvalidWorkload)

	r = &DockerResolver{client: fakeInspector{resp: withNetworks(map[string]*network.EndpointSettings{"host": nil})}}
	_, err = r.ResolveIP(ctx, "agent")
	assert.ErrorIs(t, err, ErrInvalidWorkload)

	assert.NoError(t, r.Close())
}
