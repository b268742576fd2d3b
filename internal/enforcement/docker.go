package enforcement

import (
	"context"
	"fmt"
	"net"
	"sort"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Resolver maps a workload name to the IPv4 address its traffic comes from.
type Resolver interface {
	ResolveIP(ctx context.Context, workload string) (string, error)
}

type containerInspector interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// DockerResolver resolves container names and ids through the Docker API.
type DockerResolver struct {
	client containerInspector
	closer func() error
}

// NewDockerResolver connects using the standard DOCKER_* environment.
func NewDockerResolver() (*DockerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerResolver{client: cli, closer: cli.Close}, nil
}

// ResolveIP returns the container's address on the first network, by name,
// that has one.
func (r *DockerResolver) ResolveIP(ctx context.Context, workload string) (string, error) {
	info, err := r.client.ContainerInspect(ctx, workload)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: no container %q", ErrInvalidWorkload, workload)
		}
		return "", fmt.Errorf("inspect container %q: %w", workload, err)
	}
	if info.NetworkSettings == nil || len(info.NetworkSettings.Networks) == 0 {
		return "", fmt.Errorf("%w: container %q has no networks", ErrInvalidWorkload, workload)
	}

	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ep := info.NetworkSettings.Networks[name]
		if ep == nil {
			continue
		}
		if ip := net.ParseIP(ep.IPAddress); ip != nil && ip.To4() != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("%w: container %q has no IPv4 address", ErrInvalidWorkload, workload)
}

func (r *DockerResolver) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
