package inventory

import (
	"context"
	"strings"

	"docktor/internal/pkg/scanner"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"k8s.io/klog/v2"
)

const (
	composeProjectLabel = "com.docker.compose.project"
	composeServiceLabel = "com.docker.compose.service"
)

// dockerAPI is the subset of the Docker Engine client used for inventory.
type dockerAPI interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// Docker inventories containers of the local Docker Engine.
type Docker struct {
	api  dockerAPI
	opts Options
}

// NewDocker connects to the Docker Engine configured by the DOCKER_* environment variables.
func NewDocker(opts Options) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, unreachable("creating docker client", err)
	}
	return &Docker{api: cli, opts: opts}, nil
}

// Containers lists the containers to scan, excluding docktor's own container.
func (d *Docker) Containers(ctx context.Context) ([]scanner.Container, error) {
	list, err := d.api.ContainerList(ctx, types.ContainerListOptions{All: !d.opts.OnlyRunning})
	if err != nil {
		return nil, unreachable("listing docker containers", err)
	}

	if d.opts.SelfID != "" {
		kept := list[:0:0]
		for _, c := range list {
			if !strings.HasPrefix(c.ID, d.opts.SelfID) {
				kept = append(kept, c)
			}
		}
		list = kept
	}

	if d.opts.Scope == ScopeCompose {
		list = d.filterComposeProject(ctx, list)
	}

	images := make(map[string]string)
	containers := make([]scanner.Container, 0, len(list))
	for _, c := range list {
		containers = append(containers, scanner.Container{
			Name:           containerName(c),
			ImageReference: d.imageReference(ctx, c, images),
			Labels:         c.Labels,
		})
	}
	klog.Infof("Found %d docker containers", len(containers))
	return containers, nil
}

// filterComposeProject keeps the containers of docktor's own compose project. Without a determinable project all
// containers are kept.
func (d *Docker) filterComposeProject(ctx context.Context, list []types.Container) []types.Container {
	project := d.composeProject(ctx, list)
	if project == "" {
		klog.Warning("SCAN_SCOPE=COMPOSE set but compose project label could not be determined; scanning all containers instead.")
		return list
	}
	klog.Infof("Restricting scan to compose project %s", project)
	var filtered []types.Container
	for _, c := range list {
		if c.Labels[composeProjectLabel] == project {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func (d *Docker) composeProject(ctx context.Context, list []types.Container) string {
	if d.opts.SelfID != "" {
		self, err := d.api.ContainerInspect(ctx, d.opts.SelfID)
		if err == nil && self.Config != nil {
			if project := self.Config.Labels[composeProjectLabel]; project != "" {
				return project
			}
		} else if err != nil {
			klog.V(2).Infof("Unable to inspect own container %s: %s", d.opts.SelfID, err.Error())
		}
	}
	if d.opts.ComposeService == "" {
		return ""
	}
	for _, c := range list {
		if c.Labels[composeServiceLabel] == d.opts.ComposeService {
			return c.Labels[composeProjectLabel]
		}
	}
	return ""
}

// imageReference returns the first tag of the container's image, or the image ID for untagged images. Lookups are
// memoized in seen.
func (d *Docker) imageReference(ctx context.Context, c types.Container, seen map[string]string) string {
	if ref, ok := seen[c.ImageID]; ok {
		return ref
	}
	ref := c.Image
	img, _, err := d.api.ImageInspectWithRaw(ctx, c.ImageID)
	switch {
	case err != nil:
		klog.Warningf("Unable to inspect image %s of container %s, using %s: %s", c.ImageID, containerName(c), ref, err.Error())
	case len(img.RepoTags) > 0:
		ref = img.RepoTags[0]
	case img.ID != "":
		ref = img.ID
	}
	seen[c.ImageID] = ref
	return ref
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}
