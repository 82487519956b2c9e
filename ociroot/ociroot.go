// Package ociroot implements the container-runtime façade: the three
// operations the environment assembler needs to turn an image
// reference into a mountable root directory, backed by the Docker
// Engine API.
package ociroot

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/okirch/wormhole/internal/trace"
)

// Runtime is the container-runtime façade the assembler resolves
// Image layers through. Implementations may call out to a child
// process or, as here, link a native client; the assembler only ever
// observes the path container_mount returns.
type Runtime interface {
	ContainerExists(localName string) (bool, error)
	ContainerStart(imageRef, localName string) error
	ContainerMount(localName string) (string, error)
}

// LocalName derives the local container name the façade uses from an
// image reference, per spec: truncate at the first ':' (drop any tag),
// replace '/' with '_', and prefix with "wormhole_".
func LocalName(imageRef string) string {
	ref := imageRef
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.ReplaceAll(ref, "/", "_")
	return "wormhole_" + ref
}

// Docker implements Runtime against a local Docker Engine API socket.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the Docker daemon using the standard
// environment-derived configuration (DOCKER_HOST, DOCKER_TLS_VERIFY,
// etc.).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Docker{cli: cli}, nil
}

// ContainerExists reports whether a container named localName has
// already been created by a previous ContainerStart.
func (d *Docker) ContainerExists(localName string) (bool, error) {
	_, err := d.cli.ContainerInspect(context.Background(), localName)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// ContainerStart pulls imageRef if necessary and creates (but does not
// run a workload in) a container named localName from it. The
// container is only created, never started; it exists so that its
// filesystem can be exported by ContainerMount.
func (d *Docker) ContainerStart(imageRef, localName string) error {
	ctx := context.Background()

	trace.Trace("ociroot: pulling image %s", imageRef)
	reader, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	cfg := &container.Config{
		Image:      imageRef,
		Entrypoint: []string{"/bin/true"},
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, localName)
	if err != nil {
		return err
	}

	trace.Trace("ociroot: created container %s (%s) from %s", localName, created.ID, imageRef)
	return nil
}

// ContainerMount returns the path at which localName's merged root
// filesystem is available on the host, valid until the container is
// removed. This relies on the local graph driver (overlay2) exposing a
// MergedDir; drivers that don't are not supported by this façade.
func (d *Docker) ContainerMount(localName string) (string, error) {
	info, err := d.cli.ContainerInspect(context.Background(), localName)
	if err != nil {
		return "", err
	}
	if info.GraphDriver.Name != "overlay2" {
		return "", errors.New("ociroot: unsupported graph driver " + info.GraphDriver.Name)
	}
	merged, ok := info.GraphDriver.Data["MergedDir"]
	if !ok || merged == "" {
		return "", errors.New("ociroot: graph driver did not report a MergedDir")
	}
	return merged, nil
}
