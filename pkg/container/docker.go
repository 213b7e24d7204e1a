package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

const (
	// maxOutputBytes bounds the stdout/stderr kept for one command.
	maxOutputBytes = 1 << 20

	// maxCopyBytes bounds a file copied out of a container.
	maxCopyBytes = 32 << 20

	// killGrace is how long the host waits past the in-container timeout
	// before abandoning the exec session.
	killGrace = 5 * time.Second
)

// Runtime creates containers for test execution.
type Runtime interface {
	Start(ctx context.Context) error
	Stop() error

	PullImage(ctx context.Context, imageName, policy string) error
	CreateContainer(ctx context.Context, spec *Spec) (Container, error)
}

// Spec defines the container a result is executed in.
type Spec struct {
	Name        string
	Image       string
	NetworkName string
	Labels      map[string]string
	MemoryBytes int64
	WorkingDir  string
	// StdoutTailBytes is the size of Result.StdoutTail.
	StdoutTailBytes int
}

// NewDockerRuntime creates a Runtime backed by the local Docker daemon.
func NewDockerRuntime(log logrus.FieldLogger) (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &dockerRuntime{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type dockerRuntime struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ Runtime = (*dockerRuntime)(nil)

// Start verifies the Docker daemon is reachable.
func (r *dockerRuntime) Start(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	r.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (r *dockerRuntime) Stop() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// PullImage pulls an image according to the pull policy.
func (r *dockerRuntime) PullImage(ctx context.Context, imageName, policy string) error {
	log := r.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := r.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

// CreateContainer creates and starts a long-lived container that commands
// are executed in.
func (r *dockerRuntime) CreateContainer(ctx context.Context, spec *Spec) (Container, error) {
	networkName := spec.NetworkName
	if networkName == "" {
		networkName = network.NetworkBridge
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Labels:     spec.Labels,
		WorkingDir: spec.WorkingDir,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
	}

	if spec.MemoryBytes > 0 {
		hostCfg.Memory = spec.MemoryBytes
		hostCfg.MemorySwap = spec.MemoryBytes
	}

	resp, err := r.client.ContainerCreate(
		ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	c := &dockerContainer{
		log:         r.log.WithField("container", spec.Name),
		client:      r.client,
		id:          resp.ID,
		networkName: networkName,
		networkOn:   true,
		workingDir:  spec.WorkingDir,
		tailBytes:   spec.StdoutTailBytes,
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.Close(context.Background())

		return nil, fmt.Errorf("starting container %s: %w", shortID(resp.ID), err)
	}

	c.log.WithField("id", shortID(resp.ID)).Debug("Started container")

	return c, nil
}

type dockerContainer struct {
	log         logrus.FieldLogger
	client      *client.Client
	id          string
	networkName string
	workingDir  string
	tailBytes   int

	mu        sync.Mutex
	networkOn bool
}

// Ensure interface compliance.
var _ Container = (*dockerContainer)(nil)

// RunCommand executes the command through a Docker exec session.
func (c *dockerContainer) RunCommand(ctx context.Context, cmd *Command) (*Result, error) {
	env := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := c.client.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          withTimeout(cmd.Argv, cmd.Timeout),
		Env:          env,
		WorkingDir:   c.workingDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w: %w", ErrCrashed, err)
	}

	start := time.Now()

	attach, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w: %w", ErrCrashed, err)
	}
	defer attach.Close()

	go func() {
		if cmd.Stdin != "" {
			_, _ = io.Copy(attach.Conn, strings.NewReader(cmd.Stdin))
		}

		_ = attach.CloseWrite()
	}()

	limit := max(c.tailBytes, 0)
	stdout := newHeadBuffer(maxOutputBytes)
	tail := newTailBuffer(limit)
	stderr := newHeadBuffer(maxOutputBytes)

	copyDone := make(chan error, 1)

	go func() {
		_, err := stdcopy.StdCopy(io.MultiWriter(stdout, tail), stderr, attach.Reader)
		copyDone <- err
	}()

	var guard <-chan time.Time

	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout + killGrace)
		defer timer.Stop()

		guard = timer.C
	}

	hostTimedOut := false

	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading exec output: %w: %w", ErrCrashed, err)
		}
	case <-guard:
		hostTimedOut = true

		attach.Close()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	elapsed := time.Since(start)

	inspect, err := c.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w: %w", ErrCrashed, err)
	}

	return &Result{
		ExitCode:   inspect.ExitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StdoutTail: tail.String(),
		Elapsed:    elapsed,
		TimedOut:   hostTimedOut || isTimedOut(inspect.ExitCode, elapsed, cmd.Timeout),
	}, nil
}

// CopyFrom reads a single regular file out of the container.
func (c *dockerContainer) CopyFrom(ctx context.Context, filePath string) ([]byte, error) {
	rc, _, err := c.client.CopyFromContainer(ctx, c.id, filePath)
	if err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", filePath, err)
	}
	defer func() { _ = rc.Close() }()

	tr := tar.NewReader(rc)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("file %s not found in archive", filePath)
		}

		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxCopyBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filePath, err)
		}

		return data, nil
	}
}

// CopyTo writes data to dir/name inside the container.
func (c *dockerContainer) CopyTo(ctx context.Context, dir, name string, data []byte) error {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Clean(name),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("writing archive header: %w", err)
	}

	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	if err := c.client.CopyToContainer(
		ctx, c.id, dir, &buf, container.CopyToContainerOptions{},
	); err != nil {
		return fmt.Errorf("copying %s to container: %w", name, err)
	}

	return nil
}

// SetNetwork connects or disconnects the container from its network.
func (c *dockerContainer) SetNetwork(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.networkOn == enabled {
		return nil
	}

	if enabled {
		if err := c.client.NetworkConnect(ctx, c.networkName, c.id, nil); err != nil {
			return fmt.Errorf("connecting network %s: %w", c.networkName, err)
		}
	} else {
		if err := c.client.NetworkDisconnect(ctx, c.networkName, c.id, true); err != nil {
			return fmt.Errorf("disconnecting network %s: %w", c.networkName, err)
		}
	}

	c.networkOn = enabled

	return nil
}

// Close force-removes the container.
func (c *dockerContainer) Close(ctx context.Context) error {
	if err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(c.id), err)
	}

	c.log.WithField("id", shortID(c.id)).Debug("Removed container")

	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
