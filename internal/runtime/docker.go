package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	managedLabel = "termbot.managed"
	userLabel    = "termbot.user"

	// placeholderCmd keeps the environment alive until a command is
	// executed inside it.
	placeholderCmd = "tail -f /dev/null"

	containerNamePrefix = "termbot_"
)

// Docker implements Runtime against a local Docker daemon.
type Docker struct {
	client *client.Client
}

// NewDocker creates a Docker runtime and verifies the daemon is reachable.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: create docker client: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker not reachable: %v", ErrUnavailable, err)
	}

	return &Docker{client: cli}, nil
}

// Create starts a new environment running the placeholder process.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("%w: ensure image: %v", ErrUnavailable, err)
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Cmd:   []string{"sh", "-c", placeholderCmd},
		Tty:   true,
		Labels: map[string]string{
			managedLabel: "true",
			userLabel:    spec.User,
		},
	}

	networkMode := container.NetworkMode("bridge")
	if !spec.Network {
		networkMode = "none"
	}

	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode,
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: spec.CPUPeriod,
			PidsLimit: &pids,
		},
	}

	name := containerName(spec.User)
	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the half-created container on failure.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
	}

	return resp.ID, nil
}

// Exec runs a command inside the environment and returns combined
// stdout+stderr with the exit code.
func (d *Docker) Exec(ctx context.Context, id, shell, command string) (ExecResult, error) {
	if shell == "" {
		shell = "sh"
	}
	execCfg := container.ExecOptions{
		Cmd:          []string{shell, "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := d.client.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, ErrEnvironmentNotFound
		}
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	raw, err := drainExec(ctx, attachResp.Reader, attachResp.Close)
	if err != nil {
		return ExecResult{}, err
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return ExecResult{
		Output:   demuxOutput(raw),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// drainExec reads the attach stream to EOF. The hijacked connection
// ignores ctx on its own, so expiry closes it to unblock the read and
// the command's deadline error is returned in place of the read error.
func drainExec(ctx context.Context, r io.Reader, closeConn func()) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}
	return buf.Bytes(), nil
}

// StopRemove stops the environment with a short grace period and
// force-removes it.
func (d *Docker) StopRemove(ctx context.Context, id string) error {
	timeout := 1
	_ = d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// List returns the ids of every environment this system has created,
// running or not.
func (d *Docker) List(ctx context.Context) ([]string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Status reports whether the environment is running, stopped or gone.
func (d *Docker) Status(ctx context.Context, id string) (Status, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusMissing, nil
		}
		return StatusMissing, fmt.Errorf("inspect container: %w", err)
	}
	if info.State != nil && info.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// PutFile copies data into the environment at path.
func (d *Docker) PutFile(ctx context.Context, id, path string, data []byte) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "/"
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := d.client.CopyToContainer(ctx, id, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrEnvironmentNotFound
		}
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// GetFile reads a single file out of the environment.
func (d *Docker) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	reader, _, err := d.client.CopyFromContainer(ctx, id, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrEnvironmentNotFound
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("no file in archive for %s", path)
}

// Close closes the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) ensureImage(ctx context.Context, img string) error {
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the reader to complete the pull.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// containerName builds a unique name for a user's container. The
// prefix makes managed containers recognizable in docker ps output.
func containerName(user string) string {
	return containerNamePrefix + user + "_" + uuid.NewString()[:8]
}

// demuxOutput separates Docker's multiplexed stdout/stderr stream into
// one combined string. The stream protocol uses 8-byte headers:
// [type][0][0][0][size1][size2][size3][size4], type 1=stdout 2=stderr.
func demuxOutput(data []byte) string {
	var out strings.Builder

	rest := data
	headers := 0
	for len(rest) >= 8 {
		headers++
		streamType := rest[0]
		size := int(rest[4])<<24 | int(rest[5])<<16 | int(rest[6])<<8 | int(rest[7])
		rest = rest[8:]

		if size > len(rest) {
			size = len(rest)
		}
		if streamType == 1 || streamType == 2 {
			out.Write(rest[:size])
		}
		rest = rest[size:]
	}

	// TTY execs deliver raw output without headers.
	if headers == 0 && len(data) > 0 {
		return string(data)
	}
	return out.String()
}
