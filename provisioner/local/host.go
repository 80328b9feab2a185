package local

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/gridscale/cluster"
)

// Host is a container acting as a cluster node.
type Host struct {
	id     string
	docker DockerClient
	log    *slog.Logger
}

var _ cluster.RemoteHost = (*Host)(nil)

func (h *Host) Execute(ctx context.Context, command string) (string, error) {
	exec, err := h.docker.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create docker exec: %w", err)
	}

	attach, err := h.docker.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach docker exec: %w", err)
	}
	defer attach.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attach.Reader); err != nil {
		return output.String(), fmt.Errorf("failed during docker exec: %w", err)
	}

	inspect, err := h.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return output.String(), fmt.Errorf("failed to inspect docker exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		if out := strings.TrimSpace(output.String()); out != "" {
			return output.String(), fmt.Errorf("command '%s' exited with code %d: %s", command, inspect.ExitCode, out)
		}
		return output.String(), fmt.Errorf("command '%s' exited with code %d", command, inspect.ExitCode)
	}
	return output.String(), nil
}

func (h *Host) PutFile(ctx context.Context, local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("failed to read '%s': %w", local, err)
	}

	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	if err := tw.WriteHeader(&tar.Header{Name: path.Base(remote), Mode: 0o644, Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if _, err := h.Execute(ctx, "mkdir -p "+shellescape.Quote(path.Dir(remote))); err != nil {
		return err
	}
	if err := h.docker.CopyToContainer(ctx, h.id, path.Dir(remote), &archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy file '%s': %w", remote, err)
	}
	return nil
}

func (h *Host) IsReachable(ctx context.Context) bool {
	if _, err := h.Execute(ctx, "true"); err != nil {
		h.log.Debug("Container is not reachable", "error", err)
		return false
	}
	return true
}

func (h *Host) Reboot(ctx context.Context) error {
	if err := h.docker.ContainerRestart(ctx, h.id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}
