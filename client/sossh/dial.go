// Package sossh reaches TCP services behind an SSH bastion by running socat
// on the remote end of an ssh session.
package sossh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"
)

type Tunnel struct {
	Host     string
	Port     int
	Username string
}

type addr string

func (a addr) Network() string { return "ssh" }
func (a addr) String() string  { return string(a) }

// Conn is the stdio of the ssh process. Deadlines are not supported and
// silently ignored.
type Conn struct {
	io.ReadCloser
	io.WriteCloser
	local, remote addr
	cancel        context.CancelFunc
}

var _ net.Conn = (*Conn)(nil)

func (c *Conn) Close() error {
	c.cancel()
	return errors.Join(c.ReadCloser.Close(), c.WriteCloser.Close())
}

func (c *Conn) LocalAddr() net.Addr                { return c.local }
func (c *Conn) RemoteAddr() net.Addr               { return c.remote }
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

func (t Tunnel) command(ctx context.Context, target string) *exec.Cmd {
	port := t.Port
	if port == 0 {
		port = 22
	}

	return exec.CommandContext(
		ctx,
		"ssh", fmt.Sprintf("%s@%s", t.Username, t.Host), "-p", strconv.Itoa(port), "-o", "BatchMode=yes", "--",
		"socat", "stdio", "tcp:"+target,
	)
}

// DialContext opens a connection to target as seen from the tunnel host.
func (t Tunnel) DialContext(ctx context.Context, target string) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := t.command(ctx, target)
	cmd.Stderr = os.Stderr

	in, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	out, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ssh: %w", err)
	}

	return &Conn{
		ReadCloser:  in,
		WriteCloser: out,
		local:       addr(t.Host),
		remote:      addr(target),
		cancel:      cancel,
	}, nil
}
