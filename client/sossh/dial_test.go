package sossh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand(t *testing.T) {
	tunnel := Tunnel{Host: "grid.example.com", Username: "admin"}

	cmd := tunnel.command(context.Background(), "127.0.0.1:25374")
	assert.Equal(t, []string{
		"ssh", "admin@grid.example.com", "-p", "22", "-o", "BatchMode=yes", "--",
		"socat", "stdio", "tcp:127.0.0.1:25374",
	}, cmd.Args)
}

func TestCommandCustomPort(t *testing.T) {
	tunnel := Tunnel{Host: "10.0.0.1", Port: 2222, Username: "root"}

	cmd := tunnel.command(context.Background(), "127.0.0.1:25374")
	assert.Equal(t, "2222", cmd.Args[3])
}
