// Package remote runs commands on cluster nodes over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/gridscale/cluster"
	"github.com/gammadia/gridscale/internal/retry"
	"golang.org/x/crypto/ssh"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	Signer ssh.Signer   `json:"-"`

	Username    string        `json:"username"`
	Port        int           `json:"port"`
	DialTimeout time.Duration `json:"dial-timeout"`
	// Zero disables keepalive requests
	Keepalive time.Duration `json:"keepalive"`
	Retry     retry.Policy  `json:"-"`
}

var DefaultConfig = Config{
	Username:    "root",
	Port:        22,
	DialTimeout: 5 * time.Second,
	Keepalive:   30 * time.Second,
	Retry:       retry.Policy{Attempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
}

func Validate(config Config) error {
	if config.Signer == nil {
		return fmt.Errorf("an SSH private key is required")
	}
	if config.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port %d", config.Port)
	}
	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be greater than 0")
	}
	return nil
}

// LoadSigner reads a PEM encoded private key.
func LoadSigner(file string) (ssh.Signer, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key '%s': %w", file, err)
	}
	return signer, nil
}

// Command quotes every argument so that the result can be run by a remote shell.
func Command(args ...string) string {
	return shellescape.QuoteCommand(args)
}

// SSHHost is a cluster.RemoteHost reached over SSH. The connection is dialed
// on first use and dropped whenever it breaks; the next call dials again.
type SSHHost struct {
	address string
	config  Config
	log     *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
	done   chan struct{}
}

var _ cluster.RemoteHost = (*SSHHost)(nil)

func NewSSHHost(address string, config Config) *SSHHost {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Port == 0 {
		config.Port = DefaultConfig.Port
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultConfig.DialTimeout
	}

	return &SSHHost{
		address: address,
		config:  config,
		log:     config.Logger.With("host", address),
	}
}

func (h *SSHHost) Address() string {
	return h.address
}

func (h *SSHHost) dial() (*ssh.Client, error) {
	return ssh.Dial("tcp", net.JoinHostPort(h.address, strconv.Itoa(h.config.Port)), &ssh.ClientConfig{
		User:            h.config.Username,
		Timeout:         h.config.DialTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(h.config.Signer),
		},
	})
}

func (h *SSHHost) connect(ctx context.Context, policy retry.Policy) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	attempts := 0
	client, err := retry.Value(ctx, policy, func() (*ssh.Client, error) {
		attempts += 1
		client, err := h.dial()
		if err != nil {
			h.log.Debug("Connection to node refused", "attempt", attempts, "error", err)
		}
		return client, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s' after %d attempts: %w", h.address, attempts, err)
	}

	h.client = client
	h.done = make(chan struct{})
	if h.config.Keepalive > 0 {
		go h.keepalive(client, h.done)
	}
	return client, nil
}

// keepalive stops long idle connections from being dropped by middleboxes.
func (h *SSHHost) keepalive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@gridscale", true, nil); err != nil {
				h.log.Warn("SSH keepalive failed", "error", err)
				h.drop(client)
				return
			}
		}
	}
}

// drop forgets the given client if it is still the current one.
func (h *SSHHost) drop(client *ssh.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != client {
		return
	}
	_ = h.client.Close()
	close(h.done)
	h.client = nil
	h.done = nil
}

func (h *SSHHost) through(ctx context.Context, policy retry.Policy, thunk func(*ssh.Session) error) error {
	client, err := h.connect(ctx, policy)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		h.drop(client)
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	return thunk(session)
}

func (h *SSHHost) Execute(ctx context.Context, command string) (string, error) {
	var output []byte
	err := h.through(ctx, h.config.Retry, func(session *ssh.Session) (err error) {
		output, err = session.CombinedOutput(command)
		return err
	})
	if err != nil {
		if out := strings.TrimSpace(string(output)); out != "" {
			return string(output), fmt.Errorf("command '%s' failed: %w: %s", command, err, out)
		}
		return string(output), fmt.Errorf("command '%s' failed: %w", command, err)
	}
	return string(output), nil
}

func (h *SSHHost) PutFile(ctx context.Context, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", local, err)
	}
	defer f.Close()

	return h.through(ctx, h.config.Retry, func(session *ssh.Session) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		session.Stdin = f
		cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellescape.Quote(path.Dir(remote)), shellescape.Quote(remote))
		if err := session.Run(cmd); err != nil {
			return fmt.Errorf("failed to write file '%s': %w", remote, err)
		}
		return nil
	})
}

// IsReachable makes a single connection attempt and runs a no-op command.
func (h *SSHHost) IsReachable(ctx context.Context) bool {
	err := h.through(ctx, retry.Policy{Attempts: 1}, func(session *ssh.Session) error {
		return session.Run("true")
	})
	if err != nil {
		h.log.Debug("Node is not reachable", "error", err)
		return false
	}
	return true
}

// Reboot asks the node to restart. The connection is dropped, whether or not
// the remote side closed it before reporting an exit status.
func (h *SSHHost) Reboot(ctx context.Context) error {
	client, err := h.connect(ctx, retry.Policy{Attempts: 1})
	if err != nil {
		return err
	}
	defer h.drop(client)

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	err = session.Run("sudo reboot")
	var missing *ssh.ExitMissingError
	if err != nil && !errors.As(err, &missing) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to reboot '%s': %w", h.address, err)
	}
	h.log.Info("Node is rebooting")
	return nil
}

func (h *SSHHost) Close() error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()

	if client != nil {
		h.drop(client)
	}
	return nil
}

// Connector hands out SSHHosts for cluster instances.
type Connector struct {
	config Config
}

var _ cluster.HostConnector = (*Connector)(nil)

func NewConnector(config Config) *Connector {
	return &Connector{config: config}
}

func (c *Connector) Connect(instance cluster.Instance) (cluster.RemoteHost, error) {
	if instance.Address == "" {
		return nil, fmt.Errorf("instance '%s' has no address", instance.ID)
	}
	return NewSSHHost(instance.Address, c.config), nil
}
