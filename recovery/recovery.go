// Package recovery decides what happens to nodes that misbehave while they are
// brought into the cluster: wait for them, reboot them, or give up.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/gridscale/cluster"
)

type State string

const (
	Healthy        State = "healthy"
	AwaitingReboot State = "awaiting-reboot"
	Dead           State = "dead"
)

// Manager tracks the reboot attempts of one node. Attempts never decrease and
// a dead node stays dead.
type Manager struct {
	node   *cluster.Node
	config Config
	log    *slog.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	lastReboot time.Time
	// Start of the window the node is given to become reachable
	since     time.Time
	reachable bool
}

func New(node *cluster.Node, config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Manager{
		node:   node,
		config: config,
		log:    logger.With("component", "recovery", "node", node.Alias, "id", node.ID),

		state: Healthy,
		since: config.Clock(),
	}
}

func (m *Manager) Node() *cluster.Node {
	return m.node
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

// Reachable returns the outcome of the last probe made by Check.
func (m *Manager) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reachable
}

// Check probes the node and reports whether it should stay in the active set.
// An unreachable node is given BootTimeout, counted from when tracking
// started or from its last reboot, before HandleReboot is consulted.
func (m *Manager) Check(ctx context.Context) bool {
	if m.State() == Dead {
		return false
	}

	reachable := m.node.Host.IsReachable(ctx)

	m.mu.Lock()
	m.reachable = reachable
	now := m.config.Clock()
	if reachable {
		m.state = Healthy
		m.since = now
		m.mu.Unlock()
		return true
	}
	waited := now.Sub(m.since)
	m.mu.Unlock()

	if waited < m.config.BootTimeout {
		return true
	}

	m.log.Warn("Node unreachable past boot timeout", "waited", waited)
	return m.HandleReboot(ctx)
}

// HandleReboot is called when the node failed a step. It reboots the node and
// returns true when the last reboot is older than RebootInterval and fewer
// than MaxAttempts reboots were made. Otherwise the node is dead for good.
func (m *Manager) HandleReboot(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == Dead {
		m.mu.Unlock()
		return false
	}

	now := m.config.Clock()
	sinceReboot := now.Sub(m.lastReboot)
	if sinceReboot <= m.config.RebootInterval || m.attempts >= m.config.MaxAttempts {
		m.state = Dead
		attempts := m.attempts
		m.mu.Unlock()

		m.log.Error("Giving up on node", "attempts", attempts, "since-last-reboot", sinceReboot)
		return false
	}

	m.attempts++
	m.lastReboot = now
	m.since = now
	m.reachable = false
	m.state = AwaitingReboot
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Info("Rebooting node", "attempt", attempt, "max-attempts", m.config.MaxAttempts)
	if err := m.node.Host.Reboot(ctx); err != nil {
		// The attempt still counts: a node that cannot be rebooted runs out of attempts.
		m.log.Warn("Failed to reboot node", "error", err)
	}
	return true
}
