package balancer

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gammadia/gridscale/gridstats"
)

// TieBreak orders idle nodes launched at the same time when picking the ones
// to remove.
type TieBreak string

const (
	TieBreakAliasAsc  TieBreak = "alias-asc"
	TieBreakAliasDesc TieBreak = "alias-desc"
	TieBreakIDAsc     TieBreak = "id-asc"
)

var TieBreaks = []TieBreak{TieBreakAliasAsc, TieBreakAliasDesc, TieBreakIDAsc}

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Clock returns the current time, time.Now when nil
	Clock  func() time.Time `json:"-"`
	Parser gridstats.Parser `json:"-"`

	PollingInterval time.Duration `json:"polling-interval"`
	MinNodes        int           `json:"min-nodes"`
	MaxNodes        int           `json:"max-nodes"`

	// Age the oldest queued job must reach before the cluster grows
	WaitTime             time.Duration `json:"wait-time"`
	GrowCooldown         time.Duration `json:"grow-cooldown"`
	AddNodesPerIteration int           `json:"add-nodes-per-iteration"`
	// Used to size new nodes until a host reports its slots
	DefaultSlotsPerHost int `json:"default-slots-per-host"`

	// Share of idle slots above which the cluster is considered idle
	IdleThreshold float64 `json:"idle-threshold"`
	// Number of consecutive idle polls before shrinking
	ShrinkStabilization int           `json:"shrink-stabilization"`
	ShrinkCooldown      time.Duration `json:"shrink-cooldown"`
	TieBreak            TieBreak      `json:"tie-break"`
	// Remove every idle node down to MinNodes at once instead of one per poll
	DrainIdle bool `json:"drain-idle"`
}

var DefaultConfig = Config{
	PollingInterval:      time.Minute,
	MinNodes:             1,
	MaxNodes:             5,
	WaitTime:             15 * time.Minute,
	GrowCooldown:         5 * time.Minute,
	AddNodesPerIteration: 1,
	DefaultSlotsPerHost:  1,
	IdleThreshold:        1,
	ShrinkStabilization:  3,
	ShrinkCooldown:       10 * time.Minute,
	TieBreak:             TieBreakAliasAsc,
}

func Validate(config Config) error {
	if config.PollingInterval <= 0 {
		return fmt.Errorf("polling-interval must be greater than 0")
	}
	if config.MinNodes < 1 {
		return fmt.Errorf("min-nodes must be greater than 0")
	}
	if config.MaxNodes < config.MinNodes {
		return fmt.Errorf("max-nodes must not be less than min-nodes")
	}
	if config.WaitTime < 0 || config.GrowCooldown < 0 || config.ShrinkCooldown < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if config.AddNodesPerIteration < 1 {
		return fmt.Errorf("add-nodes-per-iteration must be greater than 0")
	}
	if config.DefaultSlotsPerHost < 1 {
		return fmt.Errorf("default-slots-per-host must be greater than 0")
	}
	if config.IdleThreshold <= 0 || config.IdleThreshold > 1 {
		return fmt.Errorf("idle-threshold must be in (0, 1]")
	}
	if config.ShrinkStabilization < 1 {
		return fmt.Errorf("shrink-stabilization must be greater than 0")
	}
	if !slices.Contains(TieBreaks, config.TieBreak) {
		return fmt.Errorf("unknown tie-break '%s'", config.TieBreak)
	}
	return nil
}
