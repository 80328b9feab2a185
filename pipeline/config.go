package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/gridscale/recovery"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Clock returns the current time, time.Now when nil
	Clock func() time.Time `json:"-"`

	PollInterval time.Duration `json:"poll-interval"`
	// How long an id may stay invisible to the provider before it is given up
	PropagationTimeout time.Duration `json:"propagation-timeout"`
	// How long a spot request may stay open before it is cancelled
	SpotRequestTimeout time.Duration   `json:"spot-request-timeout"`
	ProbeConcurrency   int             `json:"probe-concurrency"`
	Recovery           recovery.Config `json:"recovery"`
}

var DefaultConfig = Config{
	PollInterval:       30 * time.Second,
	PropagationTimeout: 10 * time.Minute,
	SpotRequestTimeout: 15 * time.Minute,
	ProbeConcurrency:   10,
	Recovery:           recovery.DefaultConfig,
}

func Validate(config Config) error {
	if config.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be greater than 0")
	}
	if config.PropagationTimeout <= 0 {
		return fmt.Errorf("propagation-timeout must be greater than 0")
	}
	if config.SpotRequestTimeout <= 0 {
		return fmt.Errorf("spot-request-timeout must be greater than 0")
	}
	if config.ProbeConcurrency < 1 {
		return fmt.Errorf("probe-concurrency must be greater than 0")
	}
	if err := recovery.Validate(config.Recovery); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	return nil
}
