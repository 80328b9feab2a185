package recovery

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Clock returns the current time, time.Now when nil
	Clock func() time.Time `json:"-"`

	MaxAttempts    int           `json:"max-attempts"`
	RebootInterval time.Duration `json:"reboot-interval"`
	BootTimeout    time.Duration `json:"boot-timeout"`
}

var DefaultConfig = Config{
	MaxAttempts:    3,
	RebootInterval: 5 * time.Minute,
	BootTimeout:    10 * time.Minute,
}

func Validate(config Config) error {
	if config.MaxAttempts < 0 {
		return fmt.Errorf("max-attempts must not be negative")
	}
	if config.RebootInterval < 0 {
		return fmt.Errorf("reboot-interval must not be negative")
	}
	if config.BootTimeout <= 0 {
		return fmt.Errorf("boot-timeout must be greater than 0")
	}
	return nil
}
