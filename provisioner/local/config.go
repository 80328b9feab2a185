package local

import (
	"fmt"
	"log/slog"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger `json:"-"`
	// Containers are labelled with this group
	Group string `json:"group"`
	// Docker network joined by every node, the default bridge when empty
	Network string `json:"network"`
	// Maximum number of containers, as a safety net for laptops
	MaxNodes int `json:"max-nodes"`
}

func Validate(config Config) error {
	if config.Group == "" {
		return fmt.Errorf("group is required")
	}
	if config.MaxNodes < 1 {
		return fmt.Errorf("max-nodes must be greater than 0")
	}
	return nil
}
