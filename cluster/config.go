package cluster

import (
	"fmt"
	"log/slog"
)

type Config struct {
	Logger   *slog.Logger `json:"-"`
	Group    string       `json:"group"`
	MasterID string       `json:"master-id"`
	MaxNodes int          `json:"max-nodes"`
	Launch   LaunchSpec   `json:"launch"`
}

func Validate(config Config) error {
	if config.Group == "" {
		return fmt.Errorf("group is required")
	}
	if config.MasterID == "" {
		return fmt.Errorf("master-id is required")
	}
	if config.MaxNodes < 1 {
		return fmt.Errorf("max-nodes must be greater than 0")
	}
	if config.Launch.Image == "" {
		return fmt.Errorf("launch.image is required")
	}
	if config.Launch.Spot && config.Launch.SpotPrice < 0 {
		return fmt.Errorf("launch.spot-price must not be negative")
	}
	return nil
}
