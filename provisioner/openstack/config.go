package openstack

import (
	"fmt"
	"log/slog"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// Servers are tagged with this group in their metadata
	Group string `json:"group"`
	// Region defaults to $OS_REGION_NAME
	Region string `json:"region"`
	// Existing keypair injected into servers. An ephemeral keypair is created
	// when empty and deleted on Close.
	KeyName string `json:"key-name"`
}

func Validate(config Config) error {
	if config.Group == "" {
		return fmt.Errorf("group is required")
	}
	return nil
}
