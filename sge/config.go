package sge

import (
	"fmt"
	"log/slog"
	"text/template"
	"time"
)

type Config struct {
	Logger *slog.Logger     `json:"-"`
	Clock  func() time.Time `json:"-"`

	// Queue receiving the slots of new nodes
	Queue string `json:"queue"`
	// Host group new nodes join
	HostGroup string `json:"host-group"`
	// Slots per node, zero uses the processor count reported by the node
	Slots int `json:"slots"`
	// How far back accounting records are read
	AccountingWindow time.Duration `json:"accounting-window"`

	// Commands run on the master when a node joins or leaves the cluster.
	// Each one is a text/template, see HookData.
	AddCommands    []string `json:"add-commands"`
	RemoveCommands []string `json:"remove-commands"`
}

var DefaultAddCommands = []string{
	`sudo sed -i {{ printf "/ %s$/d" .Node.Alias | sh }} /etc/hosts && echo {{ printf "%s %s" .Node.Address .Node.Alias | sh }} | sudo tee -a /etc/hosts > /dev/null`,
	`qconf -ah {{ sh .Node.Alias }}`,
	`qconf -as {{ sh .Node.Alias }}`,
	`qconf -Ae {{ sh .ExecHostFile }}`,
	`qconf -aattr hostgroup hostlist {{ sh .Node.Alias }} {{ sh .HostGroup }}`,
	`qconf -aattr queue slots {{ printf "[%s=%d]" .Node.Alias .Slots | sh }} {{ sh .Queue }}`,
}

var DefaultRemoveCommands = []string{
	`qconf -purge queue slots {{ printf "%s@%s" .Queue .Node.Alias | sh }}`,
	`qconf -dattr hostgroup hostlist {{ sh .Node.Alias }} {{ sh .HostGroup }}`,
	`qconf -de {{ sh .Node.Alias }}`,
	`qconf -ds {{ sh .Node.Alias }}`,
	`qconf -dh {{ sh .Node.Alias }}`,
	`sudo sed -i {{ printf "/ %s$/d" .Node.Alias | sh }} /etc/hosts`,
}

var DefaultConfig = Config{
	Queue:            "all.q",
	HostGroup:        "@allhosts",
	AccountingWindow: 3 * time.Hour,
	AddCommands:      DefaultAddCommands,
	RemoveCommands:   DefaultRemoveCommands,
}

func Validate(config Config) error {
	if config.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if config.HostGroup == "" {
		return fmt.Errorf("host-group is required")
	}
	if config.Slots < 0 {
		return fmt.Errorf("slots must not be negative")
	}
	if config.AccountingWindow <= 0 {
		return fmt.Errorf("accounting-window must be greater than 0")
	}
	for i, command := range config.AddCommands {
		if _, err := parseCommand(command); err != nil {
			return fmt.Errorf("add-commands[%d]: %w", i, err)
		}
	}
	for i, command := range config.RemoveCommands {
		if _, err := parseCommand(command); err != nil {
			return fmt.Errorf("remove-commands[%d]: %w", i, err)
		}
	}
	return nil
}

func parseCommand(command string) (*template.Template, error) {
	return template.New("command").Funcs(funcs).Option("missingkey=error").Parse(command)
}
