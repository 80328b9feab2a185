// Package sge integrates cluster nodes with a Sun Grid Engine master and
// reads the queue status documents the balancer works from.
package sge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
	"github.com/gammadia/gridscale/cluster"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
)

var funcs = lo.Assign(sprig.TxtFuncMap(), template.FuncMap{
	"sh": shellescape.Quote,
})

// HookData is available to the add and remove command templates.
type HookData struct {
	Node      *cluster.Node
	Nodes     []*cluster.Node
	Queue     string
	HostGroup string
	Slots     int
	// Exec host definition uploaded to the master, only set when adding
	ExecHostFile string
}

const execHostTemplate = `hostname {{ .Alias }}
load_scaling NONE
complex_values NONE
user_lists NONE
xuser_lists NONE
projects NONE
xprojects NONE
usage_scaling NONE
report_variables NONE
`

var execHost = template.Must(template.New("exec-host").Parse(execHostTemplate))

// Plugin registers nodes with the grid engine through qconf on the master.
type Plugin struct {
	master cluster.RemoteHost
	config Config
	log    *slog.Logger

	add    []*template.Template
	remove []*template.Template
}

var _ cluster.Plugin = (*Plugin)(nil)

func NewPlugin(master cluster.RemoteHost, config Config) (*Plugin, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	p := &Plugin{
		master: master,
		config: config,
		log:    config.Logger.With("component", "sge"),
	}

	for _, command := range config.AddCommands {
		tmpl, err := parseCommand(command)
		if err != nil {
			return nil, fmt.Errorf("failed to parse add command: %w", err)
		}
		p.add = append(p.add, tmpl)
	}
	for _, command := range config.RemoveCommands {
		tmpl, err := parseCommand(command)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remove command: %w", err)
		}
		p.remove = append(p.remove, tmpl)
	}
	return p, nil
}

func render(tmpl *template.Template, data HookData) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render command: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func (p *Plugin) slots(ctx context.Context, node *cluster.Node) (int, error) {
	if p.config.Slots > 0 {
		return p.config.Slots, nil
	}

	output, err := node.Host.Execute(ctx, "nproc")
	if err != nil {
		return 0, fmt.Errorf("failed to count processors: %w", err)
	}
	slots, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil || slots < 1 {
		return 0, fmt.Errorf("unexpected processor count '%s'", strings.TrimSpace(output))
	}
	return slots, nil
}

// uploadExecHost writes the exec host definition of the node on the master.
func (p *Plugin) uploadExecHost(ctx context.Context, node *cluster.Node) (string, error) {
	local, err := os.CreateTemp("", "gridscale-exec-host-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(local.Name())

	if err := execHost.Execute(local, node); err != nil {
		_ = local.Close()
		return "", fmt.Errorf("failed to render exec host: %w", err)
	}
	if err := local.Close(); err != nil {
		return "", err
	}

	remote := path.Join("/tmp/gridscale", node.Alias+".exec")
	if err := p.master.PutFile(ctx, local.Name(), remote); err != nil {
		return "", fmt.Errorf("failed to upload exec host: %w", err)
	}
	return remote, nil
}

func (p *Plugin) OnAddNode(ctx context.Context, node *cluster.Node, current []*cluster.Node) error {
	log := p.log.With("node", node.Alias)

	slots, err := p.slots(ctx, node)
	if err != nil {
		return err
	}

	file, err := p.uploadExecHost(ctx, node)
	if err != nil {
		return err
	}

	data := HookData{
		Node:         node,
		Nodes:        current,
		Queue:        p.config.Queue,
		HostGroup:    p.config.HostGroup,
		Slots:        slots,
		ExecHostFile: file,
	}
	for _, tmpl := range p.add {
		command, err := render(tmpl, data)
		if err != nil {
			return err
		}
		if command == "" {
			continue
		}

		log.Debug("Running add command", "command", command)
		if _, err := p.master.Execute(ctx, command); err != nil {
			return err
		}
	}

	log.Info("Node registered with the grid engine", "slots", slots)
	return nil
}

// OnRemoveNode runs every remove command even when some fail, so that a
// partially registered node is cleaned up as much as possible.
func (p *Plugin) OnRemoveNode(ctx context.Context, node *cluster.Node, remaining []*cluster.Node) error {
	log := p.log.With("node", node.Alias)

	data := HookData{
		Node:      node,
		Nodes:     remaining,
		Queue:     p.config.Queue,
		HostGroup: p.config.HostGroup,
		Slots:     p.config.Slots,
	}

	var errs []error
	for _, tmpl := range p.remove {
		command, err := render(tmpl, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if command == "" {
			continue
		}

		log.Debug("Running remove command", "command", command)
		if _, err := p.master.Execute(ctx, command); err != nil {
			log.Warn("Remove command failed", "command", command, "error", err)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("Node unregistered from the grid engine")
	return nil
}
