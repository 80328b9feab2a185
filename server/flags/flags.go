package flags

import (
	"os"
	"strings"

	"github.com/gammadia/gridscale/pipeline"
	"github.com/gammadia/gridscale/recovery"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat   = "log-format"
	LogLevel    = "log-level"
	LogSource   = "log-source"
	Port        = "port"
	Clusterfile = "clusterfile"
	Params      = "param"
	SSHKey      = "ssh-key"

	PipelinePollInterval       = "pipeline-poll-interval"
	PipelinePropagationTimeout = "pipeline-propagation-timeout"
	PipelineSpotRequestTimeout = "pipeline-spot-request-timeout"
	PipelineProbeConcurrency   = "pipeline-probe-concurrency"
	RecoveryMaxAttempts        = "recovery-max-attempts"
	RecoveryRebootInterval     = "recovery-reboot-interval"
	RecoveryBootTimeout        = "recovery-boot-timeout"

	OpenstackRegion  = "openstack-region"
	OpenstackKeyName = "openstack-key-name"
	LocalNetwork     = "local-network"
	LocalMaxNodes    = "local-max-nodes"
)

// Init parses the command line and binds every flag into viper, where it can
// also be set with a GRIDSCALE_ prefixed environment variable.
func Init(args []string) error {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Daemon
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.Int(Port, 25374, "listening port")
	flags.String(Clusterfile, "gridscale.yaml", "cluster description")
	flags.StringToString(Params, nil, "clusterfile parameters (key=value)")
	flags.String(SSHKey, "", "private key used to reach the nodes, overrides ssh.key from the clusterfile")

	// Node integration
	flags.Duration(PipelinePollInterval, pipeline.DefaultConfig.PollInterval, "how often pending nodes are polled")
	flags.Duration(PipelinePropagationTimeout, pipeline.DefaultConfig.PropagationTimeout, "how long a new resource may stay unknown to the provider")
	flags.Duration(PipelineSpotRequestTimeout, pipeline.DefaultConfig.SpotRequestTimeout, "how long a spot request may stay open")
	flags.Int(PipelineProbeConcurrency, pipeline.DefaultConfig.ProbeConcurrency, "maximum number of nodes probed at once")
	flags.Int(RecoveryMaxAttempts, recovery.DefaultConfig.MaxAttempts, "reboots attempted before giving up on an unreachable node")
	flags.Duration(RecoveryRebootInterval, recovery.DefaultConfig.RebootInterval, "minimum delay between two reboots of a node")
	flags.Duration(RecoveryBootTimeout, recovery.DefaultConfig.BootTimeout, "how long a node may take to become reachable")

	// Providers
	flags.String(OpenstackRegion, "", "openstack region, $OS_REGION_NAME when empty")
	flags.String(OpenstackKeyName, "", "existing openstack keypair, an ephemeral one is created when empty")
	flags.String(LocalNetwork, "", "docker network joined by local nodes")
	flags.Int(LocalMaxNodes, 0, "maximum number of local containers, half the CPUs when 0")

	if err := flags.Parse(args); err != nil {
		return err
	}

	viper.SetEnvPrefix("gridscale")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
	return nil
}

// PipelineConfig reads the node integration settings.
func PipelineConfig() pipeline.Config {
	return pipeline.Config{
		PollInterval:       viper.GetDuration(PipelinePollInterval),
		PropagationTimeout: viper.GetDuration(PipelinePropagationTimeout),
		SpotRequestTimeout: viper.GetDuration(PipelineSpotRequestTimeout),
		ProbeConcurrency:   viper.GetInt(PipelineProbeConcurrency),
		Recovery: recovery.Config{
			MaxAttempts:    viper.GetInt(RecoveryMaxAttempts),
			RebootInterval: viper.GetDuration(RecoveryRebootInterval),
			BootTimeout:    viper.GetDuration(RecoveryBootTimeout),
		},
	}
}
