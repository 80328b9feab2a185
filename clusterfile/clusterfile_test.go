package clusterfile

import (
	"errors"
	"testing"
	"time"

	"github.com/gammadia/gridscale/balancer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var filetests = []struct {
	file     string
	expected string
}{
	{"testdata/valid_minimalist.yaml", ""},
	{"testdata/valid_full_featured.yaml", ""},

	{"testdata/invalid_version.yaml", "validate: unsupported version '42'"},
	{"testdata/invalid_name.yaml", "validate: name must be a valid identifier"},
	{"testdata/invalid_provider.yaml", "validate: provider must be one of [openstack local]"},
	{"testdata/invalid_missing_master.yaml", "validate: master is required"},
	{"testdata/invalid_missing_nodes_image.yaml", "validate: nodes.image is required"},
	{"testdata/invalid_missing_nodes_flavor.yaml", "validate: nodes.flavor is required"},
	{"testdata/invalid_spot.yaml", "validate: nodes.spot is not supported by the 'local' provider"},
	{"testdata/invalid_nodes_bounds.yaml", "validate: nodes.max must not be less than nodes.min"},
	{"testdata/invalid_balancer_duration.yaml", `validate: balancer.wait-time is not a valid duration: time: invalid duration "soon"`},
	{"testdata/invalid_balancer_tie_break.yaml", "validate: balancer: unknown tie-break 'random'"},
	{"testdata/invalid_sge_hooks.yaml", "validate: sge: add-commands[0]: "},
	{"testdata/invalid_sge_timezone.yaml", "validate: sge.timezone is not a valid time zone: unknown time zone Mars/Olympus_Mons"},
	{"testdata/invalid_nodes_map.yaml", "unmarshal: yaml: unmarshal errors:\n  line 6: cannot unmarshal !!seq into clusterfile.ClusterfileNodes"},
}

func TestRead(t *testing.T) {
	for _, tt := range filetests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Read(tt.file, ReadOptions{})
			if tt.expected == "" {
				assert.NoError(t, err)
				return
			}

			assert.ErrorContains(t, err, tt.expected)

			var unmarshalErr UnmarshalError
			if assert.True(t, errors.As(err, &unmarshalErr)) {
				assert.NotEmpty(t, unmarshalErr.Source)
			}
		})
	}
}

func TestRead_MissingFile(t *testing.T) {
	_, err := Read("testdata/missing.yaml", ReadOptions{})
	assert.ErrorContains(t, err, "read file: ")
}

func TestRead_Template(t *testing.T) {
	t.Setenv("GRIDSCALE_TEST_NAME", "templated")
	t.Setenv("GRIDSCALE_TEST_MASTER", "master-7")

	clusterfile, err := Read("testdata/with_env.yaml", ReadOptions{Params: map[string]string{"tag": "v2"}})
	require.NoError(t, err)

	assert.Equal(t, "templated", clusterfile.Name)
	assert.Equal(t, "master-7", clusterfile.Master)
	assert.Equal(t, "gridscale/sge-node:v2", clusterfile.Nodes.Image)
	assert.Equal(t, 4, clusterfile.Nodes.Max)
}

func TestRead_FullFeatured(t *testing.T) {
	clusterfile, err := Read("testdata/valid_full_featured.yaml", ReadOptions{Params: map[string]string{"flavor": "c4-16"}})
	require.NoError(t, err)

	cluster := clusterfile.ClusterConfig()
	assert.Equal(t, "research-grid", cluster.Group)
	assert.Equal(t, "0b7c8e4e-5a1d-4b0f-9d39-8f7d1c2b3a41", cluster.MasterID)
	assert.Equal(t, 12, cluster.MaxNodes)
	assert.Equal(t, "c4-16", cluster.Launch.Flavor)
	assert.Equal(t, []string{"default", "sge"}, cluster.Launch.SecurityGroups)
	assert.Equal(t, []string{"5f0d6b1c-private"}, cluster.Launch.Networks)

	b := clusterfile.BalancerConfig()
	assert.Equal(t, 30*time.Second, b.PollingInterval)
	assert.Equal(t, 10*time.Minute, b.WaitTime)
	assert.Equal(t, 2*time.Minute, b.GrowCooldown)
	assert.Equal(t, 20*time.Minute, b.ShrinkCooldown)
	assert.Equal(t, 2, b.MinNodes)
	assert.Equal(t, 12, b.MaxNodes)
	assert.Equal(t, 3, b.AddNodesPerIteration)
	assert.Equal(t, 0.75, b.IdleThreshold)
	assert.Equal(t, 5, b.ShrinkStabilization)
	assert.Equal(t, balancer.TieBreakAliasDesc, b.TieBreak)
	assert.Equal(t, 8, b.DefaultSlotsPerHost)
	assert.True(t, b.DrainIdle)
	require.NotNil(t, b.Parser.Location)
	assert.Equal(t, "Europe/Zurich", b.Parser.Location.String())

	s := clusterfile.SGEConfig()
	assert.Equal(t, "batch.q", s.Queue)
	assert.Equal(t, "@workers", s.HostGroup)
	assert.Equal(t, 8, s.Slots)
	assert.Len(t, s.AddCommands, 2)
	assert.Equal(t, []string{"qconf -dh {{ sh .Node.Alias }}"}, s.RemoveCommands)

	ssh := clusterfile.SSHConfig()
	assert.Equal(t, "ubuntu", ssh.Username)
	assert.Equal(t, 2222, ssh.Port)
	assert.Equal(t, "~/.ssh/gridscale", clusterfile.SSH.Key)
}

func TestRead_Defaults(t *testing.T) {
	clusterfile, err := Read("testdata/valid_minimalist.yaml", ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, balancer.DefaultConfig.PollingInterval, clusterfile.BalancerConfig().PollingInterval)
	assert.Nil(t, clusterfile.BalancerConfig().Parser.Location)
	assert.Equal(t, balancer.DefaultConfig.MaxNodes, clusterfile.ClusterConfig().MaxNodes)
	assert.Equal(t, "all.q", clusterfile.SGEConfig().Queue)
	assert.Len(t, clusterfile.SGEConfig().AddCommands, 6)
	assert.Equal(t, "root", clusterfile.SSHConfig().Username)
}
