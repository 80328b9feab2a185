package namegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlias(t *testing.T) {
	assert.Equal(t, "node001", Alias(1))
	assert.Equal(t, "node042", Alias(42))
	assert.Equal(t, "node1234", Alias(1234))
}

func TestAliasIndex(t *testing.T) {
	index, ok := AliasIndex("node017")
	assert.True(t, ok)
	assert.Equal(t, 17, index)

	for _, alias := range []string{"master", "node", "nodeabc", "node000", "worker001"} {
		_, ok := AliasIndex(alias)
		assert.False(t, ok, alias)
	}
}

func TestNextAliasFillsGaps(t *testing.T) {
	assert.Equal(t, "node001", NextAlias(nil))
	assert.Equal(t, "node001", NextAlias([]string{MasterAlias}))
	assert.Equal(t, "node003", NextAlias([]string{MasterAlias, "node001", "node002"}))
	assert.Equal(t, "node002", NextAlias([]string{"node001", "node003"}))
}
