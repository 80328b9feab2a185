package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var calculatortests = []struct {
	maxNodes      int
	slotsPerNode  int
	queuedSlots   int
	existingNodes int
	incomingNodes int
	expected      int
}{
	{1, 1, 0, 0, 0, 0},
	{1, 1, 1, 0, 0, 1},
	{1, 1, 5, 0, 0, 1},
	{3, 1, 5, 0, 0, 3},
	{5, 1, 3, 1, 0, 3},
	{4, 4, 20, 0, 0, 4},
	{4, 4, 16, 1, 3, 0},
	{4, 4, 12, 1, 1, 2},
	{4, 4, 4, 1, 2, 0},
	{10, 8, 9, 2, 0, 2},
	{10, 8, 9, 2, 1, 1},
	{2, 8, 100, 3, 0, 0},
	{10, 0, 3, 1, 0, 3},
}

func TestNodesToCreate(t *testing.T) {
	for index, tt := range calculatortests {
		t.Run(fmt.Sprintf("test-%d", index), func(t *testing.T) {
			assert.Equal(t, tt.expected, NodesToCreate(tt.maxNodes, tt.slotsPerNode, tt.queuedSlots, tt.existingNodes, tt.incomingNodes))
		})
	}
}
