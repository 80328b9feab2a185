package namegen

import (
	"fmt"
	"strconv"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// MasterAlias is the alias of the node running the queue master.
const MasterAlias = "master"

const aliasPrefix = "node"

// Alias returns the worker alias for the given index, e.g. "node007".
func Alias(index int) string {
	return fmt.Sprintf("%s%03d", aliasPrefix, index)
}

// AliasIndex parses a worker alias back into its index.
func AliasIndex(alias string) (int, bool) {
	digits, found := strings.CutPrefix(alias, aliasPrefix)
	if !found || digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 1 {
		return 0, false
	}
	return index, true
}

// NextAlias returns the lowest free worker alias given the aliases in use.
func NextAlias(used []string) string {
	taken := make(map[int]bool, len(used))
	for _, alias := range used {
		if index, ok := AliasIndex(alias); ok {
			taken[index] = true
		}
	}

	index := 1
	for taken[index] {
		index++
	}
	return Alias(index)
}
