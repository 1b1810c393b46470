package mocks

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// IdsMatcher matches a []int holding the expected ids in any order.
type IdsMatcher struct {
	Expected []int
}

func (m IdsMatcher) Matches(x interface{}) bool {
	ids, ok := x.([]int)
	if !ok || len(ids) != len(m.Expected) {
		return false
	}
	actual := slices.Clone(ids)
	expected := slices.Clone(m.Expected)
	slices.Sort(actual)
	slices.Sort(expected)
	return slices.Equal(actual, expected)
}

func (m IdsMatcher) String() string {
	return fmt.Sprintf("contains ids %v in any order", m.Expected)
}
