package stores

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersionsDesc(t *testing.T) {
	versions := []string{"1.0.0", "latest", "2.10.0", "2.9.1", "v3.0.0", "beta", "2.10.0-rc.1"}
	slices.SortStableFunc(versions, compareVersionsDesc)

	assert.Equal(t, []string{"v3.0.0", "2.10.0", "2.10.0-rc.1", "2.9.1", "1.0.0", "latest", "beta"}, versions)
}

func TestSortByName_Collation(t *testing.T) {
	names := []string{"zeta", "Beta", "alpha", "Émile", "delta"}
	sortByName(names, func(s string) string { return s })

	assert.Equal(t, []string{"alpha", "Beta", "delta", "Émile", "zeta"}, names)
}
