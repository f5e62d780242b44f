package dependency

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuildsReverseIndex(t *testing.T) {
	g := New()
	require.NoError(t, g.Register("A", nil))
	require.NoError(t, g.Register("B", []string{"A"}))
	require.NoError(t, g.Register("C", []string{"A", "B", "A"}))

	assert.Equal(t, []string{"B", "C"}, g.Dependents("A"))
	assert.Equal(t, []string{"A", "B"}, g.Dependencies("C"))
	assert.Equal(t, 3, g.Len())
}

func TestRegisterSkipsUnknownSources(t *testing.T) {
	g := New()
	require.NoError(t, g.Register("B", []string{"ghost"}))
	assert.Empty(t, g.Dependencies("B"))
	assert.False(t, g.Contains("ghost"))
}

func TestRegisterRejectsSelfDependency(t *testing.T) {
	g := New()
	err := g.Register("A", []string{"A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	assert.False(t, g.Contains("A"))
}

func TestCycleRejectedAndGraphUnchanged(t *testing.T) {
	g := New()
	require.NoError(t, g.Register("A", nil))
	require.NoError(t, g.Register("B", []string{"A"}))
	require.NoError(t, g.Register("C", []string{"B"}))
	before := g.Snapshot()

	err := g.Register("A", []string{"C"})
	require.Error(t, err)
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"A", "C", "B", "A"}, cycleErr.Path)
	assert.Equal(t, before, g.Snapshot())
}

func TestWouldCycleDiamondIsAcyclic(t *testing.T) {
	g := New()
	require.NoError(t, g.Register("root", nil))
	require.NoError(t, g.Register("left", []string{"root"}))
	require.NoError(t, g.Register("right", []string{"root"}))
	_, cyclic := g.WouldCycle("join", []string{"left", "right"})
	assert.False(t, cyclic)
	require.NoError(t, g.Register("join", []string{"left", "right"}))
}

func TestLongChainDoesNotRecurse(t *testing.T) {
	g := New()
	const depth = 20000
	require.NoError(t, g.Register("n0", nil))
	for i := 1; i < depth; i++ {
		require.NoError(t, g.Register(fmt.Sprintf("n%d", i), []string{fmt.Sprintf("n%d", i-1)}))
	}
	path, cyclic := g.WouldCycle("n0", []string{fmt.Sprintf("n%d", depth-1)})
	require.True(t, cyclic)
	assert.Len(t, path, depth+1)
}

func TestRemoveDropsEdges(t *testing.T) {
	g := New()
	require.NoError(t, g.Register("A", nil))
	require.NoError(t, g.Register("B", []string{"A"}))
	require.NoError(t, g.Register("C", []string{"B"}))

	g.Remove("B")
	assert.False(t, g.Contains("B"))
	assert.Empty(t, g.Dependents("A"))
	assert.Empty(t, g.Dependencies("C"))
	g.Remove("missing")
}
