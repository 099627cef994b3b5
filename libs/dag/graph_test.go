package dag

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_LinearChain(t *testing.T) {
	g, err := Validate([]NodeSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Roots())
	assert.Equal(t, []string{"a", "b", "c"}, g.TopologicalOrder())
	assert.Equal(t, []string{"b"}, g.Children("a"))
	assert.Equal(t, []string{"a"}, g.Parents("b"))
	assert.True(t, g.Contains("c"))
	assert.False(t, g.Contains("z"))
}

func TestValidate_FanOutFanIn(t *testing.T) {
	g, err := Validate([]NodeSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"b", "c"}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, g.Children("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.Parents("d"))
	assert.Equal(t, 4, g.Len())
}

func TestValidate_SingleNode(t *testing.T) {
	g, err := Validate([]NodeSpec{{ID: "solo"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, g.TopologicalOrder())
}

func TestValidate_DuplicateID(t *testing.T) {
	_, err := Validate([]NodeSpec{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestValidate_UnknownReference(t *testing.T) {
	_, err := Validate([]NodeSpec{{ID: "a", Dependencies: []string{"ghost"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownReference))
}

func TestValidate_Cycle(t *testing.T) {
	_, err := Validate([]NodeSpec{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))
}

func TestValidate_Triangle(t *testing.T) {
	// Three-way mutual dependency: no node starts at in-degree 0, so
	// Kahn's algorithm reports it as a cycle.
	_, err := Validate([]NodeSpec{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))
}

func TestValidate_LargeLinearChainNoStackExhaustion(t *testing.T) {
	const n = 20000
	nodes := make([]NodeSpec, n)
	for i := 0; i < n; i++ {
		nodes[i] = NodeSpec{ID: intID(i)}
		if i > 0 {
			nodes[i].Dependencies = []string{intID(i - 1)}
		}
	}
	g, err := Validate(nodes)
	require.NoError(t, err)
	assert.Equal(t, n, g.Len())
	assert.Equal(t, intID(0), g.TopologicalOrder()[0])
	assert.Equal(t, intID(n-1), g.TopologicalOrder()[n-1])
}

func intID(i int) string {
	return "n" + strconv.Itoa(i)
}
