package protocolversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Processable(t *testing.T) {
	g, err := NewGate(1, 1)
	require.NoError(t, err)
	assert.Equal(t, Processable, g.Check(1))
}

func TestGate_FutureVersionUnacknowledged(t *testing.T) {
	g, err := NewGate(1, 1)
	require.NoError(t, err)
	assert.Equal(t, Unacknowledged, g.Check(2))
}

func TestGate_ObsoleteVersion(t *testing.T) {
	g, err := NewGate(2, 3)
	require.NoError(t, err)
	assert.Equal(t, Obsolete, g.Check(1))
}

func TestGate_Range(t *testing.T) {
	g, err := NewGate(1, 3)
	require.NoError(t, err)
	assert.Equal(t, Processable, g.Check(1))
	assert.Equal(t, Processable, g.Check(2))
	assert.Equal(t, Processable, g.Check(3))
	assert.Equal(t, Unacknowledged, g.Check(4))
}
