package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DefaultDescriptors(t *testing.T) {
	r, err := New(DefaultDescriptors())
	require.NoError(t, err)

	d, ok := r.LookupByPorts(4001, 54321)
	require.True(t, ok)
	assert.Equal(t, NYSE, d.ID)

	d, ok = r.LookupByPorts(53, 8002)
	require.True(t, ok)
	assert.Equal(t, NASDAQ, d.ID)

	_, ok = r.LookupByPorts(53, 54321)
	assert.False(t, ok)
}

func TestRegistry_DestinationWinsOverSource(t *testing.T) {
	r, err := New(DefaultDescriptors())
	require.NoError(t, err)

	// Source looks like CBOE, destination looks like NYSE: dst wins.
	d, ok := r.LookupByPorts(4001, 7003)
	require.True(t, ok)
	assert.Equal(t, NYSE, d.ID)
}

func TestRegistry_RejectsDuplicatePorts(t *testing.T) {
	_, err := New([]Descriptor{
		{ID: 1, Name: "A", Ports: []uint16{100}},
		{ID: 2, Name: "B", Ports: []uint16{100}},
	})
	assert.Error(t, err)
}

func TestRegistry_RejectsReservedUnknownID(t *testing.T) {
	_, err := New([]Descriptor{{ID: Unknown, Name: "bad"}})
	assert.Error(t, err)
}
