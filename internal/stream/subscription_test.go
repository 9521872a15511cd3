package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

func TestManager_PinnedAlwaysWebsocket(t *testing.T) {
	m := NewManager(2)
	m.Register("0xpinned", SourcePinned)
	m.Register("0xa", SourceLegacy)
	m.Register("0xb", SourceLegacy)
	m.Register("0xc", SourceLegacy) // the pinned address holds one of the 2 slots, so 0xb and 0xc are polled

	tr, ok := m.Transport("0xpinned")
	require.True(t, ok)
	assert.Equal(t, TransportWebsocket, tr)

	tr, _ = m.Transport("0xc")
	assert.Equal(t, TransportPolling, tr)
}

func TestManager_UnregisterDropsAddressWhenNoSourceRemains(t *testing.T) {
	m := NewManager(40)
	m.Register("0xa", SourceLegacy)
	m.Register("0xa", SourceAlphaPool)

	m.Unregister("0xa", SourceLegacy)
	_, ok := m.Transport("0xa")
	require.True(t, ok, "still subscribed via alpha_pool")

	m.Unregister("0xa", SourceAlphaPool)
	_, ok = m.Transport("0xa")
	assert.False(t, ok)
}

func TestManager_PinnedSourceNeverDemotedEvenUnderCeiling(t *testing.T) {
	m := NewManager(1)
	for i := 0; i < 5; i++ {
		m.Register(model.Address(string(rune('a'+i))), SourcePinned)
	}
	for i := 0; i < 5; i++ {
		tr, ok := m.Transport(model.Address(string(rune('a' + i))))
		require.True(t, ok)
		assert.Equal(t, TransportWebsocket, tr)
	}
}

func TestManager_WebsocketAndPollingAddressesPartition(t *testing.T) {
	m := NewManager(1)
	m.Register("0xa", SourceLegacy)
	m.Register("0xb", SourceLegacy)

	ws := m.WebsocketAddresses()
	poll := m.PollingAddresses()
	assert.Len(t, ws, 1)
	assert.Len(t, poll, 1)
	assert.Len(t, m.Addresses(), 2)
}
