// Package stream keeps a live view of a dynamic watchlist of trader
// addresses, normalizes and publishes every fill, and fans events out to
// WebSocket subscribers (spec.md §4.2).
package stream

import (
	"github.com/sigmapilot/sigmapilot/internal/model"
)

// Transport is the per-address delivery method the subscription manager
// assigns.
type Transport string

const (
	TransportWebsocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// Source labels an address's registering collaborator; "pinned" is
// privileged (spec.md §4.2: "A source labeled pinned cannot be demoted").
const (
	SourcePinned   = "pinned"
	SourceLegacy   = "legacy"
	SourceAlphaPool = "alpha_pool"
	SourceCustom   = "custom"
)

// entry is the multiset state for one address: which sources currently
// name it, and its assigned transport.
type entry struct {
	sources   map[string]struct{}
	transport Transport
}

// Manager maintains the address multiset: an address is subscribed iff any
// source names it, with a websocket-slot ceiling enforced across everything
// except pinned addresses, which always get a websocket slot.
type Manager struct {
	slotCeiling int
	addrs       map[model.Address]*entry
	// order preserves registration order for deterministic slot assignment
	// among non-pinned addresses.
	order []model.Address
}

func NewManager(slotCeiling int) *Manager {
	if slotCeiling <= 0 {
		slotCeiling = 40
	}
	return &Manager{
		slotCeiling: slotCeiling,
		addrs:       make(map[model.Address]*entry),
	}
}

// Register adds addr under source, assigning/reassigning transport per the
// priority rule: pinned addresses and addresses under the websocket slot
// ceiling get websocket; the remainder are polled.
func (m *Manager) Register(addr model.Address, source string) {
	e, ok := m.addrs[addr]
	if !ok {
		e = &entry{sources: make(map[string]struct{})}
		m.addrs[addr] = e
		m.order = append(m.order, addr)
	}
	e.sources[source] = struct{}{}
	m.reassignTransports()
}

// Unregister removes source's claim on addr; the address remains
// subscribed (at a possibly-demoted transport) as long as any other source
// still names it, and is dropped entirely once no source does.
func (m *Manager) Unregister(addr model.Address, source string) {
	e, ok := m.addrs[addr]
	if !ok {
		return
	}
	delete(e.sources, source)
	if len(e.sources) == 0 {
		delete(m.addrs, addr)
		for i, a := range m.order {
			if a == addr {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.reassignTransports()
}

func (e *entry) isPinned() bool {
	_, ok := e.sources[SourcePinned]
	return ok
}

// reassignTransports re-derives every address's transport from scratch:
// all pinned addresses get websocket first (never demoted), then remaining
// slots up to slotCeiling go to the rest in registration order.
func (m *Manager) reassignTransports() {
	slotsUsed := 0
	for _, addr := range m.order {
		e := m.addrs[addr]
		if e.isPinned() {
			e.transport = TransportWebsocket
			slotsUsed++
		}
	}
	for _, addr := range m.order {
		e := m.addrs[addr]
		if e.isPinned() {
			continue
		}
		if slotsUsed < m.slotCeiling {
			e.transport = TransportWebsocket
			slotsUsed++
		} else {
			e.transport = TransportPolling
		}
	}
}

// Transport returns the currently assigned transport for addr, if tracked.
func (m *Manager) Transport(addr model.Address) (Transport, bool) {
	e, ok := m.addrs[addr]
	if !ok {
		return "", false
	}
	return e.transport, true
}

// Addresses returns every currently-subscribed address, in registration
// order.
func (m *Manager) Addresses() []model.Address {
	out := make([]model.Address, len(m.order))
	copy(out, m.order)
	return out
}

// WebsocketAddresses returns the subset currently assigned the websocket
// transport.
func (m *Manager) WebsocketAddresses() []model.Address {
	var out []model.Address
	for _, addr := range m.order {
		if m.addrs[addr].transport == TransportWebsocket {
			out = append(out, addr)
		}
	}
	return out
}

// PollingAddresses returns the subset currently assigned the polling
// transport.
func (m *Manager) PollingAddresses() []model.Address {
	var out []model.Address
	for _, addr := range m.order {
		if m.addrs[addr].transport == TransportPolling {
			out = append(out, addr)
		}
	}
	return out
}
