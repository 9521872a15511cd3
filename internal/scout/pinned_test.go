package scout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakePinnedStore struct {
	pins map[model.Address]model.PinnedAccount
}

func newFakePinnedStore() *fakePinnedStore {
	return &fakePinnedStore{pins: make(map[model.Address]model.PinnedAccount)}
}

func (s *fakePinnedStore) PinAccount(ctx context.Context, p model.PinnedAccount) error {
	s.pins[p.Address] = p
	return nil
}

func (s *fakePinnedStore) UnpinAccount(ctx context.Context, addr model.Address) error {
	delete(s.pins, addr)
	return nil
}

func (s *fakePinnedStore) CountCustomPins(ctx context.Context) (int, error) {
	n := 0
	for _, p := range s.pins {
		if p.IsCustom {
			n++
		}
	}
	return n, nil
}

func (s *fakePinnedStore) PinnedAccounts(ctx context.Context) ([]model.PinnedAccount, error) {
	out := make([]model.PinnedAccount, 0, len(s.pins))
	for _, p := range s.pins {
		out = append(out, p)
	}
	return out, nil
}

func TestAddCustomPin_RejectsFourthPin(t *testing.T) {
	st := newFakePinnedStore()
	reg := NewPinnedRegistry(st)
	ctx := context.Background()

	require.NoError(t, reg.AddCustomPin(ctx, "0x1"))
	require.NoError(t, reg.AddCustomPin(ctx, "0x2"))
	require.NoError(t, reg.AddCustomPin(ctx, "0x3"))

	err := reg.AddCustomPin(ctx, "0x4")
	assert.Error(t, err)

	n, _ := st.CountCustomPins(ctx)
	assert.Equal(t, MaxCustomPins, n)
}

func TestAddLeaderboardPin_Unbounded(t *testing.T) {
	st := newFakePinnedStore()
	reg := NewPinnedRegistry(st)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		addr := model.Address("0xlb" + string(rune('a'+i)))
		require.NoError(t, reg.AddLeaderboardPin(ctx, addr))
	}

	pins, err := st.PinnedAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, pins, 10)
}

func TestUnpin_RemovesRegardlessOfKind(t *testing.T) {
	st := newFakePinnedStore()
	reg := NewPinnedRegistry(st)
	ctx := context.Background()

	require.NoError(t, reg.AddCustomPin(ctx, "0xcustom"))
	require.NoError(t, reg.AddLeaderboardPin(ctx, "0xlb"))

	require.NoError(t, reg.Unpin(ctx, "0xcustom"))
	require.NoError(t, reg.Unpin(ctx, "0xlb"))

	pins, err := st.PinnedAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pins)
}

func TestWatchlist_UnionsCustomAndLeaderboardPins(t *testing.T) {
	st := newFakePinnedStore()
	reg := NewPinnedRegistry(st)
	ctx := context.Background()

	require.NoError(t, reg.AddCustomPin(ctx, "0xcustom"))
	require.NoError(t, reg.AddLeaderboardPin(ctx, "0xlb1"))
	require.NoError(t, reg.AddLeaderboardPin(ctx, "0xlb2"))

	watchlist, err := reg.Watchlist(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Address{"0xcustom", "0xlb1", "0xlb2"}, watchlist)
}
