package sage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeBackfiller struct {
	calls []model.Address
	fail  map[model.Address]bool
}

func (b *fakeBackfiller) BackfillFills(ctx context.Context, addr model.Address) error {
	b.calls = append(b.calls, addr)
	if b.fail[addr] {
		return errors.New("venue unreachable")
	}
	return nil
}

func TestPoolRefresher_BackfillsOnlyNewAddresses(t *testing.T) {
	store := newFakePoolStore()
	store.pool = []model.AlphaPoolMember{{Address: "0xknown"}}
	store.episodeCounts["0xknown"] = 10
	store.episodeCounts["0xnew"] = 10

	backfiller := &fakeBackfiller{fail: map[model.Address]bool{}}
	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 10)
	refresher := NewPoolRefresher(sel, store, backfiller)

	tracker := NewCandidateTracker()
	tracker.Observe("0xknown")
	tracker.Observe("0xnew")

	_, err := refresher.Refresh(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tracker)
	require.NoError(t, err)

	assert.Equal(t, []model.Address{"0xnew"}, backfiller.calls)
}

func TestPoolRefresher_BackfillFailureDoesNotAbortRefresh(t *testing.T) {
	store := newFakePoolStore()
	store.episodeCounts["0xbad"] = 10
	store.episodeCounts["0xgood"] = 10

	backfiller := &fakeBackfiller{fail: map[model.Address]bool{"0xbad": true}}
	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 10)
	refresher := NewPoolRefresher(sel, store, backfiller)

	tracker := NewCandidateTracker()
	tracker.Observe("0xbad")
	tracker.Observe("0xgood")

	members, err := refresher.Refresh(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tracker)
	require.NoError(t, err)
	assert.Len(t, backfiller.calls, 2)

	var addrs []model.Address
	for _, m := range members {
		addrs = append(addrs, m.Address)
	}
	assert.Contains(t, addrs, model.Address("0xbad"))
	assert.Contains(t, addrs, model.Address("0xgood"))
}

func TestPoolRefresher_RunPeriodic_FreshInstallTriggersImmediateRefresh(t *testing.T) {
	store := newFakePoolStore()
	store.episodeCounts["0xa"] = 10
	backfiller := &fakeBackfiller{}
	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 10)
	refresher := NewPoolRefresher(sel, store, backfiller)

	tracker := NewCandidateTracker()
	tracker.Observe("0xa")

	ctx, cancel := context.WithCancel(context.Background())
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	done := make(chan struct{})
	go func() {
		refresher.RunPeriodic(ctx, tracker, now)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(store.replaceCalls) >= 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
