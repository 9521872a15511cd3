package sage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakePoolStore struct {
	*fakePosteriorStore
	pool          []model.AlphaPoolMember
	replaceCalls  [][]model.AlphaPoolMember
	episodeCounts map[model.Address]int
}

func newFakePoolStore() *fakePoolStore {
	return &fakePoolStore{
		fakePosteriorStore: newFakePosteriorStore(),
		episodeCounts:      make(map[model.Address]int),
	}
}

func (s *fakePoolStore) ActivePoolMembers(ctx context.Context) ([]model.AlphaPoolMember, error) {
	return s.pool, nil
}

func (s *fakePoolStore) ReplacePoolMembership(ctx context.Context, members []model.AlphaPoolMember) error {
	s.replaceCalls = append(s.replaceCalls, members)
	s.pool = members
	return nil
}

func (s *fakePoolStore) EpisodeCount(ctx context.Context, addr model.Address) (int, error) {
	return s.episodeCounts[addr], nil
}

type fakeScorePublisher struct {
	published []bus.Subject
	events    []ScoreEvent
}

func (p *fakeScorePublisher) Publish(ctx context.Context, subject bus.Subject, v any) error {
	p.published = append(p.published, subject)
	if evt, ok := v.(ScoreEvent); ok {
		p.events = append(p.events, evt)
	}
	return nil
}

func TestSelector_ExcludesIneligibleNewAddresses(t *testing.T) {
	store := newFakePoolStore()
	store.episodeCounts["0xeligible"] = 10
	store.episodeCounts["0xtooNew"] = 1
	store.posteriors["0xeligible"] = model.NIGPosterior{Address: "0xeligible", Kappa: 5, Alpha: 3, Beta: 1}

	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 10)

	tracker := NewCandidateTracker()
	tracker.Observe("0xeligible")
	tracker.Observe("0xtooNew")

	members, err := sel.Select(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tracker)
	require.NoError(t, err)

	var addrs []model.Address
	for _, m := range members {
		addrs = append(addrs, m.Address)
	}
	assert.Contains(t, addrs, model.Address("0xeligible"))
	assert.NotContains(t, addrs, model.Address("0xtooNew"))
}

func TestSelector_TruncatesToSelectK(t *testing.T) {
	store := newFakePoolStore()
	tracker := NewCandidateTracker()
	for i := 0; i < 20; i++ {
		addr := model.Address(string(rune('a' + i)))
		store.episodeCounts[addr] = 10
		tracker.Observe(addr)
	}
	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 5)

	members, err := sel.Select(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tracker)
	require.NoError(t, err)
	assert.Len(t, members, 5)
	assert.Len(t, pub.events, 20) // every candidate evaluated gets a score event
}

func TestSelector_PublishesSelectedBoolCorrectly(t *testing.T) {
	store := newFakePoolStore()
	tracker := NewCandidateTracker()
	store.episodeCounts["0xa"] = 10
	tracker.Observe("0xa")
	pub := &fakeScorePublisher{}
	sel := NewSelector(store, pub, 5, 10)

	_, err := sel.Select(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), tracker)
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.True(t, pub.events[0].SelectedBool)
}

func TestPhiCorrelation_InsufficientCommonBucketsNotOK(t *testing.T) {
	a := map[time.Time]int{time.Unix(0, 0): 1, time.Unix(300, 0): -1}
	b := map[time.Time]int{time.Unix(0, 0): 1, time.Unix(300, 0): 1}

	_, n, ok := PhiCorrelation(a, b)
	assert.Equal(t, 2, n)
	assert.False(t, ok)
}

func TestPhiCorrelation_NegativeClippedToZero(t *testing.T) {
	a := make(map[time.Time]int)
	b := make(map[time.Time]int)
	for i := 0; i < 12; i++ {
		ts := time.Unix(int64(i*300), 0)
		if i%2 == 0 {
			a[ts] = 1
			b[ts] = -1
		} else {
			a[ts] = -1
			b[ts] = 1
		}
	}
	rho, n, ok := PhiCorrelation(a, b)
	require.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, 0.0, rho)
}

func TestPhiCorrelation_PerfectPositiveCorrelation(t *testing.T) {
	a := make(map[time.Time]int)
	b := make(map[time.Time]int)
	for i := 0; i < 12; i++ {
		ts := time.Unix(int64(i*300), 0)
		sign := 1
		if i%2 == 0 {
			sign = -1
		}
		a[ts] = sign
		b[ts] = sign
	}
	rho, _, ok := PhiCorrelation(a, b)
	require.True(t, ok)
	assert.InDelta(t, 1.0, rho, 1e-9)
}
