package scout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeFetcher struct {
	candidates []RawCandidate
	failTimes  int
	calls      int
}

func (f *fakeFetcher) FetchLeaderboard(ctx context.Context, periodDays int) ([]RawCandidate, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, errors.New("venue unavailable")
	}
	return f.candidates, nil
}

type fakeStore struct {
	refreshed []model.LeaderboardEntry
	err       error
}

func (s *fakeStore) RefreshLeaderboard(ctx context.Context, periodDays int, entries []model.LeaderboardEntry) error {
	if s.err != nil {
		return s.err
	}
	s.refreshed = entries
	return nil
}

type fakePublisher struct {
	published []bus.Subject
}

func (p *fakePublisher) Publish(ctx context.Context, subject bus.Subject, v any) error {
	p.published = append(p.published, subject)
	return nil
}

func TestRefresh_SucceedsAndPublishesOnePerEntry(t *testing.T) {
	fetcher := &fakeFetcher{candidates: []RawCandidate{goodCandidate("0xa"), goodCandidate("0xb")}}
	st := &fakeStore{}
	pub := &fakePublisher{}

	svc := NewService(fetcher, st, pub, DefaultTopK)
	err := svc.Refresh(context.Background(), 30)

	require.NoError(t, err)
	require.Len(t, st.refreshed, 2)
	require.Len(t, pub.published, 2)
	for _, s := range pub.published {
		require.Equal(t, bus.Candidates, s)
	}
}

func TestRefresh_RetriesOnTransientFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{candidates: []RawCandidate{goodCandidate("0xa")}, failTimes: 2}
	st := &fakeStore{}
	pub := &fakePublisher{}

	svc := NewService(fetcher, st, pub, DefaultTopK)
	err := svc.Refresh(context.Background(), 30)

	require.NoError(t, err)
	require.Equal(t, 3, fetcher.calls)
	require.Len(t, st.refreshed, 1)
}

func TestRefresh_LeavesStoreUntouchedAfterExhaustingRetries(t *testing.T) {
	fetcher := &fakeFetcher{candidates: nil, failTimes: maxFetchRetries}
	st := &fakeStore{}
	pub := &fakePublisher{}

	svc := NewService(fetcher, st, pub, DefaultTopK)
	err := svc.Refresh(context.Background(), 30)

	require.Error(t, err)
	require.Nil(t, st.refreshed)
	require.Empty(t, pub.published)
}
