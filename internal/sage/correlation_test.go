package sage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeBucketSource struct {
	vectors map[model.Address]map[time.Time]int
}

func (f *fakeBucketSource) SignBuckets(ctx context.Context, addr model.Address, since time.Time) (map[time.Time]int, error) {
	return f.vectors[addr], nil
}

type fakeCorrelationStore struct {
	upserted []model.PairwiseCorrelation
}

func (f *fakeCorrelationStore) UpsertCorrelation(ctx context.Context, c model.PairwiseCorrelation) error {
	f.upserted = append(f.upserted, c)
	return nil
}

func buildVector(signs []int) map[time.Time]int {
	v := make(map[time.Time]int, len(signs))
	for i, s := range signs {
		v[time.Unix(int64(i*300), 0)] = s
	}
	return v
}

func TestCorrelationJob_SkipsPairsBelowCommonBucketFloor(t *testing.T) {
	src := &fakeBucketSource{vectors: map[model.Address]map[time.Time]int{
		"0xa": buildVector([]int{1, -1}),
		"0xb": buildVector([]int{1, 1}),
	}}
	store := &fakeCorrelationStore{}
	job := NewCorrelationJob(src, store)

	err := job.Run(context.Background(), []model.Address{"0xa", "0xb"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, store.upserted)
}

func TestCorrelationJob_UpsertsQualifyingPairs(t *testing.T) {
	signs := make([]int, 12)
	for i := range signs {
		signs[i] = 1
		if i%3 == 0 {
			signs[i] = -1
		}
	}
	src := &fakeBucketSource{vectors: map[model.Address]map[time.Time]int{
		"0xa": buildVector(signs),
		"0xb": buildVector(signs),
	}}
	store := &fakeCorrelationStore{}
	job := NewCorrelationJob(src, store)

	err := job.Run(context.Background(), []model.Address{"0xa", "0xb"}, time.Now())
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)
	assert.InDelta(t, 1.0, store.upserted[0].Rho, 1e-9)
}

func TestCorrelationJob_NormalizesAddressOrder(t *testing.T) {
	signs := make([]int, 12)
	for i := range signs {
		signs[i] = 1
	}
	src := &fakeBucketSource{vectors: map[model.Address]map[time.Time]int{
		"0xzzz": buildVector(signs),
		"0xaaa": buildVector(signs),
	}}
	store := &fakeCorrelationStore{}
	job := NewCorrelationJob(src, store)

	err := job.Run(context.Background(), []model.Address{"0xzzz", "0xaaa"}, time.Now())
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, model.Address("0xaaa"), store.upserted[0].AddrA)
	assert.Equal(t, model.Address("0xzzz"), store.upserted[0].AddrB)
}
