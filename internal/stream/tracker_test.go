package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeFillFeed struct {
	mu          sync.Mutex
	subscribeN  int
	primeCalled int
	fillToEmit  *RawFill
}

func (f *fakeFillFeed) Subscribe(ctx context.Context, addr model.Address, onFill func(RawFill)) error {
	f.mu.Lock()
	f.subscribeN++
	f.mu.Unlock()
	if f.fillToEmit != nil {
		onFill(*f.fillToEmit)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeFillFeed) SnapshotPositions(ctx context.Context, addr model.Address) ([]RawPosition, error) {
	f.mu.Lock()
	f.primeCalled++
	f.mu.Unlock()
	return []RawPosition{{Asset: model.AssetBTC, SignedSize: 1, EntryPrice: 60000}}, nil
}

func TestTracker_PrimesAndForwardsFillsThenStopsOnCancel(t *testing.T) {
	fill := RawFill{Address: "0xa", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, TS: 1700000000000, VenueFillID: "f1"}
	feed := &fakeFillFeed{fillToEmit: &fill}

	var receivedFill model.Fill
	var primedAddr model.Address
	var fillCount, primeCount int32

	tr := NewTracker("0xa", feed, BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond}, func(f model.Fill) {
		receivedFill = f
		fillCount++
	}, func(addr model.Address, positions []RawPosition) {
		primedAddr = addr
		primeCount++
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tr.Run(ctx)

	assert.Equal(t, model.Address("0xa"), primedAddr)
	assert.Equal(t, "0xa", string(receivedFill.Address))
	assert.GreaterOrEqual(t, feed.subscribeN, 1)
	assert.GreaterOrEqual(t, int(primeCount), 1)
	assert.GreaterOrEqual(t, int(fillCount), 1)
}

func TestBackoffPolicy_CapsAtCap(t *testing.T) {
	b := BackoffPolicy{Base: time.Second, Cap: 2 * time.Second, Rand: func() float64 { return 1.0 }}

	d0 := b.Delay(0)
	d5 := b.Delay(5) // 1s<<5 = 32s uncapped, above Cap
	require.LessOrEqual(t, d0, time.Second)
	require.LessOrEqual(t, d5, 2*time.Second)
}
