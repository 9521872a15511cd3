package stream

import (
	"context"
	"math/rand"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// FillFeed is the venue's per-address live fill/position subscription,
// specified only at this interface per spec.md §1 ("the venue's
// REST/WebSocket client ... specified only at their interfaces").
type FillFeed interface {
	// Subscribe streams raw fills for addr until ctx is canceled or the
	// connection drops, invoking onFill for each. It returns (nil) only
	// when ctx is canceled; any other return is a disconnect to retry.
	Subscribe(ctx context.Context, addr model.Address, onFill func(RawFill)) error
	// SnapshotPositions returns the address's current open positions, used
	// to prime holdings immediately after connect.
	SnapshotPositions(ctx context.Context, addr model.Address) ([]RawPosition, error)
}

// RawPosition is one venue-native open position, used only for priming;
// Stream does not persist positions directly, only the fills that produce
// them.
type RawPosition struct {
	Asset           model.Asset
	SignedSize      float64
	EntryPrice      float64
}

// BackoffPolicy computes the reconnect delay for attempt (0-indexed),
// exponential from Base, capped at Cap, with full jitter (spec.md §4.2).
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
	// Rand defaults to rand.Float64 when nil; overridable for deterministic
	// tests.
	Rand func() float64
}

func (b BackoffPolicy) Delay(attempt int) time.Duration {
	capped := b.Base << uint(attempt)
	if capped <= 0 || capped > b.Cap {
		capped = b.Cap
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(capped))
}

// Tracker runs one address's reconnect-with-backoff subscription loop,
// forwarding every normalized fill to onFill.
type Tracker struct {
	addr    model.Address
	feed    FillFeed
	backoff BackoffPolicy
	onFill  func(model.Fill)
	onPrime func(model.Address, []RawPosition)
}

func NewTracker(addr model.Address, feed FillFeed, backoff BackoffPolicy, onFill func(model.Fill), onPrime func(model.Address, []RawPosition)) *Tracker {
	return &Tracker{addr: addr, feed: feed, backoff: backoff, onFill: onFill, onPrime: onPrime}
}

// Run subscribes and reconnects until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if positions, err := t.feed.SnapshotPositions(ctx, t.addr); err != nil {
			logger.Warnf("stream: snapshot prime %s failed: %v", t.addr, err)
		} else if t.onPrime != nil {
			t.onPrime(t.addr, positions)
		}

		err := t.feed.Subscribe(ctx, t.addr, func(raw RawFill) {
			t.onFill(Normalize(raw))
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("stream: subscription %s dropped: %v", t.addr, err)
		}

		delay := t.backoff.Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
