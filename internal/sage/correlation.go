package sage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// MinCommonBuckets is the floor below which a pair's correlation is not
// computed at all (spec.md §4.3).
const MinCommonBuckets = 10

// CorrelationLookback is the trailing window the per-bucket sign vectors
// are built over.
const CorrelationLookback = 30 * 24 * time.Hour

// BucketSource supplies one address's 5-minute sign-of-net-position-change
// vector over the lookback window.
type BucketSource interface {
	SignBuckets(ctx context.Context, addr model.Address, since time.Time) (map[time.Time]int, error)
}

// CorrelationStore is the narrow slice of *store.Store the correlation job
// needs.
type CorrelationStore interface {
	UpsertCorrelation(ctx context.Context, c model.PairwiseCorrelation) error
}

// CorrelationJob computes and persists pairwise phi correlations across
// every pool address pair (spec.md §4.3).
type CorrelationJob struct {
	buckets BucketSource
	store   CorrelationStore
}

func NewCorrelationJob(buckets BucketSource, st CorrelationStore) *CorrelationJob {
	return &CorrelationJob{buckets: buckets, store: st}
}

// Run computes every pairwise correlation among addrs as of asOf and
// upserts the qualifying rows (≥MinCommonBuckets common non-zero buckets).
func (j *CorrelationJob) Run(ctx context.Context, addrs []model.Address, asOf time.Time) error {
	since := asOf.Add(-CorrelationLookback)
	vectors := make(map[model.Address]map[time.Time]int, len(addrs))
	for _, addr := range addrs {
		v, err := j.buckets.SignBuckets(ctx, addr, since)
		if err != nil {
			return fmt.Errorf("sage: sign buckets %s: %w", addr, err)
		}
		vectors[addr] = v
	}

	for i := 0; i < len(addrs); i++ {
		for k := i + 1; k < len(addrs); k++ {
			a, b := addrs[i], addrs[k]
			rho, n, ok := PhiCorrelation(vectors[a], vectors[b])
			if !ok {
				continue
			}
			lo, hi := a, b
			if hi < lo {
				lo, hi = hi, lo
			}
			c := model.PairwiseCorrelation{AsOfDate: asOf, AddrA: lo, AddrB: hi, Rho: rho, NCommonBuckets: n}
			if err := j.store.UpsertCorrelation(ctx, c); err != nil {
				return fmt.Errorf("sage: upsert correlation %s/%s: %w", lo, hi, err)
			}
		}
	}
	return nil
}

// PhiCorrelation computes the phi coefficient between two {-1,0,+1}
// bucketed sign vectors over their common non-zero buckets, negative
// values clipped to 0 (spec.md §4.3: "clip negatives to 0"). ok is false
// when fewer than MinCommonBuckets common non-zero buckets exist.
func PhiCorrelation(a, b map[time.Time]int) (rho float64, n int, ok bool) {
	var n11, n10, n01, n00 int
	for bucket, sa := range a {
		sb, present := b[bucket]
		if !present || sa == 0 || sb == 0 {
			continue
		}
		n++
		switch {
		case sa > 0 && sb > 0:
			n11++
		case sa > 0 && sb < 0:
			n10++
		case sa < 0 && sb > 0:
			n01++
		default:
			n00++
		}
	}
	if n < MinCommonBuckets {
		return 0, n, false
	}

	n1x := float64(n11 + n10)
	n0x := float64(n01 + n00)
	nx1 := float64(n11 + n01)
	nx0 := float64(n10 + n00)
	denom := n1x * n0x * nx1 * nx0
	if denom <= 0 {
		return 0, n, true
	}

	numerator := float64(n11*n00 - n10*n01)
	phi := numerator / math.Sqrt(denom)
	if phi < 0 {
		phi = 0
	}
	return phi, n, true
}
