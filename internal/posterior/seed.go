package posterior

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// DeriveSeed computes the 64-bit draw seed from (snapshot_date, address,
// selection_version), per spec.md §4.3.
func DeriveSeed(snapshotDate time.Time, addr model.Address, selectionVersion int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", snapshotDate.UTC().Format("2006-01-02"), addr, selectionVersion)
	return h.Sum64()
}
