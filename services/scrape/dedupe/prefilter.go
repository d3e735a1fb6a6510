// Package dedupe implements the three deduplication stages used by the
// scrape coordinator: the existing-identifier pre-filter, breach and
// legislation normalization, and offender identity resolution.
package dedupe

import (
	"context"

	"regwatch-backend/lib/enfstore"
)

// ExistingCheck partitions a candidate id list into already-persisted
// and new ids. The two sets partition the input exactly.
type ExistingCheck struct {
	Existing      []string
	New           []string
	Total         int
	ExistingCount int
	NewCount      int
}

// CheckExisting runs the bulk membership pre-filter: one store query
// for the whole batch, never one per id. An empty input returns
// all-zero counts without error. The pre-filter is an optimization;
// the store's uniqueness constraint remains the final arbiter.
func CheckExisting(ctx context.Context, store enfstore.Store, source string, ids []string) (ExistingCheck, error) {
	check := ExistingCheck{Total: len(ids)}
	if len(ids) == 0 {
		return check, nil
	}

	existing, err := store.ExistsByExternalID(ctx, source, ids)
	if err != nil {
		return ExistingCheck{}, err
	}

	for _, id := range ids {
		if existing[id] {
			check.Existing = append(check.Existing, id)
		} else {
			check.New = append(check.New, id)
		}
	}
	check.ExistingCount = len(check.Existing)
	check.NewCount = len(check.New)
	return check, nil
}
