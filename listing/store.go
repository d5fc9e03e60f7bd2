package listing

import (
	"context"
	"errors"
	"math"
)

var (
	ErrNotFound        = errors.New("listing: not found")
	ErrVersionConflict = errors.New("listing: version conflict")
)

// Change is the unit a Store persists atomically: the listing row, its
// timeline event and an optional outbox message.
type Change struct {
	Listing Listing
	Event   Event
	Outbox  *OutboxMessage
}

// MutateFunc maps the locked current row to the change to persist. Returning
// an error aborts the write and is passed back to the caller unchanged.
type MutateFunc func(current Listing) (Change, error)

// Store persists listings one record at a time.
//
// Mutate must hold the row for the duration of fn and write with a version
// compare-and-swap, failing with ErrVersionConflict if the row moved. Only
// status, buyer and dispute reason are written back; the stored version is
// incremented by one.
type Store interface {
	Insert(ctx context.Context, change Change) (Listing, error)
	Get(ctx context.Context, id string) (Listing, error)
	List(ctx context.Context, filters Filters) ([]Listing, int, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (Listing, error)
	Events(ctx context.Context, id string) ([]Event, error)
}

// NormalizePage applies the default page window used by every backend.
func NormalizePage(f Filters) Filters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	// keep (Page-1)*PageSize a valid OFFSET
	if last := math.MaxInt32/f.PageSize + 1; f.Page > last {
		f.Page = last
	}
	return f
}
