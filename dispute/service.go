package dispute

import (
	"context"
	"errors"
	"fmt"

	"ghillie/listing"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrForbidden = errors.New("dispute: forbidden")
)

// Source is the listing read surface disputes are derived from.
type Source interface {
	Get(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, filters listing.Filters) ([]listing.Listing, int, error)
	Events(ctx context.Context, id string) ([]listing.Event, error)
}

// Service is a read-only view over disputed listings. Resolution is handled
// outside this system.
type Service struct {
	source Source
	fees   listing.FeeSchedule
}

func NewService(source Source, fees listing.FeeSchedule) *Service {
	return &Service{source: source, fees: fees}
}

// List returns disputes visible to v, most recent listing first.
func (s *Service) List(ctx context.Context, v Viewer, page, pageSize int) ([]Record, int, error) {
	if v.UserID == "" {
		return nil, 0, ErrForbidden
	}
	f := listing.Filters{Status: listing.StatusDisputed, Page: page, PageSize: pageSize}
	if !v.Support {
		f.PartyID = v.UserID
	}
	items, total, err := s.source.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list: %w", err)
	}

	out := make([]Record, 0, len(items))
	for _, l := range items {
		rec, err := s.record(ctx, l)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

// Get returns one dispute if v is a party to it or support.
func (s *Service) Get(ctx context.Context, v Viewer, listingID string) (Record, error) {
	l, err := s.source.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	if l.Status != listing.StatusDisputed {
		return Record{}, ErrNotFound
	}
	if !v.Support && v.UserID != l.SellerID && v.UserID != l.Buyer() {
		return Record{}, ErrForbidden
	}
	return s.record(ctx, l)
}

func (s *Service) record(ctx context.Context, l listing.Listing) (Record, error) {
	rec := Record{
		ListingID:  l.ID,
		Title:      l.Title,
		SellerID:   l.SellerID,
		BuyerID:    l.Buyer(),
		Reason:     l.Reason(),
		HeldAmount: s.fees.Quote(l).BuyerTotalDue,
		RaisedAt:   l.UpdatedAt,
	}
	events, err := s.source.Events(ctx, l.ID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: load timeline: %w", err)
	}
	for _, e := range events {
		if e.Type == listing.EventDisputeRaised {
			rec.RaisedAt = e.CreatedAt
		}
	}
	return rec, nil
}
