// Package profile serves read-only public trader profiles.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ghillie/auth"
	"ghillie/listing"
)

// ErrNotFound signals the requested trader does not exist.
var ErrNotFound = errors.New("profile: not found")

// Profile captures the subset of trader data exposed via the public API.
type Profile struct {
	ID             string
	Name           string
	Bio            string
	Region         string
	MemberSince    time.Time
	ActiveListings int
	CompletedSales int
}

// UserReader is the read side of the user repository.
type UserReader interface {
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
}

// ListingCounter counts listings matching store filters.
type ListingCounter interface {
	List(ctx context.Context, filters listing.Filters) ([]listing.Listing, int, error)
}

type Service struct {
	users    UserReader
	listings ListingCounter
}

func NewService(users UserReader, listings ListingCounter) *Service {
	return &Service{users: users, listings: listings}
}

// GetByID assembles the profile of one trader.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: load user: %w", err)
	}

	active, err := s.count(ctx, listing.Filters{Partition: listing.PartitionAvailable, SellerID: user.ID})
	if err != nil {
		return Profile{}, err
	}
	sold, err := s.count(ctx, listing.Filters{Status: listing.StatusReleased, SellerID: user.ID})
	if err != nil {
		return Profile{}, err
	}

	return Profile{
		ID:             user.ID,
		Name:           user.FullName,
		Bio:            user.Bio,
		Region:         user.Region,
		MemberSince:    user.CreatedAt,
		ActiveListings: active,
		CompletedSales: sold,
	}, nil
}

func (s *Service) count(ctx context.Context, f listing.Filters) (int, error) {
	f.PageSize = 1
	_, total, err := s.listings.List(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("profile: count listings: %w", err)
	}
	return total, nil
}
