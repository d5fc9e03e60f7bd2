package dispute

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghillie/listing"
	"ghillie/localstore"
	"ghillie/money"
)

type fixture struct {
	store    *localstore.Store
	listings *listing.Service
	disputes *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "dispute.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tick := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	listings := listing.NewService(store, nil).WithClock(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	})
	return fixture{store: store, listings: listings, disputes: NewService(store, listings.Fees())}
}

func (f fixture) disputed(t *testing.T, seller, buyer, reason string) listing.Listing {
	t.Helper()
	ctx := context.Background()
	l, err := f.listings.Create(ctx, listing.CreateParams{
		SellerID:        seller,
		Title:           "Wheatley fly box",
		Price:           4200,
		PostagePrice:    500,
		Category:        "Luggage",
		Condition:       listing.ConditionLikeNew,
		Region:          "North West",
		IsSplitShipping: true,
	})
	require.NoError(t, err)
	_, err = f.listings.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: buyer}})
	require.NoError(t, err)
	l, err = f.listings.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionRaiseDispute, ActorID: buyer, Reason: reason}})
	require.NoError(t, err)
	return l
}

func TestListScopesToParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.disputed(t, "sam", "alex", "hinges broken")
	f.disputed(t, "jo", "kim", "never arrived")

	recs, total, err := f.disputes.List(ctx, Viewer{UserID: "alex"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, first.ID, recs[0].ListingID)
	require.Equal(t, "hinges broken", recs[0].Reason)
	// 42.00 + 2.50 buyer postage share + 1.00 transaction fee
	require.Equal(t, money.Pence(4550), recs[0].HeldAmount)
	require.Equal(t, first.UpdatedAt, recs[0].RaisedAt)

	_, total, err = f.disputes.List(ctx, Viewer{UserID: "sam"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	_, total, err = f.disputes.List(ctx, Viewer{UserID: "bystander"}, 1, 10)
	require.NoError(t, err)
	require.Zero(t, total)

	_, total, err = f.disputes.List(ctx, Viewer{UserID: "staff", Support: true}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)

	_, _, err = f.disputes.List(ctx, Viewer{}, 1, 10)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestGetChecksAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.disputed(t, "sam", "alex", "wrong item")

	rec, err := f.disputes.Get(ctx, Viewer{UserID: "sam"}, l.ID)
	require.NoError(t, err)
	require.Equal(t, "alex", rec.BuyerID)

	_, err = f.disputes.Get(ctx, Viewer{UserID: "bystander"}, l.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.disputes.Get(ctx, Viewer{UserID: "staff", Support: true}, l.ID)
	require.NoError(t, err)

	_, err = f.disputes.Get(ctx, Viewer{UserID: "sam"}, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	open, err := f.listings.Create(ctx, listing.CreateParams{
		SellerID: "sam", Title: "Landing net", Price: 1500, Category: "Luggage",
		Condition: listing.ConditionUsed, Region: "North West",
	})
	require.NoError(t, err)
	_, err = f.disputes.Get(ctx, Viewer{UserID: "sam"}, open.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
