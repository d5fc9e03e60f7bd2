package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghillie/listing"
	"ghillie/outbox"
)

type recordingPublisher struct {
	msgs []outbox.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, m outbox.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ghillie.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(s *Store, start time.Time) *listing.Service {
	n, tick := 0, start
	return listing.NewService(s, nil).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("local-%d", n)
		}).
		WithClock(func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		})
}

func reelParams() listing.CreateParams {
	return listing.CreateParams{
		SellerID:             "seller",
		Title:                "Shimano Ultegra 14000 XTD",
		Description:          "Big pit reel",
		Price:                8500,
		PostagePrice:         1000,
		InsuranceFee:         450,
		Category:             "Reels",
		Condition:            listing.ConditionGood,
		Region:               "Wales",
		VerificationVideoRef: "clip-1",
		IsSplitShipping:      true,
	}
}

func TestStoreLifecyclePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ghillie.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	s.WithPublisher(pub)
	svc := newService(s, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	l, err := svc.Create(ctx, reelParams())
	require.NoError(t, err)
	require.Equal(t, int64(1), l.Version)
	require.True(t, l.IsInsured)

	l, err = svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "buyer"}})
	require.NoError(t, err)
	require.Equal(t, listing.StatusEscrowFunded, l.Status)
	require.Equal(t, "buyer", l.Buyer())
	require.Equal(t, int64(2), l.Version)

	require.Len(t, pub.msgs, 1)
	require.Equal(t, listing.TopicEscrowFunded, pub.msgs[0].Topic)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].Payload, &payload))
	require.Equal(t, "93.25", payload["amount"])
	require.NoError(t, s.Close())

	// reopen from disk
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, l.Status, got.Status)
	require.Equal(t, l.Version, got.Version)
	require.Equal(t, l.CreatedAt, got.CreatedAt)

	events, err := s2.Events(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, listing.EventEscrowFunded, events[1].Type)
	require.Equal(t, 2, events[1].Seq)
}

func TestStoreRejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	svc := newService(s, time.Now())

	l, err := svc.Create(ctx, reelParams())
	require.NoError(t, err)
	_, err = svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "buyer"}, ExpectedVersion: 1})
	require.NoError(t, err)

	// a second tab still holding version 1
	_, err = svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "other"}, ExpectedVersion: 1})
	require.ErrorIs(t, err, listing.ErrVersionConflict)

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, listing.StatusEscrowFunded, got.Status)
	require.Equal(t, "buyer", got.Buyer())
}

func TestStoreMutateErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	svc := newService(s, time.Now())

	l, err := svc.Create(ctx, reelParams())
	require.NoError(t, err)

	_, err = svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "seller"}})
	require.ErrorIs(t, err, listing.ErrUnauthorizedActor)

	events, err := s.Events(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, listing.ErrNotFound)
	_, err = s.Events(ctx, "missing")
	require.ErrorIs(t, err, listing.ErrNotFound)
}

func TestStoreBrowseAndActivity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	svc := newService(s, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	reel, err := svc.Create(ctx, reelParams())
	require.NoError(t, err)

	p := reelParams()
	p.Title = "Korda rod pod"
	p.Description = "Aluminium"
	p.Category = "Furniture"
	p.Price = 4000
	p.VerificationVideoRef = ""
	pod, err := svc.Create(ctx, p)
	require.NoError(t, err)

	res, err := svc.Browse(ctx, listing.Query{Region: "Wales"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, pod.ID, res.Items[0].ID, "newest first")

	res, err = svc.Browse(ctx, listing.Query{Text: "shimano reel", Condition: "All"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, reel.ID, res.Items[0].ID)

	res, err = svc.Browse(ctx, listing.Query{}, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Items, 1)
	require.Equal(t, reel.ID, res.Items[0].ID)

	_, err = svc.Apply(ctx, listing.ApplyParams{ListingID: pod.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "buyer"}})
	require.NoError(t, err)

	act, err := svc.Activity(ctx, "seller", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, act.Total)
	require.Equal(t, pod.ID, act.Items[0].ID)

	res, err = svc.Browse(ctx, listing.Query{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
}

func TestFlushKeepsFailedMessagesPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	s.WithPublisher(pub)
	svc := newService(s, time.Now())

	l, err := svc.Create(ctx, reelParams())
	require.NoError(t, err)
	_, err = svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: listing.Command{Action: listing.ActionPurchase, ActorID: "buyer"}})
	require.NoError(t, err, "publish failures must not fail the committed write")

	var attempts int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE partition_key = ?`, l.ID).Scan(&attempts))
	require.Equal(t, 1, attempts)

	pub.err = nil
	n, err := s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pub.msgs, 1)
}
