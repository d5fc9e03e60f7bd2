package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"ghillie/listing"
	"ghillie/money"
	"ghillie/outbox"
)

// Stats counts what the actors achieved so the test can log it.
type Stats struct {
	Created   atomic.Int64
	Purchased atomic.Int64
	Lost      atomic.Int64
	Shipped   atomic.Int64
	Released  atomic.Int64
	Disputed  atomic.Int64
	Published atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d purchased=%d lost=%d shipped=%d released=%d disputed=%d published=%d",
		s.Created.Load(), s.Purchased.Load(), s.Lost.Load(), s.Shipped.Load(),
		s.Released.Load(), s.Disputed.Load(), s.Published.Load())
}

// expected reports errors a contended marketplace produces in normal
// operation. Anything else (including connections killed by chaos) is
// treated as transient and retried on the next tick.
func expected(err error) bool {
	return errors.Is(err, listing.ErrInvalidTransition) ||
		errors.Is(err, listing.ErrVersionConflict) ||
		errors.Is(err, listing.ErrUnauthorizedActor)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

var titles = []string{"Shimano reel", "Nash bivvy", "Fox rod pod", "Delkim alarms", "Korda leads", "Daiwa rod"}

// Seller lists gear and ships whatever has been paid for.
func Seller(ctx context.Context, svc *listing.Service, sellerID string, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		if rng.Intn(3) == 0 {
			p := listing.CreateParams{
				SellerID:        sellerID,
				Title:           titles[rng.Intn(len(titles))],
				Price:           money.Pence(500 + rng.Intn(9000)),
				PostagePrice:    money.Pence(rng.Intn(1500)),
				InsuranceFee:    money.Pence(rng.Intn(2) * 350),
				Category:        listing.Categories[rng.Intn(len(listing.Categories))],
				Condition:       listing.Conditions[rng.Intn(len(listing.Conditions))],
				Region:          listing.Regions[rng.Intn(len(listing.Regions))],
				IsSplitShipping: rng.Intn(2) == 0,
			}
			if p.Price > listing.VerificationThreshold {
				p.VerificationVideoRef = fmt.Sprintf("clip-%d", rng.Int63())
			}
			if _, err := svc.Create(ctx, p); err == nil {
				stats.Created.Add(1)
			}
		}

		res, err := svc.Activity(ctx, sellerID, 1, 20)
		if err == nil {
			for _, l := range res.Items {
				if l.Status != listing.StatusEscrowFunded || l.SellerID != sellerID {
					continue
				}
				_, err := svc.Apply(ctx, listing.ApplyParams{
					ListingID:       l.ID,
					Command:         listing.Command{Action: listing.ActionMarkShipped, ActorID: sellerID},
					ExpectedVersion: l.Version,
				})
				if err == nil {
					stats.Shipped.Add(1)
				}
			}
		}
		pause(rng, 10, 30)
	}
}

// Buyer races other buyers for available listings, then confirms receipt of
// shipped items or raises a dispute on some paid ones.
func Buyer(ctx context.Context, svc *listing.Service, buyerID string, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		res, err := svc.Browse(ctx, listing.Query{}, 1, 10)
		if err == nil && len(res.Items) > 0 {
			target := res.Items[rng.Intn(len(res.Items))]
			_, err := svc.Apply(ctx, listing.ApplyParams{
				ListingID: target.ID,
				Command:   listing.Command{Action: listing.ActionPurchase, ActorID: buyerID},
			})
			switch {
			case err == nil:
				stats.Purchased.Add(1)
			case expected(err):
				stats.Lost.Add(1)
			}
		}

		act, err := svc.Activity(ctx, buyerID, 1, 20)
		if err == nil {
			for _, l := range act.Items {
				if l.Buyer() != buyerID {
					continue
				}
				cmd := listing.Command{ActorID: buyerID}
				switch {
				case l.Status == listing.StatusShipped:
					cmd.Action = listing.ActionConfirmReceipt
				case l.Status == listing.StatusEscrowFunded && rng.Intn(5) == 0:
					cmd.Action = listing.ActionRaiseDispute
					cmd.Reason = "not as described"
				default:
					continue
				}
				_, err := svc.Apply(ctx, listing.ApplyParams{ListingID: l.ID, Command: cmd, ExpectedVersion: l.Version})
				if err != nil {
					continue
				}
				if cmd.Action == listing.ActionConfirmReceipt {
					stats.Released.Add(1)
				} else {
					stats.Disputed.Add(1)
				}
			}
		}
		pause(rng, 5, 25)
	}
}

// FlakyPublisher fails roughly one publish in every FailEvery.
type FlakyPublisher struct {
	FailEvery int
	Stats     *Stats
	calls     atomic.Int64
}

func (p *FlakyPublisher) Publish(_ context.Context, _ outbox.Message) error {
	n := p.calls.Add(1)
	if p.FailEvery > 0 && n%int64(p.FailEvery) == 0 {
		return errors.New("broker unavailable")
	}
	p.Stats.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox through relay until stopped. Several may run
// at once; SKIP LOCKED keeps them off each other's rows.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if n, err := relay.ProcessBatch(ctx); err != nil || n == 0 {
			pause(rng, 50, 50)
		}
	}
}
