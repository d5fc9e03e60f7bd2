package listing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Service struct {
	store       Store
	fees        FeeSchedule
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		fees:        DefaultFeeSchedule,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithFees(fees FeeSchedule) *Service {
	s.fees = fees
	return s
}

// Fees returns the schedule quotes are computed with.
func (s *Service) Fees() FeeSchedule {
	return s.fees
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	params, err := params.Validate()
	if err != nil {
		return Listing{}, err
	}

	l := newListing(s.idGenerator(), params)
	now := s.now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	created, err := s.store.Insert(ctx, Change{
		Listing: l,
		Event: Event{
			ListingID: l.ID,
			Type:      EventListingCreated,
			ActorID:   l.SellerID,
			Payload: map[string]any{
				"listing_id": l.ID,
				"price":      l.Price.String(),
				"category":   l.Category,
				"region":     l.Region,
			},
			CreatedAt: now,
		},
	})
	if err != nil {
		return Listing{}, err
	}

	s.logger.Info("listing created",
		zap.String("listing_id", created.ID),
		zap.String("seller_id", created.SellerID),
		zap.String("price", created.Price.String()),
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	if strings.TrimSpace(id) == "" {
		return Listing{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Browse returns available listings matching q, newest first.
func (s *Service) Browse(ctx context.Context, q Query, page, pageSize int) (ListResult, error) {
	items, total, err := s.store.List(ctx, q.Filters(page, pageSize))
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Activity returns in-transaction listings where actorID is buyer or seller.
func (s *Service) Activity(ctx context.Context, actorID string, page, pageSize int) (ListResult, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ListResult{}, fmt.Errorf("%w: missing actor id", ErrUnauthorizedActor)
	}
	items, total, err := s.store.List(ctx, Filters{
		Partition: PartitionActivity,
		PartyID:   actorID,
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) Events(ctx context.Context, id string) ([]Event, error) {
	return s.store.Events(ctx, id)
}

func (s *Service) Quote(ctx context.Context, id string) (Breakdown, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return Breakdown{}, err
	}
	return s.fees.Quote(l), nil
}

type ApplyParams struct {
	ListingID string
	Command   Command
	// ExpectedVersion of 0 applies to whatever version is current.
	ExpectedVersion int64
}

// Apply runs one lifecycle transition, recording its timeline event and
// outbox signal in the same write.
func (s *Service) Apply(ctx context.Context, params ApplyParams) (Listing, error) {
	if strings.TrimSpace(params.ListingID) == "" {
		return Listing{}, ErrNotFound
	}

	var previous Status
	updated, err := s.store.Mutate(ctx, params.ListingID, func(current Listing) (Change, error) {
		if params.ExpectedVersion != 0 && current.Version != params.ExpectedVersion {
			return Change{}, fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, current.Version, params.ExpectedVersion)
		}
		next, err := Transition(current, params.Command)
		if err != nil {
			return Change{}, err
		}
		previous = current.Status
		next.UpdatedAt = s.now().UTC()
		return s.change(current, next, params.Command), nil
	})
	if err != nil {
		s.logger.Debug("listing transition rejected",
			zap.String("listing_id", params.ListingID),
			zap.String("action", string(params.Command.Action)),
			zap.Error(err),
		)
		return Listing{}, err
	}

	s.logger.Info("listing transitioned",
		zap.String("listing_id", updated.ID),
		zap.String("action", string(params.Command.Action)),
		zap.String("from", string(previous)),
		zap.String("to", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}

func (s *Service) change(current, next Listing, cmd Command) Change {
	quote := s.fees.Quote(next)
	payload := map[string]any{
		"listing_id":      next.ID,
		"previous_status": string(current.Status),
		"next_status":     string(next.Status),
	}
	msg := &OutboxMessage{
		PartitionKey: next.ID,
		Payload: map[string]any{
			"listing_id": next.ID,
			"seller_id":  next.SellerID,
			"buyer_id":   next.Buyer(),
			"currency":   "GBP",
		},
	}

	var eventType EventType
	switch cmd.Action {
	case ActionPurchase:
		eventType = EventEscrowFunded
		payload["buyer_id"] = next.Buyer()
		payload["buyer_total_due"] = quote.BuyerTotalDue.String()
		msg.Topic = TopicEscrowFunded
		msg.Payload["amount"] = quote.BuyerTotalDue.String()
		msg.Payload["amount_minor"] = int64(quote.BuyerTotalDue)
	case ActionMarkShipped:
		eventType = EventShipped
		msg.Topic = TopicShipped
	case ActionRaiseDispute:
		eventType = EventDisputeRaised
		payload["reason"] = next.Reason()
		msg.Topic = TopicDisputed
		msg.Payload["reason"] = next.Reason()
		msg.Payload["amount"] = quote.BuyerTotalDue.String()
		msg.Payload["amount_minor"] = int64(quote.BuyerTotalDue)
	case ActionConfirmReceipt:
		eventType = EventFundsReleased
		payload["seller_net_proceeds"] = quote.SellerNetProceeds.String()
		msg.Topic = TopicReleased
		msg.Payload["amount"] = quote.SellerNetProceeds.String()
		msg.Payload["amount_minor"] = int64(quote.SellerNetProceeds)
		msg.Payload["marketplace_fee"] = quote.MarketplaceFee.String()
	}

	return Change{
		Listing: next,
		Event: Event{
			ListingID: next.ID,
			Type:      eventType,
			ActorID:   strings.TrimSpace(cmd.ActorID),
			Payload:   payload,
			CreatedAt: next.UpdatedAt,
		},
		Outbox: msg,
	}
}
