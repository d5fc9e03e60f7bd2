package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"ghillie/money"
	"ghillie/outbox"
)

// DB is the pgx surface PGStore needs; *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps listings, their timeline and outbox rows in PostgreSQL.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const listingColumns = `id, title, description, price_pence, postage_pence, insurance_pence, shipping_method,
	category, condition, region, photo_ref, verification_video_ref, seller_id, buyer_id, status,
	dispute_reason, is_insured, is_split_shipping, version, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, change Change) (Listing, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l := change.Listing
	row := tx.QueryRow(ctx, `
		INSERT INTO listings (id, title, description, price_pence, postage_pence, insurance_pence, shipping_method,
			category, condition, region, photo_ref, verification_video_ref, seller_id, status,
			is_insured, is_split_shipping, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, $17, $17)
		RETURNING `+listingColumns,
		l.ID, l.Title, l.Description, int64(l.Price), int64(l.PostagePrice), int64(l.InsuranceFee), l.ShippingMethod,
		l.Category, string(l.Condition), l.Region, l.PhotoRef, l.VerificationVideoRef, l.SellerID, string(StatusAvailable),
		l.InsuranceFee > 0, l.IsSplitShipping, l.CreatedAt,
	)
	created, err := scanListing(row)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}

	change.Event.ListingID = created.ID
	if err := appendEvent(ctx, tx, change.Event); err != nil {
		return Listing{}, err
	}
	if change.Outbox != nil {
		if err := outbox.Enqueue(ctx, tx, change.Outbox.Topic, created.ID, change.Outbox.Payload); err != nil {
			return Listing{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return created, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Listing, error) {
	row := s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

func (s *PGStore) List(ctx context.Context, filters Filters) ([]Listing, int, error) {
	filters = NormalizePage(filters)

	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filters.Partition {
	case PartitionAvailable:
		where = append(where, "status = 'available'")
	case PartitionActivity:
		where = append(where, "status <> 'available'")
	}
	if filters.Status != "" {
		where = append(where, "status = "+arg(string(filters.Status)))
	}
	if filters.SellerID != "" {
		where = append(where, "seller_id = "+arg(filters.SellerID))
	}
	if filters.PartyID != "" {
		p := arg(filters.PartyID)
		where = append(where, fmt.Sprintf("(seller_id = %s OR buyer_id = %s)", p, p))
	}
	if filters.Region != "" {
		where = append(where, "region = "+arg(filters.Region))
	}
	if filters.Category != "" {
		where = append(where, "category = "+arg(filters.Category))
	}
	if filters.Condition != "" {
		where = append(where, "condition = "+arg(string(filters.Condition)))
	}
	for _, tok := range filters.Tokens {
		p := arg(tok)
		where = append(where, fmt.Sprintf(
			"(strpos(lower(title), %s) > 0 OR strpos(lower(description), %s) > 0 OR strpos(lower(category), %s) > 0)", p, p, p))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM listings%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		listingColumns, whereClause, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing: scan list: %w", err)
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing: list rows: %w", err)
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM listings"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("listing: count list: %w", err)
	}
	return list, total, nil
}

func (s *PGStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Listing, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	current, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get for update: %w", err)
	}

	change, err := fn(current)
	if err != nil {
		return Listing{}, err
	}

	next := change.Listing
	row = tx.QueryRow(ctx, `
		UPDATE listings
		SET status = $2,
		    buyer_id = $3,
		    dispute_reason = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $6
		RETURNING `+listingColumns,
		current.ID, string(next.Status), next.BuyerID, next.DisputeReason, next.UpdatedAt, current.Version,
	)
	updated, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrVersionConflict
		}
		return Listing{}, fmt.Errorf("listing: update status: %w", err)
	}

	if err := appendEvent(ctx, tx, change.Event); err != nil {
		return Listing{}, err
	}
	if change.Outbox != nil {
		if err := outbox.Enqueue(ctx, tx, change.Outbox.Topic, change.Outbox.PartitionKey, change.Outbox.Payload); err != nil {
			return Listing{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return updated, nil
}

func (s *PGStore) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT listing_id, seq, type, actor_id, payload::text, created_at
		FROM listing_events
		WHERE listing_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("listing: query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload string
		)
		if err := rows.Scan(&e.ListingID, &e.Seq, &typ, &e.ActorID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("listing: scan event: %w", err)
		}
		e.Type = EventType(typ)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("listing: decode event payload: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: event rows: %w", err)
	}
	if len(events) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// appendEvent relies on the caller holding the listing row lock so the
// next sequence number cannot be taken twice.
func appendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("listing: marshal event payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO listing_events (listing_id, seq, type, actor_id, payload, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb, $5
		FROM listing_events WHERE listing_id = $1
	`, e.ListingID, string(e.Type), e.ActorID, string(payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("listing: append event: %w", err)
	}
	return nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l                         Listing
		price, postage, insurance int64
		condition, status         string
		createdAt, updatedAt      time.Time
	)
	err := row.Scan(
		&l.ID,
		&l.Title,
		&l.Description,
		&price,
		&postage,
		&insurance,
		&l.ShippingMethod,
		&l.Category,
		&condition,
		&l.Region,
		&l.PhotoRef,
		&l.VerificationVideoRef,
		&l.SellerID,
		&l.BuyerID,
		&status,
		&l.DisputeReason,
		&l.IsInsured,
		&l.IsSplitShipping,
		&l.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	l.Price = money.Pence(price)
	l.PostagePrice = money.Pence(postage)
	l.InsuranceFee = money.Pence(insurance)
	l.Condition = Condition(condition)
	l.Status = Status(status)
	l.CreatedAt = createdAt.UTC()
	l.UpdatedAt = updatedAt.UTC()
	return l, nil
}
