// Package localstore is a single-user SQLite backend for listings, used when
// the service runs on one machine without PostgreSQL.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"ghillie/listing"
	"ghillie/money"
	"ghillie/outbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price_pence INTEGER NOT NULL CHECK (price_pence >= 0),
	postage_pence INTEGER NOT NULL DEFAULT 0 CHECK (postage_pence >= 0),
	insurance_pence INTEGER NOT NULL DEFAULT 0 CHECK (insurance_pence >= 0),
	shipping_method TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	condition TEXT NOT NULL,
	region TEXT NOT NULL,
	photo_ref TEXT NOT NULL DEFAULT '',
	verification_video_ref TEXT NOT NULL DEFAULT '',
	seller_id TEXT NOT NULL,
	buyer_id TEXT,
	status TEXT NOT NULL DEFAULT 'available',
	dispute_reason TEXT,
	is_insured INTEGER NOT NULL DEFAULT 0,
	is_split_shipping INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK ((status = 'available') = (buyer_id IS NULL)),
	CHECK ((status = 'disputed') = (dispute_reason IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status, created_at);

CREATE TABLE IF NOT EXISTS listing_events (
	listing_id TEXT NOT NULL REFERENCES listings(id),
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	PRIMARY KEY (listing_id, seq)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'trader',
	bio TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	partition_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TEXT NOT NULL
);
`

const listingColumns = `id, title, description, price_pence, postage_pence, insurance_pence, shipping_method,
	category, condition, region, photo_ref, verification_video_ref, seller_id, buyer_id, status,
	dispute_reason, is_insured, is_split_shipping, version, created_at, updated_at`

// Store implements listing.Store on a SQLite file.
type Store struct {
	db        *sql.DB
	publisher outbox.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Open creates the file and schema if needed. ":memory:" gives a throwaway store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("localstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	// one connection serialises every read-modify-write
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: create schema: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// WithPublisher delivers outbox messages to p after each committed write.
func (s *Store) WithPublisher(p outbox.Publisher) *Store {
	s.publisher = p
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, change listing.Change) (listing.Listing, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	l := change.Listing
	l.Status = listing.StatusAvailable
	l.BuyerID, l.DisputeReason = nil, nil
	l.IsInsured = l.InsuranceFee > 0
	l.Version = 1
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?, 1, ?, ?)`,
		l.ID, l.Title, l.Description, int64(l.Price), int64(l.PostagePrice), int64(l.InsuranceFee), l.ShippingMethod,
		l.Category, string(l.Condition), l.Region, l.PhotoRef, l.VerificationVideoRef, l.SellerID, string(l.Status),
		l.IsInsured, l.IsSplitShipping, formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: insert: %w", err)
	}

	change.Listing = l
	if err := s.writeSideEffects(ctx, tx, change); err != nil {
		return listing.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: commit: %w", err)
	}
	s.flushQuietly(ctx)
	return s.Get(ctx, l.ID)
}

func (s *Store) Get(ctx context.Context, id string) (listing.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return listing.Listing{}, listing.ErrNotFound
		}
		return listing.Listing{}, fmt.Errorf("localstore: get: %w", err)
	}
	return l, nil
}

// List filters in memory; a local catalog is small enough that pushing token
// matching into SQL buys nothing.
func (s *Store) List(ctx context.Context, filters listing.Filters) ([]listing.Listing, int, error) {
	filters = listing.NormalizePage(filters)

	query := `SELECT ` + listingColumns + ` FROM listings`
	switch filters.Partition {
	case listing.PartitionAvailable:
		query += ` WHERE status = 'available'`
	case listing.PartitionActivity:
		query += ` WHERE status <> 'available'`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("localstore: query list: %w", err)
	}
	defer rows.Close()

	var matched []listing.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("localstore: scan list: %w", err)
		}
		if listing.MatchesFilters(l, filters) {
			matched = append(matched, l)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("localstore: list rows: %w", err)
	}

	start := min((filters.Page-1)*filters.PageSize, len(matched))
	end := min(start+filters.PageSize, len(matched))
	page := append([]listing.Listing{}, matched[start:end]...)
	return page, len(matched), nil
}

func (s *Store) Mutate(ctx context.Context, id string, fn listing.MutateFunc) (listing.Listing, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return listing.Listing{}, listing.ErrNotFound
		}
		return listing.Listing{}, fmt.Errorf("localstore: get for update: %w", err)
	}

	change, err := fn(current)
	if err != nil {
		return listing.Listing{}, err
	}

	next := change.Listing
	res, err := tx.ExecContext(ctx, `
		UPDATE listings
		SET status = ?, buyer_id = ?, dispute_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(next.Status), nullable(next.BuyerID), nullable(next.DisputeReason), formatTime(next.UpdatedAt),
		current.ID, current.Version,
	)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: rows affected: %w", err)
	}
	if n != 1 {
		return listing.Listing{}, listing.ErrVersionConflict
	}

	if err := s.writeSideEffects(ctx, tx, change); err != nil {
		return listing.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return listing.Listing{}, fmt.Errorf("localstore: commit: %w", err)
	}
	s.flushQuietly(ctx)
	return s.Get(ctx, id)
}

func (s *Store) Events(ctx context.Context, id string) ([]listing.Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT listing_id, seq, type, actor_id, payload, created_at
		FROM listing_events WHERE listing_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("localstore: query events: %w", err)
	}
	defer rows.Close()

	events := []listing.Event{}
	for rows.Next() {
		var (
			e                   listing.Event
			typ, payload, stamp string
		)
		if err := rows.Scan(&e.ListingID, &e.Seq, &typ, &e.ActorID, &payload, &stamp); err != nil {
			return nil, fmt.Errorf("localstore: scan event: %w", err)
		}
		e.Type = listing.EventType(typ)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("localstore: decode event payload: %w", err)
		}
		if e.CreatedAt, err = parseTime(stamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Flush publishes pending outbox rows and returns how many were delivered.
func (s *Store) Flush(ctx context.Context) (int, error) {
	if s.publisher == nil {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, partition_key, payload, attempts, created_at
		FROM outbox WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("localstore: query outbox: %w", err)
	}
	var pending []outbox.Message
	for rows.Next() {
		var (
			m              outbox.Message
			payload, stamp string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Attempts, &stamp); err != nil {
			rows.Close()
			return 0, fmt.Errorf("localstore: scan outbox: %w", err)
		}
		m.Payload = []byte(payload)
		m.CreatedAt, _ = parseTime(stamp)
		pending = append(pending, m)
	}
	rows.Close()

	delivered := 0
	for _, m := range pending {
		if err := s.publisher.Publish(ctx, m); err != nil {
			if _, uerr := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, err.Error(), m.ID); uerr != nil {
				return delivered, fmt.Errorf("localstore: mark outbox failed: %w", uerr)
			}
			return delivered, fmt.Errorf("localstore: publish %d: %w", m.ID, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = NULL WHERE id = ?`, outbox.StatusProcessed, m.ID); err != nil {
			return delivered, fmt.Errorf("localstore: mark outbox processed: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

func (s *Store) flushQuietly(ctx context.Context) {
	if _, err := s.Flush(ctx); err != nil {
		s.logger.Warn("local outbox flush failed", zap.Error(err))
	}
}

func (s *Store) writeSideEffects(ctx context.Context, tx *sql.Tx, change listing.Change) error {
	e := change.Event
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("localstore: marshal event payload: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listing_events (listing_id, seq, type, actor_id, payload, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ? FROM listing_events WHERE listing_id = ?`,
		change.Listing.ID, string(e.Type), e.ActorID, string(payload), formatTime(created), change.Listing.ID,
	); err != nil {
		return fmt.Errorf("localstore: append event: %w", err)
	}

	if change.Outbox == nil {
		return nil
	}
	body, err := json.Marshal(change.Outbox.Payload)
	if err != nil {
		return fmt.Errorf("localstore: marshal outbox payload: %w", err)
	}
	key := change.Outbox.PartitionKey
	if key == "" {
		key = change.Listing.ID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, partition_key, payload, created_at) VALUES (?, ?, ?, ?)`,
		change.Outbox.Topic, key, string(body), formatTime(created)); err != nil {
		return fmt.Errorf("localstore: enqueue outbox: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (listing.Listing, error) {
	var (
		l                         listing.Listing
		price, postage, insurance int64
		condition, status         string
		buyer, reason             sql.NullString
		created, updated          string
	)
	err := row.Scan(
		&l.ID, &l.Title, &l.Description, &price, &postage, &insurance, &l.ShippingMethod,
		&l.Category, &condition, &l.Region, &l.PhotoRef, &l.VerificationVideoRef, &l.SellerID,
		&buyer, &status, &reason, &l.IsInsured, &l.IsSplitShipping, &l.Version, &created, &updated,
	)
	if err != nil {
		return listing.Listing{}, err
	}
	l.Price = money.Pence(price)
	l.PostagePrice = money.Pence(postage)
	l.InsuranceFee = money.Pence(insurance)
	l.Condition = listing.Condition(condition)
	l.Status = listing.Status(status)
	if buyer.Valid {
		l.BuyerID = &buyer.String
	}
	if reason.Valid {
		l.DisputeReason = &reason.String
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return listing.Listing{}, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return listing.Listing{}, err
	}
	return l, nil
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("localstore: parse time %q: %w", s, err)
	}
	return t, nil
}
