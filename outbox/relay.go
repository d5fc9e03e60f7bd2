package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay moves pending outbox rows to a Publisher. Several relays may run
// against one database; rows are claimed with SKIP LOCKED.
type Relay struct {
	db          TxBeginner
	publisher   Publisher
	logger      *zap.Logger
	batchSize   int
	maxAttempts int
	interval    time.Duration
}

func NewRelay(db TxBeginner, publisher Publisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		db:          db,
		publisher:   publisher,
		logger:      logger,
		batchSize:   10,
		maxAttempts: 5,
		interval:    500 * time.Millisecond,
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.ProcessBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("outbox batch failed", zap.Error(err))
				break
			}
			// a short or partly failed batch waits for the next tick
			if n < r.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims up to one batch of pending rows, publishes each and
// returns how many were delivered. Failures bump attempts; a row that reaches
// maxAttempts is marked dead.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		pubErr := r.publisher.Publish(ctx, msg)
		if pubErr == nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_attempt=NOW(), last_error=NULL WHERE id=$1`, msg.ID, StatusProcessed); err != nil {
				return 0, fmt.Errorf("outbox: mark processed: %w", err)
			}
			delivered++
			continue
		}
		if errors.Is(pubErr, context.Canceled) {
			return 0, pubErr
		}

		status := StatusPending
		if msg.Attempts+1 >= r.maxAttempts {
			status = StatusDead
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_attempt=NOW(), last_error=$3 WHERE id=$1`, msg.ID, status, pubErr.Error()); err != nil {
			return 0, fmt.Errorf("outbox: mark failed: %w", err)
		}
		r.logger.Warn("outbox publish failed",
			zap.Int64("outbox_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts+1),
			zap.String("status", status),
			zap.Error(pubErr),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return delivered, nil
}

func claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, partition_key, payload::text, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	return msgs, nil
}
