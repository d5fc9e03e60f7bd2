// Package outbox delivers messages written in the same transaction as the
// state change that produced them.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one stored outbox row.
type Message struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Publisher hands a message to the downstream collaborator.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Execer is the subset of pgx.Tx that Enqueue needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue inserts a pending message inside tx.
func Enqueue(ctx context.Context, tx Execer, topic, key string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, partition_key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, key, string(b)); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
