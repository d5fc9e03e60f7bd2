package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariants that must hold at every committed snapshot.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_buyer_iff_not_available",
			SQL:  `SELECT id, status, buyer_id FROM listings WHERE (status = 'available') <> (buyer_id IS NULL)`,
		},
		{
			Name: "O2_reason_iff_disputed",
			SQL: `SELECT id, status, dispute_reason FROM listings
                  WHERE (status = 'disputed') <> (dispute_reason IS NOT NULL AND btrim(dispute_reason) <> '')`,
		},
		{
			Name: "O3_single_purchase",
			SQL: `SELECT listing_id, COUNT(*) FROM listing_events
                  WHERE type = 'ESCROW_FUNDED'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT listing_id, seq,
                             LAG(seq) OVER (PARTITION BY listing_id ORDER BY seq) AS prev
                      FROM listing_events)
                  SELECT * FROM seqs WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O5_version_matches_timeline",
			SQL: `SELECT l.id, l.version, COUNT(e.seq) FROM listings l
                  LEFT JOIN listing_events e ON e.listing_id = l.id
                  GROUP BY l.id, l.version HAVING l.version <> COUNT(e.seq)`,
		},
		{
			Name: "O6_outbox_per_transition",
			SQL: `SELECT l.id, l.version, COUNT(o.id) FROM listings l
                  LEFT JOIN outbox o ON o.partition_key = l.id
                  GROUP BY l.id, l.version HAVING COUNT(o.id) <> l.version - 1`,
		},
		{
			Name: "O7_status_matches_last_event",
			SQL: `SELECT l.id, l.status, e.type FROM listings l
                  JOIN LATERAL (SELECT type FROM listing_events WHERE listing_id = l.id ORDER BY seq DESC LIMIT 1) e ON true
                  WHERE (l.status, e.type) NOT IN (
                      ('available', 'LISTING_CREATED'),
                      ('escrow_funded', 'ESCROW_FUNDED'),
                      ('shipped', 'LISTING_SHIPPED'),
                      ('disputed', 'DISPUTE_RAISED'),
                      ('released', 'FUNDS_RELEASED'))`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_freeze_trigger_present",
			SQL: `SELECT 'missing_freeze_terms_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'listings_freeze_terms_trg')`,
		},
	}
}

// Drained holds once the relay has caught up: nothing is left pending.
var Drained = Oracle{
	Name: "O10_outbox_drained",
	SQL:  `SELECT id, topic, attempts FROM outbox WHERE status = 'pending'`,
}

// Run executes the oracles (all of them when none are given) and returns the
// first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, only ...Oracle) (string, string, error) {
	list := only
	if len(list) == 0 {
		list = All()
	}
	for _, o := range list {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
