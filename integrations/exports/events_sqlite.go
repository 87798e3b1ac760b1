package exports

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bountyescrow/core/events"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS bounty_events (
    seq INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    bounty_id TEXT,
    actor TEXT,
    asset TEXT,
    amount TEXT,
    payee TEXT,
    funder TEXT,
    tier TEXT,
    recorded_at TIMESTAMP NOT NULL,
    attributes TEXT
);`

// WriteEventsSQLite appends the journal entries to a bounty_events table in
// the SQLite database at path. Entries already present are skipped, so
// repeated exports of an overlapping range are safe. It returns the number
// of rows inserted.
func WriteEventsSQLite(ctx context.Context, path string, entries []events.Entry) (int, error) {
	rows, err := Rows(entries)
	if err != nil {
		return 0, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("exports: open sqlite: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return 0, fmt.Errorf("exports: sqlite schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO bounty_events
        (seq, type, bounty_id, actor, asset, amount, payee, funder, tier, recorded_at, attributes)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, int64(row.Seq), row.Type, row.BountyID, row.Actor, row.Asset,
			row.Amount, row.Payee, row.Funder, row.Tier, row.RecordedAt.UTC().Format(time.RFC3339Nano), row.Attributes)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("exports: sqlite insert seq %d: %w", row.Seq, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}
