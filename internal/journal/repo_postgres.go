package journal

import (
	"context"
	"database/sql"
	"time"

	"callbroker/pkg/utils"
)

// PostgresRepo appends records to the session_outcomes table.
//
// Expected schema:
//
//	CREATE TABLE session_outcomes (
//	    id            TEXT PRIMARY KEY,
//	    session_id    TEXT NOT NULL,
//	    outcome       TEXT NOT NULL,
//	    winner_id     TEXT,
//	    winner_number TEXT,
//	    winner_name   TEXT,
//	    total         INT NOT NULL,
//	    rejected      BIGINT NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_outcomes
				(id, session_id, outcome, winner_id, winner_number, winner_name, total, rejected, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.SessionID, rec.Outcome,
			rec.WinnerID, rec.WinnerNumber, rec.WinnerName,
			rec.Total, rec.Rejected, rec.CreatedAt,
		)
		return err
	})
}

func (r *PostgresRepo) ListRange(ctx context.Context, from, to time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, outcome, winner_id, winner_number, winner_name, total, rejected, created_at
		FROM session_outcomes
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Outcome,
			&rec.WinnerID, &rec.WinnerNumber, &rec.WinnerName,
			&rec.Total, &rec.Rejected, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
