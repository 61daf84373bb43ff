package store

import (
	"context"
	"fmt"
	"time"
)

// Resolution outcomes recorded in the journal.
const (
	OutcomeResolved  = "resolved"
	OutcomeAbandoned = "abandoned"
	OutcomeDiscarded = "discarded"
)

// Resolution is one journal row: a conflict the resolver settled, or a
// mutation the user chose to discard.
type Resolution struct {
	ID         int64     `json:"id"`
	MutationID string    `json:"mutation_id"`
	Entity     string    `json:"entity"`
	ResourceID string    `json:"resource_id"`
	Type       string    `json:"type"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// AppendResolution adds a journal row. A zero At is stamped with the
// current time.
func (s *Store) AppendResolution(ctx context.Context, r Resolution) error {
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions
		(mutation_id, entity, resource_id, mutation_type, outcome, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.MutationID, r.Entity, r.ResourceID, r.Type, r.Outcome, r.Detail, r.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append resolution: %w", err)
	}
	return nil
}

// ListResolutions returns the most recent limit rows in insertion order.
// A limit <= 0 returns every row.
func (s *Store) ListResolutions(ctx context.Context, limit int) ([]Resolution, error) {
	query := `
		SELECT id, mutation_id, entity, resource_id, mutation_type, outcome, detail, recorded_at
		FROM resolutions
		ORDER BY id ASC
	`
	args := []any{}
	if limit > 0 {
		query = `
			SELECT id, mutation_id, entity, resource_id, mutation_type, outcome, detail, recorded_at
			FROM (
				SELECT * FROM resolutions ORDER BY id DESC LIMIT ?
			)
			ORDER BY id ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var r Resolution
		var at int64
		if err := rows.Scan(&r.ID, &r.MutationID, &r.Entity, &r.ResourceID, &r.Type, &r.Outcome, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.At = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
