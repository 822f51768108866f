package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/entityledger/internal/model"
)

// EntityByKey returns one exported entity with its aliases.
// found is false when no row exists.
func (s *Store) EntityByKey(ctx context.Context, key string) (rec model.EntityRecord, found bool, err error) {
	var firstSeen string
	err = s.db.QueryRowContext(ctx, `
		SELECT key, entity_type, display_text, normalized_text, sample_text, mention_count, first_seen
		FROM entities
		WHERE key = ?
	`, key).Scan(
		&rec.Key,
		&rec.EntityType,
		&rec.DisplayText,
		&rec.NormalizedText,
		&rec.SampleText,
		&rec.MentionCount,
		&firstSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EntityRecord{}, false, nil
	}
	if err != nil {
		return model.EntityRecord{}, false, fmt.Errorf("query entity %s: %w", key, err)
	}
	if rec.FirstSeen, err = time.Parse(timeLayout, firstSeen); err != nil {
		return model.EntityRecord{}, false, fmt.Errorf("parse first_seen of %s: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT alias FROM aliases WHERE entity_key = ? ORDER BY alias COLLATE BINARY ASC
	`, key)
	if err != nil {
		return model.EntityRecord{}, false, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return model.EntityRecord{}, false, fmt.Errorf("scan alias: %w", err)
		}
		rec.Aliases = append(rec.Aliases, a)
	}
	if err := rows.Err(); err != nil {
		return model.EntityRecord{}, false, fmt.Errorf("iterate aliases: %w", err)
	}
	return rec, true, nil
}

// CountEntities returns the number of exported entities.
func (s *Store) CountEntities(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// CountByType returns exported entity counts per entity type.
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type ORDER BY entity_type
	`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// Outcomes returns every exported verification outcome ordered by
// deferred ID.
func (s *Store) Outcomes(ctx context.Context) ([]model.VerificationOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deferred_id, entity_key, outcome, linked_key, confidence, reason, run_id, processed_at
		FROM verification_outcomes
		ORDER BY deferred_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := []model.VerificationOutcome{}
	for rows.Next() {
		var v model.VerificationOutcome
		var outcome, processedAt string
		if err := rows.Scan(&v.DeferredID, &v.EntityKey, &outcome, &v.LinkedKey, &v.Confidence, &v.Reason, &v.RunID, &processedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		v.Outcome = model.Outcome(outcome)
		if v.ProcessedAt, err = time.Parse(timeLayout, processedAt); err != nil {
			return nil, fmt.Errorf("parse processed_at: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// CountMatches returns external match counts per outcome.
func (s *Store) CountMatches(ctx context.Context) (map[model.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM external_matches GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count matches: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Outcome]int)
	for rows.Next() {
		var o string
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return nil, fmt.Errorf("scan match count: %w", err)
		}
		out[model.Outcome(o)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match counts: %w", err)
	}
	return out, nil
}
