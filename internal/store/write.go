package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/entityledger/internal/model"
)

const timeLayout = time.RFC3339Nano

// WriteSnapshot makes the entities and aliases tables match records.
// Rows are upserted with ON CONFLICT(key) DO UPDATE; entities absent from
// records (merged away since the last export) are deleted together with
// their aliases. The whole snapshot is applied in one transaction.
func (s *Store) WriteSnapshot(ctx context.Context, records []model.EntityRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS snapshot_keys (key TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_keys`); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO entities
		(key, entity_type, display_text, normalized_text, sample_text, mention_count, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_text = excluded.display_text,
			sample_text = excluded.sample_text,
			mention_count = excluded.mention_count,
			first_seen = excluded.first_seen
	`)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer upsert.Close()

	alias, err := tx.PrepareContext(ctx, `
		INSERT INTO aliases (entity_key, alias) VALUES (?, ?)
		ON CONFLICT(entity_key, alias) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer alias.Close()

	mark, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_keys (key) VALUES (?) ON CONFLICT(key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer mark.Close()

	for _, rec := range records {
		if _, err := upsert.ExecContext(ctx,
			rec.Key,
			rec.EntityType,
			rec.DisplayText,
			rec.NormalizedText,
			rec.SampleText,
			rec.MentionCount,
			rec.FirstSeen.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("write entity %s: %w", rec.Key, err)
		}
		if _, err := mark.ExecContext(ctx, rec.Key); err != nil {
			return fmt.Errorf("write entity %s: %w", rec.Key, err)
		}
		for _, a := range rec.Aliases {
			if _, err := alias.ExecContext(ctx, rec.Key, a); err != nil {
				return fmt.Errorf("write alias %s: %w", rec.Key, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE key NOT IN (SELECT key FROM snapshot_keys)`); err != nil {
		return fmt.Errorf("write snapshot: prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// WriteOutcome inserts a verification outcome.
// Uses ON CONFLICT(deferred_id) DO NOTHING: an outcome is immutable once written.
func (s *Store) WriteOutcome(ctx context.Context, v model.VerificationOutcome) error {
	return writeOutcome(ctx, s.db, v)
}

// WriteOutcomes inserts outcomes in one transaction.
func (s *Store) WriteOutcomes(ctx context.Context, vs []model.VerificationOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}
	defer tx.Rollback()
	for _, v := range vs {
		if err := writeOutcome(ctx, tx, v); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeOutcome(ctx context.Context, db execer, v model.VerificationOutcome) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO verification_outcomes
		(deferred_id, entity_key, outcome, linked_key, confidence, reason, run_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deferred_id) DO NOTHING
	`,
		v.DeferredID,
		v.EntityKey,
		string(v.Outcome),
		v.LinkedKey,
		v.Confidence,
		v.Reason,
		v.RunID,
		v.ProcessedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", v.DeferredID, err)
	}
	return nil
}

// WriteMatch upserts the external match for an entity. A later match for
// the same entity replaces the earlier one.
func (s *Store) WriteMatch(ctx context.Context, m model.ExternalMatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_matches
		(entity_key, external_id, label, score, verified, outcome, endpoint, run_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_key) DO UPDATE SET
			external_id = excluded.external_id,
			label = excluded.label,
			score = excluded.score,
			verified = excluded.verified,
			outcome = excluded.outcome,
			endpoint = excluded.endpoint,
			run_id = excluded.run_id,
			processed_at = excluded.processed_at
	`,
		m.EntityKey,
		m.ExternalID,
		m.Label,
		m.Score,
		m.Verified,
		string(m.Outcome),
		m.Endpoint,
		m.RunID,
		m.ProcessedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("write match %s: %w", m.EntityKey, err)
	}
	return nil
}
