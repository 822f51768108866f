package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/entityledger/internal/model"
)

var seen = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "export.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"entities", "aliases", "verification_outcomes", "external_matches"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}

	assertPragma(t, s, "user_version", "1")
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name, want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		assertPragma(t, s, tt.name, tt.want)
	}
}

func assertPragma(t *testing.T, s *Store, name, want string) {
	t.Helper()
	got, err := s.pragmaValue(name)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("%s = %q, want %q", name, got, want)
	}
}

func TestMigrate_UpgradesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("DROP INDEX idx_outcomes_entity"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_outcomes_entity'").Scan(&name)
	if err != nil {
		t.Errorf("index not recreated: %v", err)
	}
	assertPragma(t, s, "user_version", "1")
}

func TestSchema_EntitiesTable(t *testing.T) {
	s := openTestStore(t)

	columns := getTableColumns(t, s.db, "entities")
	expected := []string{
		"key", "entity_type", "display_text", "normalized_text",
		"sample_text", "mention_count", "first_seen",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("entities table missing column %q", col)
		}
	}

	if !contains(getTableIndexes(t, s.db, "entities"), "idx_entities_type") {
		t.Error("entities table missing index idx_entities_type")
	}
}

func TestSchema_OutcomesIndexFromMigration(t *testing.T) {
	s := openTestStore(t)

	if !contains(getTableIndexes(t, s.db, "verification_outcomes"), "idx_outcomes_entity") {
		t.Error("verification_outcomes table missing index idx_outcomes_entity")
	}
}

func louis() []model.EntityRecord {
	return []model.EntityRecord{
		{
			Key: "PERSON:louis xiv", EntityType: "PERSON",
			DisplayText: "Louis XIV", NormalizedText: "louis xiv", SampleText: "Louis XIV",
			MentionCount: 2, FirstSeen: seen,
			Aliases: []string{"Louis the Fourteenth"},
		},
		{
			Key: "PERSON:louis xv", EntityType: "PERSON",
			DisplayText: "Louis XV", NormalizedText: "louis xv", SampleText: "Louis XV",
			MentionCount: 1, FirstSeen: seen,
		},
		{
			Key: "PLACE:versailles", EntityType: "PLACE",
			DisplayText: "Versailles", NormalizedText: "versailles", SampleText: "Versailles",
			MentionCount: 3, FirstSeen: seen,
		},
	}
}

func TestWriteSnapshot_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteSnapshot(ctx, louis()); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	n, err := s.CountEntities(ctx)
	if err != nil {
		t.Fatalf("CountEntities() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("CountEntities() = %d, want 3", n)
	}

	rec, found, err := s.EntityByKey(ctx, "PERSON:louis xiv")
	if err != nil {
		t.Fatalf("EntityByKey() failed: %v", err)
	}
	if !found {
		t.Fatal("EntityByKey() did not find PERSON:louis xiv")
	}
	if rec.MentionCount != 2 {
		t.Errorf("MentionCount = %d, want 2", rec.MentionCount)
	}
	if !rec.FirstSeen.Equal(seen) {
		t.Errorf("FirstSeen = %v, want %v", rec.FirstSeen, seen)
	}
	if len(rec.Aliases) != 1 || rec.Aliases[0] != "Louis the Fourteenth" {
		t.Errorf("Aliases = %v, want [Louis the Fourteenth]", rec.Aliases)
	}

	byType, err := s.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType() failed: %v", err)
	}
	if byType["PERSON"] != 2 || byType["PLACE"] != 1 {
		t.Errorf("CountByType() = %v", byType)
	}
}

func TestWriteSnapshot_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.WriteSnapshot(ctx, louis()); err != nil {
			t.Fatalf("WriteSnapshot() pass %d failed: %v", i, err)
		}
	}

	n, _ := s.CountEntities(ctx)
	if n != 3 {
		t.Errorf("CountEntities() after two writes = %d, want 3", n)
	}

	var aliases int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM aliases").Scan(&aliases); err != nil {
		t.Fatalf("count aliases: %v", err)
	}
	if aliases != 1 {
		t.Errorf("aliases = %d, want 1", aliases)
	}
}

func TestWriteSnapshot_PrunesMergedEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := louis()
	recs = append(recs, model.EntityRecord{
		Key: "PERSON:louis quatorze", EntityType: "PERSON",
		DisplayText: "Louis Quatorze", NormalizedText: "louis quatorze",
		MentionCount: 1, FirstSeen: seen,
		Aliases: []string{"Le Roi Soleil"},
	})
	if err := s.WriteSnapshot(ctx, recs); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	// Louis Quatorze merged into Louis XIV.
	merged := louis()
	merged[0].MentionCount = 3
	merged[0].Aliases = append(merged[0].Aliases, "Louis Quatorze", "Le Roi Soleil")
	if err := s.WriteSnapshot(ctx, merged); err != nil {
		t.Fatalf("WriteSnapshot() after merge failed: %v", err)
	}

	if _, found, _ := s.EntityByKey(ctx, "PERSON:louis quatorze"); found {
		t.Error("merged entity still exported")
	}
	rec, _, err := s.EntityByKey(ctx, "PERSON:louis xiv")
	if err != nil {
		t.Fatalf("EntityByKey() failed: %v", err)
	}
	if rec.MentionCount != 3 {
		t.Errorf("MentionCount = %d, want 3", rec.MentionCount)
	}
	if len(rec.Aliases) != 3 {
		t.Errorf("Aliases = %v, want 3 entries", rec.Aliases)
	}

	var orphans int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM aliases WHERE entity_key = 'PERSON:louis quatorze'").Scan(&orphans); err != nil {
		t.Fatalf("count orphan aliases: %v", err)
	}
	if orphans != 0 {
		t.Errorf("orphan aliases = %d, want 0", orphans)
	}
}

func TestEntityByKey_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.EntityByKey(context.Background(), "PERSON:nobody")
	if err != nil {
		t.Fatalf("EntityByKey() failed: %v", err)
	}
	if found {
		t.Error("expected found = false")
	}
}

func TestWriteOutcome_FirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := model.VerificationOutcome{
		DeferredID: 1, EntityKey: "PERSON:alexander", Outcome: model.OutcomeLinkExisting,
		LinkedKey: "PERSON:alexander the great", Confidence: 0.85, RunID: "run-1", ProcessedAt: seen,
	}
	second := first
	second.Outcome = model.OutcomeCreateNew
	second.LinkedKey = ""

	if err := s.WriteOutcome(ctx, first); err != nil {
		t.Fatalf("WriteOutcome() failed: %v", err)
	}
	if err := s.WriteOutcomes(ctx, []model.VerificationOutcome{second}); err != nil {
		t.Fatalf("WriteOutcomes() failed: %v", err)
	}

	got, err := s.Outcomes(ctx)
	if err != nil {
		t.Fatalf("Outcomes() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Outcomes() returned %d rows, want 1", len(got))
	}
	if got[0].Outcome != model.OutcomeLinkExisting || got[0].LinkedKey != "PERSON:alexander the great" {
		t.Errorf("outcome = %+v, want the first write", got[0])
	}
}

func TestWriteMatch_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := model.ExternalMatch{
		EntityKey: "PERSON:louis xiv", Score: 0.7, Outcome: model.OutcomeDefer, ProcessedAt: seen,
	}
	if err := s.WriteMatch(ctx, m); err != nil {
		t.Fatalf("WriteMatch() failed: %v", err)
	}
	m.ExternalID = "Q7742"
	m.Score = 0.96
	m.Outcome = model.OutcomeLinkExisting
	if err := s.WriteMatch(ctx, m); err != nil {
		t.Fatalf("WriteMatch() failed: %v", err)
	}

	counts, err := s.CountMatches(ctx)
	if err != nil {
		t.Fatalf("CountMatches() failed: %v", err)
	}
	if counts[model.OutcomeLinkExisting] != 1 || counts[model.OutcomeDefer] != 0 {
		t.Errorf("CountMatches() = %v", counts)
	}
}

// Test helpers

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
