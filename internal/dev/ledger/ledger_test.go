package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), ".wmill", "dev.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='migrations'`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query schema: %v", err)
	}
	if count != 1 {
		t.Error("migrations table does not exist")
	}

	// Idempotent
	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestRecord_Validation(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Record(Entry{Outcome: OutcomeApplied}); err == nil {
		t.Error("Record() without file name should fail")
	}
	if _, err := db.Record(Entry{FileName: "a.sql", Outcome: "maybe"}); err == nil {
		t.Error("Record() with unknown outcome should fail")
	}
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{FileName: "001_users.sql", Datatable: "main", Outcome: OutcomeApplied, RecordedAt: base},
		{FileName: "002_orders.sql", Datatable: "main", Outcome: OutcomeFailed, Error: "syntax error", RecordedAt: base.Add(time.Minute)},
		{FileName: "002_orders.sql", Datatable: "main", Outcome: OutcomeSkipped, RecordedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if _, err := db.Record(e); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	all, err := db.List(ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(all))
	}
	// Newest first
	if all[0].Outcome != OutcomeSkipped || all[2].FileName != "001_users.sql" {
		t.Errorf("unexpected order: %+v %+v %+v", all[0], all[1], all[2])
	}
	if all[1].Error != "syntax error" {
		t.Errorf("Error = %q, want syntax error", all[1].Error)
	}
	if !all[2].RecordedAt.Equal(base) {
		t.Errorf("RecordedAt = %v, want %v", all[2].RecordedAt, base)
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"since", ListFilter{Since: base.Add(30 * time.Second)}, 2},
		{"file", ListFilter{FileName: "002_orders.sql"}, 2},
		{"outcome", ListFilter{Outcome: OutcomeApplied}, 1},
		{"limit", ListFilter{Limit: 1}, 1},
		{"combined", ListFilter{FileName: "002_orders.sql", Outcome: OutcomeFailed}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.List(tt.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReopen_KeepsHistory(t *testing.T) {
	path := testDBPath(t)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := db.Record(Entry{FileName: "a.sql", Outcome: OutcomeApplied}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.List(ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].FileName != "a.sql" {
		t.Errorf("List() = %+v, want one a.sql entry", got)
	}
}
