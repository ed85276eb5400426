//go:build sqlite

package inspect

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestExportSQLiteRowCountsMatchLiveCounts(t *testing.T) {
	path := seedBrain(t)
	dbPath := filepath.Join(t.TempDir(), "brain.db")

	if err := ExportSQLite(path, dbPath); err != nil {
		t.Fatalf("export: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open export db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, tc := range []struct {
		table string
		want  int
	}{
		{"nodes", 4},
		{"edges", 2},
		{"modules", 1},
		{"meta", 1},
	} {
		var got int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + tc.table).Scan(&got); err != nil {
			t.Fatalf("count %s: %v", tc.table, err)
		}
		if got != tc.want {
			t.Fatalf("%s rows = %d, want %d", tc.table, got, tc.want)
		}
	}

	var op string
	var weight int
	if err := db.QueryRow("SELECT op, w_fast FROM nodes JOIN edges ON edges.src = nodes.slot WHERE edges.dst = 1").Scan(&op, &weight); err != nil {
		t.Fatalf("join query: %v", err)
	}
	if op != "gate" || weight != 200 {
		t.Fatalf("join row = (%s, %d), want (gate, 200)", op, weight)
	}
}

func TestExportSQLiteReplacesPreviousExport(t *testing.T) {
	path := seedBrain(t)
	dbPath := filepath.Join(t.TempDir(), "brain.db")

	if err := ExportSQLite(path, dbPath); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if err := ExportSQLite(path, dbPath); err != nil {
		t.Fatalf("second export: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open export db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var got int
	if err := db.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&got); err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if got != 4 {
		t.Fatalf("re-export duplicated rows: %d nodes, want 4", got)
	}
}
