package ledger

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesToLatestVersion(t *testing.T) {
	db := openTestDB(t)
	current, required, err := db.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if current != required {
		t.Fatalf("current version %d, want %d", current, required)
	}
	if required == 0 {
		t.Fatal("expected at least one registered migration")
	}
}

func TestInsertAndRecentByIP(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.Insert(Record{
			WallMS:    int64(1000 + i),
			Unique:    int64(i + 1),
			SrcIP:     "10.0.0.1",
			SrcPort:   5555,
			PayloadSz: 64,
			Filename:  "data_x.dat",
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := db.Insert(Record{SrcIP: "10.0.0.2", SrcPort: 1, Filename: "other.dat"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rs, err := db.RecentByIP("10.0.0.1", 10)
	if err != nil {
		t.Fatalf("RecentByIP: %v", err)
	}
	if len(rs) != 3 {
		t.Fatalf("got %d records, want 3", len(rs))
	}
	if rs[0].Unique != 3 {
		t.Fatalf("expected newest-first ordering, got unique_id %d first", rs[0].Unique)
	}
}

func TestMigrateDownDropsTable(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateDown(nil, 0); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if err := db.Insert(Record{SrcIP: "x"}); err == nil {
		t.Fatal("expected Insert to fail after the frames table was dropped")
	}
}

func TestOpenCreatesParentlessFileFine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
