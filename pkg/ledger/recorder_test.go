package ledger

import (
	"path/filepath"
	"testing"

	"github.com/pg9182/diode/pkg/s2"
)

func TestRecorderImplementsAuditRecorder(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	rec := NewRecorder(db)
	if err := rec.Insert(s2.AuditRecord{
		WallMS:    1234,
		SrcIP:     "192.0.2.1",
		SrcPort:   9999,
		PayloadSz: 128,
		Filename:  "data_x.dat",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rs, err := db.RecentByIP("192.0.2.1", 5)
	if err != nil {
		t.Fatalf("RecentByIP: %v", err)
	}
	if len(rs) != 1 || rs[0].Filename != "data_x.dat" {
		t.Fatalf("unexpected records: %+v", rs)
	}
}
