package ledger

import "github.com/pg9182/diode/pkg/s2"

// Recorder adapts DB to s2.AuditRecorder, letting a *ledger.DB be wired
// directly into a s2.Decapsulator when Config.S2_Ledger is enabled.
type Recorder struct {
	DB *DB
}

// NewRecorder wraps db as an s2.AuditRecorder.
func NewRecorder(db *DB) *Recorder {
	return &Recorder{DB: db}
}

// Insert implements s2.AuditRecorder.
func (r *Recorder) Insert(rec s2.AuditRecord) error {
	return r.DB.Insert(Record{
		WallMS:    rec.WallMS,
		Unique:    0,
		SrcIP:     rec.SrcIP,
		SrcPort:   rec.SrcPort,
		PayloadSz: rec.PayloadSz,
		Filename:  rec.Filename,
	})
}

var _ s2.AuditRecorder = (*Recorder)(nil)
