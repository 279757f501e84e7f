// Package ledger implements an optional SQLite audit trail of accepted
// frames on the S2 side, supplementing spec.md's secure storage (C8) with a
// queryable record of what was written and when. It is off by default;
// disabling it never affects the core diode path (spec.md §1's Out of
// scope list excludes disk-cleanup/audit tooling from the core's
// contract, so this lives beside the core rather than inside it).
//
// Adapted from the teacher's db/atlasdb (connection/pragma setup) and
// db/pdatadb (the migration framework) packages.
package ledger

import (
	"net/url"

	"github.com/jmoiron/sqlx"
)

// DB records accepted frames for later audit/query.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) a ledger database at name, applying
// the same WAL/cache/busy-timeout tuning the teacher uses for its account
// store, and migrates it to the latest schema version.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	db := &DB{x}
	if _, required, err := db.Version(); err == nil {
		if err := db.MigrateUp(nil, required); err != nil {
			x.Close()
			return nil, err
		}
	} else {
		x.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.x.Close()
}

// Record is one audited accepted frame.
type Record struct {
	ID        int64  `db:"id"`
	WallMS    int64  `db:"wall_ms"`
	Unique    int64  `db:"unique_id"`
	SrcIP     string `db:"src_ip"`
	SrcPort   int    `db:"src_port"`
	PayloadSz int    `db:"payload_size"`
	Filename  string `db:"filename"`
}

// Insert appends an audit record for a successfully written frame.
func (db *DB) Insert(r Record) error {
	_, err := db.x.NamedExec(`
		INSERT INTO frames (wall_ms, unique_id, src_ip, src_port, payload_size, filename)
		VALUES (:wall_ms, :unique_id, :src_ip, :src_port, :payload_size, :filename)
	`, r)
	return err
}

// RecentByIP returns the most recent n records from src, newest first.
func (db *DB) RecentByIP(src string, n int) ([]Record, error) {
	var rs []Record
	err := db.x.Select(&rs, `
		SELECT id, wall_ms, unique_id, src_ip, src_port, payload_size, filename
		FROM frames WHERE src_ip = ? ORDER BY id DESC LIMIT ?
	`, src, n)
	return rs, err
}
