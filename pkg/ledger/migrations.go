package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	Name string
	Up   func(ctx context.Context, tx *sqlx.Tx) error
	Down func(ctx context.Context, tx *sqlx.Tx) error
}

var migrations = map[uint64]migration{}

// migrate registers a migration, deriving its version number from the
// numeric prefix of the calling file's name (e.g. 0001_frames.go -> 1).
func migrate(up, down func(ctx context.Context, tx *sqlx.Tx) error) {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		panic("ledger: migrate: failed to get caller")
	}
	base := filepath.Base(file)
	numPart := base[:strings.IndexByte(base, '_')]
	v, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		panic("ledger: migrate: failed to parse migration version from filename " + base + ": " + err.Error())
	}
	if _, exists := migrations[v]; exists {
		panic(fmt.Sprintf("ledger: migrate: duplicate migration version %d", v))
	}
	migrations[v] = migration{Name: base, Up: up, Down: down}
}

// Version returns the database's current schema version (from
// PRAGMA user_version) and the highest version known to the binary.
func (db *DB) Version() (current, required uint64, err error) {
	if err = db.x.Get(&current, `PRAGMA user_version`); err != nil {
		return 0, 0, err
	}
	for v := range migrations {
		if v > required {
			required = v
		}
	}
	return current, required, nil
}

// MigrateUp applies migrations in ascending order up to and including to.
// Passing a nil ctx is equivalent to context.Background().
func (db *DB) MigrateUp(ctx context.Context, to uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cv uint64
	if err := tx.Get(&cv, `PRAGMA user_version`); err != nil {
		return err
	}
	if to < cv {
		return fmt.Errorf("ledger: MigrateUp: target version %d is below current version %d", to, cv)
	}

	var versions []uint64
	for v := range migrations {
		if v > cv && v <= to {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		if err := migrations[v].Up(ctx, tx); err != nil {
			return fmt.Errorf("ledger: apply migration %s: %w", migrations[v].Name, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, to)); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrateDown reverts migrations in descending order down to (but not
// including) to. This will probably eat your data.
func (db *DB) MigrateDown(ctx context.Context, to uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cv uint64
	if err := tx.Get(&cv, `PRAGMA user_version`); err != nil {
		return err
	}
	if to > cv {
		return fmt.Errorf("ledger: MigrateDown: target version %d is above current version %d", to, cv)
	}

	var versions []uint64
	for v := range migrations {
		if v <= cv && v > to {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	for _, v := range versions {
		if err := migrations[v].Down(ctx, tx); err != nil {
			return fmt.Errorf("ledger: revert migration %s: %w", migrations[v].Name, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, to)); err != nil {
		return err
	}
	return tx.Commit()
}
