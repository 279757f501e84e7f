package ledger

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(
		func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE frames (
					id           INTEGER PRIMARY KEY AUTOINCREMENT,
					wall_ms      INTEGER NOT NULL,
					unique_id    INTEGER NOT NULL,
					src_ip       TEXT NOT NULL,
					src_port     INTEGER NOT NULL,
					payload_size INTEGER NOT NULL,
					filename     TEXT NOT NULL
				)
			`)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `CREATE INDEX frames_src_ip_idx ON frames (src_ip)`)
			return err
		},
		func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE frames`)
			return err
		},
	)
}
