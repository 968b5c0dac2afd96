package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/archon-kb/archon/common"
)

// noTxMarker excludes a migration from the per-file transaction wrap. Needed
// for DDL that PostgreSQL cannot run inside a transaction, such as
// CREATE INDEX CONCURRENTLY.
const noTxMarker = "-- archon:no-transaction"

var migrationName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

// Migration is one ordered schema change.
type Migration struct {
	Version  int
	Name     string
	Body     string
	Checksum string
	NoTx     bool
}

// AppliedMigration is a row of the migration ledger.
type AppliedMigration struct {
	Version  int
	Name     string
	Checksum string
}

// Migrator applies ordered schema changes with checksum verification.
type Migrator struct {
	db  *Postgres
	log *logrus.Logger
}

// NewMigrator creates a migration runner over the given database.
func NewMigrator(db *Postgres, log *logrus.Logger) *Migrator {
	return &Migrator{db: db, log: log}
}

// LoadMigrations reads migration files from fsys, ordered by version.
// File names must match NNNN_name.sql; anything else is rejected so a typo
// cannot silently skip a migration.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, _ := strconv.Atoi(m[1])

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(body)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     m[2],
			Body:     string(body),
			Checksum: hex.EncodeToString(sum[:]),
			NoTx:     strings.Contains(string(body), noTxMarker),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// Up applies all pending migrations. It refuses to proceed if any previously
// applied migration's checksum no longer matches its file, since that means
// history was rewritten under a live schema. Applying the full sequence twice
// leaves the ledger unchanged after the second run.
func (m *Migrator) Up(ctx context.Context, migrations []Migration) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		prev, ok := applied[mig.Version]
		if ok {
			if prev.Checksum != mig.Checksum {
				return common.E(common.KindConflict,
					"migration %04d_%s was modified after being applied (ledger %s, file %s)",
					mig.Version, mig.Name, prev.Checksum[:12], mig.Checksum[:12])
			}
			continue
		}

		m.log.WithFields(logrus.Fields{
			"version": mig.Version,
			"name":    mig.Name,
		}).Info("applying migration")

		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %04d_%s failed: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Verify checks the ledger against the available files without applying
// anything. Used at startup before the server begins accepting traffic.
func (m *Migrator) Verify(ctx context.Context, migrations []Migration) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	byVersion := make(map[int]Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	for version, row := range applied {
		mig, ok := byVersion[version]
		if !ok {
			return common.E(common.KindConflict, "applied migration %04d_%s has no matching file", version, row.Name)
		}
		if mig.Checksum != row.Checksum {
			return common.E(common.KindConflict, "applied migration %04d_%s checksum mismatch", version, row.Name)
		}
	}
	return nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return MapError(err, "create migration ledger")
}

func (m *Migrator) applied(ctx context.Context) (map[int]AppliedMigration, error) {
	rows, err := m.db.Query(ctx, `SELECT version, name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, MapError(err, "read migration ledger")
	}
	defer rows.Close()

	applied := make(map[int]AppliedMigration)
	for rows.Next() {
		var row AppliedMigration
		if err := rows.Scan(&row.Version, &row.Name, &row.Checksum); err != nil {
			return nil, MapError(err, "scan migration ledger")
		}
		applied[row.Version] = row
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	record := `INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`

	if mig.NoTx {
		if err := m.db.Exec(ctx, mig.Body); err != nil {
			return MapError(err, "execute migration")
		}
		return MapError(m.db.Exec(ctx, record, mig.Version, mig.Name, mig.Checksum), "record migration")
	}

	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.Body); err != nil {
			return MapError(err, "execute migration")
		}
		if _, err := tx.Exec(ctx, record, mig.Version, mig.Name, mig.Checksum); err != nil {
			return MapError(err, "record migration")
		}
		return nil
	})
}
