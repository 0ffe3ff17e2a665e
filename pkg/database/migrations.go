package database

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change, loaded from NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

func initMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// loadMigrations reads every migrations/NNN_name.sql file in fsys, sorted by version.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, "migrations/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		migrations = append(migrations, Migration{Version: version, Name: rest, SQL: string(content)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// isFreshDatabase reports whether the database holds nothing but the
// migrations table.
func isFreshDatabase(db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name != 'schema_migrations'`).Scan(&n)
	return n == 0, err
}

// backupDatabase copies the database file aside before migrating.
func backupDatabase(dbPath string, currentVersion int) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, currentVersion, time.Now().Format("20060102-150405"))

	src, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy database: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return nil
}

func runMigrations(db *sql.DB, dbPath string, fsys fs.FS) error {
	if err := initMigrations(db); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations, err := loadMigrations(fsys)
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if m.Version > currentVersion {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	fresh, err := isFreshDatabase(db)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !fresh {
		if err := backupDatabase(dbPath, currentVersion); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
	}

	log.Printf("Running %d pending migration(s) from version %d to %d",
		len(pending), currentVersion, pending[len(pending)-1].Version)

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}

	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
