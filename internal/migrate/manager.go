package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is an up/down pair discovered on disk. DownPath is empty when
// the author shipped no rollback script.
type Migration struct {
	Name     string
	UpPath   string
	DownPath string
}

// Manager applies SQL migrations and seed files to the portal database.
// Migrations are NNNN_name.up.sql / NNNN_name.down.sql pairs; seeds are
// standalone .sql scripts applied once. Bookkeeping lives in two tables.
type Manager struct {
	db              *sql.DB
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	migrations, err := collectMigrations(m.migrationsDir)
	if err != nil {
		return err
	}
	for _, mig := range migrations {
		if applied[mig.Name] {
			continue
		}
		if err := m.exec(ctx, mig.UpPath); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
		if err := m.insertRecord(ctx, m.migrationsTable, mig.Name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	history, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	migrations, err := collectMigrations(m.migrationsDir)
	if err != nil {
		return err
	}
	var target Migration
	for _, mig := range migrations {
		if mig.Name == last {
			target = mig
			break
		}
	}
	if target.Name == "" {
		return fmt.Errorf("migration %s is applied but missing on disk", last)
	}
	if target.DownPath == "" {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, target.DownPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
	return err
}

// Status returns applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

// Pending returns migrations present on disk but not yet applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	migrations, err := collectMigrations(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, mig := range migrations {
		if !applied[mig.Name] {
			pending = append(pending, mig.Name)
		}
	}
	return pending, nil
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.listExecuted(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	seeds, err := collectSeeds(m.seedsDir)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		if applied[seed.Name] {
			continue
		}
		if err := m.exec(ctx, seed.UpPath); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed.Name, err)
		}
		if err := m.insertRecord(ctx, m.seedsTable, seed.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// exec runs every statement of the file inside one transaction.
func (m *Manager) exec(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) insertRecord(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (m *Manager) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// collectMigrations pairs *.up.sql files with their *.down.sql companions.
// Missing directories yield an empty set rather than an error.
func collectMigrations(dir string) ([]Migration, error) {
	if dir == "" {
		return nil, nil
	}
	byName := make(map[string]*Migration)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(d.Name(), upSuffix):
			name := d.Name()
			mig := byName[name]
			if mig == nil {
				mig = &Migration{Name: name}
				byName[name] = mig
			}
			mig.UpPath = path
		case strings.HasSuffix(d.Name(), downSuffix):
			name := strings.TrimSuffix(d.Name(), downSuffix) + upSuffix
			mig := byName[name]
			if mig == nil {
				mig = &Migration{Name: name}
				byName[name] = mig
			}
			mig.DownPath = path
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var migrations []Migration
	for _, mig := range byName {
		if mig.UpPath == "" {
			return nil, fmt.Errorf("down migration %s has no up counterpart", mig.DownPath)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})
	return migrations, nil
}

func collectSeeds(dir string) ([]Migration, error) {
	if dir == "" {
		return nil, nil
	}
	var seeds []Migration
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			return nil
		}
		seeds = append(seeds, Migration{Name: d.Name(), UpPath: path})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(seeds, func(i, j int) bool {
		return seeds[i].Name < seeds[j].Name
	})
	return seeds, nil
}

// splitStatements splits a script on semicolons, ignoring semicolons inside
// single-quoted strings and -- line comments so seed rows with literal ';'
// survive intact.
func splitStatements(script string) []string {
	var stmts []string
	var current strings.Builder
	var inString, inComment bool
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
			}
		case inString:
			if r == '\'' {
				inString = false
			}
		case r == '\'':
			inString = true
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
		case r == ';':
			stmts = append(stmts, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
