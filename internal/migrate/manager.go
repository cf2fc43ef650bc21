package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	defaultTable = "schema_migrations"
	upSuffix     = ".up.sql"
	downSuffix   = ".down.sql"
)

// ErrNothingApplied is returned by Down when the bookkeeping table is empty.
var ErrNothingApplied = errors.New("no migrations applied")

// Migration is one schema version: a NNNN_name.up.sql file and the
// NNNN_name.down.sql that reverts it.
type Migration struct {
	Version string
	up      string
	down    string
}

// State reports whether a version is applied. AppliedAt is zero for
// pending versions.
type State struct {
	Version   string
	AppliedAt time.Time
}

func (s State) Applied() bool { return !s.AppliedAt.IsZero() }

// Manager applies the schema migrations found in a file system. A version's
// statements and its bookkeeping row are written in one transaction, so a
// failed migration leaves no trace.
type Manager struct {
	db    *sql.DB
	files fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, files: files, table: defaultTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load lists the versions in files ordered by name. Every version must
// carry both directions.
func Load(files fs.FS) ([]Migration, error) {
	byVersion := make(map[string]*Migration)
	err := fs.WalkDir(files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		var version string
		var target func(*Migration) *string
		switch {
		case strings.HasSuffix(name, upSuffix):
			version = strings.TrimSuffix(name, upSuffix)
			target = func(m *Migration) *string { return &m.up }
		case strings.HasSuffix(name, downSuffix):
			version = strings.TrimSuffix(name, downSuffix)
			target = func(m *Migration) *string { return &m.down }
		default:
			return nil
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		slot := target(mig)
		if *slot != "" {
			return fmt.Errorf("duplicate file for %s: %s and %s", version, *slot, p)
		}
		*slot = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		switch {
		case mig.up == "":
			return nil, fmt.Errorf("migration %s has no %s file", mig.Version, upSuffix)
		case mig.down == "":
			return nil, fmt.Errorf("migration %s has no %s file", mig.Version, downSuffix)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending version in order and reports how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	all, err := Load(m.files)
	if err != nil {
		return 0, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	record := fmt.Sprintf(`insert into %s (version, applied_at) values ($1, $2)`, m.table)
	n := 0
	for _, mig := range all {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.run(ctx, mig.up, record, mig.Version, time.Now().UTC()); err != nil {
			return n, fmt.Errorf("apply %s: %w", mig.Version, err)
		}
		n++
	}
	return n, nil
}

// Down reverts the most recently applied version and returns it.
func (m *Manager) Down(ctx context.Context) (string, error) {
	all, err := Load(m.files)
	if err != nil {
		return "", err
	}
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	var last string
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf(`select version from %s order by applied_at desc, version desc limit 1`, m.table)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNothingApplied
	}
	if err != nil {
		return "", err
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].Version >= last })
	if i == len(all) || all[i].Version != last {
		return "", fmt.Errorf("applied version %s is not in the migration set", last)
	}
	record := fmt.Sprintf(`delete from %s where version = $1`, m.table)
	if err := m.run(ctx, all[i].down, record, last); err != nil {
		return "", fmt.Errorf("revert %s: %w", last, err)
	}
	return last, nil
}

// Status lists every known version with its applied time.
func (m *Manager) Status(ctx context.Context) ([]State, error) {
	all, err := Load(m.files)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]State, len(all))
	for i, mig := range all {
		out[i] = State{Version: mig.Version, AppliedAt: applied[mig.Version]}
	}
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		version text primary key,
		applied_at timestamptz not null default now()
	)`, m.table))
	return err
}

func (m *Manager) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select version, applied_at from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		out[version] = at
	}
	return out, rows.Err()
}

// run executes the statements of file and then the bookkeeping statement
// in a single transaction.
func (m *Manager) run(ctx context.Context, file, record string, args ...any) error {
	script, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits a script on semicolons outside single-quoted
// literals. Doubled quotes inside a literal toggle twice and stay quoted.
func splitStatements(script string) []string {
	var (
		out    []string
		start  int
		quoted bool
	)
	for i, r := range script {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ';' && !quoted:
			if stmt := strings.TrimSpace(script[start : i+1]); stmt != ";" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(script[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}
