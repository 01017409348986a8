package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
)

//go:embed sql/*.sql seeds/*.sql
var embedded embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS { return embeddedDir("sql") }

// Seeds returns the embedded bootstrap seeds.
func Seeds() fs.FS { return embeddedDir("seeds") }

func embeddedDir(dir string) fs.FS {
	sub, err := fs.Sub(embedded, dir)
	if err != nil {
		panic(fmt.Sprintf("migrate: embedded %s: %v", dir, err))
	}
	return sub
}

var (
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	ErrMissingDown    = errors.New("migrate: missing down migration")
	ErrTableName      = errors.New("migrate: invalid bookkeeping table name")
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const ledgerDDL = `create table if not exists %s (
	name text primary key,
	applied_at timestamptz not null default now()
)`

// ledger is a bookkeeping table together with the scripts it tracks.
type ledger struct {
	kind    string
	table   string
	scripts fs.FS
	suffix  string
}

// Applied is a script recorded in a bookkeeping table.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Report is the schema state: applied migrations in order, then the ones
// Up would run next.
type Report struct {
	Applied []Applied
	Pending []string
}

// Manager runs schema migrations and bootstrap seeds. Each script runs in
// its own transaction together with its bookkeeping row.
type Manager struct {
	db     *sql.DB
	schema ledger
	seeds  ledger
	now    func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable renames the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.schema.table = name
		}
	}
}

// WithSeedsTable renames the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// WithClock sets the time recorded for applied scripts.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager. Nil file systems select the embedded scripts.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	if migrations == nil {
		migrations = Migrations()
	}
	if seeds == nil {
		seeds = Seeds()
	}
	m := &Manager{
		db:     db,
		schema: ledger{kind: "migration", table: "schema_migrations", scripts: migrations, suffix: ".up.sql"},
		seeds:  ledger{kind: "seed", table: "schema_seeds", scripts: seeds, suffix: ".sql"},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in file-name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.schema)
}

// Seed applies every seed not yet recorded. Seeds never roll back.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds)
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.schema)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1].Name
	down := strings.TrimSuffix(last, m.schema.suffix) + ".down.sql"
	if _, err := fs.Stat(m.schema.scripts, down); err != nil {
		return fmt.Errorf("%w for %s", ErrMissingDown, last)
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := runScript(ctx, tx, m.schema.scripts, down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.schema.table), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s: %w", last, err)
	}
	return nil
}

// Status reports applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (Report, error) {
	if err := m.prepare(ctx); err != nil {
		return Report{}, err
	}
	applied, err := m.applied(ctx, m.schema)
	if err != nil {
		return Report{}, err
	}
	pending, err := m.pending(m.schema, applied)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Applied: applied}
	for _, s := range pending {
		rep.Pending = append(rep.Pending, s.name)
	}
	return rep, nil
}

func (m *Manager) applyPending(ctx context.Context, l ledger) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, l)
	if err != nil {
		return err
	}
	pending, err := m.pending(l, applied)
	if err != nil {
		return err
	}
	for _, s := range pending {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if err := runScript(ctx, tx, l.scripts, s.path); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, l.table),
				s.name, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", l.kind, s.name, err)
		}
	}
	return nil
}

// prepare creates both bookkeeping tables.
func (m *Manager) prepare(ctx context.Context) error {
	ledgers := []ledger{m.schema, m.seeds}
	for _, l := range ledgers {
		if !tableName.MatchString(l.table) {
			return fmt.Errorf("%w: %q", ErrTableName, l.table)
		}
	}
	for _, l := range ledgers {
		if _, err := m.db.ExecContext(ctx, fmt.Sprintf(ledgerDDL, l.table)); err != nil {
			return fmt.Errorf("create %s table: %w", l.kind, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, l ledger) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, l.table))
	if err != nil {
		return nil, fmt.Errorf("read %s table: %w", l.kind, err)
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *Manager) pending(l ledger, applied []Applied) ([]script, error) {
	all, err := listScripts(l.scripts, l.suffix)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.Name] = true
	}
	return slices.DeleteFunc(all, func(s script) bool { return done[s.name] }), nil
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func runScript(ctx context.Context, tx *sql.Tx, fsys fs.FS, name string) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// script is a SQL file; name is the base name recorded in bookkeeping.
type script struct {
	name string
	path string
}

// listScripts walks fsys for files ending in suffix, ordered by base name.
// A missing directory holds no scripts.
func listScripts(fsys fs.FS, suffix string) ([]script, error) {
	if fsys == nil {
		return nil, nil
	}
	var out []script
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			out = append(out, script{name: path.Base(p), path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b script) int { return strings.Compare(a.name, b.name) })
	return out, nil
}

// splitStatements cuts a script at semicolons outside single-quoted strings.
// Line comments are dropped and blank statements skipped.
func splitStatements(body string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(body)
	for i, r := range runes {
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
			continue
		case quoted:
			quoted = r != '\''
		case r == '\'':
			quoted = true
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			continue
		case r == ';':
			cur.WriteRune(r)
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}
