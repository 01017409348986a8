package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var t0 = time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectPrepare(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b', 'it''s');\ncreate index i on t (x);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") || !strings.Contains(stmts[0], "'it''s'") {
		t.Fatalf("quoted text split: %q", stmts[0])
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	stmts := splitStatements("-- roles; keep\ncreate table r (id int); -- trailing;\n\n-- end\n")
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "create table r (id int);" {
		t.Fatalf("unexpected statement %q", stmts[0])
	}
	if got := splitStatements("insert into n values ('--not a comment');"); len(got) != 1 || !strings.Contains(got[0], "--not") {
		t.Fatalf("dashes inside a string were dropped: %q", got)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := listScripts(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.name, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
	seeds, err := listScripts(Seeds(), ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %d (%v)", len(seeds), err)
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock := newMock(t)
	migrations := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_a.up.sql", t0))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", t0.Add(time.Hour)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, migrations, fstest.MapFS{}, WithClock(func() time.Time { return t0.Add(time.Hour) }))
	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	verify(t, mock)
}

func TestFailedScriptLeavesNoRecord(t *testing.T) {
	db, mock := newMock(t)
	seeds := fstest.MapFS{"0001_admin.sql": {Data: []byte("insert into roles values (1);\ninsert into broken;")}}
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := NewManager(db, fstest.MapFS{}, seeds).Seed(context.Background())
	if err == nil || !strings.Contains(err.Error(), "apply seed 0001_admin.sql") {
		t.Fatalf("expected seed failure, got %v", err)
	}
	verify(t, mock)
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)
	migrations := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).
			AddRow("0001_a.up.sql", t0).AddRow("0002_b.up.sql", t0.Add(time.Minute)))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewManager(db, migrations, nil).Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	verify(t, mock)
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock := newMock(t)
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0002_b.up.sql", t0))

	mgr := NewManager(db, fstest.MapFS{"0002_b.up.sql": {Data: []byte("select 1;")}}, nil)
	err := mgr.Down(context.Background())
	if !errors.Is(err, ErrMissingDown) || !strings.Contains(err.Error(), "0002_b.up.sql") {
		t.Fatalf("expected missing down migration, got %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock := newMock(t)
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))

	if err := NewManager(db, fstest.MapFS{}, nil).Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestStatusReportsAppliedAndPending(t *testing.T) {
	db, mock := newMock(t)
	migrations := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("select 1;")},
		"0002_b.up.sql": {Data: []byte("select 1;")},
		"0003_c.up.sql": {Data: []byte("select 1;")},
	}
	expectPrepare(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_a.up.sql", t0))

	rep, err := NewManager(db, migrations, nil).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(rep.Applied) != 1 || rep.Applied[0].Name != "0001_a.up.sql" || !rep.Applied[0].AppliedAt.Equal(t0) {
		t.Fatalf("unexpected applied %+v", rep.Applied)
	}
	if strings.Join(rep.Pending, ",") != "0002_b.up.sql,0003_c.up.sql" {
		t.Fatalf("unexpected pending %v", rep.Pending)
	}
	verify(t, mock)
}

func TestInvalidTableNameIsRejected(t *testing.T) {
	db, mock := newMock(t)
	err := NewManager(db, fstest.MapFS{}, nil, WithSeedsTable("seeds; drop table users")).Up(context.Background())
	if !errors.Is(err, ErrTableName) {
		t.Fatalf("expected ErrTableName, got %v", err)
	}
	verify(t, mock)
}
