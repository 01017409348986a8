package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
)

var t0 = time.Date(2026, 4, 2, 9, 15, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var userCols = []string{"id", "username", "password_hash", "status", "root_admin", "access_scope", "department",
	"failed_attempts", "lockout_until", "password_reset_required", "created_at", "updated_at"}

var permCols = []string{"id", "name", "module", "resource", "action", "scope", "field", "visible", "editable",
	"mask", "effect", "condition", "description", "created_by", "created_at", "retired_at", "superseded_by"}

func TestRecordLoginFailureIsOneStatement(t *testing.T) {
	s, mock := newMock(t)
	lockUntil := t0.Add(30 * time.Minute)
	mock.ExpectQuery(`update users\s+set failed_attempts = failed_attempts \+ 1`).
		WithArgs("u1", 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "operator", "hash", "active", false, "FACTORY_ONLY", "assembly", 5, lockUntil, false, t0, t0))

	u, err := s.RecordLoginFailure(context.Background(), "u1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if u.FailedAttempts != 5 || u.LockoutUntil == nil || !u.LockoutUntil.Equal(lockUntil) {
		t.Fatalf("unexpected user state: %+v", u)
	}
	if u.Status != auth.StatusActive || u.AccessScope != auth.ScopeFactoryOnly {
		t.Fatalf("enum columns not decoded: %+v", u)
	}
	verify(t, mock)
}

func TestFindByUsernameNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users where username").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := s.FindByUsername(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreateUser(context.Background(), &auth.User{ID: "u1", Username: "operator", Status: auth.StatusPending})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	verify(t, mock)
}

func TestApplyBatchWritesHistoryPerTarget(t *testing.T) {
	s, mock := newMock(t)
	exp := t0.Add(24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	for _, target := range []string{"p1", "p2"} {
		mock.ExpectQuery("select retired_at is not null from permissions").WithArgs(target).WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(false))
		mock.ExpectExec("insert into user_permissions").
			WithArgs("u1", target, sqlmock.AnyArg(), "root", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("insert into permission_history").
			WithArgs("h-"+target, "user", "u1", target, "grant", "root", "cover", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	err := s.ApplyBatch(context.Background(), access.GrantBatch{
		SubjectKind: access.SubjectUser, SubjectID: "u1", Event: access.EventGrant,
		TargetIDs: []string{"p1", "p2"}, HistoryIDs: []string{"h-p1", "h-p2"},
		ExpiresAt: &exp, ActorID: "root", Reason: "cover", At: t0,
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	verify(t, mock)
}

func TestApplyBatchRollsBackOnUnknownTarget(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select retired_at is not null from permissions").WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(true))
	mock.ExpectExec("update role_permissions set active = false").WithArgs("r1", "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into permission_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select retired_at is not null from permissions").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"retired"}))
	mock.ExpectRollback()

	err := s.ApplyBatch(context.Background(), access.GrantBatch{
		SubjectKind: access.SubjectRole, SubjectID: "r1", Event: access.EventRevoke,
		TargetIDs: []string{"p1", "missing"}, HistoryIDs: []string{"h1", "h2"},
		ActorID: "root", Reason: "cleanup", At: t0,
	})
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestApplyBatchRejectsRetiredPermission(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select retired_at is not null from permissions (.+) for share").WithArgs("p-old").
		WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(true))
	mock.ExpectRollback()

	err := s.ApplyBatch(context.Background(), access.GrantBatch{
		SubjectKind: access.SubjectUser, SubjectID: "u1", Event: access.EventGrant,
		TargetIDs: []string{"p-old"}, HistoryIDs: []string{"h1"},
		ActorID: "root", Reason: "cover", At: t0,
	})
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	verify(t, mock)
}

func TestApplyBatchRevokeOfUnheldGrant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select retired_at is not null from permissions").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(false))
	mock.ExpectExec("update user_permissions set active = false").WithArgs("u1", "p1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ApplyBatch(context.Background(), access.GrantBatch{
		SubjectKind: access.SubjectUser, SubjectID: "u1", Event: access.EventRevoke,
		TargetIDs: []string{"p1"}, HistoryIDs: []string{"h1"},
		ActorID: "root", Reason: "cleanup", At: t0,
	})
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestApplyBatchUnassignOfUnheldRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select false from roles").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(false))
	mock.ExpectExec("update user_roles set active = false").WithArgs("u1", "r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ApplyBatch(context.Background(), access.GrantBatch{
		SubjectKind: access.SubjectUser, SubjectID: "u1", Event: access.EventUnassign,
		TargetIDs: []string{"r1"}, HistoryIDs: []string{"h1"},
		ActorID: "root", Reason: "rotation", At: t0,
	})
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestEffectiveGrantsSingleQuery(t *testing.T) {
	s, mock := newMock(t)
	cols := append(append([]string{}, permCols...), "source")
	mock.ExpectQuery("union all").WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "production.dpr.view", "production", "dpr", "view", "global", "", false, false,
				"none", "allow", "", "", "root", t0, nil, "", "direct").
			AddRow("p2", "production.dpr.view.salary", "production", "dpr", "view", "field", "salary", true, false,
				"partial", "allow", "", "", "root", t0, nil, "", "role:payroll"))

	got, err := s.EffectiveGrants(context.Background(), "u1", t0)
	if err != nil {
		t.Fatalf("EffectiveGrants: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(got))
	}
	if got[1].Source != "role:payroll" || got[1].Permission.Mask != access.MaskPartial || got[1].Permission.Scope != access.ScopeField {
		t.Fatalf("unexpected role grant: %+v", got[1])
	}
	verify(t, mock)
}

func TestSupersedeRetiresThenInserts(t *testing.T) {
	s, mock := newMock(t)
	next := &access.Permission{ID: "p2", Name: "production.dpr.view", Module: "production", Resource: "dpr",
		Action: access.ActionView, Scope: access.ScopeGlobal, Mask: access.MaskNone, Effect: access.EffectAllow, CreatedAt: t0}
	mock.ExpectBegin()
	mock.ExpectQuery("select retired_at from permissions").WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"retired_at"}).AddRow(nil))
	mock.ExpectExec("update permissions set retired_at").WithArgs("p1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into permissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update permissions set superseded_by").WithArgs("p1", "p2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Supersede(context.Background(), "p1", next, t0); err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	verify(t, mock)
}

func TestSupersedeAlreadyRetired(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select retired_at from permissions").WithArgs("p1").WillReturnRows(sqlmock.NewRows([]string{"retired_at"}).AddRow(t0))
	mock.ExpectRollback()

	if err := s.Supersede(context.Background(), "p1", &access.Permission{ID: "p2"}, t0); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	verify(t, mock)
}

func TestDeactivateExpiredSessions(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update sessions set active = false").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeactivateExpiredSessions(context.Background(), t0)
	if err != nil {
		t.Fatalf("DeactivateExpiredSessions: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	verify(t, mock)
}

func TestAuditListBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "occurred_at", "actor_id", "action", "resource_type", "resource_id", "detail",
		"outcome", "origin", "user_agent", "privileged_override", "request_id"}
	mock.ExpectQuery(`from audit_log where actor_id = \$1 and action = \$2 order by occurred_at desc, id desc limit \$3`).
		WithArgs("u1", "auth.login", 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a1", t0, "u1", "auth.login", "user", "u1", []byte(`{"reason":"locked"}`), "failure", "10.0.0.5", "", false, "req-1"))

	got, err := s.List(context.Background(), audit.Filter{ActorID: "u1", Action: "auth.login", Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Detail["reason"] != "locked" || got[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("unexpected entries: %+v", got)
	}
	verify(t, mock)
}

func TestNilDatabase(t *testing.T) {
	s := &Store{}
	if _, err := s.FindByID(context.Background(), "u1"); err == nil {
		t.Fatal("expected error without database")
	}
}
