package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"orgpass.org/ops/migrations"
)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text); create index b_idx on b (id);")},
		"sql/0002_b.down.sql": {Data: []byte("drop table b;")},
		"sql/0001_a.up.sql":   {Data: []byte("create table a (note text default 'x;y');")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, applied_at from schema_migrations").WillReturnRows(
		sqlmock.NewRows([]string{"version", "applied_at"}).AddRow("0001_a", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := NewManager(db, testFiles()).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d versions, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpFailureLeavesVersionUnrecorded(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, applied_at from schema_migrations").WillReturnRows(
		sqlmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("relation exists"))
	mock.ExpectRollback()

	n, err := NewManager(db, testFiles()).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "apply 0001_a") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if n != 0 {
		t.Fatalf("applied %d versions, want 0", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists orgpass_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version from orgpass_migrations order by").WillReturnRows(
		sqlmock.NewRows([]string{"version"}).AddRow("0002_credentials"))
	mock.ExpectBegin()
	mock.ExpectExec("drop index if exists credentials_redeemed_by_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop index if exists credentials_expires_at_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop table if exists credentials").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from orgpass_migrations").WithArgs("0002_credentials").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, migrations.SQL, WithTable("orgpass_migrations"))
	got, err := mgr.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if got != "0002_credentials" {
		t.Fatalf("reverted %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))

	if _, err := NewManager(db, testFiles()).Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestStatusListsPendingVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, applied_at from schema_migrations").WillReturnRows(
		sqlmock.NewRows([]string{"version", "applied_at"}).AddRow("0001_a", at))

	states, err := NewManager(db, testFiles()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 versions, got %+v", states)
	}
	if states[0].Version != "0001_a" || !states[0].AppliedAt.Equal(at) {
		t.Fatalf("unexpected first state %+v", states[0])
	}
	if states[1].Version != "0002_b" || states[1].Applied() {
		t.Fatalf("expected 0002_b pending, got %+v", states[1])
	}
}

func TestLoadRejectsUnpairedVersion(t *testing.T) {
	files := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id text);")},
	}
	if _, err := Load(files); err == nil || !strings.Contains(err.Error(), "0001_a has no .down.sql") {
		t.Fatalf("expected unpaired error, got %v", err)
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	all, err := Load(migrations.SQL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"0001_identities", "0002_credentials", "0003_organizations"}
	if len(all) != len(want) {
		t.Fatalf("expected %d versions, got %d", len(want), len(all))
	}
	for i, mig := range all {
		if mig.Version != want[i] {
			t.Fatalf("version %d = %s, want %s", i, mig.Version, want[i])
		}
	}
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	got := splitStatements("insert into t values ('a;b', 'it''s'); select 1;\n")
	if len(got) != 2 || got[0] != "insert into t values ('a;b', 'it''s');" || got[1] != "select 1;" {
		t.Fatalf("unexpected split %q", got)
	}
}
