package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id text);\n-- trailing; comment\n")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id text); insert into b values ('x;y');")},
		"m/README.md":       {Data: []byte("ignored")},
		"s/0001_seed.sql":   {Data: []byte("insert into a values ('1');")},
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b values \\('x;y'\\)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, WithFS(testFS(), "m", "s"), WithClock(func() time.Time { return fixedNow }))
	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied set: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	mgr := NewManager(db, WithFS(testFS(), "m", "s"))
	applied, err := mgr.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should be applied: %v", applied)
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

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name = \\$1").WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, WithFS(testFS(), "m", "s"))
	name, err := mgr.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0001_a.up.sql" {
		t.Fatalf("unexpected reverted migration: %s", name)
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

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := NewManager(db, WithFS(testFS(), "m", "s")).Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSeedSkipsRecorded(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_seed.sql"))

	applied, err := NewManager(db, WithFS(testFS(), "m", "s")).Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("recorded seed reapplied: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header; with semicolon\ncreate table t (v text default 'a;b');\n\ninsert into t values ('it''s');")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
	if strings.Contains(stmts[0], "header") {
		t.Fatalf("comment kept: %q", stmts[0])
	}
}

func TestEmbeddedSchemaPairs(t *testing.T) {
	ups, err := fs.Glob(embedded, "sql/*.up.sql")
	if err != nil || len(ups) == 0 {
		t.Fatalf("no embedded migrations: %v", err)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(embedded, down); err != nil {
			t.Fatalf("%s has no down migration", up)
		}
	}
	seeds, err := fs.ReadFile(embedded, "seeds/0001_catalogue.sql")
	if err != nil {
		t.Fatalf("read seeds: %v", err)
	}
	for _, role := range []string{"super_admin", "admin", "user", "guest"} {
		if !strings.Contains(string(seeds), "'"+role+"'") {
			t.Fatalf("seed missing role %s", role)
		}
	}
}

func TestEmbeddedSchemaConstraints(t *testing.T) {
	schema, err := fs.ReadFile(embedded, "sql/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	seeds, err := fs.ReadFile(embedded, "seeds/0001_catalogue.sql")
	if err != nil {
		t.Fatalf("read seeds: %v", err)
	}
	tables := map[string]string{}
	for _, stmt := range splitStatements(string(schema)) {
		if name, ok := strings.CutPrefix(strings.TrimSpace(stmt), "create table if not exists "); ok {
			name, _, _ = strings.Cut(name, " ")
			tables[name] = stmt
		}
	}
	for table, want := range map[string]string{
		"applications": "name text not null unique",
		"sessions":     "application_id text not null references applications(id) on delete cascade",
	} {
		if !strings.Contains(tables[table], want) {
			t.Fatalf("%s table lacks %q", table, want)
		}
	}
	bindings := 0
	for _, stmt := range splitStatements(string(seeds)) {
		if !strings.Contains(stmt, "insert into role_permissions") {
			continue
		}
		bindings++
		if !strings.Contains(stmt, "r.is_system") {
			t.Fatalf("seed binding may target a custom role: %s", stmt)
		}
	}
	if bindings == 0 {
		t.Fatal("no role bindings in seeds")
	}
}
