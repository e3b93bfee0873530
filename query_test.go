package namedsql

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const staffSchema = `
CREATE TABLE staff (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	full_name TEXT NOT NULL,
	pay REAL,
	hire_date DATETIME,
	day INTEGER NOT NULL DEFAULT 0
);
INSERT INTO staff (full_name, pay, hire_date, day) VALUES
	('ann', 10.5, '2024-01-02 03:04:05', 1),
	('bob', 20, NULL, 2),
	('cid', NULL, NULL, 0);
`

type staff struct {
	ID       int64
	FullName string
	Salary   *float64 `db:"pay"`
	HireDate *time.Time
	Day      weekday
}

func TestBindFillsEveryPosition(t *testing.T) {
	rec := &recorder{}
	db, _ := newTestDB(t, rec.handler(&testResult{cols: []string{"a"}, types: []string{"INTEGER"}}))

	ctx := context.Background()

	q := must(must(NewEngine().SQL("SELECT * FROM T WHERE a = :x AND b = :x"))(t).Query(ctx, db))(t)
	defer q.Close()

	if err := q.BindValue("x", 5); err != nil {
		t.Fatal(err)
	}

	rows := must(All[map[string]any](ctx, q))(t)
	eq(t, len(rows), 0)

	if got := rec.last(); !reflect.DeepEqual(got, []any{int64(5), int64(5)}) {
		t.Fatalf("got %#v, want both positions bound to 5", got)
	}
}

func TestUnboundParameters(t *testing.T) {
	db, _ := newTestDB(t, (&recorder{}).handler(nil))

	ctx := context.Background()

	q := must(must(NewEngine().SQL("SELECT :a, :b, :c"))(t).Query(ctx, db))(t)
	defer q.Close()

	if err := q.Bind(map[string]any{"b": 1}); err != nil {
		t.Fatal(err)
	}

	_, err := q.Rows(ctx)
	if !errors.Is(err, ErrUnboundParameters) {
		t.Fatalf("got %v, want ErrUnboundParameters", err)
	}

	if !strings.Contains(err.Error(), ": a, c (sql: SELECT :a, :b, :c)") {
		t.Fatalf("error does not name the missing parameters: %v", err)
	}
}

func TestBindValueUnknownName(t *testing.T) {
	db, _ := newTestDB(t, (&recorder{}).handler(nil))

	q := must(must(NewEngine().SQL("SELECT :a"))(t).Query(context.Background(), db))(t)
	defer q.Close()

	if err := q.BindValue("b", 1); !errors.Is(err, ErrNoSuchParameter) {
		t.Fatalf("got %v, want ErrNoSuchParameter", err)
	}
}

func TestBindUnsupportedPayload(t *testing.T) {
	db, _ := newTestDB(t, (&recorder{}).handler(nil))

	q := must(must(NewEngine().SQL("SELECT :a"))(t).Query(context.Background(), db))(t)
	defer q.Close()

	for _, v := range []any{nil, 1, "a", []int{1}, map[int]any{1: 1}} {
		if err := q.Bind(v); !errors.Is(err, ErrUnsupportedPayload) {
			t.Fatalf("Bind(%#v): got %v, want ErrUnsupportedPayload", v, err)
		}
	}
}

func TestLaterPayloadsWin(t *testing.T) {
	rec := &recorder{}
	db, _ := newTestDB(t, rec.handler(nil))

	ctx := context.Background()

	type params struct{ A, B string }

	u := must(must(NewEngine().SQL("UPDATE t SET a = :A WHERE b = :B"))(t).Update(ctx, db))(t)
	defer u.Close()

	if err := u.Bind(&params{A: "a", B: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := u.BindValue("B", "override"); err != nil {
		t.Fatal(err)
	}

	eq(t, must(u.Exec(ctx))(t), 1)

	if got := rec.last(); !reflect.DeepEqual(got, []any{"a", "override"}) {
		t.Fatalf("got %#v", got)
	}

	// Update resets after execution, so binding again is allowed.
	if err := u.Bind(params{A: "x", B: "y"}); err != nil {
		t.Fatal(err)
	}

	must(u.Exec(ctx))(t)

	if got := rec.last(); !reflect.DeepEqual(got, []any{"x", "y"}) {
		t.Fatalf("got %#v", got)
	}
}

func TestQueryLifecycle(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()

	q := must(must(NewEngine().SQL("SELECT full_name FROM staff WHERE day >= :day ORDER BY id"))(t).Query(ctx, db))(t)

	if err := q.BindValue("day", 1); err != nil {
		t.Fatal(err)
	}

	names := must(FirstColumn[string](ctx, q))(t)
	eq(t, strings.Join(names, ","), "ann,bob")

	if err := q.BindValue("day", 0); !errors.Is(err, ErrDirtySession) {
		t.Fatalf("got %v, want ErrDirtySession", err)
	}

	if _, err := q.Rows(ctx); !errors.Is(err, ErrDirtySession) {
		t.Fatalf("got %v, want ErrDirtySession", err)
	}

	if err := q.Reset(); err != nil {
		t.Fatal(err)
	}

	if err := q.BindValue("day", 0); err != nil {
		t.Fatal(err)
	}

	names = must(FirstColumn[string](ctx, q))(t)
	eq(t, len(names), 3)

	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := q.Bind(map[string]any{"day": 1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}

	if _, err := q.Rows(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}

	if err := q.Reset(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}
}

func TestScalar(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()
	e := NewEngine()

	q := must(must(e.SQL("SELECT count(*) FROM staff WHERE day > :day"))(t).Query(ctx, db))(t)
	defer q.Close()

	if err := q.BindValue("day", 0); err != nil {
		t.Fatal(err)
	}

	n, ok, err := Scalar[int](ctx, q)
	if err != nil || !ok {
		t.Fatalf("got %v, %v", ok, err)
	}

	eq(t, n, 2)

	none := must(must(e.SQL("SELECT pay FROM staff WHERE id = :id"))(t).Query(ctx, db))(t)
	defer none.Close()

	if err := none.BindValue("id", 99); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := Scalar[float64](ctx, none); ok || err != nil {
		t.Fatalf("got %v, %v, want no row", ok, err)
	}
}

func TestAllTargets(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()
	e := NewEngine()

	stmt := must(e.SQL("SELECT id, full_name, pay, hire_date, day FROM staff ORDER BY id"))(t)

	t.Run("struct", func(t *testing.T) {
		q := must(stmt.Query(ctx, db))(t)
		defer q.Close()

		rows := must(All[staff](ctx, q))(t)
		eq(t, len(rows), 3)

		ann := rows[0]
		eq(t, ann.ID, 1)
		eq(t, ann.FullName, "ann")
		eq(t, *ann.Salary, 10.5)
		eq(t, ann.Day, weekday(1))

		if ann.HireDate == nil || !ann.HireDate.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Fatalf("got hire date %v", ann.HireDate)
		}

		eq(t, *rows[1].Salary, 20)

		if rows[1].HireDate != nil || rows[2].Salary != nil {
			t.Fatal("NULL columns must leave pointers nil")
		}
	})

	t.Run("pointer", func(t *testing.T) {
		q := must(stmt.Query(ctx, db))(t)
		defer q.Close()

		rows := must(All[*staff](ctx, q))(t)
		eq(t, len(rows), 3)
		eq(t, rows[2].FullName, "cid")
	})

	t.Run("map", func(t *testing.T) {
		q := must(stmt.Query(ctx, db))(t)
		defer q.Close()

		rows := must(All[map[string]any](ctx, q))(t)
		eq(t, len(rows), 3)
		eq(t, rows[1]["fullName"].(string), "bob")

		if _, ok := rows[2]["pay"]; !ok {
			t.Fatal("NULL columns must still appear as keys")
		}

		eq(t, rows[2]["pay"], nil)
	})

	t.Run("unsupported", func(t *testing.T) {
		q := must(stmt.Query(ctx, db))(t)
		defer q.Close()

		if _, err := All[int](ctx, q); !errors.Is(err, ErrUnsupportedPayload) {
			t.Fatalf("got %v, want ErrUnsupportedPayload", err)
		}
	})
}

func TestExtractorBatches(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()

	q := must(must(NewEngine().SQL("SELECT id, full_name FROM staff ORDER BY id"))(t).Query(ctx, db))(t)
	defer q.Close()

	x := must(Extract[staff](ctx, q))(t)

	if x.Exhausted() {
		t.Fatal("fresh extractor over three rows reports exhaustion")
	}

	if _, err := x.Batch(0); err == nil {
		t.Fatal("expected error for batch size 0")
	}

	first := must(x.Batch(2))(t)
	eq(t, len(first), 2)
	eq(t, first[1].FullName, "bob")

	if x.Exhausted() {
		t.Fatal("one row is left")
	}

	second := must(x.Batch(2))(t)
	eq(t, len(second), 1)
	eq(t, second[0].ID, 3)

	if !x.Exhausted() {
		t.Fatal("extractor must report exhaustion right after the last row")
	}

	rest := must(x.Rest())(t)
	eq(t, len(rest), 0)
}

func TestColumnMapperConfig(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()

	e := NewEngine(ColumnMapper(func(label string) string {
		return strings.TrimPrefix(label, "x_")
	}))

	q := must(must(e.SQL("SELECT id AS x_id, full_name AS x_fullname FROM staff WHERE id = :id"))(t).Query(ctx, db))(t)
	defer q.Close()

	if err := q.BindValue("id", 2); err != nil {
		t.Fatal(err)
	}

	rows := must(All[staff](ctx, q))(t)
	eq(t, len(rows), 1)
	eq(t, rows[0].ID, 2)
	eq(t, rows[0].FullName, "bob")
}

func TestLogger(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()

	var infos []Info

	e := NewEngine(Logger(func(_ context.Context, info Info) {
		infos = append(infos, info)
	}))

	q := must(must(e.SQL("SELECT full_name FROM staff WHERE id = :id"))(t).Query(ctx, db))(t)
	defer q.Close()

	if _, err := q.Rows(ctx); err == nil {
		t.Fatal("expected unbound error")
	}

	if err := q.BindValue("id", 1); err != nil {
		t.Fatal(err)
	}

	must(FirstColumn[string](ctx, q))(t)

	eq(t, len(infos), 2)
	eq(t, infos[0].Op, "query")

	if !errors.Is(infos[0].Err, ErrUnboundParameters) {
		t.Fatalf("got %v", infos[0].Err)
	}

	eq(t, infos[1].Normalized, "SELECT full_name FROM staff WHERE id = ?")
	eq(t, infos[1].SQL, "SELECT full_name FROM staff WHERE id = :id")

	if !reflect.DeepEqual(infos[1].Args, []any{int64(1)}) {
		t.Fatalf("got args %#v", infos[1].Args)
	}
}

func TestExecErrorCarriesSQL(t *testing.T) {
	db := openSQLite(t, staffSchema)
	ctx := context.Background()

	stmt := must(NewEngine().SQL("UPDATE staff SET full_name = :name WHERE id = :id"))(t)

	_, err := stmt.Exec(ctx, db, map[string]any{"name": nil, "id": 1})

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("got %v, want *Error", err)
	}

	eq(t, e.Op, "update")
	eq(t, e.Normalized, "UPDATE staff SET full_name = ? WHERE id = ?")

	n := must(stmt.Exec(ctx, db, map[string]any{"name": "dee", "id": 1}))(t)
	eq(t, n, 1)
}
