package namedsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Query is a prepared SELECT (or any statement returning rows).
type Query struct {
	session
	rows *sql.Rows
}

// Rows executes the query and returns its cursor. The query executes once;
// call Reset to run it again.
func (q *Query) Rows(ctx context.Context) (*sql.Rows, error) {
	switch q.state {
	case stateClosed:
		return nil, ErrSessionClosed
	case stateExecuted:
		if q.rows == nil {
			return nil, ErrDirtySession
		}

		return q.rows, nil
	}

	start := time.Now()

	args, err := q.args()
	if err != nil {
		q.log(ctx, "query", start, nil, err)

		return nil, err
	}

	rows, err := q.stmt.QueryContext(ctx, args...)

	q.log(ctx, "query", start, args, err)

	if err != nil {
		return nil, wrap("query", q.params, err)
	}

	q.rows = rows
	q.state = stateExecuted

	return rows, nil
}

// release closes the cursor; the query stays executed.
func (q *Query) release() error {
	if q.rows == nil {
		return nil
	}

	rows := q.rows
	q.rows = nil

	return wrap("close rows", q.params, errors.Join(rows.Close(), rows.Err()))
}

// Reset closes the cursor and discards all bindings.
func (q *Query) Reset() error {
	if q.state == stateClosed {
		return ErrSessionClosed
	}

	err := q.release()

	q.reset()

	return err
}

// Close closes the cursor and the prepared statement. It is safe to call more than once.
func (q *Query) Close() error {
	if q.state == stateClosed {
		return nil
	}

	return errors.Join(q.release(), q.session.Close())
}

// Scalar returns the first column of the first row. It reports false when
// the query returns no rows.
func Scalar[T any](ctx context.Context, q *Query) (T, bool, error) {
	var zero T

	rows, err := q.Rows(ctx)
	if err != nil {
		return zero, false, err
	}

	defer q.release()

	read, err := columnReader[T](q, rows)
	if err != nil {
		return zero, false, err
	}

	if !rows.Next() {
		return zero, false, wrap("scalar", q.params, rows.Err())
	}

	v, err := read()
	if err != nil {
		return zero, false, wrap("scalar", q.params, err)
	}

	return v, true, nil
}

// FirstColumn returns the first column of every row.
func FirstColumn[T any](ctx context.Context, q *Query) ([]T, error) {
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}

	defer q.release()

	read, err := columnReader[T](q, rows)
	if err != nil {
		return nil, err
	}

	var values []T

	for rows.Next() {
		v, err := read()
		if err != nil {
			return nil, wrap("first column", q.params, err)
		}

		values = append(values, v)
	}

	return values, wrap("first column", q.params, rows.Err())
}

func columnReader[T any](q *Query, rows *sql.Rows) (func() (T, error), error) {
	columns, err := columnsOf(rows)
	if err != nil {
		return nil, wrap("columns", q.params, err)
	}

	if len(columns) == 0 {
		return nil, wrap("columns", q.params, errors.New("query returns no columns"))
	}

	reader := q.engine.extracts.Reader(columns[0].Kind)

	return func() (T, error) {
		var value T

		dest := make([]any, len(columns))

		var sink sql.RawBytes
		for i := range dest {
			dest[i] = &sink
		}

		dest[0] = reader.New()

		if err := rows.Scan(dest...); err != nil {
			return value, err
		}

		v, err := reader.Value(dest[0])
		if err != nil {
			return value, err
		}

		err = assign(reflect.ValueOf(&value).Elem(), v)

		return value, err
	}, nil
}

// All converts every row into a T, a struct, pointer to struct or map with string keys.
func All[T any](ctx context.Context, q *Query) ([]T, error) {
	x, err := Extract[T](ctx, q)
	if err != nil {
		return nil, err
	}

	defer q.release()

	return x.Rest()
}

// Extractor converts rows into values of T. It reads one row ahead so that
// Exhausted reports true as soon as the last row has been returned.
type Extractor[T any] struct {
	q       *Query
	rows    *sql.Rows
	plan    *ExtractPlan
	pointer bool
	ahead   bool
	err     error
}

// Extract executes the query if necessary and returns an Extractor over its rows.
func Extract[T any](ctx context.Context, q *Query) (*Extractor[T], error) {
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}

	columns, err := columnsOf(rows)
	if err != nil {
		return nil, wrap("columns", q.params, err)
	}

	t := reflect.TypeFor[T]()
	pointer := false

	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		t, pointer = t.Elem(), true
	}

	if t.Kind() != reflect.Struct && !isStringMap(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, t)
	}

	plan, err := q.engine.extractPlan(t, columns)
	if err != nil {
		return nil, wrap("extract", q.params, err)
	}

	x := &Extractor[T]{q: q, rows: rows, plan: plan, pointer: pointer}
	x.advance()

	return x, nil
}

func (x *Extractor[T]) advance() {
	x.ahead = x.rows.Next()
	if !x.ahead {
		x.err = x.rows.Err()
	}
}

// Exhausted reports whether all rows have been returned.
func (x *Extractor[T]) Exhausted() bool {
	return !x.ahead
}

// Next returns the next row. It reports false once the rows are exhausted.
func (x *Extractor[T]) Next() (T, bool, error) {
	var value T

	if !x.ahead {
		return value, false, wrap("extract", x.q.params, x.err)
	}

	root := x.plan.new()
	if err := x.plan.scan(x.rows, root); err != nil {
		return value, false, wrap("extract", x.q.params, err)
	}

	if x.pointer {
		value = root.Addr().Interface().(T)
	} else {
		value = root.Interface().(T)
	}

	x.advance()

	return value, true, nil
}

// Batch returns up to n rows.
func (x *Extractor[T]) Batch(n int) ([]T, error) {
	if n < 1 {
		return nil, fmt.Errorf("namedsql: batch size must be positive, got %d", n)
	}

	values := make([]T, 0, min(n, 256))

	for len(values) < n {
		v, ok, err := x.Next()
		if err != nil {
			return values, err
		}

		if !ok {
			break
		}

		values = append(values, v)
	}

	return values, nil
}

// Rest returns all remaining rows.
func (x *Extractor[T]) Rest() ([]T, error) {
	var values []T

	for {
		v, ok, err := x.Next()
		if err != nil {
			return values, err
		}

		if !ok {
			return values, nil
		}

		values = append(values, v)
	}
}

func (p *ExtractPlan) new() reflect.Value {
	if p.target.Kind() == reflect.Map {
		return reflect.MakeMapWithSize(p.target, len(p.Steps))
	}

	return reflect.New(p.target).Elem()
}
