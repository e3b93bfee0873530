package namedsql

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// KeyMode selects how an Insert retrieves generated keys.
type KeyMode uint8

const (
	// NoKeys disables key retrieval.
	NoKeys KeyMode = iota
	// LastInsertID reads the key from sql.Result.LastInsertId (SQLite, MySQL).
	LastInsertID
	// ReturningKey reads the key from the single column returned by an
	// INSERT ... RETURNING statement (Postgres, SQLite).
	ReturningKey
)

// Insert is a prepared INSERT. It resets its bindings after every execution.
type Insert struct {
	session
	mode KeyMode
}

// BindWithID binds value and marks its property (or map key) idProperty as
// the target of the generated key written by ExecAndSetID.
func (i *Insert) BindWithID(value any, idProperty string) error {
	if i.mode == NoKeys {
		return ErrKeyRetrievalDisabled
	}

	return i.bind(value, idProperty)
}

// Exec executes the insert and returns the number of affected rows.
func (i *Insert) Exec(ctx context.Context) (int64, error) {
	n, _, err := i.exec(ctx, false)

	return n, err
}

// ExecKey executes the insert and returns the generated key.
func (i *Insert) ExecKey(ctx context.Context) (int64, error) {
	if i.mode == NoKeys {
		return 0, ErrKeyRetrievalDisabled
	}

	_, key, err := i.exec(ctx, true)

	return key, err
}

// ExecAndSetID executes the insert, writes the generated key into every
// payload bound with BindWithID and returns the key.
func (i *Insert) ExecAndSetID(ctx context.Context) (int64, error) {
	if i.mode == NoKeys {
		return 0, ErrKeyRetrievalDisabled
	}

	payloads := i.payloads

	_, key, err := i.exec(ctx, true)
	if err != nil {
		return 0, err
	}

	for _, p := range payloads {
		if p.id == "" {
			continue
		}

		if err := setID(p.value, p.id, key); err != nil {
			return key, wrap("set id", i.params, err)
		}
	}

	return key, nil
}

func (i *Insert) exec(ctx context.Context, wantKey bool) (affected int64, key int64, err error) {
	switch i.state {
	case stateClosed:
		return 0, 0, ErrSessionClosed
	case stateExecuted:
		return 0, 0, ErrDirtySession
	}

	defer i.reset()

	start := time.Now()

	args, err := i.args()
	if err != nil {
		i.log(ctx, "insert", start, nil, err)

		return 0, 0, err
	}

	i.state = stateExecuted

	if wantKey && i.mode == ReturningKey {
		key, err = i.returning(ctx, args)

		i.log(ctx, "insert", start, args, err)

		if err != nil {
			return 0, 0, wrap("insert", i.params, err)
		}

		return 1, key, nil
	}

	res, err := i.stmt.ExecContext(ctx, args...)

	i.log(ctx, "insert", start, args, err)

	if err != nil {
		return 0, 0, wrap("insert", i.params, err)
	}

	if wantKey {
		if key, err = res.LastInsertId(); err != nil {
			return 0, 0, wrap("last insert id", i.params, err)
		}
	}

	affected, err = res.RowsAffected()
	if err != nil && !wantKey {
		return 0, 0, wrap("rows affected", i.params, err)
	}

	return affected, key, nil
}

func (i *Insert) returning(ctx context.Context, args []any) (key int64, err error) {
	rows, err := i.stmt.QueryContext(ctx, args...)
	if err != nil {
		return 0, err
	}

	defer func() {
		err = errors.Join(err, rows.Close())
	}()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	if len(columns) > 1 {
		return 0, fmt.Errorf("%w: %d columns", ErrMultiColumnKey, len(columns))
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}

		return 0, ErrNoGeneratedKey
	}

	if err := rows.Scan(&key); err != nil {
		return 0, err
	}

	return key, rows.Err()
}

func setID(value any, id string, key int64) error {
	rv := reflect.ValueOf(value)

	if rv.Kind() == reflect.Map {
		elem := reflect.New(rv.Type().Elem()).Elem()
		if err := assign(elem, key); err != nil {
			return err
		}

		rv.SetMapIndex(reflect.ValueOf(id).Convert(rv.Type().Key()), elem)

		return nil
	}

	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: %s of %T (pass a pointer)", ErrNotSettable, id, value)
	}

	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}

	shape, err := ShapeOf(rv.Type())
	if err != nil {
		return err
	}

	prop, ok := shape.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s has no property %s", ErrNotSettable, rv.Type(), id)
	}

	return assign(prop.Field(rv), key)
}

// InsertBatch inserts every value with a fresh set of bindings.
func InsertBatch[T any](ctx context.Context, i *Insert, values []T) error {
	if err := i.fresh(); err != nil {
		return err
	}

	for n, v := range values {
		if err := i.Bind(v); err != nil {
			return fmt.Errorf("insert batch element %d: %w", n, err)
		}

		if _, err := i.Exec(ctx); err != nil {
			return fmt.Errorf("insert batch element %d: %w", n, err)
		}
	}

	return nil
}

// InsertBatchKeys inserts every value and returns the generated keys in order.
func InsertBatchKeys[T any](ctx context.Context, i *Insert, values []T) ([]int64, error) {
	if i.mode == NoKeys {
		return nil, ErrKeyRetrievalDisabled
	}

	if err := i.fresh(); err != nil {
		return nil, err
	}

	keys := make([]int64, 0, len(values))

	for n, v := range values {
		if err := i.Bind(v); err != nil {
			return keys, fmt.Errorf("insert batch element %d: %w", n, err)
		}

		key, err := i.ExecKey(ctx)
		if err != nil {
			return keys, fmt.Errorf("insert batch element %d: %w", n, err)
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// InsertBatchSetIDs inserts every value and writes its generated key into
// idProperty. T must be a pointer to a struct or a map with string keys.
func InsertBatchSetIDs[T any](ctx context.Context, i *Insert, idProperty string, values []T) error {
	if i.mode == NoKeys {
		return ErrKeyRetrievalDisabled
	}

	if err := i.fresh(); err != nil {
		return err
	}

	if t := reflect.TypeFor[T](); t.Kind() != reflect.Pointer && !isStringMap(t) {
		return fmt.Errorf("%w: %s of %s (use a pointer)", ErrNotSettable, idProperty, t)
	}

	for n, v := range values {
		if err := i.BindWithID(v, idProperty); err != nil {
			return fmt.Errorf("insert batch element %d: %w", n, err)
		}

		if _, err := i.ExecAndSetID(ctx); err != nil {
			return fmt.Errorf("insert batch element %d: %w", n, err)
		}
	}

	return nil
}

func (s *session) fresh() error {
	switch {
	case s.state == stateClosed:
		return ErrSessionClosed
	case s.state != stateFresh || len(s.payloads) > 0:
		return ErrDirtySession
	}

	return nil
}
