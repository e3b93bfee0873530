package namedsql

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"
)

type state uint8

const (
	stateFresh state = iota
	stateBound
	stateExecuted
	stateClosed
)

type payload struct {
	value any
	id    string
}

// session is the state shared by Query, Insert and Update. A session is
// meant to be used by one goroutine at a time.
type session struct {
	engine   *Engine
	params   *ParameterMap
	conn     Conn
	stmt     *sql.Stmt
	state    state
	payloads []payload
	fixed    map[string]any
}

// Parameters returns the parameter map of the statement.
func (s *session) Parameters() *ParameterMap {
	return s.params
}

// Bind adds a struct, pointer to struct or map with string keys whose
// properties are bound to the parameters of the same name. Payloads are
// applied in order at execution, so later payloads win.
func (s *session) Bind(value any) error {
	return s.bind(value, "")
}

// BindValue binds value to the parameter name.
func (s *session) BindValue(name string, value any) error {
	if !s.params.Has(name) {
		return fmt.Errorf("%w: %s (sql: %s)", ErrNoSuchParameter, name, collapse(s.params.Original()))
	}

	return s.bind(map[string]any{name: value}, "")
}

func (s *session) bind(value any, id string) error {
	switch s.state {
	case stateClosed:
		return ErrSessionClosed
	case stateExecuted:
		return ErrDirtySession
	}

	if !bindable(value) {
		return fmt.Errorf("%w: %T", ErrUnsupportedPayload, value)
	}

	s.payloads = append(s.payloads, payload{value: value, id: id})
	s.state = stateBound

	return nil
}

func bindable(value any) bool {
	if value == nil {
		return false
	}

	t := reflect.TypeOf(value)

	if isStringMap(t) {
		return true
	}

	return derefType(t).Kind() == reflect.Struct
}

// args applies all payloads and verifies every parameter was bound.
func (s *session) args() ([]any, error) {
	args := make([]any, s.params.Count())
	bound := make(map[string]struct{}, len(s.params.params))

	if s.fixed != nil {
		if err := bindMap(reflect.ValueOf(s.fixed), s.params, s.engine.binds, args, bound); err != nil {
			return nil, err
		}
	}

	for _, p := range s.payloads {
		rv := reflect.ValueOf(p.value)

		if rv.Kind() == reflect.Map {
			if err := bindMap(rv, s.params, s.engine.binds, args, bound); err != nil {
				return nil, err
			}

			continue
		}

		for rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil, fmt.Errorf("%w: nil %T", ErrUnsupportedPayload, p.value)
			}

			rv = rv.Elem()
		}

		plan, err := s.engine.bindPlan(rv.Type(), s.params)
		if err != nil {
			return nil, err
		}

		if err := plan.apply(rv, args, bound); err != nil {
			return nil, err
		}
	}

	if len(bound) < len(s.params.params) {
		var missing []string

		for _, p := range s.params.params {
			if _, ok := bound[p.Name]; !ok {
				missing = append(missing, p.Name)
			}
		}

		return nil, unboundError(s.params, missing)
	}

	return args, nil
}

// Reset discards all bindings so the statement can be executed again.
// Values rendered by a Template stay bound.
func (s *session) Reset() error {
	if s.state == stateClosed {
		return ErrSessionClosed
	}

	s.reset()

	return nil
}

func (s *session) reset() {
	s.payloads = nil
	s.state = stateFresh
}

// Close releases the prepared statement. It is safe to call more than once.
func (s *session) Close() error {
	if s.state == stateClosed {
		return nil
	}

	s.state = stateClosed
	s.payloads = nil

	return wrap("close", s.params, s.stmt.Close())
}

func (s *session) log(ctx context.Context, op string, start time.Time, args []any, err error) {
	s.engine.log(ctx, Info{
		Op:         op,
		Duration:   time.Since(start),
		SQL:        s.params.Original(),
		Normalized: s.params.SQL(),
		Args:       args,
		Err:        err,
	})
}
