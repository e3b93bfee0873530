package namedsql

import (
	"errors"
	"fmt"
	"strings"
)

// Malformed SQL.
var (
	// ErrMalformedParameter is wrapped by every error the normalizer returns.
	ErrMalformedParameter = errors.New("namedsql: malformed named parameter")

	// ErrEmptyParameterName is returned for a colon that is not followed by a name character.
	ErrEmptyParameterName = fmt.Errorf("%w: zero-length parameter name", ErrMalformedParameter)

	// ErrAdjacentParameters is returned for two markers without any separating character, e.g. ":a:b".
	ErrAdjacentParameters = fmt.Errorf("%w: adjacent parameters cannot yield valid SQL", ErrMalformedParameter)
)

// Binding and session state.
var (
	ErrUnboundParameters    = errors.New("namedsql: SQL contains named parameters that have not been bound")
	ErrNoSuchParameter      = errors.New("namedsql: no such parameter")
	ErrUnsupportedPayload   = errors.New("namedsql: payload must be a struct, a pointer to a struct or a map with string keys")
	ErrNotSettable          = errors.New("namedsql: property is not settable")
	ErrDirtySession         = errors.New("namedsql: statement already has bindings or has been executed; call Reset first")
	ErrSessionClosed        = errors.New("namedsql: statement is closed")
	ErrKeyRetrievalDisabled = errors.New("namedsql: retrieval of generated keys is disabled for this insert")
	ErrMultiColumnKey       = errors.New("namedsql: generated keys spanning more than one column are not supported")
	ErrNoGeneratedKey       = errors.New("namedsql: statement did not return a generated key")
)

// ErrNotAvailable is returned for a live session token that is unknown, has
// expired, was terminated or cannot be parsed. The cases are not distinguished.
var ErrNotAvailable = errors.New("namedsql: live session not available")

// Error wraps a failure that happened while preparing or executing a
// statement. It carries both the SQL as written and its normalized form.
type Error struct {
	Op         string
	SQL        string
	Normalized string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("namedsql: ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	b.WriteString(" (sql: ")
	b.WriteString(collapse(e.SQL))

	if e.Normalized != "" && e.Normalized != e.SQL {
		b.WriteString("; normalized: ")
		b.WriteString(collapse(e.Normalized))
	}

	b.WriteByte(')')

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, pm *ParameterMap, err error) error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return err
	}

	return &Error{
		Op:         op,
		SQL:        pm.Original(),
		Normalized: pm.SQL(),
		Err:        err,
	}
}

func unboundError(pm *ParameterMap, missing []string) error {
	return fmt.Errorf("%w: %s (sql: %s)", ErrUnboundParameters, strings.Join(missing, ", "), collapse(pm.Original()))
}
