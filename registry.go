package namedsql

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ColumnKind is the family of a column's SQL type.
type ColumnKind uint8

const (
	KindUnknown ColumnKind = iota
	KindText
	KindInteger
	KindFloat
	KindBool
	KindTemporal
	KindDecimal
	KindBinary
)

func (k ColumnKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTemporal:
		return "temporal"
	case KindDecimal:
		return "decimal"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

var kinds = map[string]ColumnKind{
	"CHAR": KindText, "VARCHAR": KindText, "NCHAR": KindText, "NVARCHAR": KindText,
	"CHARACTER": KindText, "CHARACTER VARYING": KindText, "VARYING CHARACTER": KindText,
	"NATIVE CHARACTER": KindText, "TEXT": KindText, "TINYTEXT": KindText, "MEDIUMTEXT": KindText,
	"LONGTEXT": KindText, "NTEXT": KindText, "CLOB": KindText, "BPCHAR": KindText, "NAME": KindText,
	"CITEXT": KindText, "UUID": KindText, "JSON": KindText, "JSONB": KindText, "XML": KindText,
	"ENUM": KindText, "SET": KindText, "INTERVAL": KindText, "STRING": KindText,

	"INT": KindInteger, "INTEGER": KindInteger, "TINYINT": KindInteger, "SMALLINT": KindInteger,
	"MEDIUMINT": KindInteger, "BIGINT": KindInteger, "INT2": KindInteger, "INT4": KindInteger,
	"INT8": KindInteger, "SERIAL": KindInteger, "SMALLSERIAL": KindInteger, "BIGSERIAL": KindInteger,
	"UNSIGNED BIG INT": KindInteger, "YEAR": KindInteger,

	"REAL": KindFloat, "FLOAT": KindFloat, "DOUBLE": KindFloat, "DOUBLE PRECISION": KindFloat,
	"FLOAT4": KindFloat, "FLOAT8": KindFloat,

	"BOOL": KindBool, "BOOLEAN": KindBool, "BIT": KindBool,

	"DATE": KindTemporal, "TIME": KindTemporal, "TIMETZ": KindTemporal, "DATETIME": KindTemporal,
	"TIMESTAMP": KindTemporal, "TIMESTAMPTZ": KindTemporal, "TIMESTAMP WITH TIME ZONE": KindTemporal,
	"TIMESTAMP WITHOUT TIME ZONE": KindTemporal, "TIME WITH TIME ZONE": KindTemporal,
	"TIME WITHOUT TIME ZONE": KindTemporal,

	"NUMERIC": KindDecimal, "DECIMAL": KindDecimal,

	"BLOB": KindBinary, "TINYBLOB": KindBinary, "MEDIUMBLOB": KindBinary, "LONGBLOB": KindBinary,
	"BYTEA": KindBinary, "BINARY": KindBinary, "VARBINARY": KindBinary, "IMAGE": KindBinary,
}

// KindOf maps a driver's database type name to its ColumnKind.
// Length specifiers and the MySQL UNSIGNED prefix are ignored.
func KindOf(databaseTypeName string) ColumnKind {
	return kinds[typeName(databaseTypeName)]
}

func typeName(databaseTypeName string) string {
	name := strings.ToUpper(strings.TrimSpace(databaseTypeName))

	if i := strings.IndexByte(name, '('); i >= 0 {
		if j := strings.LastIndexByte(name, ')'); j > i {
			name = name[:i] + name[j+1:]
		} else {
			name = name[:i]
		}
	}

	name = strings.TrimPrefix(name, "UNSIGNED ")
	name = strings.TrimSuffix(name, " UNSIGNED")

	return strings.Join(strings.Fields(name), " ")
}

// BindRegistry converts application values into database/sql arguments.
// It is safe for concurrent use.
type BindRegistry struct {
	mu    sync.RWMutex
	exact map[reflect.Type]BindFunc
}

// NewBindRegistry returns a registry with converters for the standard scalar
// types, time.Time, pgtype.Numeric, big numbers and json.RawMessage.
func NewBindRegistry() *BindRegistry {
	r := &BindRegistry{exact: map[reflect.Type]BindFunc{}}

	identity := func(v any) (any, error) { return v, nil }

	r.Register(reflect.TypeFor[time.Time](), identity)
	r.Register(reflect.TypeFor[[]byte](), identity)
	r.Register(reflect.TypeFor[string](), identity)
	r.Register(reflect.TypeFor[bool](), identity)
	r.Register(reflect.TypeFor[int64](), identity)
	r.Register(reflect.TypeFor[float64](), identity)
	r.Register(reflect.TypeFor[time.Duration](), func(v any) (any, error) {
		return int64(v.(time.Duration)), nil
	})
	r.Register(reflect.TypeFor[json.RawMessage](), func(v any) (any, error) {
		return string(v.(json.RawMessage)), nil
	})
	r.Register(reflect.TypeFor[pgtype.Numeric](), func(v any) (any, error) {
		return v.(pgtype.Numeric).Value()
	})
	r.Register(reflect.TypeFor[*big.Int](), func(v any) (any, error) {
		return v.(*big.Int).String(), nil
	})
	r.Register(reflect.TypeFor[*big.Float](), func(v any) (any, error) {
		return v.(*big.Float).Text('g', -1), nil
	})

	return r
}

// Register sets the converter for values of exactly type t.
func (r *BindRegistry) Register(t reflect.Type, fn BindFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.exact[t] = fn
}

func (r *BindRegistry) registered(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.exact[t]

	return ok
}

// Convert turns v into a database/sql argument according to its runtime type.
func (r *BindRegistry) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	return r.Lookup(reflect.TypeOf(v))(v)
}

var valuerType = reflect.TypeFor[driver.Valuer]()

// Lookup resolves the converter for values of type t.
func (r *BindRegistry) Lookup(t reflect.Type) BindFunc {
	r.mu.RLock()
	fn, ok := r.exact[t]
	r.mu.RUnlock()

	if ok {
		return nilSafe(t, fn)
	}

	if t.Implements(valuerType) {
		return func(v any) (any, error) { return v, nil }
	}

	switch t.Kind() {
	case reflect.Interface:
		return r.Convert
	case reflect.Pointer:
		elem := r.Lookup(t.Elem())

		return func(v any) (any, error) {
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || rv.IsNil() {
				return nil, nil
			}

			return elem(rv.Elem().Interface())
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(v any) (any, error) { return reflect.ValueOf(v).Int(), nil }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(v any) (any, error) {
			u := reflect.ValueOf(v).Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("namedsql: %d overflows int64", u)
			}

			return int64(u), nil
		}
	case reflect.Float32, reflect.Float64:
		return func(v any) (any, error) { return reflect.ValueOf(v).Float(), nil }
	case reflect.String:
		return func(v any) (any, error) { return reflect.ValueOf(v).String(), nil }
	case reflect.Bool:
		return func(v any) (any, error) { return reflect.ValueOf(v).Bool(), nil }
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return func(v any) (any, error) {
				rv := reflect.ValueOf(v)
				if rv.IsNil() {
					return nil, nil
				}

				return rv.Bytes(), nil
			}
		}
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return func(v any) (any, error) {
				rv := reflect.ValueOf(v)
				b := make([]byte, rv.Len())
				reflect.Copy(reflect.ValueOf(b), rv)

				return b, nil
			}
		}
	}

	return stringify
}

func nilSafe(t reflect.Type, fn BindFunc) BindFunc {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return func(v any) (any, error) {
			if v == nil {
				return nil, nil
			}

			if rv := reflect.ValueOf(v); rv.Kind() == t.Kind() && rv.IsNil() {
				return nil, nil
			}

			return fn(v)
		}
	default:
		return fn
	}
}

func stringify(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), nil
	}

	return fmt.Sprint(v), nil
}

// Reader allocates a scan target for a column and turns the scanned target
// into its semantic value. Value returns nil for SQL NULL.
type Reader struct {
	New   func() any
	Value func(target any) (any, error)
}

// ExtractRegistry holds one Reader per ColumnKind. It is safe for concurrent use.
type ExtractRegistry struct {
	mu      sync.RWMutex
	readers map[ColumnKind]Reader
}

// NewExtractRegistry returns a registry with readers for every ColumnKind.
func NewExtractRegistry() *ExtractRegistry {
	return &ExtractRegistry{
		readers: map[ColumnKind]Reader{
			KindUnknown: {
				New:   func() any { return new(any) },
				Value: func(target any) (any, error) { return *target.(*any), nil },
			},
			KindText: {
				New: func() any { return new(sql.NullString) },
				Value: func(target any) (any, error) {
					if ns := target.(*sql.NullString); ns.Valid {
						return ns.String, nil
					}

					return nil, nil
				},
			},
			KindInteger: {
				New: func() any { return new(sql.NullInt64) },
				Value: func(target any) (any, error) {
					if ni := target.(*sql.NullInt64); ni.Valid {
						return ni.Int64, nil
					}

					return nil, nil
				},
			},
			KindFloat: {
				New: func() any { return new(sql.NullFloat64) },
				Value: func(target any) (any, error) {
					if nf := target.(*sql.NullFloat64); nf.Valid {
						return nf.Float64, nil
					}

					return nil, nil
				},
			},
			KindBool: {
				New: func() any { return new(sql.NullBool) },
				Value: func(target any) (any, error) {
					if nb := target.(*sql.NullBool); nb.Valid {
						return nb.Bool, nil
					}

					return nil, nil
				},
			},
			KindTemporal: {
				New: func() any { return new(any) },
				Value: func(target any) (any, error) {
					return toTime(*target.(*any))
				},
			},
			KindDecimal: {
				New: func() any { return new(sql.NullString) },
				Value: func(target any) (any, error) {
					ns := target.(*sql.NullString)
					if !ns.Valid {
						return nil, nil
					}

					var n pgtype.Numeric
					if err := n.Scan(ns.String); err != nil {
						return nil, err
					}

					return n, nil
				},
			},
			KindBinary: {
				New: func() any { return new([]byte) },
				Value: func(target any) (any, error) {
					if b := *target.(*[]byte); b != nil {
						return b, nil
					}

					return nil, nil
				},
			},
		},
	}
}

// Register sets the Reader for kind.
func (r *ExtractRegistry) Register(kind ColumnKind, reader Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.readers[kind] = reader
}

// Reader returns the Reader for kind, or the unknown-kind reader.
func (r *ExtractRegistry) Reader(kind ColumnKind) Reader {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reader, ok := r.readers[kind]; ok {
		return reader
	}

	return r.readers[KindUnknown]
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
	time.TimeOnly,
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("namedsql: cannot parse %q as time", s)
}

func toTime(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v, nil
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return nil, fmt.Errorf("namedsql: cannot convert %T to time", v)
	}
}

// coerce converts v into the argument form of kind.
func coerce(kind ColumnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}

		v = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch kind {
	case KindText:
		switch v := v.(type) {
		case time.Time:
			return v.Format(time.RFC3339Nano), nil
		case []byte:
			return string(v), nil
		}

		return stringify(v)
	case KindInteger:
		switch {
		case rv.CanInt():
			return rv.Int(), nil
		case rv.CanUint():
			if rv.Uint() > math.MaxInt64 {
				return nil, fmt.Errorf("namedsql: %d overflows int64", rv.Uint())
			}

			return int64(rv.Uint()), nil
		case rv.CanFloat():
			return int64(rv.Float()), nil
		case rv.Kind() == reflect.Bool:
			if rv.Bool() {
				return int64(1), nil
			}

			return int64(0), nil
		case rv.Kind() == reflect.String:
			return strconv.ParseInt(strings.TrimSpace(rv.String()), 10, 64)
		}
	case KindFloat:
		switch {
		case rv.CanFloat():
			return rv.Float(), nil
		case rv.CanInt():
			return float64(rv.Int()), nil
		case rv.CanUint():
			return float64(rv.Uint()), nil
		case rv.Kind() == reflect.String:
			return strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
		}
	case KindBool:
		switch {
		case rv.Kind() == reflect.Bool:
			return rv.Bool(), nil
		case rv.CanInt():
			return rv.Int() != 0, nil
		case rv.CanUint():
			return rv.Uint() != 0, nil
		case rv.Kind() == reflect.String:
			return strconv.ParseBool(strings.TrimSpace(rv.String()))
		}
	case KindTemporal:
		return toTime(v)
	case KindDecimal:
		s, err := stringify(v)
		if err != nil {
			return nil, err
		}

		var n pgtype.Numeric
		if err := n.Scan(s.(string)); err != nil {
			return nil, err
		}

		return n.Value()
	case KindBinary:
		switch v := v.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	default:
		return v, nil
	}

	return nil, fmt.Errorf("namedsql: cannot bind %T as %s", v, kind)
}
