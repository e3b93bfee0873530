package namedsql

import (
	"database/sql"
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// BindStep copies one property into the positions of one parameter.
type BindStep struct {
	Property  Property
	Parameter NamedParameter
	Convert   BindFunc
}

// BindPlan binds a struct shape to a ParameterMap.
type BindPlan struct {
	Steps []BindStep
	names []string
}

// Names returns the parameter names the plan binds.
func (p *BindPlan) Names() []string {
	return p.names
}

func (p *BindPlan) apply(root reflect.Value, args []any, bound map[string]struct{}) error {
	for _, step := range p.Steps {
		var value any

		if field, ok := step.Property.Get(root); ok {
			value = field.Interface()
		}

		arg, err := step.Convert(value)
		if err != nil {
			return fmt.Errorf("bind %s to :%s: %w", step.Property.Name, step.Parameter.Name, err)
		}

		for _, pos := range step.Parameter.Positions {
			args[pos-1] = arg
		}

		bound[step.Parameter.Name] = struct{}{}
	}

	return nil
}

func buildBindPlan(shape Shape, pm *ParameterMap, config Config, registry *BindRegistry) *BindPlan {
	plan := &BindPlan{}

	for _, param := range pm.params {
		prop, ok := shape.Lookup(param.Name)
		if !ok {
			continue
		}

		plan.Steps = append(plan.Steps, BindStep{
			Property:  prop,
			Parameter: param,
			Convert:   resolveBinder(shape.Type(), prop, config, registry),
		})
		plan.names = append(plan.names, param.Name)
	}

	return plan
}

var stringerType = reflect.TypeFor[fmt.Stringer]()

func isEnum(t reflect.Type, registry *BindRegistry) bool {
	t = derefType(t)

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return false
	}

	return t.Implements(stringerType) && !registry.registered(t)
}

func resolveBinder(owner reflect.Type, prop Property, config Config, registry *BindRegistry) BindFunc {
	if config.CustomBinder != nil {
		if fn := config.CustomBinder(owner, prop.Name, prop.Type); fn != nil {
			return fn
		}
	}

	if config.SQLType != nil {
		if kind, ok := config.SQLType(owner, prop.Name, prop.Type); ok {
			return func(v any) (any, error) { return coerce(kind, v) }
		}
	}

	if isEnum(prop.Type, registry) {
		byName := config.EnumAsString != nil && config.EnumAsString(owner, prop.Name, prop.Type)

		return func(v any) (any, error) {
			rv := reflect.ValueOf(v)
			if rv.Kind() == reflect.Pointer {
				if rv.IsNil() {
					return nil, nil
				}

				rv = rv.Elem()
			}

			if byName {
				return rv.Interface().(fmt.Stringer).String(), nil
			}

			if rv.CanUint() {
				return int64(rv.Uint()), nil
			}

			return rv.Int(), nil
		}
	}

	if config.Serializer != nil {
		if fn := config.Serializer(owner, prop.Name, prop.Type); fn != nil {
			return func(v any) (any, error) {
				if isNil(v) {
					return nil, nil
				}

				return fn(v)
			}
		}
	}

	if config.BinarySerializer != nil {
		if fn := config.BinarySerializer(owner, prop.Name, prop.Type); fn != nil {
			return func(v any) (any, error) {
				if isNil(v) {
					return nil, nil
				}

				return fn(v)
			}
		}
	}

	return registry.Lookup(prop.Type)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// bindMap binds the entries of m whose keys are parameter names.
func bindMap(m reflect.Value, pm *ParameterMap, registry *BindRegistry, args []any, bound map[string]struct{}) error {
	for _, param := range pm.params {
		value := m.MapIndex(reflect.ValueOf(param.Name).Convert(m.Type().Key()))
		if !value.IsValid() {
			continue
		}

		arg, err := registry.Convert(value.Interface())
		if err != nil {
			return fmt.Errorf("bind :%s: %w", param.Name, err)
		}

		for _, pos := range param.Positions {
			args[pos-1] = arg
		}

		bound[param.Name] = struct{}{}
	}

	return nil
}

// Column describes one result column.
type Column struct {
	Label    string
	TypeName string
	Kind     ColumnKind
}

func columnsOf(rows *sql.Rows) ([]Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(types))

	for i, ct := range types {
		columns[i] = Column{
			Label:    ct.Name(),
			TypeName: typeName(ct.DatabaseTypeName()),
			Kind:     KindOf(ct.DatabaseTypeName()),
		}
	}

	return columns, nil
}

// ExtractStep reads one column into one property or map entry.
type ExtractStep struct {
	Column   int
	Property string
	Reader   Reader
	Assign   func(root reflect.Value, value any) error
}

// ExtractPlan converts rows of a fixed column layout into values of one target type.
type ExtractPlan struct {
	Columns []Column
	Steps   []ExtractStep
	target  reflect.Type
}

func (p *ExtractPlan) scan(rows *sql.Rows, root reflect.Value) error {
	var sink sql.RawBytes

	dest := make([]any, len(p.Columns))
	for i := range dest {
		dest[i] = &sink
	}

	for _, step := range p.Steps {
		dest[step.Column] = step.Reader.New()
	}

	if err := rows.Scan(dest...); err != nil {
		return err
	}

	for _, step := range p.Steps {
		value, err := step.Reader.Value(dest[step.Column])
		if err != nil {
			return fmt.Errorf("column %s: %w", p.Columns[step.Column].Label, err)
		}

		if err := step.Assign(root, value); err != nil {
			return fmt.Errorf("column %s: %w", p.Columns[step.Column].Label, err)
		}
	}

	return nil
}

func buildExtractPlan(target reflect.Type, columns []Column, config Config, registry *ExtractRegistry) (*ExtractPlan, error) {
	plan := &ExtractPlan{Columns: columns, target: target}

	mapper := config.ColumnMapper
	if mapper == nil {
		mapper = SnakeToCamel
	}

	if isStringMap(target) {
		keyType, elemType := target.Key(), target.Elem()

		for i, col := range columns {
			key := reflect.ValueOf(mapper(col.Label)).Convert(keyType)

			plan.Steps = append(plan.Steps, ExtractStep{
				Column:   i,
				Property: key.String(),
				Reader:   registry.Reader(col.Kind),
				Assign: func(root reflect.Value, value any) error {
					elem := reflect.New(elemType).Elem()
					if err := assign(elem, value); err != nil {
						return err
					}

					root.SetMapIndex(key, elem)

					return nil
				},
			})
		}

		return plan, nil
	}

	shape, err := ShapeOf(target)
	if err != nil {
		return nil, err
	}

	owner := shape.Type()

	for i, col := range columns {
		prop, ok := shape.Lookup(mapper(col.Label))
		if !ok {
			if prop, ok = shape.Lookup(col.Label); !ok {
				continue
			}
		}

		kind := col.Kind
		if config.SQLType != nil {
			if k, ok := config.SQLType(owner, prop.Name, prop.Type); ok {
				kind = k
			}
		}

		reader := registry.Reader(kind)

		if config.CustomReader != nil {
			if fn := config.CustomReader(owner, prop.Name, prop.Type, kind); fn != nil {
				reader = Reader{
					New:   func() any { return new(any) },
					Value: func(target any) (any, error) { return fn(*target.(*any)) },
				}
			}
		}

		plan.Steps = append(plan.Steps, ExtractStep{
			Column:   i,
			Property: prop.Name,
			Reader:   reader,
			Assign: func(root reflect.Value, value any) error {
				return assign(prop.Field(root), value)
			},
		})
	}

	return plan, nil
}

var (
	scannerType         = reflect.TypeFor[sql.Scanner]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	timeType            = reflect.TypeFor[time.Time]()
)

// assign stores value, as produced by a Reader, into dst.
func assign(dst reflect.Value, value any) error {
	if value == nil {
		dst.SetZero()

		return nil
	}

	src := reflect.ValueOf(value)

	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)

		return nil
	}

	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), value); err != nil {
			return err
		}

		dst.Set(elem)

		return nil
	}

	if dst.Type() == timeType {
		t, err := toTime(value)
		if err != nil {
			return err
		}

		dst.Set(reflect.ValueOf(t))

		return nil
	}

	if dst.CanAddr() {
		addr := dst.Addr()

		if addr.Type().Implements(scannerType) {
			return addr.Interface().(sql.Scanner).Scan(driverValue(value))
		}

		if addr.Type().Implements(textUnmarshalerType) {
			switch v := value.(type) {
			case string:
				return addr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v))
			case []byte:
				return addr.Interface().(encoding.TextUnmarshaler).UnmarshalText(v)
			}
		}
	}

	switch dst.Kind() {
	case reflect.String:
		s, err := asString(value)
		if err != nil {
			return err
		}

		dst.SetString(s)

		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := asInt(value)
		if err != nil {
			return err
		}

		if dst.OverflowInt(i) {
			return fmt.Errorf("namedsql: %d overflows %s", i, dst.Type())
		}

		dst.SetInt(i)

		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := asInt(value)
		if err != nil {
			return err
		}

		if i < 0 || dst.OverflowUint(uint64(i)) {
			return fmt.Errorf("namedsql: %d overflows %s", i, dst.Type())
		}

		dst.SetUint(uint64(i))

		return nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat(value)
		if err != nil {
			return err
		}

		dst.SetFloat(f)

		return nil
	case reflect.Bool:
		b, err := asBool(value)
		if err != nil {
			return err
		}

		dst.SetBool(b)

		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := value.(string); ok {
				dst.SetBytes([]byte(s))

				return nil
			}
		}
	}

	if src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))

		return nil
	}

	return fmt.Errorf("namedsql: cannot assign %T to %s", value, dst.Type())
}

func driverValue(value any) any {
	if n, ok := value.(pgtype.Numeric); ok {
		v, _ := n.Value()

		return v
	}

	return value
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case pgtype.Numeric:
		s, err := v.Value()
		if err != nil {
			return "", err
		}

		if s == nil {
			return "", nil
		}

		return s.(string), nil
	case fmt.Stringer:
		return v.String(), nil
	}

	return "", fmt.Errorf("namedsql: cannot convert %T to string", value)
}

func asInt(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("namedsql: %v is not an integer", v)
		}

		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}

		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case pgtype.Numeric:
		i, err := v.Int64Value()
		if err != nil {
			return 0, err
		}

		return i.Int64, nil
	}

	return 0, fmt.Errorf("namedsql: cannot convert %T to integer", value)
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil {
			return 0, err
		}

		return f.Float64, nil
	}

	return 0, fmt.Errorf("namedsql: cannot convert %T to float", value)
}

func asBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case string:
		return strconv.ParseBool(v)
	case []byte:
		return strconv.ParseBool(string(v))
	}

	return false, fmt.Errorf("namedsql: cannot convert %T to bool", value)
}
