package namedsql

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"text/template"
	"time"
	"unicode"
)

// BindFunc converts an application value into a database/sql argument.
type BindFunc func(value any) (any, error)

// ReadFunc converts the raw driver value of a column into the value stored
// in the destination property.
type ReadFunc func(src any) (any, error)

// Config defines options for normalizing, binding, extracting and templating.
// Fields are merged; later values override earlier ones.
// Parsers are appended.
type Config struct {
	Placeholder          func(pos int, builder *strings.Builder) error
	Logger               func(ctx context.Context, info Info)
	ColumnMapper         func(label string) string
	CustomBinder         func(owner reflect.Type, property string, valueType reflect.Type) BindFunc
	CustomReader         func(owner reflect.Type, property string, fieldType reflect.Type, kind ColumnKind) ReadFunc
	SQLType              func(owner reflect.Type, property string, valueType reflect.Type) (ColumnKind, bool)
	EnumAsString         func(owner reflect.Type, property string, enumType reflect.Type) bool
	Serializer           func(owner reflect.Type, property string, valueType reflect.Type) func(value any) (string, error)
	BinarySerializer     func(owner reflect.Type, property string, valueType reflect.Type) func(value any) ([]byte, error)
	OnPlan               func(event PlanEvent)
	PlanCache            *PlanCache
	BindRegistry         *BindRegistry
	ExtractRegistry      *ExtractRegistry
	NormalizedCacheSize  int
	ExpressionSize       int
	ExpressionExpiration time.Duration
	Hasher               func(value any) (uint64, error)
	QuoteIdent           func(name string) string
	Parsers              []func(tpl *template.Template) (*template.Template, error)
}

// With merges the current Config with additional Configs.
// Later fields override earlier ones. Parsers are appended in order.
func (c Config) With(configs ...Config) Config {
	merged := Config{}

	for _, override := range append([]Config{c}, configs...) {
		if override.Placeholder != nil {
			merged.Placeholder = override.Placeholder
		}

		if override.Logger != nil {
			merged.Logger = override.Logger
		}

		if override.ColumnMapper != nil {
			merged.ColumnMapper = override.ColumnMapper
		}

		if override.CustomBinder != nil {
			merged.CustomBinder = override.CustomBinder
		}

		if override.CustomReader != nil {
			merged.CustomReader = override.CustomReader
		}

		if override.SQLType != nil {
			merged.SQLType = override.SQLType
		}

		if override.EnumAsString != nil {
			merged.EnumAsString = override.EnumAsString
		}

		if override.Serializer != nil {
			merged.Serializer = override.Serializer
		}

		if override.BinarySerializer != nil {
			merged.BinarySerializer = override.BinarySerializer
		}

		if override.OnPlan != nil {
			merged.OnPlan = override.OnPlan
		}

		if override.PlanCache != nil {
			merged.PlanCache = override.PlanCache
		}

		if override.BindRegistry != nil {
			merged.BindRegistry = override.BindRegistry
		}

		if override.ExtractRegistry != nil {
			merged.ExtractRegistry = override.ExtractRegistry
		}

		if override.NormalizedCacheSize != 0 {
			merged.NormalizedCacheSize = override.NormalizedCacheSize
		}

		if override.ExpressionSize != 0 {
			merged.ExpressionSize = override.ExpressionSize
		}

		if override.ExpressionExpiration != 0 {
			merged.ExpressionExpiration = override.ExpressionExpiration
		}

		if override.Hasher != nil {
			merged.Hasher = override.Hasher
		}

		if override.QuoteIdent != nil {
			merged.QuoteIdent = override.QuoteIdent
		}

		if len(override.Parsers) > 0 {
			merged.Parsers = append(merged.Parsers, override.Parsers...)
		}
	}

	return merged
}

// Logger adds a callback for logging execution metadata per statement.
func Logger(fn func(ctx context.Context, info Info)) Config {
	return Config{
		Logger: fn,
	}
}

// SlogLogger logs every execution to logger: failures at error level,
// everything else at debug level.
func SlogLogger(logger *slog.Logger) Config {
	return Logger(func(ctx context.Context, info Info) {
		attrs := []slog.Attr{
			slog.String("op", info.Op),
			slog.String("sql", info.CollapsedSQL()),
			slog.Duration("duration", info.Duration),
			slog.Int("args", len(info.Args)),
		}

		if info.Err != nil {
			logger.LogAttrs(ctx, slog.LevelError, "namedsql", append(attrs, slog.String("error", info.Err.Error()))...)

			return
		}

		logger.LogAttrs(ctx, slog.LevelDebug, "namedsql", attrs...)
	})
}

// ColumnMapper sets the function that turns a column label into a property
// name or map key. SnakeToCamel is used by default.
func ColumnMapper(fn func(label string) string) Config {
	return Config{
		ColumnMapper: fn,
	}
}

// CustomBinder registers bind functions for specific properties. Returning
// nil falls through to the next rule.
func CustomBinder(fn func(owner reflect.Type, property string, valueType reflect.Type) BindFunc) Config {
	return Config{
		CustomBinder: fn,
	}
}

// CustomReader registers read functions for specific properties. Returning
// nil falls through to the next rule.
func CustomReader(fn func(owner reflect.Type, property string, fieldType reflect.Type, kind ColumnKind) ReadFunc) Config {
	return Config{
		CustomReader: fn,
	}
}

// SQLType forces the column kind a property is bound as or read from.
func SQLType(fn func(owner reflect.Type, property string, valueType reflect.Type) (ColumnKind, bool)) Config {
	return Config{
		SQLType: fn,
	}
}

// EnumAsString decides per property whether an enum is stored by name.
// Enums are stored by ordinal otherwise.
func EnumAsString(fn func(owner reflect.Type, property string, enumType reflect.Type) bool) Config {
	return Config{
		EnumAsString: fn,
	}
}

// EnumsAsStrings stores every enum by name.
func EnumsAsStrings() Config {
	return EnumAsString(func(reflect.Type, string, reflect.Type) bool { return true })
}

// Serializer registers text serializers for specific properties.
func Serializer(fn func(owner reflect.Type, property string, valueType reflect.Type) func(value any) (string, error)) Config {
	return Config{
		Serializer: fn,
	}
}

// BinarySerializer registers blob serializers for specific properties.
func BinarySerializer(fn func(owner reflect.Type, property string, valueType reflect.Type) func(value any) ([]byte, error)) Config {
	return Config{
		BinarySerializer: fn,
	}
}

// OnPlan adds a callback invoked whenever a bind or extract plan is built.
func OnPlan(fn func(event PlanEvent)) Config {
	return Config{
		OnPlan: fn,
	}
}

// SharedPlanCache makes the engine store its plans in cache.
func SharedPlanCache(cache *PlanCache) Config {
	return Config{
		PlanCache: cache,
	}
}

// Binders replaces the default bind registry.
func Binders(registry *BindRegistry) Config {
	return Config{
		BindRegistry: registry,
	}
}

// Readers replaces the default extract registry.
func Readers(registry *ExtractRegistry) Config {
	return Config{
		ExtractRegistry: registry,
	}
}

// NormalizedCacheSize sets how many normalized SQL strings an engine keeps.
func NormalizedCacheSize(size int) Config {
	return Config{
		NormalizedCacheSize: size,
	}
}

// Hasher sets a custom function for hashing template parameters (used for caching of rendered SQL).
// Uses datahash by default. Exclude fields with: `datahash:"-"`.
func Hasher(fn func(param any) (uint64, error)) Config {
	return Config{
		Hasher: fn,
	}
}

// DoubleQuotes quotes template identifiers as "name". This is the default.
func DoubleQuotes() Config {
	return identQuoting(`"`, `"`)
}

// Backticks quotes template identifiers as `name` (MySQL).
func Backticks() Config {
	return identQuoting("`", "`")
}

// Brackets quotes template identifiers as [name] (SQL Server).
func Brackets() Config {
	return identQuoting("[", "]")
}

func identQuoting(left, right string) Config {
	return Config{
		QuoteIdent: func(name string) string {
			return left + strings.ReplaceAll(name, right, right+right) + right
		},
	}
}

// New adds a parser that creates a new named template within the Config.
func New(name string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.New(name), nil
			},
		},
	}
}

// Lookup adds a parser equivalent to template.Lookup(name).
func Lookup(name string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				t := tpl.Lookup(name)
				if t == nil {
					return nil, fmt.Errorf("template not found: %s", name)
				}

				return t, nil
			},
		},
	}
}

// Parse adds a parser that parses the provided string using template.Parse.
func Parse(txt string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.Parse(txt)
			},
		},
	}
}

// ParseGlob adds a parser that loads templates matching a glob pattern.
func ParseGlob(pattern string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.ParseGlob(pattern)
			},
		},
	}
}

// ParseFiles adds a parser that loads and parses templates from file paths.
func ParseFiles(filenames ...string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.ParseFiles(filenames...)
			},
		},
	}
}

// ParseFS adds a parser that loads templates from an fs.FS source using patterns.
func ParseFS(sys fs.FS, patterns ...string) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.ParseFS(sys, patterns...)
			},
		},
	}
}

// Funcs adds a FuncMap to the template.
func Funcs(fm template.FuncMap) Config {
	return Config{
		Parsers: []func(tpl *template.Template) (*template.Template, error){
			func(tpl *template.Template) (*template.Template, error) {
				return tpl.Funcs(fm), nil
			},
		},
	}
}

// ExpressionSize sets the number of rendered templates to cache.
// Avoid if your templates are non-deterministic.
func ExpressionSize(size int) Config {
	return Config{
		ExpressionSize: size,
	}
}

// ExpressionExpiration sets how long rendered templates are valid.
// Avoid with non-deterministic templates.
func ExpressionExpiration(expiration time.Duration) Config {
	return Config{
		ExpressionExpiration: expiration,
	}
}

// StaticPlaceholder uses the same placeholder string for all parameters (e.g., "?").
func StaticPlaceholder(p string) Config {
	return Config{
		Placeholder: func(_ int, builder *strings.Builder) error {
			_, err := builder.WriteString(p)

			return err
		},
	}
}

// PositionalPlaceholder formats placeholders using a prefix and 1-based index (e.g., "$1", ":1", "@p1").
func PositionalPlaceholder(p string) Config {
	return Config{
		Placeholder: func(pos int, builder *strings.Builder) error {
			_, err := builder.WriteString(p + strconv.Itoa(pos))

			return err
		},
	}
}

// Question returns a Config that uses "?" as the SQL placeholder (e.g., for SQLite or MySQL).
func Question() Config {
	return StaticPlaceholder("?")
}

// Dollar returns a Config that uses positional placeholders with "$" (e.g., "$1", "$2").
func Dollar() Config {
	return PositionalPlaceholder("$")
}

// Colon returns a Config that uses positional placeholders with ":" (e.g., ":1", ":2").
func Colon() Config {
	return PositionalPlaceholder(":")
}

// AtP returns a Config that uses positional placeholders with "@p" (e.g., "@p1", "@p2").
func AtP() Config {
	return PositionalPlaceholder("@p")
}

// AsIs leaves column labels untouched.
func AsIs(label string) string {
	return label
}

// SnakeToCamel maps EMP_NAME and emp_name to empName.
func SnakeToCamel(label string) string {
	var builder strings.Builder

	builder.Grow(len(label))

	upper := false

	for _, r := range label {
		if r == '_' {
			upper = builder.Len() > 0

			continue
		}

		if upper {
			_, _ = builder.WriteRune(unicode.ToUpper(r))

			upper = false

			continue
		}

		_, _ = builder.WriteRune(unicode.ToLower(r))
	}

	return builder.String()
}

// Info contains metadata collected during statement execution for optional logging.
type Info struct {
	Op         string
	Duration   time.Duration
	SQL        string
	Normalized string
	Args       []any
	Err        error
	Cached     bool
}

// CollapsedSQL removes double whitespace for logging.
func (i Info) CollapsedSQL() string {
	return collapse(i.Normalized)
}

func collapse(sql string) string {
	var builder strings.Builder

	builder.Grow(len(sql))

	space := false

	for _, r := range sql {
		if unicode.IsSpace(r) {
			space = true

			continue
		}

		if space {
			_ = builder.WriteByte(' ')

			space = false
		}

		_, _ = builder.WriteRune(r)
	}

	return strings.TrimSpace(builder.String())
}
