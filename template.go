package namedsql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-sqlt/datahash"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jba/templatecheck"
)

// Raw is inserted into rendered SQL without escaping.
type Raw string

// Ident is inserted into rendered SQL as a quoted identifier. Quoting follows
// the QuoteIdent option and defaults to DoubleQuotes.
type Ident string

// Template renders SQL from a text/template. Action values are never
// inlined: each one becomes a generated named parameter (:__tpl1, :__tpl2,
// ...) bound with the rendered statement, and slices expand to one parameter
// per element joined with commas. Raw is inserted verbatim and Ident is
// quoted as an identifier. Named parameters written as :name in the template
// text survive rendering and are bound as usual. Actions must not appear
// inside quoted literals of the template text, and text following an action
// must not start with a letter, digit or underscore.
type Template[Param any] struct {
	name     string
	location string
	cache    *expirable.LRU[uint64, rendered]
	pool     *sync.Pool
	logger   func(ctx context.Context, info Info)
	hasher   func(value any) (uint64, error)
}

// ParseTemplate parses text, plus any parsers in configs, into a Template.
// The template is checked against Param before it is accepted.
func ParseTemplate[Param any](text string, configs ...Config) (*Template[Param], error) {
	return newTemplate[Param](location(2), append([]Config{Parse(text)}, configs...)...)
}

// MustTemplate builds a Template from the parsers in configs and panics on
// failure. It is meant for package-level declarations.
func MustTemplate[Param any](configs ...Config) *Template[Param] {
	t, err := newTemplate[Param](location(2), configs...)
	if err != nil {
		panic(err)
	}

	return t
}

func location(skip int) string {
	_, file, line, _ := runtime.Caller(skip)

	return file + ":" + strconv.Itoa(line)
}

func newTemplate[Param any](location string, configs ...Config) (*Template[Param], error) {
	var (
		config = Config{}.With(configs...)

		t = template.New("").Funcs(template.FuncMap{
			"Raw":   func(sql string) Raw { return Raw(sql) },
			"Ident": func(name string) Ident { return Ident(name) },
		}).Option("missingkey=error")
		err error
	)

	for _, p := range config.Parsers {
		t, err = p(t)
		if err != nil {
			return nil, fmt.Errorf("template at %s: parse template: %w", location, err)
		}
	}

	if t.Tree == nil {
		return nil, fmt.Errorf("template at %s: parse template: template %q is empty", location, t.Name())
	}

	var zero Param
	if err = templatecheck.CheckText(t, zero); err != nil {
		return nil, fmt.Errorf("template at %s: check template: %w", location, err)
	}

	if err := escapeNode(t, t.Root); err != nil {
		return nil, fmt.Errorf("template at %s: escape template: %w", location, err)
	}

	t, err = t.Clone()
	if err != nil {
		return nil, fmt.Errorf("template at %s: clone template: %w", location, err)
	}

	quoteIdent := config.QuoteIdent
	if quoteIdent == nil {
		quoteIdent = DoubleQuotes().QuoteIdent
	}

	pool := &sync.Pool{
		New: func() any {
			tc, _ := t.Clone()

			r := &runner{
				tpl:        tc,
				builder:    &strings.Builder{},
				quoteIdent: quoteIdent,
			}

			r.builder.Grow(512)

			r.tpl.Funcs(template.FuncMap{
				ident: func(arg any) (Raw, error) {
					return "", r.write(arg)
				},
			})

			return r
		},
	}

	var cache *expirable.LRU[uint64, rendered]

	if config.ExpressionSize > 0 || config.ExpressionExpiration > 0 {
		cache = expirable.NewLRU[uint64, rendered](config.ExpressionSize, nil, config.ExpressionExpiration)

		if config.Hasher == nil {
			hasher := datahash.New(xxhash.New, datahash.Options{})

			config.Hasher = hasher.Hash
		}

		if _, err = config.Hasher(zero); err != nil {
			return nil, fmt.Errorf("template at %s: hashing param: %w", location, err)
		}
	}

	return &Template[Param]{
		name:     t.Name(),
		location: location,
		cache:    cache,
		pool:     pool,
		logger:   config.Logger,
		hasher:   config.Hasher,
	}, nil
}

type rendered struct {
	sql  string
	args map[string]any
}

// Render executes the template with param. It returns the SQL text and the
// values of the generated parameters it contains.
func (t *Template[Param]) Render(param Param) (sql string, args map[string]any, err error) {
	var (
		hash   uint64
		cached bool
	)

	if t.logger != nil {
		now := time.Now()

		defer func() {
			t.logger(context.Background(), Info{
				Op:       "render",
				Duration: time.Since(now),
				SQL:      sql,
				Err:      err,
				Cached:   cached,
			})
		}()
	}

	if t.cache != nil {
		hash, err = t.hasher(param)
		if err != nil {
			return "", nil, fmt.Errorf("template at %s: hashing param: %w", t.location, err)
		}

		var hit rendered
		if hit, cached = t.cache.Get(hash); cached {
			return hit.sql, maps.Clone(hit.args), nil
		}
	}

	r := t.pool.Get().(*runner)

	sql, args, err = r.render(param)

	r.reset()
	t.pool.Put(r)

	if err != nil {
		return "", nil, fmt.Errorf("template at %s: render: %w", t.location, err)
	}

	if t.cache != nil {
		_ = t.cache.Add(hash, rendered{sql: sql, args: maps.Clone(args)})
	}

	return sql, args, nil
}

// SQL renders the template and normalizes the result with e. Sessions opened
// from the returned SQL have the generated parameters bound before any
// payload, including after Reset.
func (t *Template[Param]) SQL(e *Engine, param Param) (*SQL, error) {
	text, args, err := t.Render(param)
	if err != nil {
		return nil, err
	}

	stmt, err := e.SQL(text)
	if err != nil {
		return nil, err
	}

	stmt.fixed = args

	return stmt, nil
}

// escapeNode appends the escaping function to every action pipeline.
// Inspired by https://github.com/mhilton/sqltemplate/blob/main/escape.go.
func escapeNode(t *template.Template, n parse.Node) error {
	switch v := n.(type) {
	case *parse.ActionNode:
		return escapeNode(t, v.Pipe)
	case *parse.IfNode:
		return errors.Join(
			escapeNode(t, v.List),
			escapeNode(t, v.ElseList),
		)
	case *parse.ListNode:
		if v == nil {
			return nil
		}

		for _, n := range v.Nodes {
			if err := escapeNode(t, n); err != nil {
				return err
			}
		}
	case *parse.PipeNode:
		if len(v.Decl) > 0 {
			return nil
		}

		if len(v.Cmds) < 1 {
			return nil
		}

		cmd := v.Cmds[len(v.Cmds)-1]
		if len(cmd.Args) == 1 && cmd.Args[0].Type() == parse.NodeIdentifier && cmd.Args[0].(*parse.IdentifierNode).Ident == ident {
			return nil
		}

		v.Cmds = append(v.Cmds, &parse.CommandNode{
			NodeType: parse.NodeCommand,
			Args:     []parse.Node{parse.NewIdentifier(ident).SetTree(t.Tree).SetPos(cmd.Pos)},
		})
	case *parse.RangeNode:
		return errors.Join(
			escapeNode(t, v.List),
			escapeNode(t, v.ElseList),
		)
	case *parse.WithNode:
		return errors.Join(
			escapeNode(t, v.List),
			escapeNode(t, v.ElseList),
		)
	case *parse.TemplateNode:
		tpl := t.Lookup(v.Name)
		if tpl == nil {
			return fmt.Errorf("template %s not found", v.Name)
		}

		return escapeNode(tpl, tpl.Root)
	}

	return nil
}

const ident = "__namedsql__"

// generatedPrefix names the parameters generated for action values.
const generatedPrefix = "__tpl"

type runner struct {
	tpl        *template.Template
	builder    *strings.Builder
	quoteIdent func(name string) string
	args       map[string]any
}

func (r *runner) render(param any) (string, map[string]any, error) {
	r.args = map[string]any{}

	if err := r.tpl.Execute(r.builder, param); err != nil {
		return "", nil, err
	}

	return r.builder.String(), r.args, nil
}

func (r *runner) reset() {
	r.builder.Reset()
	r.args = nil
}

// write appends arg to the SQL: Raw verbatim, Ident quoted, slices element
// by element, and everything else as a generated parameter.
func (r *runner) write(arg any) error {
	switch a := arg.(type) {
	case Raw:
		r.builder.WriteString(string(a))

		return nil
	case Ident:
		r.builder.WriteString(r.quoteIdent(string(a)))

		return nil
	case driver.Valuer, []byte:
		return r.bind(arg)
	}

	rv := reflect.ValueOf(arg)

	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return r.bind(arg)
		}

		for i := range rv.Len() {
			if i > 0 {
				r.builder.WriteString(", ")
			}

			if err := r.write(rv.Index(i).Interface()); err != nil {
				return err
			}
		}

		return nil
	}

	return r.bind(arg)
}

func (r *runner) bind(arg any) error {
	name := generatedPrefix + strconv.Itoa(len(r.args)+1)

	r.args[name] = arg

	r.builder.WriteByte(':')
	r.builder.WriteString(name)

	return nil
}
