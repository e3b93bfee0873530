package namedsql

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Conn prepares statements. It is implemented by *sql.DB, *sql.Tx and *sql.Conn.
type Conn interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

var configIDs atomic.Uint64

// Engine normalizes SQL and runs statement sessions with one configuration.
// It is safe for concurrent use.
type Engine struct {
	config     Config
	id         uint64
	binds      *BindRegistry
	extracts   *ExtractRegistry
	plans      *PlanCache
	normalized *lru.Cache[string, *ParameterMap]
}

// NewEngine returns an Engine using "?" placeholders unless configured otherwise.
func NewEngine(configs ...Config) *Engine {
	config := Question().With(configs...)

	e := &Engine{
		config:   config,
		id:       configIDs.Add(1),
		binds:    config.BindRegistry,
		extracts: config.ExtractRegistry,
		plans:    config.PlanCache,
	}

	if e.binds == nil {
		e.binds = NewBindRegistry()
	}

	if e.extracts == nil {
		e.extracts = NewExtractRegistry()
	}

	if e.plans == nil {
		e.plans = NewPlanCache()
	}

	size := config.NormalizedCacheSize
	if size == 0 {
		size = 512
	}

	if size > 0 {
		e.normalized, _ = lru.New[string, *ParameterMap](size)
	}

	return e
}

// Normalize is Normalize with the engine's placeholder. Results are cached
// by SQL text.
func (e *Engine) Normalize(text string) (*ParameterMap, error) {
	if e.normalized != nil {
		if pm, ok := e.normalized.Get(text); ok {
			return pm, nil
		}
	}

	pm, err := Normalize(text, e.config)
	if err != nil {
		return nil, err
	}

	if e.normalized != nil {
		e.normalized.Add(text, pm)
	}

	return pm, nil
}

// SQL normalizes text and returns a factory for sessions executing it.
func (e *Engine) SQL(text string) (*SQL, error) {
	pm, err := e.Normalize(text)
	if err != nil {
		return nil, err
	}

	return &SQL{engine: e, params: pm}, nil
}

func (e *Engine) bindPlan(t reflect.Type, pm *ParameterMap) (*BindPlan, error) {
	shape, err := ShapeOf(t)
	if err != nil {
		return nil, err
	}

	key := CacheKey{
		Kind:        BindPlanKind,
		Target:      shape.Type(),
		Fingerprint: bindFingerprint(pm),
		Config:      e.id,
	}

	plan, err := e.plans.get(key, func() (any, error) {
		e.report(key)

		return buildBindPlan(shape, pm, e.config, e.binds), nil
	})
	if err != nil {
		return nil, err
	}

	return plan.(*BindPlan), nil
}

func (e *Engine) extractPlan(t reflect.Type, columns []Column) (*ExtractPlan, error) {
	key := CacheKey{
		Kind:        ExtractPlanKind,
		Target:      t,
		Fingerprint: extractFingerprint(columns),
		Config:      e.id,
	}

	plan, err := e.plans.get(key, func() (any, error) {
		e.report(key)

		return buildExtractPlan(t, columns, e.config, e.extracts)
	})
	if err != nil {
		return nil, err
	}

	return plan.(*ExtractPlan), nil
}

func (e *Engine) report(key CacheKey) {
	if e.config.OnPlan != nil {
		e.config.OnPlan(PlanEvent{Kind: key.Kind, Target: key.Target, Fingerprint: key.Fingerprint})
	}
}

func (e *Engine) log(ctx context.Context, info Info) {
	if e.config.Logger != nil {
		e.config.Logger(ctx, info)
	}
}

// SQL is normalized SQL bound to an Engine. It opens sessions.
type SQL struct {
	engine *Engine
	params *ParameterMap
	fixed  map[string]any
}

// Parameters returns the parameter map of the SQL.
func (s *SQL) Parameters() *ParameterMap {
	return s.params
}

func (s *SQL) prepare(ctx context.Context, conn Conn) (session, error) {
	stmt, err := conn.PrepareContext(ctx, s.params.SQL())
	if err != nil {
		return session{}, wrap("prepare", s.params, err)
	}

	return session{
		engine: s.engine,
		params: s.params,
		conn:   conn,
		stmt:   stmt,
		fixed:  s.fixed,
	}, nil
}

// Query prepares a query session.
func (s *SQL) Query(ctx context.Context, conn Conn) (*Query, error) {
	sess, err := s.prepare(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Query{session: sess}, nil
}

// Insert prepares an insert session retrieving generated keys per mode.
func (s *SQL) Insert(ctx context.Context, conn Conn, mode KeyMode) (*Insert, error) {
	sess, err := s.prepare(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Insert{session: sess, mode: mode}, nil
}

// Update prepares a session for UPDATE, DELETE and other statements without result rows.
func (s *SQL) Update(ctx context.Context, conn Conn) (*Update, error) {
	sess, err := s.prepare(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Update{session: sess}, nil
}

// Exec binds payloads, executes the statement once and returns the number of affected rows.
func (s *SQL) Exec(ctx context.Context, conn Conn, payloads ...any) (n int64, err error) {
	update, err := s.Update(ctx, conn)
	if err != nil {
		return 0, err
	}

	defer func() {
		if closeErr := update.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	for _, p := range payloads {
		if err := update.Bind(p); err != nil {
			return 0, err
		}
	}

	return update.Exec(ctx)
}
