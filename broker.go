package namedsql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// DefaultIdleTimeout applies to live sessions registered without an idle timeout.
const DefaultIdleTimeout = 5 * time.Minute

const (
	minSweepInterval = time.Millisecond
	maxSweepInterval = 5 * time.Second
)

// Token identifies a live session.
type Token uint64

func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 36)
}

// ParseToken parses the text form of a Token. Malformed text yields ErrNotAvailable.
func ParseToken(s string) (Token, error) {
	u, err := strconv.ParseUint(s, 36, 64)
	if err != nil || u == 0 {
		return 0, ErrNotAvailable
	}

	return Token(u), nil
}

// BrokerConfig configures a Broker. Zero fields keep their defaults.
type BrokerConfig struct {
	// SweepInterval fixes the sweeper interval. By default it is a quarter
	// of the smallest idle timeout, between 1ms and 5s.
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// With merges the current BrokerConfig with additional ones.
func (c BrokerConfig) With(configs ...BrokerConfig) BrokerConfig {
	merged := c

	for _, override := range configs {
		if override.SweepInterval != 0 {
			merged.SweepInterval = override.SweepInterval
		}

		if override.Logger != nil {
			merged.Logger = override.Logger
		}

		if override.Now != nil {
			merged.Now = override.Now
		}
	}

	return merged
}

type pinned struct {
	mu        sync.Mutex
	query     *Query
	extractor any
	idle      time.Duration
	closeConn bool

	// guarded by Broker.mu
	touched time.Time
	busy    int
	removed bool
	closed  bool
}

// Broker keeps live query sessions whose rows are fetched batch by batch
// across independent calls. It is safe for concurrent use.
type Broker struct {
	config   BrokerConfig
	logger   *slog.Logger
	mu       sync.Mutex
	live     map[Token]*pinned
	sweeping bool
}

// NewBroker returns an empty Broker.
func NewBroker(configs ...BrokerConfig) *Broker {
	config := BrokerConfig{}.With(configs...)

	if config.Now == nil {
		config.Now = time.Now
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Broker{
		config: config,
		logger: logger,
		live:   map[Token]*pinned{},
	}
}

// Register pins q and returns its token. The query is executed on the first
// fetch. The session expires when it is not fetched from for idle (zero means
// DefaultIdleTimeout). With closeConn the session's Conn is closed with it
// when it implements io.Closer.
func (b *Broker) Register(q *Query, idle time.Duration, closeConn bool) Token {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	p := &pinned{
		query:     q,
		idle:      idle,
		closeConn: closeConn,
	}

	b.mu.Lock()

	tok := b.newTokenLocked()
	p.touched = b.config.Now()
	b.live[tok] = p

	if !b.sweeping {
		b.sweeping = true

		go b.sweep()
	}

	b.mu.Unlock()

	b.logger.Debug("live session registered", slog.String("token", tok.String()), slog.Duration("idle", idle))

	return tok
}

func (b *Broker) newTokenLocked() Token {
	for {
		tok := Token(rand.Uint64())
		if _, ok := b.live[tok]; !ok && tok != 0 {
			return tok
		}
	}
}

// Len returns the number of live sessions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.live)
}

// Pinned reports whether tok identifies a live session.
func (b *Broker) Pinned(tok Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.live[tok]

	return ok
}

// NextMaps returns up to size rows of the session as maps.
func (b *Broker) NextMaps(ctx context.Context, tok Token, size int) ([]map[string]any, error) {
	return NextBatch[map[string]any](ctx, b, tok, size)
}

// NextBatch returns up to size rows of the session tok converted into T. The
// first call executes the query; its cursor is not tied to ctx. A session
// whose rows are exhausted, or whose fetch fails, is terminated. Every call
// on a session must use the same T.
func NextBatch[T any](ctx context.Context, b *Broker, tok Token, size int) ([]T, error) {
	if size < 1 {
		return nil, fmt.Errorf("namedsql: batch size must be positive, got %d", size)
	}

	p, err := b.acquire(tok)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	values, done, err := fetch[T](ctx, p, size)
	p.mu.Unlock()

	b.release(tok, p, done || err != nil)

	return values, err
}

func fetch[T any](ctx context.Context, p *pinned, size int) ([]T, bool, error) {
	if p.extractor == nil {
		x, err := Extract[T](context.WithoutCancel(ctx), p.query)
		if err != nil {
			return nil, true, err
		}

		p.extractor = x
	}

	x, ok := p.extractor.(*Extractor[T])
	if !ok {
		return nil, false, fmt.Errorf("namedsql: live session fetched as %T, started as %T", (*Extractor[T])(nil), p.extractor)
	}

	values, err := x.Batch(size)

	return values, x.Exhausted(), err
}

func (b *Broker) acquire(tok Token) (*pinned, error) {
	b.mu.Lock()

	p, ok := b.live[tok]
	if !ok {
		b.mu.Unlock()

		return nil, ErrNotAvailable
	}

	now := b.config.Now()

	if p.busy == 0 && now.Sub(p.touched) > p.idle {
		closeNow := b.detachLocked(tok, p)
		b.mu.Unlock()

		if closeNow {
			b.close(tok, p, "expired")
		}

		return nil, ErrNotAvailable
	}

	p.busy++
	p.touched = now

	b.mu.Unlock()

	return p, nil
}

func (b *Broker) release(tok Token, p *pinned, done bool) {
	b.mu.Lock()

	p.busy--
	p.touched = b.config.Now()

	if done && !p.removed {
		delete(b.live, tok)

		p.removed = true
	}

	closeNow := p.removed && p.busy == 0 && !p.closed
	if closeNow {
		p.closed = true
	}

	b.mu.Unlock()

	if closeNow {
		b.close(tok, p, "exhausted")
	}
}

// detachLocked removes p from the registry and reports whether the caller
// must close it. b.mu must be held.
func (b *Broker) detachLocked(tok Token, p *pinned) bool {
	if !p.removed {
		delete(b.live, tok)

		p.removed = true
	}

	if p.busy > 0 || p.closed {
		return false
	}

	p.closed = true

	return true
}

// Terminate closes the session tok. Unknown tokens are ignored.
func (b *Broker) Terminate(tok Token) error {
	b.mu.Lock()

	p, ok := b.live[tok]
	if !ok {
		b.mu.Unlock()

		return nil
	}

	closeNow := b.detachLocked(tok, p)

	b.mu.Unlock()

	if closeNow {
		return b.close(tok, p, "terminated")
	}

	return nil
}

// TerminateAll closes every live session.
func (b *Broker) TerminateAll() error {
	b.mu.Lock()

	closing := map[Token]*pinned{}

	for tok, p := range b.live {
		if b.detachLocked(tok, p) {
			closing[tok] = p
		}
	}

	b.mu.Unlock()

	var errs []error

	for tok, p := range closing {
		errs = append(errs, b.close(tok, p, "terminated"))
	}

	return errors.Join(errs...)
}

func (b *Broker) close(tok Token, p *pinned, reason string) error {
	err := p.query.Close()

	if p.closeConn {
		if c, ok := p.query.conn.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	}

	if err != nil {
		b.logger.Error("live session closed", slog.String("token", tok.String()), slog.String("reason", reason), slog.String("error", err.Error()))

		return err
	}

	b.logger.Debug("live session closed", slog.String("token", tok.String()), slog.String("reason", reason))

	return nil
}

func (b *Broker) intervalLocked() time.Duration {
	if b.config.SweepInterval > 0 {
		return b.config.SweepInterval
	}

	interval := maxSweepInterval

	for _, p := range b.live {
		interval = min(interval, p.idle/4)
	}

	return max(interval, minSweepInterval)
}

// sweep closes expired sessions until the registry is empty.
func (b *Broker) sweep() {
	for {
		b.mu.Lock()
		interval := b.intervalLocked()
		b.mu.Unlock()

		time.Sleep(interval)

		b.mu.Lock()

		now := b.config.Now()
		expired := map[Token]*pinned{}

		for tok, p := range b.live {
			if p.busy == 0 && now.Sub(p.touched) > p.idle && b.detachLocked(tok, p) {
				expired[tok] = p
			}
		}

		stop := len(b.live) == 0
		if stop {
			b.sweeping = false
		}

		b.mu.Unlock()

		for tok, p := range expired {
			_ = b.close(tok, p, "expired")
		}

		if stop {
			return
		}
	}
}
