// Package ledger implements the vault / market / position accounting state
// machine. Every exported operation takes the authenticated caller, checks
// all of its preconditions against freshly loaded records, and lands its
// effects (record writes, custody movements, audit event) in one atomic
// store commit. A rejected operation changes nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/lock"
	"github.com/atmx/vault-ledger/internal/metrics"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/store"
)

// Engine executes ledger operations against a store.
type Engine struct {
	store  store.Store // source of truth; transitions read only this
	reader store.Store // query reads; may be a cache over store
	writer store.Store // commits; invalidates the cache when one is set
	locker lock.Locker
	pub    events.Publisher
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the sink that receives committed events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCache serves query operations from c and commits through it so every
// write invalidates the cached records. Transitions still read c.Primary().
func WithCache(c *store.CachedStore) Option {
	return func(e *Engine) {
		e.store = c.Primary()
		e.reader = c
		e.writer = c
	}
}

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		reader: st,
		writer: st,
		locker: lock.NewLocalLocker(),
		pub:    events.Discard{},
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// txn accumulates the effects of one transition.
type txn struct {
	batch  store.Batch
	now    time.Time
	fields map[string]any
}

func (t *txn) emit(evt events.Event) error {
	env, err := events.Wrap(evt, t.now)
	if err != nil {
		return err
	}
	t.batch.Emit(env)
	return nil
}

func (t *txn) set(key string, v any) { t.fields[key] = v }

// transition locks keys, runs fn to stage effects, commits them, and then
// publishes the committed events. fn must not write anywhere but t.
func (e *Engine) transition(ctx context.Context, op string, keys []model.Key, fn func(t *txn) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.OperationsTotal.WithLabelValues(op, Kind(err)).Inc()
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("%s: acquire lock: %w", op, err)
	}
	defer unlock()

	t := &txn{now: e.now().UTC(), fields: make(map[string]any)}
	if err := fn(t); err != nil {
		e.logger.Debug().Str("op", op).Err(err).Msg("operation rejected")
		return err
	}

	if err := e.writer.Commit(ctx, &t.batch); err != nil {
		err = storeError(err)
		e.logger.Warn().Str("op", op).Err(err).Msg("commit failed")
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, env := range t.batch.Events {
		if perr := e.pub.Publish(ctx, env); perr != nil {
			metrics.PublishFailures.WithLabelValues("engine").Inc()
			e.logger.Warn().Err(perr).Str("op", op).Str("event_id", env.ID.String()).Msg("event publish failed")
		}
	}

	e.logger.Info().Str("op", op).Fields(t.fields).Msg("operation committed")
	return nil
}

// storeError maps store-level failures onto ledger errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, store.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	return err
}

// authorize is the single authorization predicate: the caller must be
// exactly the required identity.
func authorize(caller, required model.Identity) error {
	if caller == "" || caller != required {
		return ErrUnauthorized
	}
	return nil
}

// --- Loaders (map store not-found onto ledger sentinels) ---

func loadProtocol(ctx context.Context, st store.Store) (*model.Protocol, error) {
	p, err := st.GetProtocol(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProtocolNotInitialized
	}
	return p, err
}

func loadVault(ctx context.Context, st store.Store, owner model.Identity) (*model.Vault, error) {
	v, err := st.GetVault(ctx, model.VaultKey(owner))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("vault of %s: %w", owner, ErrVaultNotFound)
	}
	return v, err
}

func loadMarket(ctx context.Context, st store.Store, marketID string) (*model.Market, error) {
	m, err := st.GetMarket(ctx, model.MarketKey(marketID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("market %q: %w", marketID, ErrMarketNotFound)
	}
	return m, err
}

func loadPosition(ctx context.Context, st store.Store, key model.Key) (*model.Position, error) {
	p, err := st.GetPosition(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPositionNotFound
	}
	return p, err
}

func loadOracle(ctx context.Context, st store.Store, oracle model.Identity) (*model.OracleRegistration, error) {
	o, err := st.GetOracle(ctx, model.OracleKey(oracle))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("oracle %s: %w", oracle, ErrOracleNotFound)
	}
	return o, err
}

// exists reports whether a lookup found its record. Any error other than
// not-found is returned.
func exists(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
