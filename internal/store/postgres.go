package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

// PostgreSQL error codes mapped to store errors.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Unsigned 64-bit amounts are stored as NUMERIC(20,0) and exchanged as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Reads ---

func (s *PostgresStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	var p model.Protocol
	var volume, vaults string

	err := s.pool.QueryRow(ctx,
		`SELECT key, admin, treasury, fee_bps, total_volume::TEXT, total_vaults::TEXT
		 FROM protocol LIMIT 1`).
		Scan(&p.Key, &p.Admin, &p.Treasury, &p.FeeBps, &volume, &vaults)
	if err != nil {
		return nil, notFound("protocol", err)
	}
	if p.TotalVolume, err = parseAmount(volume); err != nil {
		return nil, err
	}
	if p.TotalVaults, err = parseAmount(vaults); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetVault(ctx context.Context, key model.Key) (*model.Vault, error) {
	row := s.pool.QueryRow(ctx, selectVault+` WHERE key = $1`, key)
	v, err := scanVault(row)
	if err != nil {
		return nil, notFound("vault "+key.String(), err)
	}
	return v, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, key model.Key) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, selectMarket+` WHERE key = $1`, key)
	m, err := scanMarket(row)
	if err != nil {
		return nil, notFound("market "+key.String(), err)
	}
	return m, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.Key) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, selectPosition+` WHERE key = $1`, key)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound("position "+key.String(), err)
	}
	return p, nil
}

func (s *PostgresStore) GetOracle(ctx context.Context, key model.Key) (*model.OracleRegistration, error) {
	var o model.OracleRegistration
	var resolved string

	err := s.pool.QueryRow(ctx,
		`SELECT key, authority, markets_resolved::TEXT, active FROM oracles WHERE key = $1`, key).
		Scan(&o.Key, &o.Authority, &resolved, &o.Active)
	if err != nil {
		return nil, notFound("oracle "+key.String(), err)
	}
	if o.MarketsResolved, err = parseAmount(resolved); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, selectMarket+` ORDER BY created_at DESC, market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListPositionsByVault(ctx context.Context, vault model.Key) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPosition+` WHERE vault = $1 ORDER BY created_at, key`, vault)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, ref model.Key, limit int) ([]events.Envelope, error) {
	query := `SELECT id::TEXT, type, refs, ts, payload
		 FROM ledger_events WHERE refs @> ARRAY[$1::TEXT] ORDER BY seq`
	args := []any{ref.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []events.Envelope
	for rows.Next() {
		var env events.Envelope
		var id, typ string
		var refs []string
		var payload []byte
		if err := rows.Scan(&id, &typ, &refs, &env.Timestamp, &payload); err != nil {
			return nil, err
		}
		if env.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event id %q: %w", id, err)
		}
		env.Type = events.ParseType(typ)
		env.Refs = make([]model.Key, len(refs))
		for i, r := range refs {
			env.Refs[i] = model.Key(r)
		}
		env.Payload = payload
		result = append(result, env)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CustodyBalance(ctx context.Context, account model.Identity) (uint64, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM custody_accounts WHERE identity = $1`, account).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseAmount(bal)
}

func (s *PostgresStore) Fund(ctx context.Context, account model.Identity, amount uint64) error {
	return mapPgError(creditCustody(ctx, s.pool, account, amount))
}

// --- Commit ---

// Commit applies b inside one transaction. Any failed check rolls back
// every statement already executed.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, w := range b.Writes {
			if err := writeRecord(ctx, tx, w); err != nil {
				return err
			}
		}

		if !b.Protocol.IsZero() {
			tag, err := tx.Exec(ctx,
				`UPDATE protocol
				 SET total_vaults = total_vaults + $1::NUMERIC,
				     total_volume = total_volume + $2::NUMERIC`,
				formatAmount(b.Protocol.Vaults), formatAmount(b.Protocol.Volume))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("protocol delta: %w", ErrNotFound)
			}
		}

		for _, mv := range b.Movements {
			if mv.Credit {
				if err := creditCustody(ctx, tx, mv.Account, mv.Amount); err != nil {
					return err
				}
				continue
			}
			tag, err := tx.Exec(ctx,
				`UPDATE custody_accounts SET balance = balance - $2::NUMERIC
				 WHERE identity = $1 AND balance >= $2::NUMERIC`,
				mv.Account, formatAmount(mv.Amount))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("debit %s: %w", mv.Account, ErrInsufficientFunds)
			}
		}

		for _, env := range b.Events {
			refs := make([]string, len(env.Refs))
			for i, r := range env.Refs {
				refs[i] = r.String()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_events (id, type, refs, ts, payload)
				 VALUES ($1::UUID, $2, $3, $4, $5)`,
				env.ID.String(), env.Type.String(), refs, env.Timestamp, []byte(env.Payload),
			); err != nil {
				return err
			}
		}
		return nil
	})
	return mapPgError(err)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func creditCustody(ctx context.Context, db execer, account model.Identity, amount uint64) error {
	_, err := db.Exec(ctx,
		`INSERT INTO custody_accounts (identity, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (identity) DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance`,
		account, formatAmount(amount))
	return err
}

func writeRecord(ctx context.Context, tx pgx.Tx, w Write) error {
	var (
		tag pgconn.CommandTag
		err error
		key model.Key
	)

	switch r := w.Record.(type) {
	case *model.Protocol:
		key = r.Key
		if w.Insert {
			tag, err = tx.Exec(ctx,
				`INSERT INTO protocol (key, admin, treasury, fee_bps, total_volume, total_vaults)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
				r.Key, r.Admin, r.Treasury, int32(r.FeeBps),
				formatAmount(r.TotalVolume), formatAmount(r.TotalVaults))
		} else {
			// Counters move only through ProtocolDelta.
			tag, err = tx.Exec(ctx,
				`UPDATE protocol SET admin = $2, treasury = $3, fee_bps = $4 WHERE key = $1`,
				r.Key, r.Admin, r.Treasury, int32(r.FeeBps))
		}

	case *model.Vault:
		key = r.Key
		if w.Insert {
			tag, err = tx.Exec(ctx,
				`INSERT INTO vaults (key, owner, balance, total_deposited, total_withdrawn, total_pnl, position_count, created_at)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
				r.Key, r.Owner, formatAmount(r.Balance), formatAmount(r.TotalDeposited),
				formatAmount(r.TotalWithdrawn), r.TotalPnL, int64(r.PositionCount), r.CreatedAt)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE vaults
				 SET balance = $2::NUMERIC, total_deposited = $3::NUMERIC, total_withdrawn = $4::NUMERIC,
				     total_pnl = $5, position_count = $6
				 WHERE key = $1`,
				r.Key, formatAmount(r.Balance), formatAmount(r.TotalDeposited),
				formatAmount(r.TotalWithdrawn), r.TotalPnL, int64(r.PositionCount))
		}

	case *model.Market:
		key = r.Key
		var outcome *string
		if r.Outcome != nil {
			o := string(*r.Outcome)
			outcome = &o
		}
		if w.Insert {
			tag, err = tx.Exec(ctx,
				`INSERT INTO markets (key, market_id, platform, title, yes_price, no_price, total_volume,
				                      resolved, outcome, close_time, oracle, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12)`,
				r.Key, r.MarketID, string(r.Platform), r.Title, int32(r.YesPrice), int32(r.NoPrice),
				formatAmount(r.TotalVolume), r.Resolved, outcome, r.CloseTime, r.Oracle, r.CreatedAt)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE markets
				 SET yes_price = $2, no_price = $3, total_volume = $4::NUMERIC, resolved = $5, outcome = $6
				 WHERE key = $1`,
				r.Key, int32(r.YesPrice), int32(r.NoPrice), formatAmount(r.TotalVolume), r.Resolved, outcome)
		}

	case *model.Position:
		key = r.Key
		if w.Insert {
			tag, err = tx.Exec(ctx,
				`INSERT INTO positions (key, vault, market, side, quantity, entry_price, amount_invested,
				                        settled, pnl, created_at, settled_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10, $11)`,
				r.Key, r.Vault, r.Market, string(r.Side), formatAmount(r.Quantity), int32(r.EntryPrice),
				formatAmount(r.AmountInvested), r.Settled, r.PnL, r.CreatedAt, r.SettledAt)
		} else {
			// A settled position is never written again.
			tag, err = tx.Exec(ctx,
				`UPDATE positions SET settled = $2, pnl = $3, settled_at = $4
				 WHERE key = $1 AND NOT settled`,
				r.Key, r.Settled, r.PnL, r.SettledAt)
		}

	case *model.OracleRegistration:
		key = r.Key
		if w.Insert {
			tag, err = tx.Exec(ctx,
				`INSERT INTO oracles (key, authority, markets_resolved, active) VALUES ($1, $2, $3::NUMERIC, $4)`,
				r.Key, r.Authority, formatAmount(r.MarketsResolved), r.Active)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE oracles SET markets_resolved = $2::NUMERIC, active = $3 WHERE key = $1`,
				r.Key, formatAmount(r.MarketsResolved), r.Active)
		}

	default:
		return fmt.Errorf("store: unsupported record type %T", w.Record)
	}

	if err != nil {
		return err
	}
	if !w.Insert && tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", key, ErrNotFound)
	}
	return nil
}

// --- Scanning ---

const selectVault = `SELECT key, owner, balance::TEXT, total_deposited::TEXT, total_withdrawn::TEXT,
	        total_pnl, position_count, created_at
	 FROM vaults`

const selectMarket = `SELECT key, market_id, platform, title, yes_price, no_price, total_volume::TEXT,
	        resolved, outcome, close_time, oracle, created_at
	 FROM markets`

const selectPosition = `SELECT key, vault, market, side, quantity::TEXT, entry_price, amount_invested::TEXT,
	        settled, pnl, created_at, settled_at
	 FROM positions`

type scanner interface {
	Scan(dest ...any) error
}

func scanVault(row scanner) (*model.Vault, error) {
	var v model.Vault
	var bal, dep, wd string
	var count int64
	if err := row.Scan(&v.Key, &v.Owner, &bal, &dep, &wd, &v.TotalPnL, &count, &v.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if v.Balance, err = parseAmount(bal); err != nil {
		return nil, err
	}
	if v.TotalDeposited, err = parseAmount(dep); err != nil {
		return nil, err
	}
	if v.TotalWithdrawn, err = parseAmount(wd); err != nil {
		return nil, err
	}
	v.PositionCount = uint32(count)
	return &v, nil
}

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var platform, volume string
	var yes, no int32
	var outcome *string
	if err := row.Scan(&m.Key, &m.MarketID, &platform, &m.Title, &yes, &no, &volume,
		&m.Resolved, &outcome, &m.CloseTime, &m.Oracle, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Platform = model.Platform(platform)
	m.YesPrice, m.NoPrice = uint16(yes), uint16(no)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	var err error
	if m.TotalVolume, err = parseAmount(volume); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var side, qty, invested string
	var price int32
	var settledAt *time.Time
	if err := row.Scan(&p.Key, &p.Vault, &p.Market, &side, &qty, &price, &invested,
		&p.Settled, &p.PnL, &p.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.EntryPrice = uint16(price)
	p.SettledAt = settledAt
	var err error
	if p.Quantity, err = parseAmount(qty); err != nil {
		return nil, err
	}
	if p.AmountInvested, err = parseAmount(invested); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Helpers ---

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrAlreadyExists)
	case pgCheckViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrOverflow)
	}
	return err
}
