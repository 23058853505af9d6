package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trade_guard/internal/domain"
)

// Postgres is the Store for multi-instance deployments. Same schema shape as
// the sqlite store; the atomic operations lean on single-statement upserts so
// concurrent engines sharing one database cannot double-fire.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, bounds the pool and prepares the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists alerts (
			id text primary key,
			symbol text not null,
			status text not null,
			reason text not null default '',
			payload jsonb not null,
			received_at bigint not null
		)`,
		`create table if not exists positions (
			id text primary key,
			symbol text not null,
			status text not null,
			payload jsonb not null,
			opened_at bigint not null
		)`,
		`create index if not exists idx_positions_symbol on positions(symbol, status)`,
		`create table if not exists position_history (
			id bigserial primary key,
			position_id text not null,
			symbol text not null,
			close_reason text not null,
			exit_price bigint not null,
			realized_pnl bigint not null,
			payload jsonb not null,
			closed_at bigint not null
		)`,
		`create table if not exists symbol_locks (
			symbol text not null,
			side text not null,
			token text not null,
			acquired_at bigint not null,
			outcome text not null default '',
			primary key (symbol, side)
		)`,
		`create table if not exists symbol_bans (
			symbol text primary key,
			reason text not null,
			banned_at bigint not null,
			expires_at bigint not null
		)`,
		`create table if not exists capitulation (
			symbol text primary key,
			count integer not null
		)`,
		`create table if not exists confirmations (
			key text primary key,
			count integer not null,
			first_at bigint not null,
			metrics text not null
		)`,
		`create table if not exists breaker_lock (
			id integer primary key check (id = 1),
			engaged boolean not null default false,
			reason text not null default '',
			tripped_at bigint not null default 0
		)`,
		`insert into breaker_lock (id, engaged) values (1, false) on conflict (id) do nothing`,
		`create table if not exists guard_actions (
			id bigserial primary key,
			position_id text not null default '',
			symbol text not null,
			kind text not null,
			reason text not null,
			metrics text not null,
			at bigint not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) SaveAlert(ctx context.Context, a *domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		insert into alerts (id, symbol, status, reason, payload, received_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update set status=excluded.status, reason=excluded.reason, payload=excluded.payload
	`, a.ID, a.Symbol, a.Status, a.Reason, payload, a.ReceivedAtUnixM)
	return err
}

func (s *Postgres) SetAlertStatus(ctx context.Context, id, status, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		update alerts set status=$1, reason=$2,
			payload = payload || jsonb_build_object('status', $1::text, 'reason', $2::text)
		where id=$3
	`, status, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "select payload from alerts where id=$1", id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *Postgres) SavePosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		insert into positions (id, symbol, status, payload, opened_at)
		values ($1, $2, $3, $4, $5)
		on conflict (id) do update set status=excluded.status, payload=excluded.payload
	`, p.ID, p.Symbol, p.Status, payload, p.OpenedAtUnixM)
	return err
}

func (s *Postgres) UpdatePosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		"update positions set status=$1, payload=$2 where id=$3",
		p.Status, payload, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "select payload from positions where id=$1", id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalPosition(payload)
}

func (s *Postgres) OpenPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	query := "select payload from positions where status in ($1, $2)"
	args := []any{domain.PositionOpen, domain.PositionPartialClose}
	if symbol != "" {
		query += " and symbol=$3"
		args = append(args, symbol)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		p, err := unmarshalPosition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) ArchivePosition(ctx context.Context, p *domain.Position, exitPriceMicros, realizedPnlMicros int64) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "delete from positions where id=$1", p.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		insert into position_history (position_id, symbol, close_reason, exit_price, realized_pnl, payload, closed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Symbol, p.CloseReason, exitPriceMicros, realizedPnlMicros, payload, p.ClosedAtUnixM); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ClaimTakeProfit(ctx context.Context, id string, idx int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		update positions
		set payload = jsonb_set(payload, array['take_profits', $2, 'hit'], 'true'::jsonb)
		where id=$1 and status in ($3, $4)
			and payload->'take_profits'->($2::int)->>'hit' = 'false'
	`, id, fmt.Sprintf("%d", idx), domain.PositionOpen, domain.PositionPartialClose)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ClaimClose(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		update positions
		set status=$2, payload = jsonb_set(payload, '{status}', to_jsonb($2::text))
		where id=$1 and status in ($3, $4)
	`, id, domain.PositionClosing, domain.PositionOpen, domain.PositionPartialClose)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) AcquireSymbolLock(ctx context.Context, symbol, side, token string, staleAfter time.Duration) error {
	now := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var heldAt int64
	var outcome, heldToken string
	err = tx.QueryRow(ctx,
		"select token, acquired_at, outcome from symbol_locks where symbol=$1 and side=$2 for update",
		symbol, side,
	).Scan(&heldToken, &heldAt, &outcome)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// free
	case err != nil:
		return err
	case outcome == "":
		if now.Sub(time.UnixMicro(heldAt)) < staleAfter {
			return domain.ErrLockBusy
		}
		// Taking over a lease whose holder crashed mid-open. The displaced
		// token goes to the audit log in the same transaction.
		if _, err := tx.Exec(ctx, `
			insert into guard_actions (position_id, symbol, kind, reason, metrics, at)
			values ('', $1, $2, $3, $4, $5)
		`, symbol, domain.ActionLockReclaimed, domain.LockOutcomeFailed,
			reclaimMetrics(side, heldToken, heldAt), now.UnixMicro()); err != nil {
			return err
		}
	}

	// The conditional upsert stays authoritative: two engines racing for a
	// symbol neither has locked both pass the empty-row select, and only the
	// first insert wins.
	tag, err := tx.Exec(ctx, `
		insert into symbol_locks (symbol, side, token, acquired_at, outcome)
		values ($1, $2, $3, $4, '')
		on conflict (symbol, side) do update
			set token=excluded.token, acquired_at=excluded.acquired_at, outcome=''
			where symbol_locks.outcome <> '' or symbol_locks.acquired_at < $5
	`, symbol, side, token, now.UnixMicro(), now.Add(-staleAfter).UnixMicro())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockBusy
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ReleaseSymbolLock(ctx context.Context, token, outcome string) error {
	tag, err := s.pool.Exec(ctx,
		"update symbol_locks set outcome=$1 where token=$2 and outcome=''",
		outcome, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Postgres) ClearSymbolLocks(ctx context.Context) (int, error) {
	var held int
	if err := s.pool.QueryRow(ctx,
		"select count(*) from symbol_locks where outcome=''",
	).Scan(&held); err != nil {
		return 0, err
	}
	if _, err := s.pool.Exec(ctx, "delete from symbol_locks"); err != nil {
		return 0, err
	}
	return held, nil
}

func (s *Postgres) SaveBan(ctx context.Context, b *domain.SymbolBan) error {
	_, err := s.pool.Exec(ctx, `
		insert into symbol_bans (symbol, reason, banned_at, expires_at)
		values ($1, $2, $3, $4)
		on conflict (symbol) do update set reason=excluded.reason, banned_at=excluded.banned_at, expires_at=excluded.expires_at
	`, b.Symbol, b.Reason, b.BannedAtUnixM, b.ExpiresAtUnixM)
	return err
}

func (s *Postgres) ActiveBan(ctx context.Context, symbol string, now time.Time) (*domain.SymbolBan, error) {
	b := &domain.SymbolBan{Symbol: symbol}
	err := s.pool.QueryRow(ctx,
		"select reason, banned_at, expires_at from symbol_bans where symbol=$1", symbol,
	).Scan(&b.Reason, &b.BannedAtUnixM, &b.ExpiresAtUnixM)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !b.Active(now) {
		return nil, nil
	}
	return b, nil
}

func (s *Postgres) ClearBans(ctx context.Context, symbol string) error {
	if symbol == "" {
		_, err := s.pool.Exec(ctx, "delete from symbol_bans")
		return err
	}
	_, err := s.pool.Exec(ctx, "delete from symbol_bans where symbol=$1", symbol)
	return err
}

func (s *Postgres) BumpCapitulation(ctx context.Context, symbol string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		insert into capitulation (symbol, count) values ($1, 1)
		on conflict (symbol) do update set count = capitulation.count + 1
		returning count
	`, symbol).Scan(&count)
	return count, err
}

func (s *Postgres) ResetCapitulation(ctx context.Context, symbol string) error {
	_, err := s.pool.Exec(ctx, "delete from capitulation where symbol=$1", symbol)
	return err
}

func (s *Postgres) StepConfirmation(ctx context.Context, key string, window time.Duration, metrics string, now time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		insert into confirmations (key, count, first_at, metrics)
		values ($1, 1, $2, $3)
		on conflict (key) do update set
			count = case when confirmations.first_at >= $4 then confirmations.count + 1 else 1 end,
			first_at = case when confirmations.first_at >= $4 then confirmations.first_at else $2::bigint end,
			metrics = excluded.metrics
		returning count
	`, key, now.UnixMicro(), metrics, now.Add(-window).UnixMicro()).Scan(&count)
	return count, err
}

func (s *Postgres) DeleteConfirmation(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, "delete from confirmations where key=$1", key)
	return err
}

func (s *Postgres) EngageBreaker(ctx context.Context, reason string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"update breaker_lock set engaged=true, reason=$1, tripped_at=$2 where id=1 and engaged=false",
		reason, now.UnixMicro())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) BreakerLock(ctx context.Context) (*domain.BreakerLock, error) {
	lock := &domain.BreakerLock{}
	err := s.pool.QueryRow(ctx,
		"select engaged, reason, tripped_at from breaker_lock where id=1",
	).Scan(&lock.Engaged, &lock.Reason, &lock.TrippedAtUnixM)
	if errors.Is(err, pgx.ErrNoRows) {
		return lock, nil
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *Postgres) ClearBreaker(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		"update breaker_lock set engaged=false, reason='', tripped_at=0 where id=1")
	return err
}

func (s *Postgres) AppendGuardAction(ctx context.Context, a *domain.GuardAction) error {
	_, err := s.pool.Exec(ctx, `
		insert into guard_actions (position_id, symbol, kind, reason, metrics, at)
		values ($1, $2, $3, $4, $5, $6)
	`, a.PositionID, a.Symbol, a.Kind, a.Reason, a.Metrics, a.AtUnixM)
	return err
}

func (s *Postgres) RecentGuardActions(ctx context.Context, limit int) ([]*domain.GuardAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		select id, position_id, symbol, kind, reason, metrics, at
		from guard_actions order by id desc limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.GuardAction
	for rows.Next() {
		a := &domain.GuardAction{}
		if err := rows.Scan(&a.ID, &a.PositionID, &a.Symbol, &a.Kind, &a.Reason, &a.Metrics, &a.AtUnixM); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
