package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"trade_guard/internal/domain"
)

// SQLite is the embedded single-node Store. Entities are kept as JSON payloads
// next to the columns the queries filter on; lock, confirmation and breaker
// operations run in immediate transactions so they stay atomic across
// overlapping ticks.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file and prepares the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			received_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL,
			opened_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol, status);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			close_reason TEXT NOT NULL,
			exit_price INTEGER NOT NULL,
			realized_pnl INTEGER NOT NULL,
			payload BLOB NOT NULL,
			closed_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_locks (
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			token TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (symbol, side)
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_bans (
			symbol TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			banned_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS capitulation (
			symbol TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS confirmations (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			first_at INTEGER NOT NULL,
			metrics TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS breaker_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			engaged INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			tripped_at INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT OR IGNORE INTO breaker_lock (id, engaged) VALUES (1, 0);`,
		`CREATE TABLE IF NOT EXISTS guard_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			metrics TEXT NOT NULL,
			at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare schema: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveAlert(ctx context.Context, a *domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, symbol, status, reason, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason, payload=excluded.payload`,
		a.ID, a.Symbol, a.Status, a.Reason, payload, a.ReceivedAtUnixM,
	)
	return err
}

func (s *SQLite) SetAlertStatus(ctx context.Context, id, status, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status=?, reason=?,
		 payload=json_set(json_set(payload, '$.status', ?), '$.reason', ?)
		 WHERE id=?`,
		status, reason, status, reason, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM alerts WHERE id=?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) SavePosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (id, symbol, status, payload, opened_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload`,
		p.ID, p.Symbol, p.Status, payload, p.OpenedAtUnixM,
	)
	return err
}

func (s *SQLite) UpdatePosition(ctx context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE positions SET status=?, payload=? WHERE id=?",
		p.Status, payload, p.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM positions WHERE id=?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalPosition(payload)
}

func (s *SQLite) OpenPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	query := "SELECT payload FROM positions WHERE status IN (?, ?)"
	args := []any{domain.PositionOpen, domain.PositionPartialClose}
	if symbol != "" {
		query += " AND symbol=?"
		args = append(args, symbol)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) ArchivePosition(ctx context.Context, p *domain.Position, exitPriceMicros, realizedPnlMicros int64) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE id=?", p.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO position_history (position_id, symbol, close_reason, exit_price, realized_pnl, payload, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.CloseReason, exitPriceMicros, realizedPnlMicros, payload, p.ClosedAtUnixM,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ClaimTakeProfit(ctx context.Context, id string, idx int) (bool, error) {
	hitPath := fmt.Sprintf("$.take_profits[%d].hit", idx)
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET payload=json_set(payload, ?, json('true'))
		 WHERE id=? AND status IN (?, ?) AND json_extract(payload, ?)=0`,
		hitPath, id, domain.PositionOpen, domain.PositionPartialClose, hitPath,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) ClaimClose(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status=?, payload=json_set(payload, '$.status', ?)
		 WHERE id=? AND status IN (?, ?)`,
		domain.PositionClosing, domain.PositionClosing, id,
		domain.PositionOpen, domain.PositionPartialClose,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) AcquireSymbolLock(ctx context.Context, symbol, side, token string, staleAfter time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var heldAt int64
	var outcome, heldToken string
	err = tx.QueryRowContext(ctx,
		"SELECT token, acquired_at, outcome FROM symbol_locks WHERE symbol=? AND side=?",
		symbol, side,
	).Scan(&heldToken, &heldAt, &outcome)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return err
	case outcome == "":
		if time.Since(time.UnixMicro(heldAt)) < staleAfter {
			return domain.ErrLockBusy
		}
		// Taking over a lease whose holder crashed mid-open. The displaced
		// token goes to the audit log in the same transaction.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO guard_actions (position_id, symbol, kind, reason, metrics, at)
			 VALUES ('', ?, ?, ?, ?, ?)`,
			symbol, domain.ActionLockReclaimed, domain.LockOutcomeFailed,
			reclaimMetrics(side, heldToken, heldAt), time.Now().UnixMicro(),
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO symbol_locks (symbol, side, token, acquired_at, outcome)
		 VALUES (?, ?, ?, ?, '')
		 ON CONFLICT(symbol, side) DO UPDATE SET token=excluded.token, acquired_at=excluded.acquired_at, outcome=''`,
		symbol, side, token, time.Now().UnixMicro(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ReleaseSymbolLock(ctx context.Context, token, outcome string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE symbol_locks SET outcome=? WHERE token=? AND outcome=''",
		outcome, token,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) ClearSymbolLocks(ctx context.Context) (int, error) {
	var held int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM symbol_locks WHERE outcome=''",
	).Scan(&held); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM symbol_locks"); err != nil {
		return 0, err
	}
	return held, nil
}

func (s *SQLite) SaveBan(ctx context.Context, b *domain.SymbolBan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbol_bans (symbol, reason, banned_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET reason=excluded.reason, banned_at=excluded.banned_at, expires_at=excluded.expires_at`,
		b.Symbol, b.Reason, b.BannedAtUnixM, b.ExpiresAtUnixM,
	)
	return err
}

func (s *SQLite) ActiveBan(ctx context.Context, symbol string, now time.Time) (*domain.SymbolBan, error) {
	b := &domain.SymbolBan{Symbol: symbol}
	err := s.db.QueryRowContext(ctx,
		"SELECT reason, banned_at, expires_at FROM symbol_bans WHERE symbol=?", symbol,
	).Scan(&b.Reason, &b.BannedAtUnixM, &b.ExpiresAtUnixM)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) ClearBans(ctx context.Context, symbol string) error {
	if symbol == "" {
		_, err := s.db.ExecContext(ctx, "DELETE FROM symbol_bans")
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM symbol_bans WHERE symbol=?", symbol)
	return err
}

func (s *SQLite) BumpCapitulation(ctx context.Context, symbol string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO capitulation (symbol, count) VALUES (?, 1)
		 ON CONFLICT(symbol) DO UPDATE SET count=count+1
		 RETURNING count`,
		symbol,
	).Scan(&count)
	return count, err
}

func (s *SQLite) ResetCapitulation(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM capitulation WHERE symbol=?", symbol)
	return err
}

func (s *SQLite) StepConfirmation(ctx context.Context, key string, window time.Duration, metrics string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	var firstAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT count, first_at FROM confirmations WHERE key=?", key,
	).Scan(&count, &firstAt)

	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return 0, err
	}

	if !fresh && now.Sub(time.UnixMicro(firstAt)) <= window {
		count++
		if _, err := tx.ExecContext(ctx,
			"UPDATE confirmations SET count=?, metrics=? WHERE key=?",
			count, metrics, key,
		); err != nil {
			return 0, err
		}
	} else {
		count = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO confirmations (key, count, first_at, metrics) VALUES (?, 1, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET count=1, first_at=excluded.first_at, metrics=excluded.metrics`,
			key, now.UnixMicro(), metrics,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLite) DeleteConfirmation(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM confirmations WHERE key=?", key)
	return err
}

func (s *SQLite) EngageBreaker(ctx context.Context, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE breaker_lock SET engaged=1, reason=?, tripped_at=? WHERE id=1 AND engaged=0",
		reason, now.UnixMicro(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) BreakerLock(ctx context.Context) (*domain.BreakerLock, error) {
	lock := &domain.BreakerLock{}
	var engaged int
	err := s.db.QueryRowContext(ctx,
		"SELECT engaged, reason, tripped_at FROM breaker_lock WHERE id=1",
	).Scan(&engaged, &lock.Reason, &lock.TrippedAtUnixM)
	if errors.Is(err, sql.ErrNoRows) {
		return lock, nil
	}
	if err != nil {
		return nil, err
	}
	lock.Engaged = engaged == 1
	return lock, nil
}

func (s *SQLite) ClearBreaker(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE breaker_lock SET engaged=0, reason='', tripped_at=0 WHERE id=1")
	return err
}

func (s *SQLite) AppendGuardAction(ctx context.Context, a *domain.GuardAction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guard_actions (position_id, symbol, kind, reason, metrics, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.PositionID, a.Symbol, a.Kind, a.Reason, a.Metrics, a.AtUnixM,
	)
	return err
}

func (s *SQLite) RecentGuardActions(ctx context.Context, limit int) ([]*domain.GuardAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, symbol, kind, reason, metrics, at
		 FROM guard_actions ORDER BY id DESC LIMIT ?`, limit)
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

func (s *SQLite) Close() error {
	return s.db.Close()
}

func unmarshalPosition(payload []byte) (*domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &p, nil
}
