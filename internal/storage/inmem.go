package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_guard/internal/domain"
)

// ArchivedPosition is one closed-position history record.
type ArchivedPosition struct {
	Position          *domain.Position
	ExitPriceMicros   int64
	RealizedPnlMicros int64
}

// Memory is the in-process Store used by tests and by dev runs without a
// database file. All operations hold one mutex, which trivially satisfies the
// atomicity the confirmation and breaker operations require.
type Memory struct {
	mu            sync.Mutex
	alerts        map[string]*domain.Alert
	positions     map[string]*domain.Position
	history       []ArchivedPosition
	locks         map[string]*domain.SymbolLockLease // symbol+"/"+side
	tokens        map[string]string                  // token -> lock key
	bans          map[string]*domain.SymbolBan
	capitulation  map[string]int
	confirmations map[string]*domain.ConfirmationState
	breaker       domain.BreakerLock
	actions       []*domain.GuardAction
	nextActionID  int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alerts:        make(map[string]*domain.Alert),
		positions:     make(map[string]*domain.Position),
		locks:         make(map[string]*domain.SymbolLockLease),
		tokens:        make(map[string]string),
		bans:          make(map[string]*domain.SymbolBan),
		capitulation:  make(map[string]int),
		confirmations: make(map[string]*domain.ConfirmationState),
	}
}

func (m *Memory) SaveAlert(ctx context.Context, a *domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) SetAlertStatus(ctx context.Context, id, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.Reason = reason
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) SavePosition(ctx context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = copyPosition(p)
	return nil
}

func (m *Memory) UpdatePosition(ctx context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	m.positions[p.ID] = copyPosition(p)
	return nil
}

func (m *Memory) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyPosition(p), nil
}

func (m *Memory) OpenPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if !p.IsOpen() {
			continue
		}
		out = append(out, copyPosition(p))
	}
	return out, nil
}

func (m *Memory) ArchivePosition(ctx context.Context, p *domain.Position, exitPriceMicros, realizedPnlMicros int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, p.ID)
	m.history = append(m.history, ArchivedPosition{
		Position:          copyPosition(p),
		ExitPriceMicros:   exitPriceMicros,
		RealizedPnlMicros: realizedPnlMicros,
	})
	return nil
}

func (m *Memory) ClaimTakeProfit(ctx context.Context, id string, idx int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || !p.IsOpen() || idx < 0 || idx >= len(p.TakeProfits) || p.TakeProfits[idx].Hit {
		return false, nil
	}
	p.TakeProfits[idx].Hit = true
	return true, nil
}

func (m *Memory) ClaimClose(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || !p.IsOpen() {
		return false, nil
	}
	p.Status = domain.PositionClosing
	return true, nil
}

// History returns the archived positions, oldest first. Test helper.
func (m *Memory) History() []ArchivedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchivedPosition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Memory) AcquireSymbolLock(ctx context.Context, symbol, side, token string, staleAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := symbol + "/" + side
	now := time.Now()
	if held, ok := m.locks[key]; ok && held.Outcome == "" {
		if now.Sub(time.UnixMicro(held.AcquiredAtUnixM)) < staleAfter {
			return domain.ErrLockBusy
		}
		held.Outcome = domain.LockOutcomeFailed
		delete(m.tokens, held.Token)
		m.nextActionID++
		m.actions = append(m.actions, &domain.GuardAction{
			ID:      m.nextActionID,
			Symbol:  symbol,
			Kind:    domain.ActionLockReclaimed,
			Reason:  domain.LockOutcomeFailed,
			Metrics: reclaimMetrics(side, held.Token, held.AcquiredAtUnixM),
			AtUnixM: now.UnixMicro(),
		})
	}
	m.locks[key] = &domain.SymbolLockLease{
		Symbol:          symbol,
		Side:            side,
		Token:           token,
		AcquiredAtUnixM: now.UnixMicro(),
	}
	m.tokens[token] = key
	return nil
}

func (m *Memory) ReleaseSymbolLock(ctx context.Context, token, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.tokens[token]
	if !ok {
		return domain.ErrNotFound
	}
	if held := m.locks[key]; held != nil && held.Token == token {
		held.Outcome = outcome
	}
	delete(m.tokens, token)
	return nil
}

func (m *Memory) ClearSymbolLocks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for key, held := range m.locks {
		if held.Outcome == "" {
			cleared++
		}
		delete(m.locks, key)
	}
	m.tokens = make(map[string]string)
	return cleared, nil
}

func (m *Memory) SaveBan(ctx context.Context, b *domain.SymbolBan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bans[b.Symbol] = &cp
	return nil
}

func (m *Memory) ActiveBan(ctx context.Context, symbol string, now time.Time) (*domain.SymbolBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bans[symbol]
	if !ok || !b.Active(now) {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) ClearBans(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if symbol == "" {
		m.bans = make(map[string]*domain.SymbolBan)
		return nil
	}
	delete(m.bans, symbol)
	return nil
}

func (m *Memory) BumpCapitulation(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capitulation[symbol]++
	return m.capitulation[symbol], nil
}

func (m *Memory) ResetCapitulation(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.capitulation, symbol)
	return nil
}

func (m *Memory) StepConfirmation(ctx context.Context, key string, window time.Duration, metrics string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.confirmations[key]
	if ok && now.Sub(time.UnixMicro(st.FirstAtUnixM)) <= window {
		st.Count++
		st.LastMetrics = metrics
		return st.Count, nil
	}
	m.confirmations[key] = &domain.ConfirmationState{
		Key:          key,
		Count:        1,
		FirstAtUnixM: now.UnixMicro(),
		LastMetrics:  metrics,
	}
	return 1, nil
}

func (m *Memory) DeleteConfirmation(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.confirmations, key)
	return nil
}

func (m *Memory) EngageBreaker(ctx context.Context, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.Engaged {
		return false, nil
	}
	m.breaker = domain.BreakerLock{
		Engaged:        true,
		Reason:         reason,
		TrippedAtUnixM: now.UnixMicro(),
	}
	return true, nil
}

func (m *Memory) BreakerLock(ctx context.Context) (*domain.BreakerLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.breaker
	return &cp, nil
}

func (m *Memory) ClearBreaker(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = domain.BreakerLock{}
	return nil
}

func (m *Memory) AppendGuardAction(ctx context.Context, a *domain.GuardAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextActionID++
	cp := *a
	cp.ID = m.nextActionID
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *Memory) RecentGuardActions(ctx context.Context, limit int) ([]*domain.GuardAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.actions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.GuardAction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *m.actions[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func copyPosition(p *domain.Position) *domain.Position {
	cp := *p
	cp.TakeProfits = make([]domain.TPLevel, len(p.TakeProfits))
	copy(cp.TakeProfits, p.TakeProfits)
	return &cp
}

// reclaimMetrics is the audit payload written when a stale symbol lock is
// taken over.
func reclaimMetrics(side, token string, acquiredAtUnixM int64) string {
	return fmt.Sprintf(`{"side":%q,"stale_token":%q,"held_since_unix":"%d"}`, side, token, acquiredAtUnixM)
}
