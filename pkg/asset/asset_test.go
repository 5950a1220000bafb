package asset

import (
	"errors"
	"math"
	"testing"
)

// =============================================================================
// Manager 测试
// =============================================================================

var (
	alice = AccountKey{UserID: 1, MarketID: 1}
	bob   = AccountKey{UserID: 2, MarketID: 1}
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ids, err := NewFillIDGenerator(1)
	if err != nil {
		t.Fatalf("fill id generator: %v", err)
	}
	return NewManager(ids)
}

func mustAccount(t *testing.T, m *Manager, key AccountKey) Account {
	t.Helper()
	acc, ok := m.GetAccount(key)
	if !ok {
		t.Fatalf("account %s not found", key)
	}
	return acc
}

func TestManager_DepositWithdraw(t *testing.T) {
	m := newTestManager(t)

	if err := m.Deposit(alice, 100, 5000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h, err := m.Withdraw(alice, 40, 0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if h.Base != 40 || h.Quote != 0 {
		t.Errorf("holdings = %+v", h)
	}

	acc := mustAccount(t, m, alice)
	if acc.Base.Total != 60 || acc.Base.Available != 60 {
		t.Errorf("base = %+v, want 60/60", acc.Base)
	}
	if acc.Quote.Total != 5000 {
		t.Errorf("quote total = %d", acc.Quote.Total)
	}

	if _, err := m.Withdraw(alice, 61, 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := m.Deposit(alice, 0, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestManager_DepositOverflow(t *testing.T) {
	m := newTestManager(t)

	if err := m.Deposit(alice, math.MaxUint64, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.Deposit(alice, 1, 0); !errors.Is(err, ErrNumericOverflow) {
		t.Errorf("expected ErrNumericOverflow, got %v", err)
	}
	acc := mustAccount(t, m, alice)
	if acc.Base.Total != math.MaxUint64 {
		t.Errorf("base total changed: %d", acc.Base.Total)
	}
}

func TestManager_LockUnlock(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 10, 1000)

	if err := m.Lock(alice, 4, 300); err != nil {
		t.Fatalf("lock: %v", err)
	}
	acc := mustAccount(t, m, alice)
	if acc.Base.Frozen() != 4 || acc.Quote.Frozen() != 300 {
		t.Errorf("frozen = %d/%d", acc.Base.Frozen(), acc.Quote.Frozen())
	}

	// 冻结资产不能提取
	if _, err := m.Withdraw(alice, 10, 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := m.Unlock(alice, 5, 0); !errors.Is(err, ErrInsufficientFrozen) {
		t.Errorf("expected ErrInsufficientFrozen, got %v", err)
	}
	if err := m.Unlock(alice, 4, 300); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	acc = mustAccount(t, m, alice)
	if acc.Base.Available != 10 || acc.Quote.Available != 1000 {
		t.Errorf("available = %d/%d", acc.Base.Available, acc.Quote.Available)
	}
}

func TestManager_ApplyFill_MakerAsk(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 10, 0)
	m.Lock(alice, 10, 0)

	h, id, err := m.ApplyFill(Fill{
		Maker: alice, MakerAsk: true, Size: 3, Base: 3, Quote: 30,
	}, Holdings{Quote: 100})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero fill id")
	}
	if h.Base != 3 || h.Quote != 70 {
		t.Errorf("taker holdings = %+v", h)
	}

	acc := mustAccount(t, m, alice)
	if acc.Base.Total != 7 || acc.Base.Frozen() != 7 {
		t.Errorf("maker base = %+v", acc.Base)
	}
	if acc.Quote.Available != 30 {
		t.Errorf("maker quote = %+v", acc.Quote)
	}
}

func TestManager_ApplyFill_MakerBid(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(bob, 0, 500)
	m.Lock(bob, 0, 500)

	h, _, err := m.ApplyFill(Fill{
		Maker: bob, MakerAsk: false, Size: 2, Base: 2, Quote: 200,
	}, Holdings{Base: 5})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if h.Base != 3 || h.Quote != 200 {
		t.Errorf("taker holdings = %+v", h)
	}

	acc := mustAccount(t, m, bob)
	if acc.Quote.Total != 300 || acc.Quote.Frozen() != 300 {
		t.Errorf("maker quote = %+v", acc.Quote)
	}
	if acc.Base.Available != 2 {
		t.Errorf("maker base = %+v", acc.Base)
	}
}

func TestManager_ApplyFill_Insufficient(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 10, 0)
	m.Lock(alice, 2, 0)

	before := mustAccount(t, m, alice)
	_, _, err := m.ApplyFill(Fill{Maker: alice, MakerAsk: true, Base: 3, Quote: 30}, Holdings{Quote: 100})
	if !errors.Is(err, ErrInsufficientFrozen) {
		t.Fatalf("expected ErrInsufficientFrozen, got %v", err)
	}
	_, _, err = m.ApplyFill(Fill{Maker: alice, MakerAsk: true, Base: 1, Quote: 30}, Holdings{Quote: 10})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if after := mustAccount(t, m, alice); after != before {
		t.Errorf("account changed on failure: %+v -> %+v", before, after)
	}
}

func TestManager_FillIDsUnique(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 1000, 0)
	m.Lock(alice, 1000, 0)

	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		_, id, err := m.ApplyFill(Fill{Maker: alice, MakerAsk: true, Base: 1, Quote: 1}, Holdings{Quote: 1})
		if err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate fill id %d", id)
		}
		seen[id] = true
	}
}

// =============================================================================
// 事务测试
// =============================================================================

func TestManager_Rollback(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 10, 100)
	m.CollectFee(1, 5)

	if err := m.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Begin(); !errors.Is(err, ErrJournalActive) {
		t.Errorf("expected ErrJournalActive, got %v", err)
	}

	m.Lock(alice, 5, 50)
	m.Lock(alice, 1, 0)
	m.Deposit(bob, 7, 0)
	m.CollectFee(1, 3)
	m.CollectFee(2, 9)
	m.Rollback()

	acc := mustAccount(t, m, alice)
	if acc.Base != (Balance{Total: 10, Available: 10}) || acc.Quote != (Balance{Total: 100, Available: 100}) {
		t.Errorf("alice not restored: %+v", acc)
	}
	if _, ok := m.GetAccount(bob); ok {
		t.Error("account created inside rolled back txn should not exist")
	}
	if got := m.FeesCollected(1); got != 5 {
		t.Errorf("fees market 1 = %d, want 5", got)
	}
	if got := m.FeesCollected(2); got != 0 {
		t.Errorf("fees market 2 = %d, want 0", got)
	}
}

func TestManager_Commit(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, 10, 0)

	m.Begin()
	m.Lock(alice, 5, 0)
	m.Commit()
	m.Rollback() // 无事务时无影响

	acc := mustAccount(t, m, alice)
	if acc.Base.Available != 5 {
		t.Errorf("available = %d, want 5", acc.Base.Available)
	}
}
