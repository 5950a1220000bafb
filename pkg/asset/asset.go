// 文件: pkg/asset/asset.go
// 市场账户 (撮合的记账协作方)
//
// 每个 (用户, 市场, 托管方) 一个账户，分别记录 base 和 quote 的总额与可用额。
// 挂单时锁定 (可用 -> 冻结)，成交时从冻结部分结算，撤单时解锁。
// 所有操作先校验再修改，任何一步失败都不留下部分结果。

package asset

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFrozen  = errors.New("insufficient frozen balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNumericOverflow     = errors.New("asset: numeric overflow")
	ErrJournalActive       = errors.New("asset: journal already active")
)

// =============================================================================
// Models
// =============================================================================

// AccountKey 市场账户标识
type AccountKey struct {
	UserID      int64
	MarketID    uint64
	CustodianID uint64
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.UserID, k.MarketID, k.CustodianID)
}

// Balance 单个资产的余额状态
type Balance struct {
	Total     uint64
	Available uint64
}

// Frozen 冻结余额 (已挂单未成交)
func (b Balance) Frozen() uint64 {
	return b.Total - b.Available
}

// Account 市场账户
type Account struct {
	Key   AccountKey
	Base  Balance
	Quote Balance
}

// Holdings 撮合期间 taker 手上的资产 (从账户取出，撮合结束后存回)
type Holdings struct {
	Base  uint64
	Quote uint64
}

// Fill 一次 maker 成交
type Fill struct {
	Maker     AccountKey
	MakerAsk  bool   // maker 为卖单
	AccessKey uint64 // maker 订单的 access key
	Size      uint64 // 成交手数
	Base      uint64
	Quote     uint64
	Complete  bool
}

// =============================================================================
// Manager
// =============================================================================

// Manager 资产管理器
// 撮合线程独占写，查询可以并发读
type Manager struct {
	accounts map[AccountKey]*Account
	fees     map[uint64]uint64 // MarketID -> 已收手续费
	mu       sync.RWMutex

	ids *FillIDGenerator
	j   *journal
}

// NewManager 创建资产管理器
func NewManager(ids *FillIDGenerator) *Manager {
	return &Manager{
		accounts: make(map[AccountKey]*Account),
		fees:     make(map[uint64]uint64),
		ids:      ids,
	}
}

// GetAccount 账户快照
func (m *Manager) GetAccount(key AccountKey) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[key]
	if !ok {
		return Account{Key: key}, false
	}
	return *acc, true
}

// FeesCollected 市场累计手续费
func (m *Manager) FeesCollected(marketID uint64) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fees[marketID]
}

// account 取账户，不存在则创建 (调用方持有写锁)
func (m *Manager) account(key AccountKey) *Account {
	if acc, ok := m.accounts[key]; ok {
		m.save(key, acc)
		return acc
	}
	m.save(key, nil)
	acc := &Account{Key: key}
	m.accounts[key] = acc
	return acc
}

// =============================================================================
// 充提
// =============================================================================

// Deposit 充值 (增加总额与可用)
func (m *Manager) Deposit(key AccountKey, base, quote uint64) error {
	if base == 0 && quote == 0 {
		return ErrInvalidAmount
	}
	return m.DepositHoldings(key, Holdings{Base: base, Quote: quote})
}

// DepositHoldings 撮合结束后把 taker 剩余资产存回账户
func (m *Manager) DepositHoldings(key AccountKey, h Holdings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.accounts[key]
	var base, quote Balance
	if cur != nil {
		base, quote = cur.Base, cur.Quote
	}
	if _, err := add(base.Total, h.Base); err != nil {
		return fmt.Errorf("deposit base %s: %w", key, err)
	}
	if _, err := add(quote.Total, h.Quote); err != nil {
		return fmt.Errorf("deposit quote %s: %w", key, err)
	}

	acc := m.account(key)
	acc.Base.Total += h.Base
	acc.Base.Available += h.Base
	acc.Quote.Total += h.Quote
	acc.Quote.Available += h.Quote
	return nil
}

// Withdraw 从可用余额取出资产
func (m *Manager) Withdraw(key AccountKey, base, quote uint64) (Holdings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[key]
	if !ok {
		if base == 0 && quote == 0 {
			return Holdings{}, nil
		}
		return Holdings{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	if acc.Base.Available < base || acc.Quote.Available < quote {
		return Holdings{}, fmt.Errorf("%w: %s withdraw base=%d quote=%d", ErrInsufficientBalance, key, base, quote)
	}

	acc = m.account(key)
	acc.Base.Total -= base
	acc.Base.Available -= base
	acc.Quote.Total -= quote
	acc.Quote.Available -= quote
	return Holdings{Base: base, Quote: quote}, nil
}

// =============================================================================
// 冻结 / 解冻
// =============================================================================

// Lock 挂单冻结 (可用 -> 冻结)
func (m *Manager) Lock(key AccountKey, base, quote uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[key]
	if !ok || acc.Base.Available < base || acc.Quote.Available < quote {
		return fmt.Errorf("%w: %s lock base=%d quote=%d", ErrInsufficientBalance, key, base, quote)
	}

	acc = m.account(key)
	acc.Base.Available -= base
	acc.Quote.Available -= quote
	return nil
}

// Unlock 撤单解冻 (冻结 -> 可用)
func (m *Manager) Unlock(key AccountKey, base, quote uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[key]
	if !ok || acc.Base.Frozen() < base || acc.Quote.Frozen() < quote {
		return fmt.Errorf("%w: %s unlock base=%d quote=%d", ErrInsufficientFrozen, key, base, quote)
	}

	acc = m.account(key)
	acc.Base.Available += base
	acc.Quote.Available += quote
	return nil
}

// =============================================================================
// 成交结算
// =============================================================================

// ApplyFill 结算一笔 maker 成交，返回 taker 更新后的持仓和成交 ID
//
//	maker 卖: maker 冻结 base -> taker，taker 的 quote -> maker 可用
//	maker 买: maker 冻结 quote -> taker，taker 的 base -> maker 可用
func (m *Manager) ApplyFill(f Fill, h Holdings) (Holdings, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[f.Maker]
	if !ok {
		return h, 0, fmt.Errorf("%w: maker %s", ErrAccountNotFound, f.Maker)
	}

	if f.MakerAsk {
		if acc.Base.Frozen() < f.Base {
			return h, 0, fmt.Errorf("%w: maker %s base %d", ErrInsufficientFrozen, f.Maker, f.Base)
		}
		if h.Quote < f.Quote {
			return h, 0, fmt.Errorf("%w: taker quote %d < %d", ErrInsufficientBalance, h.Quote, f.Quote)
		}
		if _, err := add(acc.Quote.Total, f.Quote); err != nil {
			return h, 0, fmt.Errorf("maker %s quote: %w", f.Maker, err)
		}
		if _, err := add(h.Base, f.Base); err != nil {
			return h, 0, fmt.Errorf("taker base: %w", err)
		}

		acc = m.account(f.Maker)
		acc.Base.Total -= f.Base
		acc.Quote.Total += f.Quote
		acc.Quote.Available += f.Quote
		h.Base += f.Base
		h.Quote -= f.Quote
	} else {
		if acc.Quote.Frozen() < f.Quote {
			return h, 0, fmt.Errorf("%w: maker %s quote %d", ErrInsufficientFrozen, f.Maker, f.Quote)
		}
		if h.Base < f.Base {
			return h, 0, fmt.Errorf("%w: taker base %d < %d", ErrInsufficientBalance, h.Base, f.Base)
		}
		if _, err := add(acc.Base.Total, f.Base); err != nil {
			return h, 0, fmt.Errorf("maker %s base: %w", f.Maker, err)
		}
		if _, err := add(h.Quote, f.Quote); err != nil {
			return h, 0, fmt.Errorf("taker quote: %w", err)
		}

		acc = m.account(f.Maker)
		acc.Quote.Total -= f.Quote
		acc.Base.Total += f.Base
		acc.Base.Available += f.Base
		h.Quote += f.Quote
		h.Base -= f.Base
	}

	return h, m.ids.Next(), nil
}

// CollectFee 记入市场手续费
func (m *Manager) CollectFee(marketID, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, err := add(m.fees[marketID], amount)
	if err != nil {
		return fmt.Errorf("collect fee market %d: %w", marketID, err)
	}
	m.saveFee(marketID)
	m.fees[marketID] = total
	return nil
}

// add 带溢出检查的加法
func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrNumericOverflow
	}
	return sum, nil
}
