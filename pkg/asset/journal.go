package asset

// =============================================================================
// 事务日志
// =============================================================================
//
// 撮合失败时整单回滚：Begin 后首次修改某账户或手续费前保存原值。

type journal struct {
	accounts map[AccountKey]*Account // nil 表示事务中新建
	fees     map[uint64]uint64
	newFees  map[uint64]bool
}

// Begin 开始记录
func (m *Manager) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.j != nil {
		return ErrJournalActive
	}
	m.j = &journal{
		accounts: make(map[AccountKey]*Account),
		fees:     make(map[uint64]uint64),
		newFees:  make(map[uint64]bool),
	}
	return nil
}

// Commit 保留修改
func (m *Manager) Commit() {
	m.mu.Lock()
	m.j = nil
	m.mu.Unlock()
}

// Rollback 撤销 Begin 以来的修改
func (m *Manager) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.j
	if j == nil {
		return
	}
	m.j = nil

	for key, prev := range j.accounts {
		if prev == nil {
			delete(m.accounts, key)
			continue
		}
		*m.accounts[key] = *prev
	}
	for id, prev := range j.fees {
		m.fees[id] = prev
	}
	for id := range j.newFees {
		delete(m.fees, id)
	}
}

func (m *Manager) save(key AccountKey, acc *Account) {
	j := m.j
	if j == nil {
		return
	}
	if _, ok := j.accounts[key]; ok {
		return
	}
	if acc == nil {
		j.accounts[key] = nil
		return
	}
	cp := *acc
	j.accounts[key] = &cp
}

func (m *Manager) saveFee(marketID uint64) {
	j := m.j
	if j == nil {
		return
	}
	if _, ok := j.fees[marketID]; ok || j.newFees[marketID] {
		return
	}
	if prev, ok := m.fees[marketID]; ok {
		j.fees[marketID] = prev
	} else {
		j.newFees[marketID] = true
	}
}
