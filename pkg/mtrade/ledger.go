package mtrade

import "clob.com/pkg/asset"

// Ledger 记账协作方
// 订单簿只通过这个接口动资产；生产实现是 *asset.Manager，每个市场一个
type Ledger interface {
	Begin() error
	Commit()
	Rollback()

	Deposit(key asset.AccountKey, base, quote uint64) error
	Withdraw(key asset.AccountKey, base, quote uint64) (asset.Holdings, error)
	DepositHoldings(key asset.AccountKey, h asset.Holdings) error
	Lock(key asset.AccountKey, base, quote uint64) error
	Unlock(key asset.AccountKey, base, quote uint64) error
	ApplyFill(f asset.Fill, h asset.Holdings) (asset.Holdings, int64, error)
	CollectFee(marketID, amount uint64) error
	GetAccount(key asset.AccountKey) (asset.Account, bool)
}

var _ Ledger = (*asset.Manager)(nil)
