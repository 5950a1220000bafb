// 文件: pkg/order/mysql_repo.go
package order

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type MySQLHistoryRepository struct {
	db *gorm.DB
}

// OpenMySQL 连接 MySQL
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

func NewMySQLHistoryRepository(db *gorm.DB) *MySQLHistoryRepository {
	return &MySQLHistoryRepository{db: db}
}

// Migrate 建表
func (r *MySQLHistoryRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&History{}, &AggregatedEvent{})
}

func (r *MySQLHistoryRepository) Transaction(ctx context.Context, fn func(tx HistoryTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&mysqlTx{db: tx})
	})
}

func (r *MySQLHistoryRepository) Get(ctx context.Context, marketID, counter uint64) (*History, error) {
	return (&mysqlTx{db: r.db.WithContext(ctx)}).Get(marketID, counter)
}

func (r *MySQLHistoryRepository) ListOpenByUser(ctx context.Context, userID int64) ([]*History, error) {
	var rows []*History
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusOpen).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *MySQLHistoryRepository) ListByUser(ctx context.Context, userID int64, marketID uint64, limit int) ([]*History, error) {
	var rows []*History
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND market_id = ?", userID, marketID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// =============================================================================
// 事务
// =============================================================================

type mysqlTx struct {
	db *gorm.DB
}

func (t *mysqlTx) IsAggregated(marketID, seq uint64) (bool, error) {
	var n int64
	err := t.db.Model(&AggregatedEvent{}).
		Where("market_id = ? AND seq = ?", marketID, seq).
		Count(&n).Error
	return n > 0, err
}

func (t *mysqlTx) MarkAggregated(marketID, seq uint64, at int64) error {
	return t.db.Create(&AggregatedEvent{MarketID: marketID, Seq: seq, AggregatedAt: at}).Error
}

func (t *mysqlTx) Create(h *History) error {
	return t.db.Create(h).Error
}

func (t *mysqlTx) Get(marketID, counter uint64) (*History, error) {
	var h History
	err := t.db.Where("market_id = ? AND counter = ?", marketID, counter).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: market %d order %d", ErrHistoryNotFound, marketID, counter)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *mysqlTx) Save(h *History) error {
	return t.db.Save(h).Error
}
