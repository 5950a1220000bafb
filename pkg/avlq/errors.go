package avlq

import "errors"

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrCapacityExceeded 节点 ID 用尽 (每类节点最多 2^14-1 个)
	ErrCapacityExceeded = errors.New("avlq: node capacity exceeded")

	// ErrInvalidHandle access key 指向空节点、已释放节点或其他队列
	ErrInvalidHandle = errors.New("avlq: invalid access key")

	// ErrPriorityTooLow 插入会成为全局队尾且树高已超过临界值，拒绝插入
	ErrPriorityTooLow = errors.New("avlq: priority too low")

	// ErrNumericOverflow 位宽溢出
	ErrNumericOverflow = errors.New("avlq: numeric overflow")

	// ErrInvalidHeight 临界高度超出范围
	ErrInvalidHeight = errors.New("avlq: invalid critical height")

	// ErrEmpty 队列为空
	ErrEmpty = errors.New("avlq: queue is empty")

	// ErrJournalActive 已存在未结束的事务
	ErrJournalActive = errors.New("avlq: journal already active")
)
