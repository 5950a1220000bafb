package avlq

import "fmt"

// =============================================================================
// Access Key 编码
// =============================================================================
//
// 64 位布局 (高 3 位恒为 0):
//
//	| 60..47  | 46..33  | 32  | 31..0 |
//	| tree ID | list ID | asc | price |
//
// 拿到 access key 后，撤单/改单都不需要再搜索树，直接按 ID 定位节点。

const (
	// NodeIDBits 节点 ID 位宽
	NodeIDBits = 14

	// MaxNodeID 每类节点的最大 ID (0 表示空)
	MaxNodeID = 1<<NodeIDBits - 1

	// MaxKey 插入键 (价格) 上限
	MaxKey = 1<<32 - 1

	shiftTreeID = 47
	shiftListID = 33
	shiftOrder  = 32

	idMask  = MaxNodeID
	keyMask = MaxKey

	// 合法 access key 只使用低 61 位
	reservedShift = 61
)

// NodeID 节点 ID，树节点和链表节点各自独立编号
type NodeID uint16

// AccessKey 订单句柄
type AccessKey uint64

// EncodeAccessKey 打包 access key
func EncodeAccessKey(tree, list NodeID, ascending bool, key uint32) (AccessKey, error) {
	if tree > MaxNodeID || list > MaxNodeID {
		return 0, fmt.Errorf("%w: node id tree=%d list=%d", ErrNumericOverflow, tree, list)
	}
	k := uint64(tree)<<shiftTreeID | uint64(list)<<shiftListID | uint64(key)
	if ascending {
		k |= 1 << shiftOrder
	}
	return AccessKey(k), nil
}

// Decode 拆包
func (k AccessKey) Decode() (tree, list NodeID, ascending bool, key uint32) {
	return k.TreeID(), k.ListID(), k.Ascending(), k.Key()
}

func (k AccessKey) TreeID() NodeID {
	return NodeID(uint64(k) >> shiftTreeID & idMask)
}

func (k AccessKey) ListID() NodeID {
	return NodeID(uint64(k) >> shiftListID & idMask)
}

func (k AccessKey) Ascending() bool {
	return uint64(k)>>shiftOrder&1 == 1
}

// Key 插入键 (价格)
func (k AccessKey) Key() uint32 {
	return uint32(uint64(k) & keyMask)
}

func (k AccessKey) String() string {
	return fmt.Sprintf("ak(tree=%d,list=%d,asc=%t,key=%d)", k.TreeID(), k.ListID(), k.Ascending(), k.Key())
}
