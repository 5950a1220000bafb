// 文件: pkg/asset/fillid.go
// 成交 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake

package asset

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// FillIDGenerator 雪花算法生成全局唯一的成交 ID
type FillIDGenerator struct {
	node *snowflake.Node
}

// NewFillIDGenerator nodeID 取值 0-1023，每个撮合进程一个
func NewFillIDGenerator(nodeID int64) (*FillIDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &FillIDGenerator{node: node}, nil
}

// MustFillIDGenerator 测试和单机场景使用
func MustFillIDGenerator(nodeID int64) *FillIDGenerator {
	g, err := NewFillIDGenerator(nodeID)
	if err != nil {
		panic(err)
	}
	return g
}

// Next 下一个成交 ID
func (g *FillIDGenerator) Next() int64 {
	return g.node.Generate().Int64()
}
