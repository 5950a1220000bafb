package mtrade

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// WAL (Write-Ahead Log) 机制
// =============================================================================
//
// 【面试高频】WAL 保证数据持久化
//
// 核心原则：先写日志，再执行操作
//
// 流程：
//   命令到达 → WAL 写入(落盘) → 撮合(内存) → 返回结果
//
// 恢复流程：
//   启动 → 空订单簿 → 按顺序重放全部命令 → 继续服务
//
// 不做检查点：access key 依赖节点分配顺序，只有完整重放才能还原出同样的 OrderID。

// =============================================================================
// WAL Entry 定义
// =============================================================================

// EntryType WAL 条目类型
type EntryType uint8

const (
	EntryCommand EntryType = 1 // 引擎命令
)

// WALEntry WAL 条目
// 【设计】每条 Entry 包含序列号、类型、数据和校验和
type WALEntry struct {
	Sequence  int64     // 序列号（单调递增）
	Timestamp int64     // 时间戳（Unix 纳秒）
	Type      EntryType // 操作类型
	Data      []byte    // 序列化的操作数据
	Checksum  uint32    // CRC32 校验和
}

// entryOverhead Seq(8) + Time(8) + Type(1) + Len(4) + Checksum(4)
const entryOverhead = 25

var ErrWALChecksum = errors.New("WAL entry checksum mismatch")

// =============================================================================
// WAL Writer
// =============================================================================

// WAL Write-Ahead Log
// 【无锁设计】只由 matchLoop 单线程调用，无需加锁
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	filename string

	// 【优化】可复用 buffer，避免每次分配
	buf []byte
	// 校验和头部单独一块，不能和 buf 共用 (buf 里是正在写的数据)
	hdr [17]byte

	// 【优化】可复用 CRC32 对象
	crc32Hash hash.Hash32

	// 配置
	syncMode SyncMode
	pending  int
	batch    int
}

// SyncMode 同步模式
type SyncMode int

const (
	SyncModeAlways SyncMode = iota // 每条都刷盘（最安全）
	SyncModeBatch                  // 批量刷盘
	SyncModeAsync                  // 只写缓冲，关闭时刷盘
)

// WALConfig WAL 配置
type WALConfig struct {
	Dir       string   // WAL 文件目录
	SyncMode  SyncMode // 同步模式
	BatchSize int      // SyncModeBatch 下每多少条刷一次盘
}

// DefaultWALConfig 默认配置
func DefaultWALConfig(dir string) WALConfig {
	return WALConfig{
		Dir:       dir,
		SyncMode:  SyncModeBatch, // 默认批量刷盘
		BatchSize: 64,
	}
}

// NewWAL 创建 WAL
func NewWAL(config WALConfig) (*WAL, error) {
	// 创建目录
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, err
	}

	// 打开 WAL 文件（追加模式）
	filename := filepath.Join(config.Dir, "wal.log")
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	batch := config.BatchSize
	if batch <= 0 {
		batch = 64
	}
	wal := &WAL{
		file:      file,
		writer:    bufio.NewWriter(file),
		filename:  filename,
		buf:       make([]byte, commandSize),
		crc32Hash: crc32.NewIEEE(),
		syncMode:  config.SyncMode,
		batch:     batch,
	}

	// 读取最后的序列号
	entries, err := wal.ReadAll()
	if err != nil {
		file.Close()
		return nil, err
	}
	wal.sequence = wal.lastSeq(entries)

	// 截掉残缺的尾部，否则后续追加的条目读不出来
	var valid int64
	for i := range entries {
		valid += entryOverhead + int64(len(entries[i].Data))
	}
	if info, err := file.Stat(); err == nil && info.Size() > valid {
		log.Printf("[WAL] truncating %d trailing bytes", info.Size()-valid)
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, err
		}
	}

	return wal, nil
}

// =============================================================================
// 写入操作
// =============================================================================

// WriteCommand 写入命令日志
func (w *WAL) WriteCommand(cmd *Command) (int64, error) {
	return w.write(EntryCommand, encodeCommand(w.buf, cmd))
}

// write 写入 WAL 条目
// 【无锁】仅由 matchLoop 单线程调用
func (w *WAL) write(entryType EntryType, data []byte) (int64, error) {
	entry := WALEntry{
		Sequence:  w.sequence + 1,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Data:      data,
	}

	// 计算校验和
	entry.Checksum = w.calculateChecksum(&entry)

	// 写入 Entry
	if err := w.writeEntry(&entry); err != nil {
		return 0, err
	}
	w.sequence = entry.Sequence

	// 根据同步模式决定是否刷盘
	switch w.syncMode {
	case SyncModeAlways:
		if err := w.sync(); err != nil {
			return 0, err
		}
	case SyncModeBatch:
		w.pending++
		if w.pending >= w.batch {
			if err := w.sync(); err != nil {
				return 0, err
			}
		}
	}

	return entry.Sequence, nil
}

// writeEntry 写入单条 Entry
func (w *WAL) writeEntry(entry *WALEntry) error {
	// 写入 Sequence
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Sequence); err != nil {
		return err
	}

	// 写入 Timestamp
	if err := binary.Write(w.writer, binary.LittleEndian, entry.Timestamp); err != nil {
		return err
	}

	// 写入 Type
	if err := w.writer.WriteByte(byte(entry.Type)); err != nil {
		return err
	}

	// 写入 Data Length
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(entry.Data))); err != nil {
		return err
	}

	// 写入 Data
	if _, err := w.writer.Write(entry.Data); err != nil {
		return err
	}

	// 写入 Checksum
	return binary.Write(w.writer, binary.LittleEndian, entry.Checksum)
}

// Sync 强制刷盘
func (w *WAL) Sync() error {
	return w.sync()
}

func (w *WAL) sync() error {
	w.pending = 0
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close 关闭 WAL
func (w *WAL) Close() error {
	if err := w.sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetSequence 获取当前序列号
func (w *WAL) GetSequence() int64 {
	return w.sequence
}

// =============================================================================
// 读取和恢复
// =============================================================================

// ReadAll 读取所有 WAL 条目
// 末尾不完整的条目 (写到一半宕机) 被忽略
func (w *WAL) ReadAll() ([]WALEntry, error) {
	// 重新打开文件读取
	file, err := os.Open(w.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var entries []WALEntry

	for {
		entry, err := w.readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("[WAL] truncated tail after seq %d", w.lastSeq(entries))
				break
			}
			return entries, err
		}

		// 验证校验和
		if entry.Checksum != w.calculateChecksum(entry) {
			return entries, fmt.Errorf("%w: seq %d", ErrWALChecksum, entry.Sequence)
		}

		entries = append(entries, *entry)
	}

	return entries, nil
}

// readEntry 读取单条 Entry
func (w *WAL) readEntry(reader *bufio.Reader) (*WALEntry, error) {
	entry := &WALEntry{}

	// 读取 Sequence
	if err := binary.Read(reader, binary.LittleEndian, &entry.Sequence); err != nil {
		return nil, err
	}

	// 之后任何字段读不全都是残缺条目
	partial := func(err error) error {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	// 读取 Timestamp
	if err := binary.Read(reader, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, partial(err)
	}

	// 读取 Type
	typeByte, err := reader.ReadByte()
	if err != nil {
		return nil, partial(err)
	}
	entry.Type = EntryType(typeByte)

	// 读取 Data Length
	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return nil, partial(err)
	}

	// 读取 Data
	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, entry.Data); err != nil {
		return nil, partial(err)
	}

	// 读取 Checksum
	if err := binary.Read(reader, binary.LittleEndian, &entry.Checksum); err != nil {
		return nil, partial(err)
	}

	return entry, nil
}

func (w *WAL) lastSeq(entries []WALEntry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Sequence
}

// calculateChecksum 计算校验和
// 【优化】复用 Hash 对象 + 零分配
func (w *WAL) calculateChecksum(entry *WALEntry) uint32 {
	w.crc32Hash.Reset()

	// Seq(8) + Time(8) + Type(1)
	binary.LittleEndian.PutUint64(w.hdr[0:], uint64(entry.Sequence))
	binary.LittleEndian.PutUint64(w.hdr[8:], uint64(entry.Timestamp))
	w.hdr[16] = byte(entry.Type)

	w.crc32Hash.Write(w.hdr[:])
	w.crc32Hash.Write(entry.Data)
	return w.crc32Hash.Sum32()
}

// =============================================================================
// 恢复器
// =============================================================================

// WALRecovery WAL 恢复器
type WALRecovery struct {
	wal *WAL
}

// NewWALRecovery 创建恢复器
func NewWALRecovery(wal *WAL) *WALRecovery {
	return &WALRecovery{wal: wal}
}

// Recover 在空订单簿上重放全部命令
// 【面试】重放不再写 WAL；命令失败是正常结果 (当初也失败了)，只有解码错误才中止
// 返回重放产生的事件，引擎启动后补发，下游按 Seq 去重
func (r *WALRecovery) Recover(ob *OrderBook) ([]Event, error) {
	entries, err := r.wal.ReadAll()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, entry := range entries {
		if entry.Type != EntryCommand {
			continue
		}
		cmd, err := decodeCommand(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", entry.Sequence, err)
		}
		ob.apply(cmd)
		events = append(events, ob.DrainEvents()...)
	}

	// 恢复完成后更新快照
	ob.UpdateSnapshot()
	if len(entries) > 0 {
		log.Printf("[WAL] replayed %d commands, order counter %d", len(entries), ob.Counter())
	}
	return events, nil
}
