package recovery

import (
	"runtime"

	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
)

// Config 恢复参数
type Config struct {
	// ForceRecovery 对应innodb_force_recovery，大于0时损坏的记录、页面和缺失的表空间只告警不报错
	ForceRecovery int
	// ReadOnly 只恢复到缓冲池，不写数据文件也不写检查点
	ReadOnly bool
	// ApplyThreads 应用页面的并发数
	ApplyThreads int
	// MaxStoreBlocks 存放记录最多使用的缓冲池块数，0表示缓冲池容量的2/3
	MaxStoreBlocks int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}
	return Config{ApplyThreads: threads}
}

func (c Config) force() bool {
	return c.ForceRecovery > 0
}

// Tablespaces 表空间表
type Tablespaces interface {
	Lookup(spaceID uint32) (manager.SpaceInfo, bool)
	Probe(spaceID uint32, name string) manager.ProbeResult
	Open(spaceID uint32, name string) (manager.SpaceInfo, error)
	Create(spaceID uint32, name string, size, flags uint32, page0 []byte) (manager.SpaceInfo, error)
	Rename(spaceID uint32, newName string) error
	Delete(spaceID uint32, name string) error
	Truncate(spaceID, size uint32) error
	UpdateSize(spaceID, size, flags uint32) error
	UpdateCrypt(spaceID uint32, crypt pages.CryptData) error
	FreeRanges(spaceID uint32, ranges []manager.PageRange) error
}

// RedoLog redo日志文件
type RedoLog interface {
	Header() logs.LogHeader
	Crypt() *logs.LogCrypt
	Checkpoints() ([]logs.Checkpoint, error)
	LegacyCheckpoint() (logs.LegacyCheckpoint, bool, error)
	NewCursor(lsn uint64) *logs.RingCursor
	Reset(lsn uint64) error
	WriteCheckpoint(lsn uint64) (uint64, error)
}

// Doublewrite 按页面查找doublewrite buffer中的副本
type Doublewrite interface {
	FindPage(spaceID, pageNo uint32, maxLSN uint64) []byte
}

// Pool 恢复使用的缓冲池
type Pool interface {
	PageSize() uint32
	Capacity() int
	FreeFrames() int
	GetFreeBlock() (*buffer_pool.BufferBlock, error)
	FreeBlock(block *buffer_pool.BufferBlock)
	FetchPage(spaceID, pageNo uint32, skipRead bool) (*buffer_pool.BufferBlock, error)
	ReleasePage(block *buffer_pool.BufferBlock)
	MarkDirty(block *buffer_pool.BufferBlock, oldest, newest uint64)
	DiscardPage(spaceID, pageNo uint32)
	DiscardSpace(spaceID uint32)
	DiscardPagesFrom(spaceID, pageNo uint32)
	FlushDirtyPages() (int, error)
}

// Deps 恢复依赖的外部组件。Doublewrite和IndexPages可以为nil
type Deps struct {
	Log         RedoLog
	Spaces      Tablespaces
	Pool        Pool
	Doublewrite Doublewrite
	IndexPages  IndexPages
}
