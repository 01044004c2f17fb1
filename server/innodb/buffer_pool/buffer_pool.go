package buffer_pool

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-recovery/logger"
)

// PageStorage 缓冲池背后的页面读写
type PageStorage interface {
	ReadPage(spaceID, pageNo uint32, frame []byte) error
	WritePage(spaceID, pageNo uint32, frame []byte) error
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	PageSize       uint32
	BufferPoolSize uint64 // 缓冲池大小(字节)
	Storage        PageStorage
}

// BufferPool represents the InnoDB buffer pool
type BufferPool struct {
	mu sync.Mutex

	pageSize   uint32
	totalPages int
	storage    PageStorage

	blocks    []*BufferBlock
	freeList  []*BufferBlock
	pageHash  *lruList                // 缓存的数据页，同时维护LRU顺序
	flushList map[uint64]*BufferBlock // 脏页
	memory    int                     // 以BUF_BLOCK_MEMORY借出的块数

	counters poolCounters
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(config *BufferPoolConfig) (*BufferPool, error) {
	if config == nil || config.PageSize == 0 || config.Storage == nil {
		return nil, NewError("new", ErrInvalidConfig)
	}
	total := int(config.BufferPoolSize / uint64(config.PageSize))
	if total <= 0 {
		return nil, NewError("new", errors.Wrapf(ErrInvalidConfig, "buffer pool size %d smaller than one page", config.BufferPoolSize))
	}
	bp := &BufferPool{
		pageSize:   config.PageSize,
		totalPages: total,
		storage:    config.Storage,
		blocks:     make([]*BufferBlock, total),
		freeList:   make([]*BufferBlock, 0, total),
		pageHash:   newLRUList(),
		flushList:  make(map[uint64]*BufferBlock),
	}
	// 一次性分配全部页帧，之后只在free list和page hash之间流转
	arena := make([]byte, total*int(config.PageSize))
	for i := total - 1; i >= 0; i-- {
		frame := arena[i*int(config.PageSize) : (i+1)*int(config.PageSize) : (i+1)*int(config.PageSize)]
		block := NewBufferBlock(frame, 0, 0)
		bp.blocks[i] = block
		bp.freeList = append(bp.freeList, block)
	}
	return bp, nil
}

// PageSize 页面大小
func (bp *BufferPool) PageSize() uint32 {
	return bp.pageSize
}

// Capacity 缓冲池总页帧数
func (bp *BufferPool) Capacity() int {
	return bp.totalPages
}

// FreeFrames 返回还能拿到的页帧数：free list加上可以直接淘汰的干净页
func (bp *BufferPool) FreeFrames() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	n := len(bp.freeList)
	bp.pageHash.each(func(b *BufferBlock) {
		if b.BufferPage.fixCount == 0 && !b.BufferPage.IsDirty() {
			n++
		}
	})
	return n
}

// getFreeBlock 从free list取一个块，没有时淘汰一个干净页。调用方持有mu
func (bp *BufferPool) getFreeBlock() (*BufferBlock, error) {
	if n := len(bp.freeList); n > 0 {
		block := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		block.BufferPage.pageState = BUF_BLOCK_READY_FOR_USE
		return block, nil
	}
	victim := bp.pageHash.victim()
	if victim == nil {
		return nil, ErrBufferPoolFull
	}
	bp.pageHash.remove(pageKey(victim.GetSpaceId(), victim.GetPageNo()))
	bp.counters.recordEviction()
	victim.BufferPage.reset()
	victim.BufferPage.pageState = BUF_BLOCK_READY_FOR_USE
	return victim, nil
}

func (bp *BufferPool) putFreeBlock(block *BufferBlock) {
	block.BufferPage.reset()
	block.StoreMeta(0)
	bp.freeList = append(bp.freeList, block)
}

// GetFreeBlock 借出一个不对应任何数据页的块
func (bp *BufferPool) GetFreeBlock() (*BufferBlock, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	block, err := bp.getFreeBlock()
	if err != nil {
		return nil, NewError("get free block", err)
	}
	block.BufferPage.pageState = BUF_BLOCK_MEMORY
	block.StoreMeta(0)
	bp.memory++
	return block, nil
}

// FreeBlock 归还GetFreeBlock借出的块
func (bp *BufferPool) FreeBlock(block *BufferBlock) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if block.BufferPage.pageState != BUF_BLOCK_MEMORY {
		logger.Warnf("free block in state %s ignored", block.BufferPage.pageState)
		return
	}
	bp.memory--
	bp.putFreeBlock(block)
}

// MemoryBlocks 当前借出的内存块数
func (bp *BufferPool) MemoryBlocks() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.memory
}

// FetchPage 把页面读入缓冲池并加一次引用。skipRead为true时不读磁盘，直接给一个全0页帧，
// 用于马上会被整页初始化的页面
func (bp *BufferPool) FetchPage(spaceID, pageNo uint32, skipRead bool) (*BufferBlock, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := pageKey(spaceID, pageNo)
	if block, ok := bp.pageHash.get(key); ok {
		bp.counters.recordPageRequest(true)
		block.BufferPage.fixCount++
		return block, nil
	}
	bp.counters.recordPageRequest(false)

	block, err := bp.getFreeBlock()
	if err != nil {
		return nil, NewError("fetch page", errors.Wrapf(err, "page [%d:%d]", spaceID, pageNo))
	}
	if skipRead {
		for i := range block.Frame {
			block.Frame[i] = 0
		}
	} else {
		if err := bp.storage.ReadPage(spaceID, pageNo, block.Frame); err != nil {
			bp.putFreeBlock(block)
			return nil, NewError("fetch page", errors.Wrapf(err, "read page [%d:%d]", spaceID, pageNo))
		}
		bp.counters.recordRead()
	}
	block.BufferPage.init(spaceID, pageNo)
	bp.pageHash.add(key, block)
	return block, nil
}

// ReleasePage 释放FetchPage加的引用
func (bp *BufferPool) ReleasePage(block *BufferBlock) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if block.BufferPage.fixCount > 0 {
		block.BufferPage.fixCount--
	}
}

// MarkDirty 把页面挂到flush list。oldest只在页面第一次变脏时记录
func (bp *BufferPool) MarkDirty(block *BufferBlock, oldest, newest uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page := block.BufferPage
	if page.oldestModification == 0 || oldest < page.oldestModification {
		page.oldestModification = oldest
	}
	if newest > page.newestModification {
		page.newestModification = newest
	}
	bp.flushList[pageKey(page.spaceId, page.pageNo)] = block
}

// DiscardPage 不写回直接丢弃页面，用于损坏的页面和被删除的表空间
func (bp *BufferPool) DiscardPage(spaceID, pageNo uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.discard(pageKey(spaceID, pageNo))
}

func (bp *BufferPool) discard(key uint64) {
	block := bp.pageHash.remove(key)
	if block == nil {
		return
	}
	delete(bp.flushList, key)
	bp.putFreeBlock(block)
}

// DiscardSpace 丢弃一个表空间的全部页面
func (bp *BufferPool) DiscardSpace(spaceID uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var keys []uint64
	bp.pageHash.each(func(b *BufferBlock) {
		if b.GetSpaceId() == spaceID {
			keys = append(keys, pageKey(spaceID, b.GetPageNo()))
		}
	})
	for _, key := range keys {
		bp.discard(key)
	}
}

// DiscardPagesFrom 丢弃一个表空间中页号不小于pageNo的页面，用于表空间截断
func (bp *BufferPool) DiscardPagesFrom(spaceID, pageNo uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var keys []uint64
	bp.pageHash.each(func(b *BufferBlock) {
		if b.GetSpaceId() == spaceID && b.GetPageNo() >= pageNo {
			keys = append(keys, pageKey(spaceID, b.GetPageNo()))
		}
	})
	for _, key := range keys {
		bp.discard(key)
	}
}

// DirtyPages 当前脏页数
func (bp *BufferPool) DirtyPages() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.flushList)
}

// FlushDirtyPages 按oldest modification从小到大把脏页写回
func (bp *BufferPool) FlushDirtyPages() (int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	dirty := make([]*BufferBlock, 0, len(bp.flushList))
	for _, block := range bp.flushList {
		dirty = append(dirty, block)
	}
	sort.Slice(dirty, func(i, j int) bool {
		a, b := dirty[i].BufferPage, dirty[j].BufferPage
		if a.oldestModification != b.oldestModification {
			return a.oldestModification < b.oldestModification
		}
		return pageKey(a.spaceId, a.pageNo) < pageKey(b.spaceId, b.pageNo)
	})

	flushed := 0
	for _, block := range dirty {
		page := block.BufferPage
		if err := bp.storage.WritePage(page.spaceId, page.pageNo, block.Frame); err != nil {
			return flushed, NewError("flush", errors.Wrapf(ErrFlushFailed, "page [%d:%d]: %v", page.spaceId, page.pageNo, err))
		}
		bp.counters.recordWrite()
		page.oldestModification = 0
		page.newestModification = 0
		delete(bp.flushList, pageKey(page.spaceId, page.pageNo))
		flushed++
	}
	if flushed > 0 {
		logger.Debugf("flushed %d dirty pages", flushed)
	}
	return flushed, nil
}

// Stats 返回统计信息快照
func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	s := BufferPoolStats{
		TotalPages:  int64(bp.totalPages),
		FreePages:   int64(len(bp.freeList)),
		DirtyPages:  int64(len(bp.flushList)),
		MemoryPages: int64(bp.memory),
	}
	bp.counters.fill(&s)
	return s
}
