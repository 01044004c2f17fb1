package recovery

import (
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/buffer_pool"
)

// 存放记录的块从缓冲池以BUF_BLOCK_MEMORY状态借来。
// 块的meta高32位是块内还活着的片段数，低32位是已用字节数

const blockRefOne = uint64(1) << 32

func blockRefs(meta uint64) uint32 {
	return uint32(meta >> 32)
}

func blockUsed(meta uint64) int {
	return int(uint32(meta))
}

type blockAllocator interface {
	GetFreeBlock() (*buffer_pool.BufferBlock, error)
	FreeBlock(block *buffer_pool.BufferBlock)
}

// blockArena 管理借来的块，片段通过块下标引用块
type blockArena struct {
	alloc     blockAllocator
	pageSize  int
	blocks    []*buffer_pool.BufferBlock
	freeSlots []int32
	cur       int32 // 正在填充的块
	live      int   // 借出的块数
	private   int   // 超大片段折合的块数
}

func newBlockArena(alloc blockAllocator, pageSize int) *blockArena {
	return &blockArena{alloc: alloc, pageSize: pageSize, cur: -1}
}

// used 返回正在填充的块的已用字节数
func (a *blockArena) used() int {
	if a.cur < 0 {
		return a.pageSize
	}
	return blockUsed(a.blocks[a.cur].LoadMeta())
}

// reserve 在当前块中留出n个字节，放不下时换一个新块。返回块下标和块内偏移
func (a *blockArena) reserve(n int) (int32, int, error) {
	if a.cur < 0 || a.used()+n > a.pageSize {
		if err := a.grow(); err != nil {
			return -1, 0, err
		}
	}
	b := a.blocks[a.cur]
	off := blockUsed(b.LoadMeta())
	b.AddMeta(blockRefOne + uint64(n))
	return a.cur, off, nil
}

// extend 把当前块中最后一个片段再加长n个字节，块内放不下时返回false
func (a *blockArena) extend(block int32, end, n int) bool {
	if block != a.cur || a.cur < 0 {
		return false
	}
	b := a.blocks[a.cur]
	if blockUsed(b.LoadMeta()) != end || end+n > a.pageSize {
		return false
	}
	b.AddMeta(uint64(n))
	return true
}

func (a *blockArena) grow() error {
	b, err := a.alloc.GetFreeBlock()
	if err != nil {
		return err
	}
	b.StoreMeta(0)
	var slot int32
	if n := len(a.freeSlots); n > 0 {
		slot = a.freeSlots[n-1]
		a.freeSlots = a.freeSlots[:n-1]
		a.blocks[slot] = b
	} else {
		slot = int32(len(a.blocks))
		a.blocks = append(a.blocks, b)
	}
	a.live++
	old := a.cur
	a.cur = slot
	if old >= 0 && blockRefs(a.blocks[old].LoadMeta()) == 0 {
		a.free(old)
	}
	return nil
}

func (a *blockArena) frame(block int32) []byte {
	return a.blocks[block].Frame
}

// release 片段被释放，块内没有活着的片段时归还缓冲池。当前块清空后留着继续用
func (a *blockArena) release(block int32) {
	b := a.blocks[block]
	meta := b.AddMeta(^(blockRefOne - 1))
	if blockRefs(meta) != 0 {
		return
	}
	if block == a.cur {
		b.StoreMeta(0)
		return
	}
	a.free(block)
}

// trim 当前块已经没有片段时也还给缓冲池
func (a *blockArena) trim() {
	if a.cur >= 0 && blockRefs(a.blocks[a.cur].LoadMeta()) == 0 {
		a.free(a.cur)
		a.cur = -1
	}
}

func (a *blockArena) free(block int32) {
	a.alloc.FreeBlock(a.blocks[block])
	a.blocks[block] = nil
	a.freeSlots = append(a.freeSlots, block)
	a.live--
}

func (a *blockArena) privateBlocks(n int) int {
	return (n + a.pageSize - 1) / a.pageSize
}

// blocksInUse 借出的块数加上超大片段折合的块数
func (a *blockArena) blocksInUse() int {
	return a.live + a.private
}

// releaseAll 归还全部块
func (a *blockArena) releaseAll() {
	for i, b := range a.blocks {
		if b != nil {
			a.alloc.FreeBlock(b)
			a.blocks[i] = nil
		}
	}
	a.blocks = a.blocks[:0]
	a.freeSlots = a.freeSlots[:0]
	a.cur = -1
	a.live = 0
	a.private = 0
}
