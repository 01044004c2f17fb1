package buffer_pool

import "sync/atomic"

/*
*
这个就是数据页的控制体，用来描述数据页部分的信息(大部分信息在BufferPage中)。Frame指向真正存数据的数据页。
Meta给以BUF_BLOCK_MEMORY状态借出的块使用，由借用方自行解释，例如恢复时用来记录块内的引用计数和已用字节。
*
*/
type BufferBlock struct {
	BufferPage *BufferPage

	Frame []byte

	meta uint64
}

func NewBufferBlock(frame []byte, spaceId, pageNo uint32) *BufferBlock {
	return &BufferBlock{
		Frame:      frame,
		BufferPage: NewBufferPage(spaceId, pageNo),
	}
}

func (bb *BufferBlock) GetFrame() []byte {
	return bb.Frame
}

func (bb *BufferBlock) GetSpaceId() uint32 {
	return bb.BufferPage.spaceId
}

func (bb *BufferBlock) GetPageNo() uint32 {
	return bb.BufferPage.pageNo
}

// LoadMeta 原子读取块的元数据
func (bb *BufferBlock) LoadMeta() uint64 {
	return atomic.LoadUint64(&bb.meta)
}

// StoreMeta 原子写入块的元数据
func (bb *BufferBlock) StoreMeta(v uint64) {
	atomic.StoreUint64(&bb.meta, v)
}

// AddMeta 原子地给元数据加上delta，返回新值
func (bb *BufferBlock) AddMeta(delta uint64) uint64 {
	return atomic.AddUint64(&bb.meta, delta)
}
