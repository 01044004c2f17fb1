package buffer_pool

import "container/list"

// lruList 按访问顺序串起page hash中的页面，Front为最近访问。
// 不加锁，调用方持有BufferPool.mu
type lruList struct {
	items map[uint64]*list.Element
	order *list.List
}

func newLRUList() *lruList {
	return &lruList{
		items: make(map[uint64]*list.Element),
		order: list.New(),
	}
}

func pageKey(spaceId, pageNo uint32) uint64 {
	return uint64(spaceId)<<32 | uint64(pageNo)
}

func (l *lruList) get(key uint64) (*BufferBlock, bool) {
	e, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(e)
	return e.Value.(*BufferBlock), true
}

func (l *lruList) add(key uint64, block *BufferBlock) {
	l.items[key] = l.order.PushFront(block)
}

func (l *lruList) remove(key uint64) *BufferBlock {
	e, ok := l.items[key]
	if !ok {
		return nil
	}
	delete(l.items, key)
	return l.order.Remove(e).(*BufferBlock)
}

// victim 从尾部找一个可以淘汰的页面：没有被引用并且不是脏页
func (l *lruList) victim() *BufferBlock {
	for e := l.order.Back(); e != nil; e = e.Prev() {
		block := e.Value.(*BufferBlock)
		if block.BufferPage.fixCount == 0 && !block.BufferPage.IsDirty() {
			return block
		}
	}
	return nil
}

func (l *lruList) each(fn func(*BufferBlock)) {
	for e := l.order.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*BufferBlock))
	}
}

func (l *lruList) len() int {
	return l.order.Len()
}
