package buffer_pool

import (
	"sync/atomic"
)

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	// 页面统计
	TotalPages  int64
	FreePages   int64
	DirtyPages  int64
	MemoryPages int64

	// 命中率统计
	PageRequests int64
	PageHits     int64
	PageMisses   int64

	// IO统计
	PageReads     int64
	PageWrites    int64
	PageEvictions int64
}

type poolCounters struct {
	pageRequests  int64
	pageHits      int64
	pageReads     int64
	pageWrites    int64
	pageEvictions int64
}

// recordPageRequest 记录页面请求
func (c *poolCounters) recordPageRequest(hit bool) {
	atomic.AddInt64(&c.pageRequests, 1)
	if hit {
		atomic.AddInt64(&c.pageHits, 1)
	}
}

func (c *poolCounters) recordRead() {
	atomic.AddInt64(&c.pageReads, 1)
}

func (c *poolCounters) recordWrite() {
	atomic.AddInt64(&c.pageWrites, 1)
}

func (c *poolCounters) recordEviction() {
	atomic.AddInt64(&c.pageEvictions, 1)
}

func (c *poolCounters) fill(s *BufferPoolStats) {
	s.PageRequests = atomic.LoadInt64(&c.pageRequests)
	s.PageHits = atomic.LoadInt64(&c.pageHits)
	s.PageMisses = s.PageRequests - s.PageHits
	s.PageReads = atomic.LoadInt64(&c.pageReads)
	s.PageWrites = atomic.LoadInt64(&c.pageWrites)
	s.PageEvictions = atomic.LoadInt64(&c.pageEvictions)
}

// GetHitRatio 获取命中率
func (s BufferPoolStats) GetHitRatio() float64 {
	if s.PageRequests == 0 {
		return 0
	}
	return float64(s.PageHits) / float64(s.PageRequests)
}
