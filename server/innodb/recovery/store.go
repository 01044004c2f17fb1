package recovery

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// 页面的应用状态
type applyState uint8

const (
	stateIdle applyState = iota
	stateQueued
	stateApplying
)

const nilNode = -1

// recNode 一个片段：同一个mtr中对同一页面的连续记录
type recNode struct {
	start   uint64 // mtr起始LSN
	lsn     uint64 // mtr结束LSN
	block   int32  // -1表示单独分配
	off     int32
	size    int32
	private []byte
	next    int32
}

// pageRecs 一个页面待应用的记录
type pageRecs struct {
	head, tail int32
	count      int
	// skipRead 页面会被INIT_PAGE或FREE_PAGE整页重写，不用读旧页面
	skipRead bool
	// initLSN 最近一次INIT_PAGE或FREE_PAGE所在mtr的起始LSN
	initLSN    uint64
	state      applyState
	lastOffset int
}

// logSnippet 应用时看到的片段，Data指向存储块，页面被擦除前有效
type logSnippet struct {
	Start uint64
	LSN   uint64
	Data  []byte
}

// Store 按页面保存解析出来的记录。所有修改都在mu下进行
type Store struct {
	mu        sync.Mutex
	arena     *blockArena
	pages     map[PageID]*pageRecs
	nodes     []recNode
	freeNodes []int32
	maxBlocks int
	records   uint64
}

// NewStore 记录块从alloc借，最多借maxBlocks个
func NewStore(alloc blockAllocator, pageSize, maxBlocks int) *Store {
	return &Store{
		arena:     newBlockArena(alloc, pageSize),
		pages:     make(map[PageID]*pageRecs),
		maxBlocks: maxBlocks,
	}
}

// IsMemoryExhausted 已用块数达到上限
func (s *Store) IsMemoryExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.blocksInUse() >= s.maxBlocks
}

// Blocks 已用块数
func (s *Store) Blocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.blocksInUse()
}

// Len 有记录的页面数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// Records 累计存入的记录数，并入上一个片段的也算
func (s *Store) Records() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

func (s *Store) allocNode() int32 {
	if n := len(s.freeNodes); n > 0 {
		i := s.freeNodes[n-1]
		s.freeNodes = s.freeNodes[:n-1]
		return i
	}
	s.nodes = append(s.nodes, recNode{})
	return int32(len(s.nodes) - 1)
}

func (s *Store) releaseNode(i int32) {
	n := &s.nodes[i]
	if n.block >= 0 {
		s.arena.release(n.block)
	} else {
		s.arena.private -= s.arena.privateBlocks(len(n.private))
	}
	*n = recNode{next: nilNode}
	s.freeNodes = append(s.freeNodes, i)
}

// Add 给页面追加一个片段。同一个mtr的记录在块内连续时并入上一个片段
func (s *Store) Add(id PageID, start, lsn uint64, rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[id]
	if !ok {
		p = &pageRecs{head: nilNode, tail: nilNode}
		s.pages[id] = p
	}
	if p.tail != nilNode {
		t := &s.nodes[p.tail]
		if start < t.start {
			return errors.Wrapf(ErrOutOfOrder, "%s start LSN %d below %d", id, start, t.start)
		}
		if t.start == start && t.lsn == lsn && t.block >= 0 &&
			s.arena.extend(t.block, int(t.off+t.size), len(rec)) {
			copy(s.arena.frame(t.block)[t.off+t.size:], rec)
			t.size += int32(len(rec))
			s.records++
			return nil
		}
	}

	node := recNode{start: start, lsn: lsn, block: -1, next: nilNode}
	if len(rec) > s.arena.pageSize {
		node.private = append([]byte(nil), rec...)
		s.arena.private += s.arena.privateBlocks(len(rec))
	} else {
		block, off, err := s.arena.reserve(len(rec))
		if err != nil {
			if !ok {
				delete(s.pages, id)
			}
			return errors.Wrapf(ErrStoreFull, "%s: %v", id, err)
		}
		copy(s.arena.frame(block)[off:], rec)
		node.block, node.off, node.size = block, int32(off), int32(len(rec))
	}

	i := s.allocNode()
	s.nodes[i] = node
	if p.tail == nilNode {
		p.head = i
	} else {
		s.nodes[p.tail].next = i
	}
	p.tail = i
	p.count++
	s.records++
	return nil
}

func (s *Store) eraseLocked(id PageID, p *pageRecs) {
	for i := p.head; i != nilNode; {
		next := s.nodes[i].next
		s.releaseNode(i)
		i = next
	}
	delete(s.pages, id)
}

// Erase 丢弃页面的全部记录
func (s *Store) Erase(id PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[id]; ok {
		s.eraseLocked(id, p)
	}
}

// EraseSpace 丢弃一个表空间的全部记录
func (s *Store) EraseSpace(space uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pages {
		if id.Space == space {
			s.eraseLocked(id, p)
		}
	}
}

// dropBefore 丢弃页面中起始LSN小于lsn的片段，返回剩下的片段数
func (s *Store) dropBefore(p *pageRecs, lsn uint64) int {
	for p.head != nilNode && s.nodes[p.head].start < lsn {
		next := s.nodes[p.head].next
		s.releaseNode(p.head)
		p.head = next
		p.count--
	}
	if p.head == nilNode {
		p.tail = nilNode
	}
	return p.count
}

// dropFrom 丢弃页面中起始LSN不小于lsn的片段，返回剩下的片段数
func (s *Store) dropFrom(p *pageRecs, lsn uint64) int {
	prev := int32(nilNode)
	for i := p.head; i != nilNode; i = s.nodes[i].next {
		if s.nodes[i].start < lsn {
			prev = i
			continue
		}
		for j := i; j != nilNode; {
			next := s.nodes[j].next
			s.releaseNode(j)
			p.count--
			j = next
		}
		break
	}
	p.tail = prev
	if prev == nilNode {
		p.head = nilNode
	} else {
		s.nodes[prev].next = nilNode
	}
	return p.count
}

// Rewind 丢弃起始LSN不小于lsn的全部片段，撤销一个没存完的mtr
func (s *Store) Rewind(lsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pages {
		if s.dropFrom(p, lsn) == 0 {
			delete(s.pages, id)
		}
	}
}

// TruncateHistory 页面在start处被INIT_PAGE或FREE_PAGE整页重写，之前的记录不再需要
func (s *Store) TruncateHistory(id PageID, start uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return
	}
	s.dropBefore(p, start)
	p.skipRead = true
	if start > p.initLSN {
		p.initLSN = start
	}
}

// Truncate 表空间在lsn处被截断到size页，页号不小于size的页面丢弃lsn之前的记录
func (s *Store) Truncate(space, size uint32, lsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pages {
		if id.Space != space || id.Page < size {
			continue
		}
		if s.dropBefore(p, lsn) == 0 {
			delete(s.pages, id)
			continue
		}
		p.skipRead = true
	}
}

// GarbageCollect 擦除已经应用完的页面，返回擦除的页面数
func (s *Store) GarbageCollect() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pages {
		if p.state == stateApplying && p.count == 0 {
			delete(s.pages, id)
			n++
		}
	}
	s.arena.trim()
	return n
}

// PageIDs 按页面标识排序返回待应用的页面
func (s *Store) PageIDs() []PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]PageID, 0, len(s.pages))
	for id, p := range s.pages {
		if p.state == stateIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Fold() < ids[j].Fold() })
	return ids
}

// Has 页面是否有记录
func (s *Store) Has(id PageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[id]
	return ok
}

// HasSpace 表空间是否有记录
func (s *Store) HasSpace(space uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pages {
		if id.Space == space {
			return true
		}
	}
	return false
}

// Spaces 有记录的表空间
func (s *Store) Spaces() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uint32]struct{})
	var spaces []uint32
	for id := range s.pages {
		if _, ok := seen[id.Space]; !ok {
			seen[id.Space] = struct{}{}
			spaces = append(spaces, id.Space)
		}
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i] < spaces[j] })
	return spaces
}

// Queue 把页面标记为等待应用
func (s *Store) Queue(ids []PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if p, ok := s.pages[id]; ok {
			p.state = stateQueued
		}
	}
}

// pageView 应用一个页面需要的信息
type pageView struct {
	skipRead bool
	initLSN  uint64
	recs     []logSnippet
}

// Begin 应用线程取走页面的记录，页面进入applying状态
func (s *Store) Begin(id PageID) (pageView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return pageView{}, false
	}
	p.state = stateApplying
	v := pageView{skipRead: p.skipRead, initLSN: p.initLSN, recs: make([]logSnippet, 0, p.count)}
	for i := p.head; i != nilNode; i = s.nodes[i].next {
		n := &s.nodes[i]
		snip := logSnippet{Start: n.start, LSN: n.lsn}
		if n.block >= 0 {
			snip.Data = s.arena.frame(n.block)[n.off : n.off+n.size : n.off+n.size]
		} else {
			snip.Data = n.private
		}
		v.recs = append(v.recs, snip)
	}
	return v, true
}

// Done 页面应用完，释放记录
func (s *Store) Done(id PageID, lastOffset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return
	}
	p.lastOffset = lastOffset
	for i := p.head; i != nilNode; {
		next := s.nodes[i].next
		s.releaseNode(i)
		i = next
	}
	p.head, p.tail, p.count = nilNode, nilNode, 0
}

// Clear 丢弃全部记录并归还全部块
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[PageID]*pageRecs)
	s.nodes = s.nodes[:0]
	s.freeNodes = s.freeNodes[:0]
	s.arena.releaseAll()
}

// Peek 复制一个页面的全部片段，不改变页面状态
func (s *Store) Peek(id PageID) ([]logSnippet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok || p.count == 0 {
		return nil, false
	}
	recs := make([]logSnippet, 0, p.count)
	for i := p.head; i != nilNode; i = s.nodes[i].next {
		n := &s.nodes[i]
		snip := logSnippet{Start: n.start, LSN: n.lsn}
		if n.block >= 0 {
			snip.Data = append([]byte(nil), s.arena.frame(n.block)[n.off:n.off+n.size]...)
		} else {
			snip.Data = append([]byte(nil), n.private...)
		}
		recs = append(recs, snip)
	}
	return recs, true
}
