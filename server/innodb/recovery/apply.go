package recovery

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// ApplyResult 应用一个页面的结果
type ApplyResult int

const (
	// ApplyNone 没有需要应用的记录
	ApplyNone ApplyResult = iota
	ApplyApplied
	// ApplyFspHeader 修改了page 0 上的表空间大小或flags
	ApplyFspHeader
	// ApplyEncryption 修改了page 0 上的加密元数据
	ApplyEncryption
	ApplyCorrupted
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyNone:
		return "none"
	case ApplyApplied:
		return "applied"
	case ApplyFspHeader:
		return "applied(fsp header)"
	case ApplyEncryption:
		return "applied(encryption)"
	case ApplyCorrupted:
		return "corrupted"
	}
	return "unknown"
}

type applyStats struct {
	applied    int
	skipped    int
	first      uint64 // 第一个应用的片段的起始LSN
	last       uint64 // 最后一个应用的片段的结束LSN
	lastOffset int
	freed      bool
	fspHeader  bool
	crypt      bool
}

// Applier 在页面副本上重放记录，成功后才写回页帧。一个Applier只能由一个线程使用
type Applier struct {
	index   IndexPages
	scratch []byte
}

func NewApplier(index IndexPages) *Applier {
	if index == nil {
		index = DefaultIndexPages{}
	}
	return &Applier{index: index}
}

// ApplyRecords 按顺序把recs应用到frame。起始LSN小于pageLSN的片段已经在页面上，
// 小于initLSN的片段会被之后的整页重写覆盖，都跳过。应用后页头带上id和最后的LSN，
// 返回ApplyCorrupted时frame不变
func (a *Applier) ApplyRecords(frame []byte, id PageID, recs []logSnippet, pageLSN, initLSN uint64, zip bool) (ApplyResult, applyStats, error) {
	var st applyStats
	size := len(frame)
	if cap(a.scratch) < size {
		a.scratch = make([]byte, size)
	}
	work := a.scratch[:size]
	copy(work, frame)

	for _, snip := range recs {
		if snip.Start < pageLSN || snip.Start < initLSN {
			st.skipped++
			continue
		}
		if err := a.applySnippet(work, id, snip.Data, &st); err != nil {
			return ApplyCorrupted, st, errors.Wrapf(err, "%s at LSN=%d", id, snip.Start)
		}
		if st.applied == 0 {
			st.first = snip.Start
		}
		st.applied++
		st.last = snip.LSN
	}
	if st.applied == 0 {
		return ApplyNone, st, nil
	}

	copy(frame, work)
	pages.SetPageID(frame, id.Space, id.Page)
	if zip {
		pages.SetLSN(frame, st.last)
	} else {
		pages.SetLSNAndChecksum(frame, st.last)
	}
	switch {
	case st.crypt:
		return ApplyEncryption, st, nil
	case st.fspHeader:
		return ApplyFspHeader, st, nil
	}
	return ApplyApplied, st, nil
}

// checkRange 记录只能改写页头FIL_PAGE_TYPE之后的内容
func checkRange(op logs.RecordType, off, n, size int) error {
	if off < common.FIL_PAGE_TYPE || n < 0 || off+n > size {
		return errors.Errorf("%s of %d bytes at offset %d outside page of %d bytes", op, n, off, size)
	}
	return nil
}

func (a *Applier) touch(work []byte, id PageID, off, n int, st *applyStats) {
	if id.Page != 0 {
		return
	}
	if pages.TouchesFSPHeader(off, n) {
		st.fspHeader = true
	}
	if pages.TouchesCryptData(len(work), off, n) {
		st.crypt = true
	}
}

// applySnippet 执行一个片段。带页号的记录把lastOffset清零，
// WRITE、MEMSET和MEMMOVE的偏移相对lastOffset
func (a *Applier) applySnippet(work []byte, id PageID, data []byte, st *applyStats) error {
	size := len(work)
	lastOffset := 0
	for b := data; len(b) > 0; {
		typ, same, payload, rest, ok := nextRecord(b)
		if !ok {
			return errors.New("truncated record")
		}
		b = rest
		if !same {
			lastOffset = 0
		}

		switch typ {
		case logs.FREE_PAGE:
			zero(work[common.FIL_PAGE_TYPE:])
			pages.SetType(work, common.FIL_PAGE_TYPE_ALLOCATED)
			st.freed = true
		case logs.INIT_PAGE:
			pages.InitFilePage(work, id.Space, id.Page)
			lastOffset = common.FIL_PAGE_TYPE
			st.freed = false
		case logs.WRITE:
			o, n := logs.DecodeVarint(payload)
			if n == 0 || len(payload) <= n {
				return errors.New("malformed WRITE")
			}
			off, val := lastOffset+int(o), payload[n:]
			if err := checkRange(typ, off, len(val), size); err != nil {
				return err
			}
			copy(work[off:], val)
			a.touch(work, id, off, len(val), st)
			lastOffset = off + len(val)
		case logs.MEMSET:
			o, n1 := logs.DecodeVarint(payload)
			if n1 == 0 {
				return errors.New("malformed MEMSET")
			}
			l, n2 := logs.DecodeVarint(payload[n1:])
			pattern := payload[n1+n2:]
			if n2 == 0 || l == 0 || len(pattern) == 0 {
				return errors.New("malformed MEMSET")
			}
			off, length := lastOffset+int(o), int(l)
			if err := checkRange(typ, off, length, size); err != nil {
				return err
			}
			for i := 0; i < length; i++ {
				work[off+i] = pattern[i%len(pattern)]
			}
			a.touch(work, id, off, length, st)
			lastOffset = off + length
		case logs.MEMMOVE:
			o, n1 := logs.DecodeVarint(payload)
			if n1 == 0 {
				return errors.New("malformed MEMMOVE")
			}
			l, n2 := logs.DecodeVarint(payload[n1:])
			if n2 == 0 || l == 0 {
				return errors.New("malformed MEMMOVE")
			}
			s, n3 := logs.DecodeVarint(payload[n1+n2:])
			if n3 == 0 {
				return errors.New("malformed MEMMOVE")
			}
			off, length := lastOffset+int(o), int(l)
			src := off + int(s>>1) + 1
			if s&1 != 0 {
				src = off - int(s>>1) - 1
			}
			if err := checkRange(typ, off, length, size); err != nil {
				return err
			}
			if src < common.FIL_PAGE_TYPE || src+length > size {
				return errors.Errorf("MEMMOVE source %d of %d bytes outside page", src, length)
			}
			copy(work[off:off+length], work[src:src+length])
			a.touch(work, id, off, length, st)
			lastOffset = off + length
		case logs.EXTENDED:
			if len(payload) == 0 {
				return errors.New("malformed EXTENDED")
			}
			if err := a.applyExtended(work, payload); err != nil {
				return err
			}
		case logs.OPTION:
		default:
			return errors.Errorf("unexpected %s record", typ)
		}
	}
	st.lastOffset = lastOffset
	return nil
}

// pageTorn 读到的页面校验和不对，或者页头里的页号、表空间ID对不上。全0页是从未写过的页面
func pageTorn(frame []byte, id PageID, zip bool) bool {
	if util.IsZero(frame) {
		return false
	}
	if !zip && pages.IsCorrupted(frame) {
		return true
	}
	return pages.PageNo(frame) != id.Page || pages.SpaceID(frame) != id.Space
}

// applyBatch 并发应用一批页面，页面按hash固定分给一个线程
func (s *Session) applyBatch(ctx context.Context, ids []PageID) error {
	if len(ids) == 0 {
		return nil
	}
	s.store.Queue(ids)
	threads := s.cfg.ApplyThreads
	if threads > len(ids) {
		threads = len(ids)
	}
	parts := make([][]PageID, threads)
	for _, id := range ids {
		i := util.HashPageID(id.Space, id.Page) % uint64(threads)
		parts[i] = append(parts[i], id)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		part := part
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			a := NewApplier(s.index)
			for _, id := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.applyPage(a, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	s.store.GarbageCollect()
	return err
}

// applyPage 读页面，必要时从doublewrite修复，再应用页面的全部记录
func (s *Session) applyPage(a *Applier, id PageID) error {
	view, ok := s.store.Begin(id)
	if !ok {
		return nil
	}
	info, ok := s.deps.Spaces.Lookup(id.Space)
	if !ok {
		s.store.Done(id, 0)
		s.log.Debugf("skipping %s of a tablespace that is no longer open", id)
		return nil
	}
	pool := s.deps.Pool
	block, err := pool.FetchPage(id.Space, id.Page, view.skipRead)
	if err != nil {
		s.store.Done(id, 0)
		return s.pageFailed(KindCorruptFS, id, 0, err)
	}
	frame := block.GetFrame()

	restored := false
	if !view.skipRead && pageTorn(frame, id, info.IsZip()) {
		if !s.restorePage(frame, id) {
			s.store.Done(id, 0)
			pool.ReleasePage(block)
			return s.pageFailed(KindCorruptFS, id, pages.PageLSN(frame), errors.New("page is corrupted and no copy in the doublewrite buffer"))
		}
		restored = true
	}

	pageLSN := pages.PageLSN(frame)
	res, st, err := a.ApplyRecords(frame, id, view.recs, pageLSN, view.initLSN, info.IsZip())
	s.store.Done(id, st.lastOffset)

	switch res {
	case ApplyCorrupted:
		pool.ReleasePage(block)
		return s.pageFailed(KindCorruptLog, id, pageLSN, err)
	case ApplyNone:
		if restored {
			pool.MarkDirty(block, pageLSN, pageLSN)
		}
		pool.ReleasePage(block)
		s.mu.Lock()
		s.stats.PagesUpToDate++
		s.stats.SnippetsSkipped += uint64(st.skipped)
		s.mu.Unlock()
		return nil
	}

	pool.MarkDirty(block, st.first, st.last)
	var updateErr error
	if id.Page == 0 && (st.fspHeader || st.crypt) {
		updateErr = s.updateSpace(id.Space, frame, st)
	}
	pool.ReleasePage(block)

	s.mu.Lock()
	s.stats.PagesApplied++
	s.stats.SnippetsSkipped += uint64(st.skipped)
	s.mu.Unlock()
	return updateErr
}

// updateSpace page 0 上的表空间头或加密信息变了，同步到表空间表
func (s *Session) updateSpace(space uint32, page0 []byte, st applyStats) error {
	if st.fspHeader {
		fsp := pages.ParseFSPHeader(page0)
		if err := s.deps.Spaces.UpdateSize(space, fsp.Size, fsp.Flags); err != nil {
			return spaceError(KindCorruptFS, "update size", space, err)
		}
	}
	if st.crypt {
		if err := s.deps.Spaces.UpdateCrypt(space, pages.ParseCryptData(page0)); err != nil {
			return spaceError(KindCorruptFS, "update encryption", space, err)
		}
	}
	return nil
}

// restorePage 用doublewrite buffer中的副本替换撕裂的页面
func (s *Session) restorePage(frame []byte, id PageID) bool {
	if s.deps.Doublewrite == nil {
		return false
	}
	copyFrame := s.deps.Doublewrite.FindPage(id.Space, id.Page, ^uint64(0))
	if copyFrame == nil || len(copyFrame) != len(frame) {
		return false
	}
	copy(frame, copyFrame)
	s.mu.Lock()
	s.stats.PagesRestored++
	s.mu.Unlock()
	s.log.Infof("restored %s from the doublewrite buffer", id)
	return true
}

// pageFailed 页面无法恢复。强制恢复时丢弃页面继续，否则返回错误
func (s *Session) pageFailed(kind ErrorKind, id PageID, lsn uint64, err error) error {
	s.mu.Lock()
	if kind == KindCorruptLog {
		s.corruptLog = true
	} else {
		s.corruptFS = true
	}
	if errors.Is(err, ErrRowFormatUnsupported) {
		s.stats.PagesRowFormat++
	}
	if !s.cfg.force() {
		s.mu.Unlock()
		return pageError(kind, "apply", id, lsn, err)
	}
	s.stats.PagesDiscarded++
	s.mu.Unlock()
	s.deps.Pool.DiscardPage(id.Space, id.Page)
	s.log.Warnf("discarding %s: %v", id, err)
	return nil
}
