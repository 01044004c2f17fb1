package recovery

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
)

// Session 一次崩溃恢复。状态都在Session里，恢复结束后调用Close
type Session struct {
	cfg   Config
	deps  Deps
	index IndexPages
	id    string
	log   *logrus.Entry

	store  *Store
	files  *FileResolver
	parser *Parser

	checkpoint logs.Checkpoint
	// scannedLSN 第一次扫描到日志末尾的位置
	scannedLSN uint64
	scanned    bool
	// oomLSN 记录存不下时的mtr起始LSN，应用完之后从这里重新扫描
	oomLSN      uint64
	missingSeen map[uint32]struct{}

	mu           sync.Mutex
	state        State
	stats        Stats
	recoveredLSN uint64
	corruptLog   bool
	corruptFS    bool
	closed       bool
}

// NewSession 创建恢复会话。MaxStoreBlocks为0时取缓冲池容量的2/3
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Log == nil || deps.Spaces == nil || deps.Pool == nil {
		return nil, errors.New("recovery needs a redo log, a tablespace table and a buffer pool")
	}
	if cfg.ApplyThreads <= 0 {
		cfg.ApplyThreads = 1
	}
	if cfg.MaxStoreBlocks <= 0 {
		cfg.MaxStoreBlocks = deps.Pool.Capacity() * 2 / 3
		if cfg.MaxStoreBlocks < 1 {
			cfg.MaxStoreBlocks = 1
		}
	}
	index := deps.IndexPages
	if index == nil {
		index = DefaultIndexPages{}
	}
	id := uuid.New().String()
	s := &Session{
		cfg:         cfg,
		deps:        deps,
		index:       index,
		id:          id,
		log:         logger.WithFields(logrus.Fields{"session": id}),
		missingSeen: make(map[uint32]struct{}),
	}
	s.store = NewStore(deps.Pool, int(deps.Pool.PageSize()), cfg.MaxStoreBlocks)
	s.files = NewFileResolver(deps.Spaces, cfg.force())
	s.parser = NewParser(s.store, s.files, deps.Log.Crypt(), deps.Pool, cfg.force())
	return s, nil
}

// ID 会话ID，出现在会话的每一行日志里
func (s *Session) ID() string {
	return s.id
}

// Files 日志中看到的表空间
func (s *Session) Files() *FileResolver {
	return s.files
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecoveredLSN 已经扫描到的LSN，只增不减
func (s *Session) RecoveredLSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveredLSN
}

func (s *Session) advance(lsn uint64) {
	s.mu.Lock()
	if lsn > s.recoveredLSN {
		s.recoveredLSN = lsn
	}
	s.mu.Unlock()
}

// PagesRemaining 还有记录没应用的页面数
func (s *Session) PagesRemaining() int {
	return s.store.Len()
}

// CorruptLog 是否发现日志损坏
func (s *Session) CorruptLog() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corruptLog || s.parser.Corrupt()
}

// CorruptFS 是否发现数据文件损坏
func (s *Session) CorruptFS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corruptFS
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.MtrsParsed = s.parser.mtrs
	st.RecordsSkipped += s.parser.skipped
	st.RecordsStored = s.store.Records()
	st.RenamedSpaces = append([]uint32(nil), s.stats.RenamedSpaces...)
	st.TruncatedSpaces = append([]uint32(nil), s.stats.TruncatedSpaces...)
	st.DeletedSpaces = append([]uint32(nil), s.stats.DeletedSpaces...)
	return st
}

// Recover 执行恢复: SELECT_CHECKPOINT -> SCAN -> APPLY_BATCH -> {SCAN | DONE}
func (s *Session) Recover(ctx context.Context) error {
	if s.closed {
		return errors.New("recovery session closed")
	}
	s.setState(StateSelectCheckpoint)
	start, done, err := s.selectCheckpoint()
	if err != nil {
		return err
	}
	if done {
		s.setState(StateDone)
		return nil
	}
	s.log.Infof("starting crash recovery from checkpoint LSN=%d", start)

	cur := s.deps.Log.NewCursor(start)
	storing := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(StateScan)
		status, err := s.scan(cur, storing)
		if err != nil {
			return err
		}

		if status == ParseGotOOM {
			lsn := cur.LSN()
			s.store.Rewind(lsn)
			if s.store.Len() == 0 {
				return newError(KindOOM, "scan", lsn, errors.Errorf("buffer pool of %d pages cannot hold the records of one mini-transaction", s.deps.Pool.Capacity()))
			}
			s.oomLSN = lsn
			s.advance(lsn)
			if !s.scanned {
				// 继续扫描到末尾，只处理文件记录
				s.log.Infof("multi-batch recovery needed at LSN=%d", lsn)
				storing = false
				continue
			}
			if err := s.applyStored(ctx, lsn); err != nil {
				return err
			}
			if err := cur.Seek(lsn); err != nil {
				return errors.Wrapf(err, "seek redo log to %d", lsn)
			}
			storing = true
			continue
		}

		// ParseGotEOF
		if !s.scanned {
			if err := s.endOfFirstScan(cur.LSN()); err != nil {
				return err
			}
		}
		horizon := s.scannedLSN
		if s.oomLSN != 0 {
			horizon = s.oomLSN
		}
		if err := s.applyStored(ctx, horizon); err != nil {
			return err
		}
		if s.oomLSN == 0 {
			break
		}
		lsn := s.oomLSN
		s.oomLSN = 0
		s.log.Infof("continuing recovery from LSN=%d", lsn)
		if err := cur.Seek(lsn); err != nil {
			return errors.Wrapf(err, "seek redo log to %d", lsn)
		}
		storing = true
	}
	return s.finish()
}

// selectCheckpoint 返回扫描起点。旧格式的日志只能在干净关闭时升级，这时直接结束
func (s *Session) selectCheckpoint() (uint64, bool, error) {
	hdr := s.deps.Log.Header()
	if hdr.IsLegacy() {
		cp, clean, err := s.deps.Log.LegacyCheckpoint()
		if err != nil {
			return 0, false, newError(KindUnsupportedFormat, "select checkpoint", 0, err)
		}
		if !clean {
			return 0, false, newError(KindUnsupportedFormat, "select checkpoint", cp.LSN,
				errors.Errorf("upgrade after a crash is not supported; the redo log was created with %q", hdr.Creator))
		}
		s.advance(cp.LSN)
		if !s.cfg.ReadOnly {
			if err := s.deps.Log.Reset(cp.LSN); err != nil {
				return 0, false, errors.Wrap(err, "reset legacy redo log")
			}
			s.log.Infof("upgraded redo log at LSN=%d", cp.LSN)
		}
		return 0, true, nil
	}

	cps, err := s.deps.Log.Checkpoints()
	if err != nil {
		s.mu.Lock()
		s.corruptLog = true
		s.mu.Unlock()
		return 0, false, newError(KindCorruptLog, "select checkpoint", 0, err)
	}
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.LSN > best.LSN {
			best = cp
		}
	}
	s.checkpoint = best
	s.parser.SetCheckpoint(best)
	s.advance(best.LSN)
	return best.LSN, false, nil
}

// scan 解析到日志末尾或者记录存不下为止
func (s *Session) scan(cur LogCursor, storing bool) (ParseStatus, error) {
	for {
		status, err := s.parser.Parse(cur, storing)
		if err != nil {
			if IsCorruptLog(err) && s.cfg.force() {
				s.log.Warnf("stopping redo log scan: %v", err)
				return ParseGotEOF, nil
			}
			return status, err
		}
		switch status {
		case ParseOK:
			continue
		case ParsePrematureEOF:
			n, err := cur.Fill()
			if err != nil {
				return status, errors.Wrapf(err, "read redo log at LSN=%d", cur.LSN())
			}
			if n == 0 {
				return ParseGotEOF, nil
			}
		default:
			return status, nil
		}
	}
}

// endOfFirstScan 第一次扫到日志末尾：检查检查点，处理延迟的表空间，检查缺失的表空间
func (s *Session) endOfFirstScan(end uint64) error {
	s.scanned = true
	s.scannedLSN = end
	s.advance(end)
	s.log.Infof("redo log scanned up to LSN=%d, %d mini-transactions", end, s.parser.mtrs)

	if !s.parser.SawCheckpoint() {
		s.mu.Lock()
		s.corruptLog = true
		s.mu.Unlock()
		err := newError(KindCorruptLog, "scan", s.checkpoint.EndLSN,
			errors.Wrapf(ErrCheckpointNotFound, "for checkpoint LSN=%d", s.checkpoint.LSN))
		if !s.cfg.force() {
			return err
		}
		s.log.Warnf("%v", err)
	}

	s.files.ReinitDeferred(s.buildPage0, s.deps.Doublewrite)
	return nil
}

// buildPage0 表空间的page 0 从INIT_PAGE开始有完整的记录时，在空页面上重建它
func (s *Session) buildPage0(space uint32) ([]byte, bool) {
	id := PageID{Space: space}
	recs, ok := s.store.Peek(id)
	if !ok {
		return nil, false
	}
	typ, _, _, _, ok := nextRecord(recs[0].Data)
	if !ok || typ != logs.INIT_PAGE {
		return nil, false
	}
	frame := make([]byte, s.deps.Pool.PageSize())
	res, _, err := NewApplier(s.index).ApplyRecords(frame, id, recs, 0, 0, false)
	if err != nil || res == ApplyCorrupted || res == ApplyNone {
		return nil, false
	}
	return frame, true
}

// checkMissing 有记录但是打不开的表空间。强制恢复时丢掉它们的记录
func (s *Session) checkMissing() error {
	for _, space := range s.files.Missing(s.store.Spaces()) {
		desc, _ := s.files.Lookup(space)
		if !s.cfg.force() {
			return spaceError(KindMissingSpace, "apply", space,
				errors.Errorf("tablespace file %q was modified after the checkpoint but is missing", desc.Name))
		}
		if _, ok := s.missingSeen[space]; !ok {
			s.missingSeen[space] = struct{}{}
			s.log.Warnf("tablespace %d %q is missing, ignoring its redo log records", space, desc.Name)
		}
		s.store.EraseSpace(space)
		s.deps.Pool.DiscardSpace(space)
	}
	return nil
}

// applyStored 应用Store中的全部页面，每一小批不超过缓冲池的空闲页帧数。
// horizon之前的截断先执行
func (s *Session) applyStored(ctx context.Context, horizon uint64) error {
	s.setState(StateApplyBatch)
	if err := s.checkMissing(); err != nil {
		return err
	}
	if err := s.truncate(horizon); err != nil {
		return err
	}

	ids := s.store.PageIDs()
	s.mu.Lock()
	s.stats.Batches++
	s.mu.Unlock()
	s.log.Infof("To recover: %d pages", len(ids))

	for len(ids) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		free := s.deps.Pool.FreeFrames()
		if free < s.cfg.ApplyThreads && !s.cfg.ReadOnly {
			if err := s.flush(); err != nil {
				return err
			}
			free = s.deps.Pool.FreeFrames()
		}
		if free == 0 {
			return newError(KindOOM, "apply", 0, errors.Errorf("no free buffer pool frame for %d pages", len(ids)))
		}
		n := free
		if n > len(ids) {
			n = len(ids)
		}
		if err := s.applyBatch(ctx, ids[:n]); err != nil {
			return err
		}
		ids = ids[n:]
		if len(ids) > 0 {
			s.log.Infof("To recover: %d pages", len(ids))
		}
	}
	return nil
}

// truncate 执行horizon之前的TRIM_PAGES
func (s *Session) truncate(horizon uint64) error {
	for _, t := range s.files.takeTruncations(horizon) {
		s.deps.Pool.DiscardPagesFrom(t.space, t.size)
		if s.cfg.ReadOnly {
			continue
		}
		if _, ok := s.deps.Spaces.Lookup(t.space); !ok {
			continue
		}
		if err := s.deps.Spaces.Truncate(t.space, t.size); err != nil {
			return spaceError(KindCorruptFS, "truncate", t.space, err)
		}
		s.mu.Lock()
		s.stats.TruncatedSpaces = append(s.stats.TruncatedSpaces, t.space)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) flush() error {
	if s.cfg.ReadOnly {
		return nil
	}
	n, err := s.deps.Pool.FlushDirtyPages()
	s.mu.Lock()
	s.stats.PagesFlushed += uint64(n)
	if err != nil {
		s.corruptFS = true
	}
	s.mu.Unlock()
	if err != nil {
		return newError(KindCorruptFS, "flush", 0, err)
	}
	return nil
}

// finish DONE状态：删除、改名，刷脏页，清零释放的页面，写新的检查点
func (s *Session) finish() error {
	s.setState(StateDone)

	res, err := s.files.Finish(s.cfg.ReadOnly)
	if err != nil {
		return err
	}
	for _, space := range res.deleted {
		s.deps.Pool.DiscardSpace(space)
	}
	s.mu.Lock()
	s.stats.DeletedSpaces = append(s.stats.DeletedSpaces, res.deleted...)
	s.stats.RenamedSpaces = append(s.stats.RenamedSpaces, res.renamed...)
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return err
	}
	if !s.cfg.ReadOnly {
		for _, space := range s.files.FreedSpaces() {
			if _, ok := s.deps.Spaces.Lookup(space); !ok {
				continue
			}
			if err := s.deps.Spaces.FreeRanges(space, s.files.FreedRanges(space)); err != nil {
				return spaceError(KindCorruptFS, "free pages", space, err)
			}
		}
		if syncer, ok := s.deps.Spaces.(interface{ Sync() error }); ok {
			if err := syncer.Sync(); err != nil {
				return newError(KindCorruptFS, "sync", 0, err)
			}
		}
		if _, err := s.deps.Log.WriteCheckpoint(s.scannedLSN); err != nil {
			return errors.Wrapf(err, "write checkpoint at LSN=%d", s.scannedLSN)
		}
	}
	st := s.Stats()
	s.log.Infof("crash recovery finished at LSN=%d: %d pages applied, %d up to date, %d discarded, %d restored",
		s.scannedLSN, st.PagesApplied, st.PagesUpToDate, st.PagesDiscarded, st.PagesRestored)
	return nil
}

// Close 释放Store借的块
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.store.Clear()
}
