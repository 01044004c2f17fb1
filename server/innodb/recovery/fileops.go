package recovery

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
)

// SpaceStatus 日志中看到的表空间状态
type SpaceStatus int

const (
	SpaceNormal SpaceStatus = iota
	SpaceDeleted
	SpaceMissing
)

func (s SpaceStatus) String() string {
	switch s {
	case SpaceNormal:
		return "NORMAL"
	case SpaceDeleted:
		return "DELETED"
	case SpaceMissing:
		return "MISSING"
	}
	return "UNKNOWN"
}

// SpaceDesc 表空间描述
type SpaceDesc struct {
	SpaceID uint32
	Name    string
	Status  SpaceStatus
	Size    uint32
	Flags   uint32
}

// deferredSpace 扫描时打不开的表空间，扫描结束后再处理
type deferredSpace struct {
	name string
	lsn  uint64
}

type truncation struct {
	size uint32
	lsn  uint64
}

type spaceEntry struct {
	desc      SpaceDesc
	deletedAt uint64
	freed     map[uint32]struct{}
}

// FileResolver 根据文件记录维护表空间id到文件的映射
type FileResolver struct {
	mu          sync.Mutex
	spaces      Tablespaces
	entries     map[uint32]*spaceEntry
	deferred    map[uint32]*deferredSpace
	renames     map[uint32]string
	truncations map[uint32]truncation
	processed   uint64
	force       bool
}

func NewFileResolver(spaces Tablespaces, force bool) *FileResolver {
	return &FileResolver{
		spaces:      spaces,
		entries:     make(map[uint32]*spaceEntry),
		deferred:    make(map[uint32]*deferredSpace),
		renames:     make(map[uint32]string),
		truncations: make(map[uint32]truncation),
		force:       force,
	}
}

// Processed 文件记录已经处理到的LSN，重新扫描时不再处理这之前的文件记录
func (r *FileResolver) Processed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *FileResolver) MarkProcessed(lsn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lsn > r.processed {
		r.processed = lsn
	}
}

func (r *FileResolver) entry(space uint32) *spaceEntry {
	e, ok := r.entries[space]
	if !ok {
		e = &spaceEntry{desc: SpaceDesc{SpaceID: space}}
		r.entries[space] = e
	}
	return e
}

// ProcessFileRecord 处理FILE_CREATE、FILE_DELETE、FILE_RENAME和FILE_MODIFY
func (r *FileResolver) ProcessFileRecord(kind byte, space uint32, name, newName string, lsn uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(space)
	switch kind {
	case logs.FILE_DELETE:
		e.desc.Status = SpaceDeleted
		e.desc.Name = name
		e.deletedAt = lsn
		e.freed = nil
		delete(r.deferred, space)
		delete(r.renames, space)
		delete(r.truncations, space)
		logger.Debugf("tablespace %d %s deleted at LSN=%d", space, name, lsn)
		return nil
	case logs.FILE_RENAME:
		if e.desc.Status != SpaceDeleted {
			e.desc.Status = SpaceNormal
		}
		e.desc.Name = newName
		if d, ok := r.deferred[space]; ok {
			d.name = newName
			return nil
		}
		if _, ok := r.spaces.Lookup(space); ok {
			r.renames[space] = newName
			return nil
		}
		r.resolve(e, name, lsn, false)
		if _, ok := r.spaces.Lookup(space); ok {
			r.renames[space] = newName
			return nil
		}
		if d, ok := r.deferred[space]; ok {
			d.name = newName
			return nil
		}
		// 改名已经落盘
		e.desc.Status = SpaceNormal
		r.resolve(e, newName, lsn, false)
		return nil
	case logs.FILE_CREATE, logs.FILE_MODIFY:
		if e.desc.Status == SpaceDeleted && kind == logs.FILE_MODIFY {
			return nil
		}
		e.desc.Name = name
		e.desc.Status = SpaceNormal
		r.resolve(e, name, lsn, kind == logs.FILE_CREATE)
		return nil
	}
	return errors.Errorf("unexpected file record %#x", kind)
}

// resolve 打开name对应的文件。调用方持有mu
func (r *FileResolver) resolve(e *spaceEntry, name string, lsn uint64, create bool) {
	space := e.desc.SpaceID
	if info, ok := r.spaces.Lookup(space); ok {
		e.desc.Size, e.desc.Flags = info.Size, info.Flags
		if info.Name == manager.NormalizeName(name) {
			delete(r.deferred, space)
			return
		}
	}
	probe := r.spaces.Probe(space, name)
	switch probe.Status {
	case manager.ProbeOK:
		info, err := r.spaces.Open(space, name)
		if err != nil {
			logger.Warnf("cannot open tablespace %d file %s: %v", space, name, err)
			r.deferred[space] = &deferredSpace{name: name, lsn: lsn}
			return
		}
		e.desc.Size, e.desc.Flags = info.Size, info.Flags
		delete(r.deferred, space)
	case manager.ProbeIDMismatch:
		logger.Warnf("ignoring data file %s with space id %d, expected %d", name, probe.Info.SpaceID, space)
	case manager.ProbeNotFound:
		if _, ok := r.deferred[space]; create || ok {
			r.deferred[space] = &deferredSpace{name: name, lsn: lsn}
			return
		}
		e.desc.Status = SpaceMissing
	case manager.ProbeDefer:
		r.deferred[space] = &deferredSpace{name: name, lsn: lsn}
	}
}

// Dropped 表空间在lsn之后被删除，lsn处的记录不用保存
func (r *FileResolver) Dropped(space uint32, lsn uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[space]
	return ok && e.deletedAt > lsn
}

// RegisterTruncate 记录TRIM_PAGES
func (r *FileResolver) RegisterTruncate(space, size uint32, lsn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.truncations[space]; ok && t.lsn > lsn {
		return
	}
	r.truncations[space] = truncation{size: size, lsn: lsn}
	if e, ok := r.entries[space]; ok {
		for page := range e.freed {
			if page >= size {
				delete(e.freed, page)
			}
		}
	}
}

func (r *FileResolver) AddFreed(id PageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(id.Space)
	if e.freed == nil {
		e.freed = make(map[uint32]struct{})
	}
	e.freed[id.Page] = struct{}{}
}

func (r *FileResolver) RemoveFreed(id PageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id.Space]; ok {
		delete(e.freed, id.Page)
	}
}

// FreedRanges 表空间中被释放的页面，合并成区间
func (r *FileResolver) FreedRanges(space uint32) []manager.PageRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[space]
	if !ok || len(e.freed) == 0 {
		return nil
	}
	freed := make([]uint32, 0, len(e.freed))
	for page := range e.freed {
		freed = append(freed, page)
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })
	var ranges []manager.PageRange
	for _, page := range freed {
		if n := len(ranges); n > 0 && ranges[n-1].Last+1 == page {
			ranges[n-1].Last = page
			continue
		}
		ranges = append(ranges, manager.PageRange{First: page, Last: page})
	}
	return ranges
}

// Lookup 返回日志中看到的表空间描述
func (r *FileResolver) Lookup(space uint32) (SpaceDesc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[space]
	if !ok {
		return SpaceDesc{}, false
	}
	return e.desc, true
}

// Deferred 等待处理的表空间
func (r *FileResolver) Deferred() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint32, 0, len(r.deferred))
	for id := range r.deferred {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// page0Builder 用Store中的记录重建page 0
type page0Builder func(space uint32) ([]byte, bool)

// ReinitDeferred 扫描结束后处理延迟的表空间：page 0 先从redo记录重建，
// 不行再从doublewrite里找，然后按page 0 上的大小和flags创建表空间
func (r *FileResolver) ReinitDeferred(build page0Builder, dblwr Doublewrite) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint32, 0, len(r.deferred))
	for id := range r.deferred {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, space := range ids {
		d := r.deferred[space]
		delete(r.deferred, space)
		e := r.entry(space)
		if e.desc.Status == SpaceDeleted {
			continue
		}

		var (
			page0  []byte
			source string
		)
		if build != nil {
			if p, ok := build(space); ok {
				page0, source = p, "redo log"
			}
		}
		if page0 == nil && dblwr != nil {
			if p := dblwr.FindPage(space, 0, ^uint64(0)); p != nil {
				page0, source = append([]byte(nil), p...), "doublewrite buffer"
			}
		}
		if page0 == nil {
			if probe := r.spaces.Probe(space, d.name); probe.Status == manager.ProbeOK {
				if info, err := r.spaces.Open(space, d.name); err == nil {
					e.desc.Size, e.desc.Flags = info.Size, info.Flags
					continue
				}
			}
			logger.Warnf("cannot recover page 0 of tablespace %d %s", space, d.name)
			e.desc.Status = SpaceMissing
			continue
		}

		fsp := pages.ParseFSPHeader(page0)
		if fsp.SpaceID != space {
			logger.Warnf("page 0 of tablespace %d from %s names space %d", space, source, fsp.SpaceID)
			e.desc.Status = SpaceMissing
			continue
		}
		info, err := r.spaces.Create(space, d.name, fsp.Size, fsp.Flags, page0)
		if err != nil {
			logger.Warnf("cannot create tablespace %d %s: %v", space, d.name, err)
			e.desc.Status = SpaceMissing
			continue
		}
		e.desc.Status = SpaceNormal
		e.desc.Size, e.desc.Flags = info.Size, info.Flags
		logger.Infof("recovered page 0 of tablespace %d %s from %s", space, d.name, source)
	}
}

// Missing 返回有记录但是找不到文件的表空间
func (r *FileResolver) Missing(spacesWithRecords []uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []uint32
	for _, space := range spacesWithRecords {
		if e, ok := r.entries[space]; ok && e.desc.Status == SpaceDeleted {
			continue
		}
		if _, ok := r.spaces.Lookup(space); ok {
			continue
		}
		missing = append(missing, space)
	}
	return missing
}

// finishResult 收尾时实际执行的文件操作
type finishResult struct {
	deleted []uint32
	renamed []uint32
}

func (r *FileResolver) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Finish 执行扫描时排队的删除和改名
func (r *FileResolver) Finish(readOnly bool) (finishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res finishResult
	if readOnly {
		return res, nil
	}

	ids := r.sortedIDs()
	for _, space := range ids {
		e := r.entries[space]
		if e.desc.Status != SpaceDeleted {
			continue
		}
		if err := r.spaces.Delete(space, e.desc.Name); err != nil {
			return res, spaceError(KindCorruptFS, "delete", space, err)
		}
		res.deleted = append(res.deleted, space)
	}
	for _, space := range ids {
		name, ok := r.renames[space]
		if !ok {
			continue
		}
		if info, ok := r.spaces.Lookup(space); !ok || info.Name == manager.NormalizeName(name) {
			continue
		}
		if err := r.spaces.Rename(space, name); err != nil {
			return res, spaceError(KindCorruptFS, "rename", space, err)
		}
		res.renamed = append(res.renamed, space)
	}
	r.renames = make(map[uint32]string)
	return res, nil
}

// spaceTruncation 一次待执行的截断
type spaceTruncation struct {
	space uint32
	size  uint32
}

// takeTruncations 取走LSN小于horizon的截断。之后的截断留到扫描越过它们的那一批
func (r *FileResolver) takeTruncations(horizon uint64) []spaceTruncation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ts []spaceTruncation
	for space, t := range r.truncations {
		if t.lsn >= horizon {
			continue
		}
		if e, ok := r.entries[space]; ok && e.desc.Status == SpaceDeleted {
			delete(r.truncations, space)
			continue
		}
		ts = append(ts, spaceTruncation{space: space, size: t.size})
		delete(r.truncations, space)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].space < ts[j].space })
	return ts
}

// FreedSpaces 有已释放页面的表空间
func (r *FileResolver) FreedSpaces() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var spaces []uint32
	for _, space := range r.sortedIDs() {
		e := r.entries[space]
		if len(e.freed) > 0 && e.desc.Status != SpaceDeleted {
			spaces = append(spaces, space)
		}
	}
	return spaces
}
