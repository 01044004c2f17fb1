package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
)

const (
	testPageSize = 4096
	testFirstLSN = 8192
)

// testAlloc 按需分配块，limit为0表示不限
type testAlloc struct {
	limit int
	out   int
}

func (a *testAlloc) GetFreeBlock() (*buffer_pool.BufferBlock, error) {
	if a.limit > 0 && a.out >= a.limit {
		return nil, buffer_pool.ErrBufferPoolFull
	}
	a.out++
	return buffer_pool.NewBufferBlock(make([]byte, testPageSize), 0, 0), nil
}

func (a *testAlloc) FreeBlock(block *buffer_pool.BufferBlock) {
	a.out--
}

// buildMtr 用MtrWriter拼一个mtr，序列位恒为1
func buildMtr(t *testing.T, start uint64, fill func(w *logs.MtrWriter)) []byte {
	w := logs.NewMtrWriter()
	fill(w)
	mtr, err := w.Finish(start)
	require.NoError(t, err)
	return mtr
}

// buildLog 把多个mtr接在一起，返回日志和每个mtr的起始LSN
func buildLog(t *testing.T, start uint64, fills ...func(w *logs.MtrWriter)) ([]byte, []uint64) {
	var (
		data   []byte
		starts []uint64
	)
	lsn := start
	for _, fill := range fills {
		mtr := buildMtr(t, lsn, fill)
		starts = append(starts, lsn)
		data = append(data, mtr...)
		lsn += uint64(len(mtr))
	}
	return data, starts
}

// snippet 直接按Store中的格式拼一个片段
type testRecord struct {
	typ     logs.RecordType
	same    bool
	payload []byte
}

func snippet(start, lsn uint64, recs ...testRecord) logSnippet {
	var data []byte
	for _, r := range recs {
		data = appendRecord(data, r.typ, r.same, r.payload)
	}
	return logSnippet{Start: start, LSN: lsn, Data: data}
}

func writeRec(same bool, off int, data []byte) testRecord {
	payload := logs.AppendVarint(nil, uint32(off))
	return testRecord{typ: logs.WRITE, same: same, payload: append(payload, data...)}
}

// testEnv 一个数据目录：表空间、redo日志和写日志的位置
type testEnv struct {
	t      *testing.T
	dir    string
	spaces *manager.SpaceManager
	log    *logs.LogFile
	lsn    uint64
	bp     *buffer_pool.BufferPool
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	spaces := manager.NewSpaceManager(dir, testPageSize, false)
	t.Cleanup(func() { spaces.Close() })
	log, err := logs.CreateLogFile(filepath.Join(dir, "ib_logfile0"), logs.LOG_MIN_FILE_SIZE, testFirstLSN, logs.LogFileOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	w := logs.NewMtrWriter()
	w.FileCheckpoint(testFirstLSN)
	cp, err := w.Finish(testFirstLSN)
	require.NoError(t, err)
	return &testEnv{t: t, dir: dir, spaces: spaces, log: log, lsn: testFirstLSN + uint64(len(cp))}
}

// write 在日志末尾写一个mtr，返回它的起始LSN
func (e *testEnv) write(fill func(w *logs.MtrWriter)) uint64 {
	w := logs.NewMtrWriter()
	fill(w)
	start := e.lsn
	end, err := e.log.WriteMtr(start, w)
	require.NoError(e.t, err)
	e.lsn = end
	return start
}

func (e *testEnv) createSpace(id uint32, name string, size uint32) {
	_, err := e.spaces.Create(id, name, size, 0, nil)
	require.NoError(e.t, err)
}

func (e *testEnv) pool(frames int) *buffer_pool.BufferPool {
	bp, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PageSize:       testPageSize,
		BufferPoolSize: uint64(frames * testPageSize),
		Storage:        e.spaces,
	})
	require.NoError(e.t, err)
	return bp
}

func (e *testEnv) session(cfg Config, frames int, dblwr Doublewrite) *Session {
	e.bp = e.pool(frames)
	s, err := NewSession(cfg, Deps{
		Log:         e.log,
		Spaces:      e.spaces,
		Pool:        e.bp,
		Doublewrite: dblwr,
	})
	require.NoError(e.t, err)
	e.t.Cleanup(s.Close)
	return s
}

func (e *testEnv) readPage(space, page uint32) []byte {
	frame := make([]byte, testPageSize)
	require.NoError(e.t, e.spaces.ReadPage(space, page, frame))
	return frame
}

// snapshotLog 保存日志文件内容
func (e *testEnv) snapshotLog() []byte {
	raw, err := os.ReadFile(e.log.Path())
	require.NoError(e.t, err)
	return raw
}

// restoreLog 写回日志文件内容并重新打开
func (e *testEnv) restoreLog(raw []byte) {
	path := e.log.Path()
	require.NoError(e.t, e.log.Close())
	require.NoError(e.t, os.WriteFile(path, raw, 0660))
	log, err := logs.OpenLogFile(path, false, nil)
	require.NoError(e.t, err)
	e.log = log
	e.t.Cleanup(func() { log.Close() })
}

// testDblwr 内存中的doublewrite副本
type testDblwr map[PageID][]byte

func (d testDblwr) FindPage(spaceID, pageNo uint32, maxLSN uint64) []byte {
	p, ok := d[PageID{Space: spaceID, Page: pageNo}]
	if !ok || pages.PageLSN(p) > maxLSN {
		return nil
	}
	return p
}

// validPage 一个带页号和校验和的页面
func validPage(space, page uint32, lsn uint64, fill byte) []byte {
	frame := make([]byte, testPageSize)
	pages.InitFilePage(frame, space, page)
	for i := 100; i < 200; i++ {
		frame[i] = fill
	}
	pages.SetLSNAndChecksum(frame, lsn)
	return frame
}
