package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

func newestCheckpoint(t *testing.T, log *logs.LogFile) logs.Checkpoint {
	cps, err := log.Checkpoints()
	require.NoError(t, err)
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.LSN > best.LSN {
			best = cp
		}
	}
	return best
}

func basicLog(e *testEnv) {
	e.write(func(w *logs.MtrWriter) { w.Write(1, 3, 100, []byte("hello")) })
	e.write(func(w *logs.MtrWriter) {
		w.InitPage(1, 4)
		w.Write(1, 4, 200, []byte("world"))
	})
}

func TestRecover(t *testing.T) {
	t.Run("基本恢复", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		basicLog(e)

		s := e.session(Config{ApplyThreads: 2}, 64, nil)
		assert.NotEmpty(t, s.ID())
		require.NoError(t, s.Recover(context.Background()))

		assert.Equal(t, StateDone, s.State())
		assert.Equal(t, e.lsn, s.RecoveredLSN())
		assert.Equal(t, 0, s.PagesRemaining())
		assert.False(t, s.CorruptLog())
		assert.False(t, s.CorruptFS())

		st := s.Stats()
		assert.Equal(t, 1, st.Batches)
		assert.Equal(t, uint64(3), st.MtrsParsed)
		assert.Equal(t, uint64(2), st.PagesApplied)
		assert.Equal(t, uint64(2), st.PagesFlushed)

		p3 := e.readPage(1, 3)
		assert.Equal(t, "hello", string(p3[100:105]))
		assert.False(t, pages.IsCorrupted(p3))
		p4 := e.readPage(1, 4)
		assert.Equal(t, "world", string(p4[200:205]))
		assert.Equal(t, uint32(4), pages.PageNo(p4))
		assert.Equal(t, e.lsn, pages.PageLSN(p4))

		cp := newestCheckpoint(t, e.log)
		assert.Equal(t, e.lsn, cp.LSN)
		assert.Equal(t, e.lsn, cp.EndLSN)

		again := e.session(Config{}, 64, nil)
		require.NoError(t, again.Recover(context.Background()))
		assert.Equal(t, 1, again.Stats().Batches)
		assert.Equal(t, uint64(0), again.Stats().PagesApplied)
	})

	t.Run("重复恢复结果不变", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		basicLog(e)
		raw := e.snapshotLog()

		require.NoError(t, e.session(Config{}, 64, nil).Recover(context.Background()))
		p3, p4 := e.readPage(1, 3), e.readPage(1, 4)

		e.restoreLog(raw)
		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, p3, e.readPage(1, 3))
		assert.Equal(t, p4, e.readPage(1, 4))
		assert.Equal(t, uint64(1), s.Stats().PagesUpToDate)
	})

	t.Run("取消", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		basicLog(e)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := e.session(Config{}, 64, nil).Recover(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("缺少依赖", func(t *testing.T) {
		_, err := NewSession(Config{}, Deps{})
		assert.Error(t, err)
	})
}

// manyPages 对space 1的多个页面写多轮，每个mtr只改一个页面
func manyPages(e *testEnv, pagesN, rounds int) {
	for r := 0; r < rounds; r++ {
		for p := 1; p <= pagesN; p++ {
			page := uint32(p)
			data := make([]byte, 200)
			for i := range data {
				data[i] = byte(r*31 + p + i)
			}
			e.write(func(w *logs.MtrWriter) {
				if r == 0 && p%3 == 0 {
					w.InitPage(1, page)
				}
				w.Write(1, page, 100+r*7, data)
				w.Memmove(1, page, 1000+r, 100+r*7, 50)
			})
		}
	}
}

func TestRecoverMultiBatch(t *testing.T) {
	const pagesN, rounds = 20, 3
	run := func(t *testing.T, cfg Config) (*testEnv, Stats) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", pagesN+1)
		manyPages(e, pagesN, rounds)
		s := e.session(cfg, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, e.lsn, s.RecoveredLSN())
		return e, s.Stats()
	}

	one, st1 := run(t, Config{ApplyThreads: 1, MaxStoreBlocks: 1000})
	assert.Equal(t, 1, st1.Batches)

	small, st2 := run(t, Config{ApplyThreads: 1, MaxStoreBlocks: 1})
	assert.Greater(t, st2.Batches, 1)

	parallel, st3 := run(t, Config{ApplyThreads: 4, MaxStoreBlocks: 2})
	assert.Greater(t, st3.Batches, 1)

	for p := uint32(1); p <= pagesN; p++ {
		want := one.readPage(1, p)
		assert.False(t, util.IsZero(want))
		assert.Equal(t, want, small.readPage(1, p), "page %d", p)
		assert.Equal(t, want[common.FIL_PAGE_DATA:testPageSize-common.FIL_PAGE_DATA_END],
			parallel.readPage(1, p)[common.FIL_PAGE_DATA:testPageSize-common.FIL_PAGE_DATA_END], "page %d", p)
	}
}

func TestRecoverOOM(t *testing.T) {
	e := newTestEnv(t)
	e.createSpace(1, "t1.ibd", 8)
	e.write(func(w *logs.MtrWriter) {
		w.Write(1, 3, 100, make([]byte, 3000))
		w.Write(1, 4, 100, make([]byte, 3000))
	})
	err := e.session(Config{}, 1, nil).Recover(context.Background())
	assert.True(t, IsOOM(err))
}

func TestRecoverFiles(t *testing.T) {
	t.Run("新建表空间用redo重建page 0", func(t *testing.T) {
		e := newTestEnv(t)
		id := make([]byte, 4)
		util.MachWrite4(id, 0, 7)
		size := make([]byte, 4)
		util.MachWrite4(size, 0, 5)
		e.write(func(w *logs.MtrWriter) {
			w.FileCreate(7, "db/t2.ibd")
			w.InitPage(7, 0)
			w.Write(7, 0, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID, id)
			w.Write(7, 0, common.FSP_HEADER_OFFSET+common.FSP_SIZE, size)
			w.Write(7, 2, 100, []byte("data"))
		})
		e.write(func(w *logs.MtrWriter) { w.FileRename(7, "db/t2.ibd", "db/b.ibd") })

		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))

		info, ok := e.spaces.Lookup(7)
		require.True(t, ok)
		assert.Equal(t, "db/b.ibd", info.Name)
		assert.Equal(t, uint32(5), info.Size)
		_, err := os.Stat(filepath.Join(e.dir, "db", "b.ibd"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(e.dir, "db", "t2.ibd"))
		assert.True(t, os.IsNotExist(err))

		assert.Equal(t, "data", string(e.readPage(7, 2)[100:104]))
		assert.Equal(t, uint32(7), pages.ParseFSPHeader(e.readPage(7, 0)).SpaceID)
		desc, _ := s.Files().Lookup(7)
		assert.Equal(t, SpaceNormal, desc.Status)
	})

	t.Run("已有表空间改名", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		e.write(func(w *logs.MtrWriter) {
			w.FileModify(1, "t1.ibd")
			w.Write(1, 3, 100, []byte("x"))
		})
		e.write(func(w *logs.MtrWriter) { w.FileRename(1, "t1.ibd", "t9.ibd") })

		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		info, _ := e.spaces.Lookup(1)
		assert.Equal(t, "t9.ibd", info.Name)
		assert.Equal(t, []uint32{1}, s.Stats().RenamedSpaces)
		assert.Equal(t, byte('x'), e.readPage(1, 3)[100])
	})

	t.Run("删除表空间", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(2, "d.ibd", 4)
		e.write(func(w *logs.MtrWriter) { w.Write(2, 1, 100, []byte("a")) })
		e.write(func(w *logs.MtrWriter) { w.FileDelete(2, "d.ibd") })

		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, []uint32{2}, s.Stats().DeletedSpaces)
		_, ok := e.spaces.Lookup(2)
		assert.False(t, ok)
		_, err := os.Stat(filepath.Join(e.dir, "d.ibd"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("截断表空间", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(3, "big.ibd", 16)
		e.write(func(w *logs.MtrWriter) {
			w.Write(3, 12, 100, []byte("a"))
			w.Write(3, 2, 100, []byte("b"))
		})
		e.write(func(w *logs.MtrWriter) { w.TrimPages(3, 8) })

		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, []uint32{3}, s.Stats().TruncatedSpaces)
		fi, err := os.Stat(filepath.Join(e.dir, "big.ibd"))
		require.NoError(t, err)
		assert.Equal(t, int64(8*testPageSize), fi.Size())
		assert.Equal(t, byte('b'), e.readPage(3, 2)[100])
	})

	t.Run("释放的页面清零", func(t *testing.T) {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		require.NoError(t, e.spaces.WritePage(1, 5, validPage(1, 5, 100, 0x5a)))
		e.write(func(w *logs.MtrWriter) { w.Write(1, 5, 100, []byte("x")) })
		e.write(func(w *logs.MtrWriter) { w.FreePage(1, 5) })

		s := e.session(Config{}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, []manager.PageRange{{First: 5, Last: 5}}, s.Files().FreedRanges(1))
		assert.True(t, util.IsZero(e.readPage(1, 5)))
	})
}

func TestRecoverMissingSpace(t *testing.T) {
	build := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		e.write(func(w *logs.MtrWriter) {
			w.FileModify(9, "gone.ibd")
			w.Write(9, 1, 100, []byte("lost"))
			w.Write(1, 3, 100, []byte("kept"))
		})
		return e
	}

	t.Run("报错", func(t *testing.T) {
		e := build(t)
		err := e.session(Config{}, 64, nil).Recover(context.Background())
		assert.True(t, IsMissingSpace(err))
		var re *RecoveryError
		require.True(t, errors.As(err, &re))
		require.NotNil(t, re.SpaceID)
		assert.Equal(t, uint32(9), *re.SpaceID)
	})

	t.Run("强制恢复忽略", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{ForceRecovery: 1}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, "kept", string(e.readPage(1, 3)[100:104]))
		assert.Equal(t, uint64(1), s.Stats().PagesApplied)
		desc, _ := s.Files().Lookup(9)
		assert.Equal(t, SpaceMissing, desc.Status)
	})
}

func TestRecoverTornPage(t *testing.T) {
	build := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		torn := validPage(1, 3, 500, 0x11)
		torn[150] = 0x22
		require.NoError(t, e.spaces.WritePage(1, 3, torn))
		e.write(func(w *logs.MtrWriter) { w.Write(1, 3, 100, []byte("x")) })
		return e
	}

	t.Run("从doublewrite恢复", func(t *testing.T) {
		e := build(t)
		dblwr := testDblwr{{Space: 1, Page: 3}: validPage(1, 3, 500, 0x11)}
		s := e.session(Config{}, 64, dblwr)
		require.NoError(t, s.Recover(context.Background()))
		p := e.readPage(1, 3)
		assert.Equal(t, byte('x'), p[100])
		assert.Equal(t, byte(0x11), p[150])
		assert.False(t, pages.IsCorrupted(p))
		assert.Equal(t, uint64(1), s.Stats().PagesRestored)
	})

	t.Run("没有副本", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{}, 64, nil)
		err := s.Recover(context.Background())
		assert.True(t, IsCorruptFS(err))
		assert.True(t, s.CorruptFS())
	})

	t.Run("强制恢复丢弃页面", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{ForceRecovery: 1}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, uint64(1), s.Stats().PagesDiscarded)
		assert.True(t, s.CorruptFS())
		assert.Equal(t, byte(0x22), e.readPage(1, 3)[150])
	})
}

func TestRecoverCorruptRecords(t *testing.T) {
	build := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		e.write(func(w *logs.MtrWriter) { w.Write(1, 3, 4090, make([]byte, 10)) })
		e.write(func(w *logs.MtrWriter) { w.Write(1, 4, 100, []byte("ok")) })
		return e
	}

	t.Run("应用时越界", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{}, 64, nil)
		err := s.Recover(context.Background())
		assert.True(t, IsCorruptLog(err))
		assert.True(t, s.CorruptLog())
	})

	t.Run("强制恢复", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{ForceRecovery: 1}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.True(t, s.CorruptLog())
		assert.Equal(t, uint64(1), s.Stats().PagesDiscarded)
		assert.Equal(t, "ok", string(e.readPage(1, 4)[100:102]))
		assert.True(t, util.IsZero(e.readPage(1, 3)))
	})
}

// replaceCheckpointMtr 用同样长度的页面mtr覆盖第一个FILE_CHECKPOINT
func replaceCheckpointMtr(t *testing.T, e *testEnv) {
	cpLen := int(e.lsn - testFirstLSN)
	for n := 1; n < 32; n++ {
		mtr := buildMtr(t, testFirstLSN, func(w *logs.MtrWriter) { w.Write(1, 3, 100, make([]byte, n)) })
		if len(mtr) == cpLen {
			require.NoError(t, e.log.Write(testFirstLSN, mtr))
			return
		}
	}
	t.Fatal("no mini-transaction of the checkpoint length")
}

func TestRecoverCheckpointNotFound(t *testing.T) {
	build := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		replaceCheckpointMtr(t, e)
		e.write(func(w *logs.MtrWriter) { w.Write(1, 4, 100, []byte("after")) })
		return e
	}

	t.Run("报错", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{}, 64, nil)
		err := s.Recover(context.Background())
		assert.True(t, IsCorruptLog(err))
		assert.True(t, errors.Is(err, ErrCheckpointNotFound))
	})

	t.Run("强制恢复继续", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{ForceRecovery: 1}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, "after", string(e.readPage(1, 4)[100:105]))
	})
}

func TestRecoverReadOnly(t *testing.T) {
	e := newTestEnv(t)
	e.createSpace(1, "t1.ibd", 8)
	basicLog(e)

	s := e.session(Config{ReadOnly: true}, 64, nil)
	require.NoError(t, s.Recover(context.Background()))
	assert.Equal(t, uint64(0), s.Stats().PagesFlushed)
	assert.True(t, util.IsZero(e.readPage(1, 3)))
	assert.Equal(t, uint64(testFirstLSN), newestCheckpoint(t, e.log).LSN)

	block, err := e.bp.FetchPage(1, 3, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(block.GetFrame()[100:105]))
	e.bp.ReleasePage(block)
}

// writeLegacyLog 写一个10.3格式的日志，dataLen大于检查点偏移时日志不干净
func writeLegacyLog(t *testing.T, dir string, dataLen uint16) (string, uint64) {
	raw := make([]byte, 8*logs.OS_FILE_LOG_BLOCK_SIZE)
	util.MachWrite4(raw, logs.LOG_HEADER_FORMAT, logs.FORMAT_10_3)
	util.MachWrite8(raw, logs.LOG_HEADER_START_LSN, 8192)
	util.MachWrite4(raw, logs.LOG_HEADER_CRC, util.Crc32c(raw[:logs.LOG_HEADER_CRC]))

	lsn := uint64(4*logs.OS_FILE_LOG_BLOCK_SIZE + 100)
	logs.FormatLegacyCheckpoint(raw[logs.LOG_LEGACY_CHECKPOINT_1:logs.LOG_LEGACY_CHECKPOINT_1+logs.OS_FILE_LOG_BLOCK_SIZE],
		logs.LegacyCheckpoint{No: 7, LSN: lsn, Offset: logs.LOG_FILE_HDR_SIZE + 100})

	block := raw[logs.LOG_FILE_HDR_SIZE : logs.LOG_FILE_HDR_SIZE+logs.OS_FILE_LOG_BLOCK_SIZE]
	util.MachWrite4(block, logs.LOG_BLOCK_HDR_NO, logs.CalcLogBlockHdrNo(lsn)|logs.LOG_BLOCK_FLUSH_BIT_MASK)
	util.MachWrite2(block, logs.LOG_BLOCK_HDR_DATA_LEN, dataLen)
	logs.StampLogBlockChecksum(block)

	path := filepath.Join(dir, "ib_logfile0")
	require.NoError(t, os.WriteFile(path, raw, 0660))
	return path, lsn
}

func TestRecoverLegacyLog(t *testing.T) {
	open := func(t *testing.T, dataLen uint16) (*Session, *logs.LogFile, uint64) {
		dir := t.TempDir()
		path, lsn := writeLegacyLog(t, dir, dataLen)
		log, err := logs.OpenLogFile(path, false, nil)
		require.NoError(t, err)
		t.Cleanup(func() { log.Close() })
		spaces := manager.NewSpaceManager(dir, testPageSize, false)
		bp, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
			PageSize: testPageSize, BufferPoolSize: 16 * testPageSize, Storage: spaces,
		})
		require.NoError(t, err)
		s, err := NewSession(Config{}, Deps{Log: log, Spaces: spaces, Pool: bp})
		require.NoError(t, err)
		return s, log, lsn
	}

	t.Run("干净关闭的日志直接升级", func(t *testing.T) {
		s, log, lsn := open(t, 100)
		require.NoError(t, s.Recover(context.Background()))
		assert.Equal(t, StateDone, s.State())
		assert.Equal(t, lsn, s.RecoveredLSN())
		assert.False(t, log.Header().IsLegacy())
		assert.Equal(t, lsn, newestCheckpoint(t, log).LSN)
	})

	t.Run("崩溃后的旧日志", func(t *testing.T) {
		s, log, _ := open(t, 300)
		err := s.Recover(context.Background())
		assert.True(t, IsUnsupportedFormat(err))
		assert.True(t, log.Header().IsLegacy())
	})
}

func TestRecoverTruncatedTail(t *testing.T) {
	e := newTestEnv(t)
	e.createSpace(1, "t1.ibd", 8)
	e.write(func(w *logs.MtrWriter) { w.Write(1, 3, 100, []byte("complete")) })
	end := e.lsn

	tail := buildMtr(t, e.lsn, func(w *logs.MtrWriter) { w.Write(1, 4, 100, []byte("cut off in the middle")) })
	require.NoError(t, e.log.Write(e.lsn, tail[:len(tail)/2]))

	s := e.session(Config{}, 64, nil)
	require.NoError(t, s.Recover(context.Background()))
	assert.False(t, s.CorruptLog())
	assert.Equal(t, end, s.RecoveredLSN())
	assert.Equal(t, "complete", string(e.readPage(1, 3)[100:108]))
	assert.True(t, util.IsZero(e.readPage(1, 4)))
}

func TestRecoverInterleaving(t *testing.T) {
	page3 := func(w *logs.MtrWriter) { w.Write(1, 3, 100, []byte("three")) }
	page4 := func(w *logs.MtrWriter) {
		w.InitPage(1, 4)
		w.Memset(1, 4, 300, 20, []byte("ab"))
	}
	page3again := func(w *logs.MtrWriter) { w.Memmove(1, 3, 200, 100, 5) }

	run := func(t *testing.T, fills ...func(w *logs.MtrWriter)) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		for _, fill := range fills {
			e.write(fill)
		}
		require.NoError(t, e.session(Config{ApplyThreads: 2}, 64, nil).Recover(context.Background()))
		return e
	}
	a := run(t, page3, page4, page3again)
	b := run(t, page4, page3, page3again)
	c := run(t, page3, page3again, page4)

	body := func(frame []byte) []byte {
		return frame[common.FIL_PAGE_DATA : testPageSize-common.FIL_PAGE_DATA_END]
	}
	for _, page := range []uint32{3, 4} {
		want := body(a.readPage(1, page))
		assert.Equal(t, want, body(b.readPage(1, page)), "page %d", page)
		assert.Equal(t, want, body(c.readPage(1, page)), "page %d", page)
	}
	assert.Equal(t, "three", string(a.readPage(1, 3)[200:205]))
	assert.Equal(t, "abababababababababab", string(a.readPage(1, 4)[300:320]))
}

func TestRecoverRowFormatUnsupported(t *testing.T) {
	build := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.createSpace(1, "t1.ibd", 8)
		e.write(func(w *logs.MtrWriter) {
			w.InitPage(1, 3)
			w.Extended(1, 3, logs.INIT_ROW_FORMAT_DYNAMIC, nil)
			w.Extended(1, 3, logs.INSERT_HEAP_DYNAMIC, []byte{1, 2, 3})
		})
		e.write(func(w *logs.MtrWriter) { w.Write(1, 4, 100, []byte("ok")) })
		return e
	}

	t.Run("默认实现报错", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{}, 64, nil)
		err := s.Recover(context.Background())
		assert.True(t, errors.Is(err, ErrRowFormatUnsupported))
		assert.True(t, IsCorruptLog(err))
		assert.Equal(t, uint64(1), s.Stats().PagesRowFormat)
	})

	t.Run("强制恢复丢弃页面并计数", func(t *testing.T) {
		e := build(t)
		s := e.session(Config{ForceRecovery: 1}, 64, nil)
		require.NoError(t, s.Recover(context.Background()))
		st := s.Stats()
		assert.Equal(t, uint64(1), st.PagesRowFormat)
		assert.Equal(t, uint64(1), st.PagesDiscarded)
		assert.Equal(t, "ok", string(e.readPage(1, 4)[100:102]))
	})
}

func TestRecoverReadsBackAppliedPages(t *testing.T) {
	e := newTestEnv(t)
	e.createSpace(1, "t1.ibd", 8)
	e.write(func(w *logs.MtrWriter) { w.Write(1, 3, 100, []byte("first")) })
	raw := e.snapshotLog()

	s := e.session(Config{}, 64, nil)
	require.NoError(t, s.Recover(context.Background()))
	p3 := e.readPage(1, 3)
	assert.Equal(t, uint32(3), pages.PageNo(p3))
	assert.Equal(t, uint32(1), pages.SpaceID(p3))

	// 日志恢复到崩溃时的样子，页面已经是恢复后的版本
	e.restoreLog(raw)
	again := e.session(Config{}, 64, nil)
	require.NoError(t, again.Recover(context.Background()))
	assert.Equal(t, uint64(1), again.Stats().PagesUpToDate)
	assert.Equal(t, uint64(0), again.Stats().PagesRestored)
	assert.False(t, again.CorruptFS())
}
