package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
)

// placeSpace 在dir下放一个表空间文件，不注册到返回的SpaceManager
func placeSpace(t *testing.T, dir string, space uint32, name string, size uint32) *manager.SpaceManager {
	sm0 := manager.NewSpaceManager(dir, testPageSize, false)
	_, err := sm0.Create(space, name, size, 0, nil)
	require.NoError(t, err)
	require.NoError(t, sm0.Close())
	sm := manager.NewSpaceManager(dir, testPageSize, false)
	t.Cleanup(func() { sm.Close() })
	return sm
}

func emptySpaces(t *testing.T) (*manager.SpaceManager, string) {
	dir := t.TempDir()
	sm := manager.NewSpaceManager(dir, testPageSize, false)
	t.Cleanup(func() { sm.Close() })
	return sm, dir
}

func fsp0(space, size uint32) []byte {
	page0 := make([]byte, testPageSize)
	pages.InitFilePage(page0, space, 0)
	pages.SetType(page0, common.FIL_PAGE_TYPE_FSP_HDR)
	pages.WriteFSPHeader(page0, pages.FSPHeader{SpaceID: space, Size: size})
	pages.SetLSNAndChecksum(page0, 100)
	return page0
}

func TestFileResolverRename(t *testing.T) {
	t.Run("文件已经存在", func(t *testing.T) {
		dir := t.TempDir()
		sm := placeSpace(t, dir, 5, "a.dat", 4)
		r := NewFileResolver(sm, false)

		require.NoError(t, r.ProcessFileRecord(logs.FILE_CREATE, 5, "a.dat", "", 100))
		info, ok := sm.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, "a.dat", info.Name)

		require.NoError(t, r.ProcessFileRecord(logs.FILE_MODIFY, 5, "a.dat", "", 200))
		require.NoError(t, r.ProcessFileRecord(logs.FILE_RENAME, 5, "a.dat", "b.dat", 300))
		desc, ok := r.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, SpaceDesc{SpaceID: 5, Name: "b.dat", Status: SpaceNormal, Size: 4}, desc)
		assert.Empty(t, r.Deferred())

		res, err := r.Finish(false)
		require.NoError(t, err)
		assert.Equal(t, []uint32{5}, res.renamed)
		info, _ = sm.Lookup(5)
		assert.Equal(t, "b.dat", info.Name)
		_, err = os.Stat(filepath.Join(dir, "b.dat"))
		assert.NoError(t, err)
	})

	t.Run("改名已经落盘", func(t *testing.T) {
		dir := t.TempDir()
		sm := placeSpace(t, dir, 5, "b.dat", 4)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_RENAME, 5, "a.dat", "b.dat", 300))
		info, ok := sm.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, "b.dat", info.Name)

		res, err := r.Finish(false)
		require.NoError(t, err)
		assert.Empty(t, res.renamed)
	})

	t.Run("文件还没有创建", func(t *testing.T) {
		sm, dir := emptySpaces(t)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_CREATE, 5, "a.dat", "", 100))
		require.NoError(t, r.ProcessFileRecord(logs.FILE_MODIFY, 5, "a.dat", "", 200))
		require.NoError(t, r.ProcessFileRecord(logs.FILE_RENAME, 5, "a.dat", "b.dat", 300))
		assert.Equal(t, []uint32{5}, r.Deferred())

		r.ReinitDeferred(func(space uint32) ([]byte, bool) {
			return fsp0(space, 6), true
		}, nil)
		assert.Empty(t, r.Deferred())
		info, ok := sm.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, "b.dat", info.Name)
		assert.Equal(t, uint32(6), info.Size)
		desc, _ := r.Lookup(5)
		assert.Equal(t, SpaceNormal, desc.Status)
		assert.Equal(t, "b.dat", desc.Name)
		_, err := os.Stat(filepath.Join(dir, "a.dat"))
		assert.True(t, os.IsNotExist(err))
		assert.Empty(t, r.Missing([]uint32{5}))
	})
}

func TestFileResolverMissing(t *testing.T) {
	t.Run("修改的文件不存在", func(t *testing.T) {
		sm, _ := emptySpaces(t)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_MODIFY, 5, "a.dat", "", 100))
		desc, _ := r.Lookup(5)
		assert.Equal(t, SpaceMissing, desc.Status)
		assert.Equal(t, []uint32{5, 6}, r.Missing([]uint32{5, 6}))
	})

	t.Run("page 0 找不到", func(t *testing.T) {
		sm, _ := emptySpaces(t)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_CREATE, 5, "a.dat", "", 100))
		r.ReinitDeferred(func(uint32) ([]byte, bool) { return nil, false }, nil)
		desc, _ := r.Lookup(5)
		assert.Equal(t, SpaceMissing, desc.Status)
		assert.Equal(t, []uint32{5}, r.Missing([]uint32{5}))
	})

	t.Run("page 0 属于别的表空间", func(t *testing.T) {
		sm, _ := emptySpaces(t)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_CREATE, 5, "a.dat", "", 100))
		r.ReinitDeferred(func(uint32) ([]byte, bool) { return fsp0(6, 4), true }, nil)
		desc, _ := r.Lookup(5)
		assert.Equal(t, SpaceMissing, desc.Status)
		_, ok := sm.Lookup(5)
		assert.False(t, ok)
	})

	t.Run("从doublewrite取page 0", func(t *testing.T) {
		sm, _ := emptySpaces(t)
		r := NewFileResolver(sm, false)
		require.NoError(t, r.ProcessFileRecord(logs.FILE_CREATE, 5, "a.dat", "", 100))
		dblwr := testDblwr{{Space: 5}: fsp0(5, 3)}
		r.ReinitDeferred(nil, dblwr)
		info, ok := sm.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, uint32(3), info.Size)
	})
}

func TestFileResolverDelete(t *testing.T) {
	dir := t.TempDir()
	sm := placeSpace(t, dir, 5, "a.dat", 4)
	r := NewFileResolver(sm, false)
	require.NoError(t, r.ProcessFileRecord(logs.FILE_MODIFY, 5, "a.dat", "", 100))
	r.AddFreed(PageID{Space: 5, Page: 2})
	r.RegisterTruncate(5, 2, 150)
	require.NoError(t, r.ProcessFileRecord(logs.FILE_DELETE, 5, "a.dat", "", 200))
	require.NoError(t, r.ProcessFileRecord(logs.FILE_MODIFY, 5, "a.dat", "", 250))

	desc, _ := r.Lookup(5)
	assert.Equal(t, SpaceDeleted, desc.Status)
	assert.True(t, r.Dropped(5, 150))
	assert.False(t, r.Dropped(5, 200))
	assert.False(t, r.Dropped(6, 150))
	assert.Empty(t, r.Missing([]uint32{5}))
	assert.Empty(t, r.FreedSpaces())
	assert.Empty(t, r.takeTruncations(^uint64(0)))

	res, err := r.Finish(false)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, res.deleted)
	_, ok := sm.Lookup(5)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "a.dat"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileResolverReadOnlyFinish(t *testing.T) {
	dir := t.TempDir()
	sm := placeSpace(t, dir, 5, "a.dat", 4)
	r := NewFileResolver(sm, false)
	require.NoError(t, r.ProcessFileRecord(logs.FILE_DELETE, 5, "a.dat", "", 200))
	res, err := r.Finish(true)
	require.NoError(t, err)
	assert.Empty(t, res.deleted)
	_, err = os.Stat(filepath.Join(dir, "a.dat"))
	assert.NoError(t, err)
}

func TestFileResolverFreed(t *testing.T) {
	sm, _ := emptySpaces(t)
	r := NewFileResolver(sm, false)
	for _, page := range []uint32{9, 3, 5, 4, 12} {
		r.AddFreed(PageID{Space: 1, Page: page})
	}
	r.RemoveFreed(PageID{Space: 1, Page: 12})
	assert.Equal(t, []manager.PageRange{{First: 3, Last: 5}, {First: 9, Last: 9}}, r.FreedRanges(1))
	assert.Equal(t, []uint32{1}, r.FreedSpaces())

	r.RegisterTruncate(1, 5, 100)
	assert.Equal(t, []manager.PageRange{{First: 3, Last: 4}}, r.FreedRanges(1))
	assert.Nil(t, r.FreedRanges(2))
}

func TestFileResolverTruncations(t *testing.T) {
	sm, _ := emptySpaces(t)
	r := NewFileResolver(sm, false)
	r.RegisterTruncate(1, 10, 100)
	r.RegisterTruncate(2, 20, 300)
	r.RegisterTruncate(2, 30, 250)

	assert.Equal(t, []spaceTruncation{{space: 1, size: 10}}, r.takeTruncations(200))
	assert.Equal(t, []spaceTruncation{{space: 2, size: 20}}, r.takeTruncations(400))
	assert.Empty(t, r.takeTruncations(400))
}

func TestFileResolverProcessed(t *testing.T) {
	sm, _ := emptySpaces(t)
	r := NewFileResolver(sm, false)
	r.MarkProcessed(500)
	r.MarkProcessed(400)
	assert.Equal(t, uint64(500), r.Processed())
	assert.Error(t, r.ProcessFileRecord(logs.FILE_CHECKPOINT, 0, "", "", 600))
}
