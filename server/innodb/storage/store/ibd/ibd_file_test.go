package ibd

import (
	"bytes"
	"path/filepath"
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

const testPageSize = common.MinPageSize

func testPage(pageNo uint32) []byte {
	frame := make([]byte, testPageSize)
	util.MachWrite4(frame, common.FIL_PAGE_OFFSET, pageNo)
	util.MachWrite2(frame, common.FIL_PAGE_TYPE, uint16(common.FIL_PAGE_INDEX))
	util.MachWrite4(frame, common.FIL_PAGE_SPACE_ID, 7)
	copy(frame[200:], bytes.Repeat([]byte("xmysql"), 50))
	return frame
}

func TestIBDFileReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db1", "t1.ibd")
	f := NewIBDFile(path, 7, testPageSize)
	require.NoError(t, f.Create(4))
	defer f.Close()

	n, err := f.PageCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)

	page := testPage(2)
	require.NoError(t, f.WritePage(2, page))
	got := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(2, got))
	assert.Equal(t, page, got)

	t.Run("超出文件末尾", func(t *testing.T) {
		err := f.ReadPage(9, got)
		assert.True(t, jerrors.IsNotFound(err))
	})

	t.Run("截断", func(t *testing.T) {
		require.NoError(t, f.Truncate(2))
		n, err := f.PageCount()
		require.NoError(t, err)
		assert.Equal(t, uint32(2), n)
	})

	t.Run("重命名", func(t *testing.T) {
		newPath := filepath.Join(filepath.Dir(path), "t2.ibd")
		require.NoError(t, f.Rename(newPath))
		assert.Equal(t, newPath, f.GetFilePath())
		assert.True(t, f.Exists())
	})
}

func TestIBDFileOpenMissing(t *testing.T) {
	f := NewIBDFile(filepath.Join(t.TempDir(), "missing.ibd"), 1, testPageSize)
	err := f.Open(true)
	assert.True(t, jerrors.IsNotFound(err))
}

func TestPageCompression(t *testing.T) {
	for _, algo := range []int{common.PAGE_ZLIB_ALGORITHM, common.PAGE_LZ4_ALGORITHM, common.PAGE_SNAPPY_ALGORITHM} {
		page := testPage(3)
		out := make([]byte, testPageSize)
		require.NoError(t, CompressPage(page, out, algo), "algorithm %d", algo)
		assert.True(t, IsPageCompressed(out))
		assert.Equal(t, uint16(algo), util.MachRead2(out, common.FIL_PAGE_COMP_ALGO))

		restored := make([]byte, testPageSize)
		require.NoError(t, DecompressPage(out, restored))
		assert.Equal(t, page, restored, "algorithm %d", algo)
	}

	t.Run("flush LSN不为0时不压缩", func(t *testing.T) {
		page := testPage(3)
		page[common.FIL_PAGE_FILE_FLUSH_LSN] = 1
		assert.Equal(t, errNotCompressible, CompressPage(page, make([]byte, testPageSize), common.PAGE_LZ4_ALGORITHM))
	})

	t.Run("写入时压缩读出时还原", func(t *testing.T) {
		f := NewIBDFile(filepath.Join(t.TempDir(), "c.ibd"), 7, testPageSize)
		require.NoError(t, f.Create(4))
		defer f.Close()
		f.SetCompression(common.PAGE_SNAPPY_ALGORITHM)

		page := testPage(1)
		require.NoError(t, f.WritePage(1, page))
		got := make([]byte, testPageSize)
		require.NoError(t, f.ReadPage(1, got))
		assert.Equal(t, page, got)
	})
}
