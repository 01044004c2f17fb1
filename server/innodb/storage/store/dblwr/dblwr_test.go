package dblwr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
)

const testPageSize = common.MinPageSize

type memSpace struct {
	frames map[uint32][]byte
}

func newMemSpace() *memSpace {
	return &memSpace{frames: make(map[uint32][]byte)}
}

func (m *memSpace) ReadPage(spaceID, pageNo uint32, frame []byte) error {
	src, ok := m.frames[pageNo]
	if !ok {
		for i := range frame {
			frame[i] = 0
		}
		return nil
	}
	copy(frame, src)
	return nil
}

func (m *memSpace) WritePage(spaceID, pageNo uint32, frame []byte) error {
	m.frames[pageNo] = append([]byte(nil), frame...)
	return nil
}

func pageCopy(spaceID, pageNo uint32, lsn uint64, fill byte) []byte {
	frame := make([]byte, testPageSize)
	pages.InitFilePage(frame, spaceID, pageNo)
	frame[100] = fill
	pages.SetLSNAndChecksum(frame, lsn)
	return frame
}

func TestLoadWithoutDoublewrite(t *testing.T) {
	b, err := Load(newMemSpace(), testPageSize)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.FindPage(1, 3, ^uint64(0)))
	assert.False(t, b.Contains(0, 64))
}

func TestFindPage(t *testing.T) {
	sys := newMemSpace()
	require.NoError(t, Create(sys, testPageSize, 64, 128))

	torn := pageCopy(2, 7, 300, 3)
	torn[200] ^= 0xff
	require.NoError(t, WriteCopies(sys, testPageSize, [][]byte{
		pageCopy(2, 7, 100, 1),
		pageCopy(2, 7, 200, 2),
		torn,
		pageCopy(2, 8, 150, 4),
	}))

	b, err := Load(sys, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Len())
	assert.True(t, b.Contains(0, 64))
	assert.True(t, b.Contains(0, 191))
	assert.False(t, b.Contains(0, 192))
	assert.False(t, b.Contains(1, 64))

	t.Run("取LSN最大的完好副本", func(t *testing.T) {
		frame := b.FindPage(2, 7, ^uint64(0))
		require.NotNil(t, frame)
		assert.Equal(t, uint64(200), pages.PageLSN(frame))
		assert.Equal(t, byte(2), frame[100])
	})

	t.Run("不超过maxLSN", func(t *testing.T) {
		frame := b.FindPage(2, 7, 150)
		require.NotNil(t, frame)
		assert.Equal(t, uint64(100), pages.PageLSN(frame))
		assert.Nil(t, b.FindPage(2, 7, 50))
	})

	t.Run("页号和表空间都要匹配", func(t *testing.T) {
		assert.NotNil(t, b.FindPage(2, 8, 1000))
		assert.Nil(t, b.FindPage(3, 8, 1000))
		assert.Nil(t, b.FindPage(2, 9, 1000))
	})
}

func TestWriteCopiesSpillsIntoSecondBlock(t *testing.T) {
	sys := newMemSpace()
	require.NoError(t, Create(sys, testPageSize, 64, 256))

	frames := make([][]byte, pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE+2)
	for i := range frames {
		frames[i] = pageCopy(5, uint32(i), uint64(10+i), byte(i))
	}
	require.NoError(t, WriteCopies(sys, testPageSize, frames))
	assert.Contains(t, sys.frames, uint32(256))
	assert.Contains(t, sys.frames, uint32(257))

	b, err := Load(sys, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, len(frames), b.Len())
	last := b.FindPage(5, uint32(len(frames)-1), ^uint64(0))
	require.NotNil(t, last)

	assert.Error(t, WriteCopies(sys, testPageSize, make([][]byte, 2*pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE+1)))
	assert.Error(t, WriteCopies(newMemSpace(), testPageSize, frames))
}
