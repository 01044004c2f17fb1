package logs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/util"
)

func TestMtrWriterEncoding(t *testing.T) {
	w := NewMtrWriter()
	w.Write(1, 10, 100, []byte("ab"))
	w.Write(1, 10, 102, []byte("c"))
	mtr, err := w.Finish(0)
	require.NoError(t, err)

	body := []byte{0x35, 0x01, 0x0a, 0x64, 'a', 'b', 0xb2, 0x00, 'c', 0x01}
	require.Len(t, mtr, len(body)+4)
	assert.Equal(t, body, mtr[:len(body)])
	assert.Equal(t, util.Crc32c(body), binary.BigEndian.Uint32(mtr[len(body):]))
}

func TestMtrWriterOffsets(t *testing.T) {
	t.Run("偏移回退时带页号", func(t *testing.T) {
		w := NewMtrWriter()
		w.Write(1, 10, 100, []byte("ab"))
		w.Write(1, 10, 50, []byte("c"))
		mtr, err := w.Finish(0)
		require.NoError(t, err)
		assert.Equal(t, byte(0x34), mtr[6], "second record carries the page id")
		assert.Equal(t, byte(50), mtr[9])
	})

	t.Run("INIT_PAGE之后相对FIL_PAGE_TYPE", func(t *testing.T) {
		w := NewMtrWriter()
		w.InitPage(2, 3)
		w.Write(2, 3, 30, []byte{9})
		mtr, err := w.Finish(0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x12, 0x02, 0x03, 0xb2, 6, 9}, mtr[:6])
	})

	t.Run("长记录使用转义长度", func(t *testing.T) {
		w := NewMtrWriter()
		w.Write(0, 0, 1000, bytes.Repeat([]byte{1}, 20))
		mtr, err := w.Finish(0)
		require.NoError(t, err)
		// 页号2字节 + 偏移2字节 + 20字节数据 = 24 = 15 + 9
		assert.Equal(t, []byte{0x3f, 9, 0, 0}, mtr[:4])
	})

	t.Run("memmove源偏移编码", func(t *testing.T) {
		w := NewMtrWriter()
		w.Memmove(0, 5, 100, 90, 4)
		w.Memmove(0, 5, 200, 210, 4)
		mtr, err := w.Finish(0)
		require.NoError(t, err)
		// 100: 向后 (100-90-1)<<1|1 = 19
		assert.Equal(t, []byte{0x55, 0x00, 0x05, 100, 4, 19}, mtr[:6])
		// 200相对104为96: 向前 (210-200-1)<<1 = 18
		assert.Equal(t, []byte{0xd3, 96, 4, 18}, mtr[6:10])
	})
}

func TestMtrWriterFileRecords(t *testing.T) {
	w := NewMtrWriter()
	w.FileRename(5, "a.dat", "b.dat")
	w.Write(5, 1, 40, []byte{1})
	mtr, err := w.Finish(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xa0|13), mtr[0])
	assert.Equal(t, []byte("a.dat\x00b.dat"), mtr[3:14])

	w.FileModify(5, "b.dat")
	_, err = w.Finish(0)
	assert.ErrorIs(t, err, ErrMtrOrder)

	w.Reset()
	_, err = w.Finish(0)
	assert.Error(t, err, "empty mtr")

	w.FileCheckpoint(0x1234)
	mtr, err = w.Finish(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfa, 0, 0, 0, 0, 0, 0, 0, 0, 0x12, 0x34}, mtr[:11])
}

func TestMtrWriterEncrypted(t *testing.T) {
	keys := StaticKeys{1: bytes.Repeat([]byte{0x42}, 16)}
	c, err := NewLogCrypt(keys, 1, NewCryptMsg())
	require.NoError(t, err)

	w := NewMtrWriter()
	w.Crypt = c
	w.SeqBit = func(uint64) byte { return 0 }
	w.Write(1, 10, 100, []byte("secret"))
	const lsn = 12345
	mtr, err := w.Finish(lsn)
	require.NoError(t, err)
	require.Len(t, mtr, 1+2+1+6+1+8+4)

	payload := mtr[3:10]
	assert.NotEqual(t, append([]byte{100}, "secret"...), payload)
	assert.Equal(t, byte(0), mtr[10], "terminator carries the sequence bit")

	nonce := mtr[11:19]
	plain := make([]byte, len(payload))
	c.Stream(nonce, lsn).XORKeyStream(plain, payload)
	assert.Equal(t, append([]byte{100}, "secret"...), plain)
	assert.Equal(t, util.Crc32c(mtr[:19]), binary.BigEndian.Uint32(mtr[19:]))
}
