package recovery

import (
	"io"

	"github.com/pkg/errors"
)

// LogCursor 解析器读日志的游标。i是相对当前位置的偏移，
// Byte和Bytes在数据不够时返回false，这时调用Fill再读一些
type LogCursor interface {
	LSN() uint64
	Byte(i int) (byte, bool)
	Bytes(i, n int) ([]byte, bool)
	Advance(n int)
	// Fill 读入更多数据，返回0表示没有更多数据了
	Fill() (int, error)
	Seek(lsn uint64) error
	SequenceBit(lsn uint64) byte
}

const linearChunk = 4096

// LinearCursor 在一段连续内存上扫描，可以从io.Reader按需读入更多数据
type LinearCursor struct {
	buf      []byte
	pos      int
	base     uint64 // buf[0]的LSN
	r        io.Reader
	first    uint64
	capacity uint64 // 0表示不会绕回，序列位恒为1
}

// NewLinearCursor 从lsn开始扫描data
func NewLinearCursor(lsn uint64, data []byte) *LinearCursor {
	return &LinearCursor{buf: data, base: lsn, first: lsn}
}

// NewStreamCursor 从lsn开始扫描r中的数据
func NewStreamCursor(lsn uint64, r io.Reader) *LinearCursor {
	return &LinearCursor{base: lsn, first: lsn, r: r}
}

// SetWrap 让序列位按循环日志的规则计算：数据区从first开始，每capacity字节翻转一次
func (c *LinearCursor) SetWrap(first, capacity uint64) {
	c.first = first
	c.capacity = capacity
}

func (c *LinearCursor) LSN() uint64 {
	return c.base + uint64(c.pos)
}

func (c *LinearCursor) Byte(i int) (byte, bool) {
	if c.pos+i >= len(c.buf) {
		return 0, false
	}
	return c.buf[c.pos+i], true
}

func (c *LinearCursor) Bytes(i, n int) ([]byte, bool) {
	if c.pos+i+n > len(c.buf) {
		return nil, false
	}
	return c.buf[c.pos+i : c.pos+i+n], true
}

func (c *LinearCursor) Advance(n int) {
	c.pos += n
	if c.pos > len(c.buf) {
		c.pos = len(c.buf)
	}
}

func (c *LinearCursor) Fill() (int, error) {
	if c.r == nil {
		return 0, nil
	}
	if c.pos > 0 && c.pos >= len(c.buf)/2 {
		n := copy(c.buf, c.buf[c.pos:])
		c.buf = c.buf[:n]
		c.base += uint64(c.pos)
		c.pos = 0
	}
	old := len(c.buf)
	c.buf = append(c.buf, make([]byte, linearChunk)...)
	n, err := io.ReadFull(c.r, c.buf[old:])
	c.buf = c.buf[:old+n]
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		c.r = nil
		err = nil
	}
	return n, errors.WithStack(err)
}

// Seek 只能在已读入的范围内移动
func (c *LinearCursor) Seek(lsn uint64) error {
	if lsn < c.base || lsn > c.base+uint64(len(c.buf)) {
		return errors.Errorf("seek to %d outside buffered range [%d,%d]", lsn, c.base, c.base+uint64(len(c.buf)))
	}
	c.pos = int(lsn - c.base)
	return nil
}

func (c *LinearCursor) SequenceBit(lsn uint64) byte {
	if c.capacity == 0 {
		return 1
	}
	return 1 ^ byte(((lsn-c.first)/c.capacity)&1)
}
