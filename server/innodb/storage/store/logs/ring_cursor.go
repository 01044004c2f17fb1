package logs

// 每次从文件读入的字节数
const RECV_SCAN_SIZE = 64 * 1024

// RingCursor 在循环日志文件上扫描。已读入的数据放在一个线性窗口里，
// Bytes返回的切片在下一次Advance、Fill或Seek之前有效
type RingCursor struct {
	f     *LogFile
	buf   []byte
	pos   int
	base  uint64 // buf[0]对应的LSN
	limit uint64 // 最多读到这里，再往后就是同一圈里更早的数据
	chunk int
}

func newRingCursor(f *LogFile, lsn uint64) *RingCursor {
	return &RingCursor{f: f, chunk: RECV_SCAN_SIZE, base: lsn, limit: lsn + f.Capacity()}
}

func (c *RingCursor) LSN() uint64 {
	return c.base + uint64(c.pos)
}

func (c *RingCursor) Byte(i int) (byte, bool) {
	if c.pos+i >= len(c.buf) {
		return 0, false
	}
	return c.buf[c.pos+i], true
}

func (c *RingCursor) Bytes(i, n int) ([]byte, bool) {
	if c.pos+i+n > len(c.buf) {
		return nil, false
	}
	return c.buf[c.pos+i : c.pos+i+n], true
}

func (c *RingCursor) Advance(n int) {
	c.pos += n
	if c.pos > len(c.buf) {
		c.pos = len(c.buf)
	}
}

// Fill 从文件再读入一块，返回读入的字节数，0表示已经读满一圈
func (c *RingCursor) Fill() (int, error) {
	if c.pos > 0 && c.pos >= len(c.buf)/2 {
		n := copy(c.buf, c.buf[c.pos:])
		c.buf = c.buf[:n]
		c.base += uint64(c.pos)
		c.pos = 0
	}
	next := c.base + uint64(len(c.buf))
	if next >= c.limit {
		return 0, nil
	}
	n := uint64(c.chunk)
	if next+n > c.limit {
		n = c.limit - next
	}
	old := len(c.buf)
	c.buf = append(c.buf, make([]byte, n)...)
	if err := c.f.ReadAt(c.buf[old:], next); err != nil {
		c.buf = c.buf[:old]
		return 0, err
	}
	return int(n), nil
}

// Seek 丢弃已读入的数据，从lsn重新开始
func (c *RingCursor) Seek(lsn uint64) error {
	if lsn < c.f.header.FirstLSN {
		return ErrLSNOutOfRange
	}
	c.buf = c.buf[:0]
	c.pos = 0
	c.base = lsn
	c.limit = lsn + c.f.Capacity()
	return nil
}

func (c *RingCursor) SequenceBit(lsn uint64) byte {
	return c.f.SequenceBit(lsn)
}
