package logs

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

var ErrMtrOrder = errors.New("file record after page record in one mini-transaction")

// MtrWriter 按redo格式拼一个mini-transaction。偏移都按页内绝对偏移传入，
// 同页面压缩和相对偏移由MtrWriter处理
type MtrWriter struct {
	// SeqBit 给出某个LSN处终止字节应写的序列位，nil时恒为1
	SeqBit func(lsn uint64) byte
	// Crypt 不为nil时加密记录内容
	Crypt *LogCrypt

	buf      []byte
	payloads [][2]int // 需要加密的区间

	pageOps    bool
	havePage   bool
	space      uint32
	page       uint32
	lastOffset int

	err error
}

func NewMtrWriter() *MtrWriter {
	return &MtrWriter{}
}

// Reset 清空已写的记录，保留SeqBit和Crypt
func (w *MtrWriter) Reset() {
	w.buf = w.buf[:0]
	w.payloads = w.payloads[:0]
	w.pageOps = false
	w.havePage = false
	w.lastOffset = 0
	w.err = nil
}

// Len 当前记录部分的长度，不含结尾
func (w *MtrWriter) Len() int {
	return len(w.buf)
}

// TrailerLen mtr结尾的长度: 终止字节、随机数和CRC
func (w *MtrWriter) TrailerLen() int {
	if w.Crypt != nil {
		return 1 + LOG_CRYPT_NONCE_LEN + 4
	}
	return 5
}

func (w *MtrWriter) record(typ byte, samePage bool, space, page uint32, payload []byte) {
	idLen := 0
	if !samePage {
		idLen = EncodedVarintLen(space) + EncodedVarintLen(page)
	}
	total := idLen + len(payload)
	if samePage {
		typ |= RECORD_SAME_PAGE
	}
	if total < RECORD_LEN_ESCAPE {
		w.buf = append(w.buf, typ|byte(total))
	} else {
		w.buf = append(w.buf, typ|RECORD_LEN_ESCAPE)
		w.buf = AppendVarint(w.buf, uint32(total-RECORD_LEN_ESCAPE))
	}
	if !samePage {
		w.buf = AppendVarint(w.buf, space)
		w.buf = AppendVarint(w.buf, page)
	}
	start := len(w.buf)
	w.buf = append(w.buf, payload...)
	if len(payload) > 0 {
		w.payloads = append(w.payloads, [2]int{start, len(w.buf)})
	}
}

// pageRecord 写一条页面记录，能省略页号时省略
func (w *MtrWriter) pageRecord(typ RecordType, space, page uint32, payload []byte) {
	same := w.havePage && w.space == space && w.page == page && typ != FREE_PAGE && typ != INIT_PAGE
	w.record(byte(typ), same, space, page, payload)
	w.pageOps = true
	if !same {
		w.havePage = true
		w.space = space
		w.page = page
		w.lastOffset = 0
	}
}

// offsetBase 决定offset相对谁编码，返回是否能用同页面记录
func (w *MtrWriter) offsetBase(space, page uint32, offset int) (int, bool) {
	if w.havePage && w.space == space && w.page == page && offset >= w.lastOffset {
		return w.lastOffset, true
	}
	return 0, false
}

func (w *MtrWriter) offsetRecord(typ RecordType, space, page uint32, offset int, operands []byte) {
	base, same := w.offsetBase(space, page, offset)
	payload := AppendVarint(nil, uint32(offset-base))
	payload = append(payload, operands...)
	if !same {
		// 强制带页号，lastOffset清零
		w.havePage = false
	}
	w.pageRecord(typ, space, page, payload)
}

func (w *MtrWriter) FreePage(space, page uint32) {
	w.pageRecord(FREE_PAGE, space, page, nil)
}

func (w *MtrWriter) InitPage(space, page uint32) {
	w.pageRecord(INIT_PAGE, space, page, nil)
	w.lastOffset = common.FIL_PAGE_TYPE
}

// Write 在offset处写入data
func (w *MtrWriter) Write(space, page uint32, offset int, data []byte) {
	w.offsetRecord(WRITE, space, page, offset, data)
	w.lastOffset = offset + len(data)
}

// Memset 从offset开始用pattern填充length个字节
func (w *MtrWriter) Memset(space, page uint32, offset, length int, pattern []byte) {
	operands := AppendVarint(nil, uint32(length))
	operands = append(operands, pattern...)
	w.offsetRecord(MEMSET, space, page, offset, operands)
	w.lastOffset = offset + length
}

// Memmove 把src处的length个字节拷到dst
func (w *MtrWriter) Memmove(space, page uint32, dst, src, length int) {
	var s uint32
	switch {
	case src < dst:
		s = uint32(dst-src-1)<<1 | 1
	case src > dst:
		s = uint32(src-dst-1) << 1
	default:
		w.fail(errors.Errorf("memmove with same source and destination %d", dst))
		return
	}
	operands := AppendVarint(nil, uint32(length))
	operands = AppendVarint(operands, s)
	w.offsetRecord(MEMMOVE, space, page, dst, operands)
	w.lastOffset = dst + length
}

// Extended 写一条EXTENDED记录
func (w *MtrWriter) Extended(space, page uint32, subtype byte, operands []byte) {
	payload := append([]byte{subtype}, operands...)
	w.pageRecord(EXTENDED, space, page, payload)
}

// TrimPages 把表空间截断到size页
func (w *MtrWriter) TrimPages(space, size uint32) {
	w.havePage = false
	w.pageRecord(EXTENDED, space, size, []byte{TRIM_PAGES})
}

// Option 写一条OPTION记录
func (w *MtrWriter) Option(space, page uint32, subtype byte) {
	w.pageRecord(OPTION, space, page, []byte{subtype})
}

// PageRecord 写任意类型的页面记录，用来构造异常日志
func (w *MtrWriter) PageRecord(typ RecordType, space, page uint32, payload []byte) {
	w.pageRecord(typ, space, page, payload)
}

func (w *MtrWriter) fileRecord(typ byte, space uint32, payload []byte) {
	if w.pageOps {
		w.fail(errors.Wrapf(ErrMtrOrder, "%s for space %d", FileRecordName(typ), space))
		return
	}
	w.record(typ, false, space, 0, payload)
}

func (w *MtrWriter) FileCreate(space uint32, name string) {
	w.fileRecord(FILE_CREATE, space, []byte(name))
}

func (w *MtrWriter) FileDelete(space uint32, name string) {
	w.fileRecord(FILE_DELETE, space, []byte(name))
}

func (w *MtrWriter) FileModify(space uint32, name string) {
	w.fileRecord(FILE_MODIFY, space, []byte(name))
}

func (w *MtrWriter) FileRename(space uint32, oldName, newName string) {
	payload := make([]byte, 0, len(oldName)+1+len(newName))
	payload = append(payload, oldName...)
	payload = append(payload, 0)
	payload = append(payload, newName...)
	w.fileRecord(FILE_RENAME, space, payload)
}

// FileCheckpoint 记录检查点LSN，写在检查点的end LSN处
func (w *MtrWriter) FileCheckpoint(lsn uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], lsn)
	w.fileRecord(FILE_CHECKPOINT, 0, b[:])
}

func (w *MtrWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Finish 生成完整的mtr，startLSN是它在日志中的起始位置
func (w *MtrWriter) Finish(startLSN uint64) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if len(w.buf) == 0 {
		return nil, errors.New("empty mini-transaction")
	}
	out := make([]byte, len(w.buf), len(w.buf)+w.TrailerLen())
	copy(out, w.buf)

	var nonce []byte
	if w.Crypt != nil {
		nonce = NewNonce()
		stream := w.Crypt.Stream(nonce, startLSN)
		for _, p := range w.payloads {
			stream.XORKeyStream(out[p[0]:p[1]], out[p[0]:p[1]])
		}
	}

	seq := byte(1)
	if w.SeqBit != nil {
		seq = w.SeqBit(startLSN + uint64(len(out)))
	}
	out = append(out, seq)
	out = append(out, nonce...)
	out = binary.BigEndian.AppendUint32(out, util.Crc32c(out))
	return out, nil
}
