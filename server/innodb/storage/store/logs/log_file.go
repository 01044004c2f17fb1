package logs

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// 日志头，位于文件开头的512字节
const (
	LOG_HEADER_FORMAT      = 0
	LOG_HEADER_SUBFORMAT   = 4
	LOG_HEADER_START_LSN   = 8
	LOG_HEADER_CREATOR     = 16
	LOG_HEADER_CREATOR_END = 48
	LOG_HEADER_KEY_VERSION = 48
	LOG_HEADER_CRYPT_MSG   = 52
	LOG_HEADER_CRC         = 508
	LOG_HEADER_SIZE        = 512
)

// 两个检查点槽和数据区
const (
	LOG_CHECKPOINT_1       = 0x1000
	LOG_CHECKPOINT_2       = 0x2000
	LOG_CHECKPOINT_END_LSN = 8
	LOG_CHECKPOINT_CRC     = 60
	LOG_CHECKPOINT_SIZE    = 64

	// 数据区起始偏移，之后循环写
	LOG_DATA_START = 0x3000

	LOG_MIN_FILE_SIZE = LOG_DATA_START + 64*1024
)

// 日志格式
const (
	FORMAT_3_23 = 0
	FORMAT_10_2 = 1
	FORMAT_10_3 = 103
	FORMAT_10_4 = 104
	FORMAT_10_5 = 0x50485953
	FORMAT_10_8 = 0x50687973

	FORMAT_ENCRYPTED = 0x80000000
)

const defaultCreator = "xmysql-server"

var (
	ErrUnsupportedFormat = errors.New("unsupported redo log format")
	ErrCorruptHeader     = errors.New("corrupted redo log header")
	ErrNoCheckpoint      = errors.New("no valid checkpoint")
	ErrLSNOutOfRange     = errors.New("lsn out of range")
	ErrReadOnly          = errors.New("redo log opened read only")
)

// LogHeader 日志文件头
type LogHeader struct {
	Format     uint32
	Subformat  uint32
	FirstLSN   uint64
	Creator    string
	KeyVersion uint32
	CryptMsg   [LOG_CRYPT_MSG_LEN]byte
}

// BaseFormat 去掉加密位的格式号
func (h LogHeader) BaseFormat() uint32 {
	return h.Format &^ FORMAT_ENCRYPTED
}

func (h LogHeader) IsEncrypted() bool {
	return h.Format&FORMAT_ENCRYPTED != 0
}

// IsLegacy 是否是10.8之前按block组织的格式
func (h LogHeader) IsLegacy() bool {
	switch h.BaseFormat() {
	case FORMAT_3_23, FORMAT_10_2, FORMAT_10_3, FORMAT_10_4, FORMAT_10_5:
		return true
	}
	return false
}

// ParseLogHeader 解析并校验日志头
func ParseLogHeader(b []byte) (LogHeader, error) {
	if len(b) < LOG_HEADER_SIZE {
		return LogHeader{}, errors.Wrapf(ErrCorruptHeader, "header size %d", len(b))
	}
	h := LogHeader{
		Format:    util.MachRead4(b, LOG_HEADER_FORMAT),
		Subformat: util.MachRead4(b, LOG_HEADER_SUBFORMAT),
		FirstLSN:  util.MachRead8(b, LOG_HEADER_START_LSN),
		Creator:   strings.TrimRight(string(b[LOG_HEADER_CREATOR:LOG_HEADER_CREATOR_END]), "\x00 "),
	}
	if h.BaseFormat() != FORMAT_10_8 && !h.IsLegacy() {
		return h, errors.Wrapf(ErrUnsupportedFormat, "format %#x", h.Format)
	}
	if h.BaseFormat() != FORMAT_3_23 &&
		util.MachRead4(b, LOG_HEADER_CRC) != util.Crc32c(b[:LOG_HEADER_CRC]) {
		return h, errors.Wrap(ErrCorruptHeader, "header checksum mismatch")
	}
	if h.IsEncrypted() {
		if h.IsLegacy() {
			return h, errors.Wrapf(ErrUnsupportedFormat, "encrypted legacy format %#x", h.Format)
		}
		h.KeyVersion = util.MachRead4(b, LOG_HEADER_KEY_VERSION)
		copy(h.CryptMsg[:], b[LOG_HEADER_CRYPT_MSG:])
	}
	return h, nil
}

func (h LogHeader) encode(b []byte) {
	for i := range b[:LOG_HEADER_SIZE] {
		b[i] = 0
	}
	util.MachWrite4(b, LOG_HEADER_FORMAT, h.Format)
	util.MachWrite4(b, LOG_HEADER_SUBFORMAT, h.Subformat)
	util.MachWrite8(b, LOG_HEADER_START_LSN, h.FirstLSN)
	copy(b[LOG_HEADER_CREATOR:LOG_HEADER_CREATOR_END], h.Creator)
	if h.IsEncrypted() {
		util.MachWrite4(b, LOG_HEADER_KEY_VERSION, h.KeyVersion)
		copy(b[LOG_HEADER_CRYPT_MSG:], h.CryptMsg[:])
	}
	util.MachWrite4(b, LOG_HEADER_CRC, util.Crc32c(b[:LOG_HEADER_CRC]))
}

// Checkpoint 检查点。从LSN开始扫描，EndLSN处应该有一条FILE_CHECKPOINT(LSN)
type Checkpoint struct {
	Slot   int
	LSN    uint64
	EndLSN uint64
}

func parseCheckpoint(b []byte) (Checkpoint, bool) {
	if util.MachRead4(b, LOG_CHECKPOINT_CRC) != util.Crc32c(b[:LOG_CHECKPOINT_CRC]) {
		return Checkpoint{}, false
	}
	cp := Checkpoint{
		LSN:    util.MachRead8(b, 0),
		EndLSN: util.MachRead8(b, LOG_CHECKPOINT_END_LSN),
	}
	return cp, cp.LSN != 0 && cp.EndLSN >= cp.LSN
}

func encodeCheckpoint(b []byte, cp Checkpoint) {
	for i := range b[:LOG_CHECKPOINT_SIZE] {
		b[i] = 0
	}
	util.MachWrite8(b, 0, cp.LSN)
	util.MachWrite8(b, LOG_CHECKPOINT_END_LSN, cp.EndLSN)
	util.MachWrite4(b, LOG_CHECKPOINT_CRC, util.Crc32c(b[:LOG_CHECKPOINT_CRC]))
}

// LogFileOptions 创建日志文件的参数
type LogFileOptions struct {
	Creator    string
	Encrypt    bool
	Keys       KeyProvider
	KeyVersion uint32
}

// LogFile 一个循环写的redo日志文件
type LogFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	readOnly bool
	size     int64
	header   LogHeader
	crypt    *LogCrypt
}

// CreateLogFile 创建新的日志文件，并在firstLSN处写入第一个检查点
func CreateLogFile(path string, size int64, firstLSN uint64, opts LogFileOptions) (*LogFile, error) {
	if size < LOG_MIN_FILE_SIZE {
		return nil, errors.Errorf("redo log size %d smaller than %d", size, LOG_MIN_FILE_SIZE)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return nil, errors.Wrapf(err, "create redo log %s", path)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "resize redo log %s", path)
	}
	var crypt *LogCrypt
	if opts.Encrypt {
		if crypt, err = NewLogCrypt(opts.Keys, opts.KeyVersion, NewCryptMsg()); err != nil {
			file.Close()
			return nil, err
		}
	}
	f := &LogFile{path: path, file: file, size: size}
	if err := f.format(firstLSN, opts.Creator, crypt); err != nil {
		file.Close()
		return nil, err
	}
	return f, nil
}

// OpenLogFile 打开已有的日志文件并解析文件头
func OpenLogFile(path string, readOnly bool, keys KeyProvider) (*LogFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open redo log %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat redo log %s", path)
	}
	f := &LogFile{path: path, file: file, readOnly: readOnly, size: info.Size()}

	buf := make([]byte, LOG_HEADER_SIZE)
	if _, err := file.ReadAt(buf, 0); err != nil {
		file.Close()
		return nil, errors.Wrapf(ErrCorruptHeader, "read header of %s: %v", path, err)
	}
	if f.header, err = ParseLogHeader(buf); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "redo log %s", path)
	}
	if !f.header.IsLegacy() && f.size < LOG_MIN_FILE_SIZE {
		file.Close()
		return nil, errors.Wrapf(ErrCorruptHeader, "redo log %s size %d", path, f.size)
	}
	if f.header.IsEncrypted() {
		if f.crypt, err = NewLogCrypt(keys, f.header.KeyVersion, f.header.CryptMsg[:]); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "redo log %s", path)
		}
	}
	return f, nil
}

// format 写入10.8格式的文件头，清空检查点槽，并写第一个检查点
func (f *LogFile) format(firstLSN uint64, creator string, crypt *LogCrypt) error {
	h := LogHeader{Format: FORMAT_10_8, FirstLSN: firstLSN, Creator: creator}
	if h.Creator == "" {
		h.Creator = defaultCreator
	}
	if crypt != nil {
		h.Format |= FORMAT_ENCRYPTED
		h.KeyVersion = crypt.KeyVersion
		h.CryptMsg = crypt.Msg
	}

	buf := make([]byte, LOG_DATA_START)
	h.encode(buf)
	if _, err := f.file.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "write header of %s", f.path)
	}
	f.header = h
	f.crypt = crypt
	_, err := f.WriteCheckpoint(firstLSN)
	return err
}

// Reset 把日志重新格式化为10.8格式，从lsn开始。用于旧格式日志升级
func (f *LogFile) Reset(lsn uint64) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if f.size < LOG_MIN_FILE_SIZE {
		if err := f.file.Truncate(LOG_MIN_FILE_SIZE); err != nil {
			return errors.Wrapf(err, "resize redo log %s", f.path)
		}
		f.size = LOG_MIN_FILE_SIZE
	}
	return f.format(lsn, f.header.Creator, f.crypt)
}

func (f *LogFile) Path() string {
	return f.path
}

func (f *LogFile) Header() LogHeader {
	return f.header
}

// Crypt 加密上下文，未加密时为nil
func (f *LogFile) Crypt() *LogCrypt {
	return f.crypt
}

// Capacity 数据区大小
func (f *LogFile) Capacity() uint64 {
	return uint64(f.size - LOG_DATA_START)
}

// Offset lsn在文件中的偏移
func (f *LogFile) Offset(lsn uint64) int64 {
	return LOG_DATA_START + int64((lsn-f.header.FirstLSN)%f.Capacity())
}

// SequenceBit 每写满一圈翻转一次，第一圈为1
func (f *LogFile) SequenceBit(lsn uint64) byte {
	return 1 ^ byte(((lsn-f.header.FirstLSN)/f.Capacity())&1)
}

// ReadAt 从lsn开始读len(p)个字节，到达数据区末尾时绕回
func (f *LogFile) ReadAt(p []byte, lsn uint64) error {
	if lsn < f.header.FirstLSN {
		return errors.Wrapf(ErrLSNOutOfRange, "read at %d before first lsn %d", lsn, f.header.FirstLSN)
	}
	for len(p) > 0 {
		off := f.Offset(lsn)
		n := int64(len(p))
		if room := f.size - off; n > room {
			n = room
		}
		if _, err := f.file.ReadAt(p[:n], off); err != nil {
			return errors.Wrapf(err, "read redo log %s at %d", f.path, off)
		}
		p = p[n:]
		lsn += uint64(n)
	}
	return nil
}

// Write 把data写到lsn处，到达数据区末尾时绕回
func (f *LogFile) Write(lsn uint64, data []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if lsn < f.header.FirstLSN {
		return errors.Wrapf(ErrLSNOutOfRange, "write at %d before first lsn %d", lsn, f.header.FirstLSN)
	}
	if uint64(len(data)) > f.Capacity() {
		return errors.Wrapf(ErrLSNOutOfRange, "write of %d bytes exceeds capacity", len(data))
	}
	for len(data) > 0 {
		off := f.Offset(lsn)
		n := int64(len(data))
		if room := f.size - off; n > room {
			n = room
		}
		if _, err := f.file.WriteAt(data[:n], off); err != nil {
			return errors.Wrapf(err, "write redo log %s at %d", f.path, off)
		}
		data = data[n:]
		lsn += uint64(n)
	}
	return nil
}

// WriteMtr 在lsn处写入w中的mtr，返回mtr结束的LSN
func (f *LogFile) WriteMtr(lsn uint64, w *MtrWriter) (uint64, error) {
	w.SeqBit = f.SequenceBit
	w.Crypt = f.crypt
	mtr, err := w.Finish(lsn)
	if err != nil {
		return 0, err
	}
	if err := f.Write(lsn, mtr); err != nil {
		return 0, err
	}
	return lsn + uint64(len(mtr)), nil
}

// Checkpoints 返回校验通过的检查点
func (f *LogFile) Checkpoints() ([]Checkpoint, error) {
	var cps []Checkpoint
	buf := make([]byte, LOG_CHECKPOINT_SIZE)
	for slot, off := range []int64{LOG_CHECKPOINT_1, LOG_CHECKPOINT_2} {
		if _, err := f.file.ReadAt(buf, off); err != nil {
			return nil, errors.Wrapf(err, "read checkpoint %d of %s", slot+1, f.path)
		}
		if cp, ok := parseCheckpoint(buf); ok && cp.LSN >= f.header.FirstLSN {
			cp.Slot = slot
			cps = append(cps, cp)
		}
	}
	if len(cps) == 0 {
		return nil, errors.Wrapf(ErrNoCheckpoint, "redo log %s", f.path)
	}
	return cps, nil
}

// WriteCheckpoint 在lsn处写FILE_CHECKPOINT(lsn)，再把检查点写到较旧的槽里。
// 返回FILE_CHECKPOINT之后的LSN
func (f *LogFile) WriteCheckpoint(lsn uint64) (uint64, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	w := NewMtrWriter()
	w.FileCheckpoint(lsn)
	end, err := f.WriteMtr(lsn, w)
	if err != nil {
		return 0, err
	}
	// 后面紧跟一个0字节，保证扫描在这里结束
	if err := f.Write(end, []byte{0}); err != nil {
		return 0, err
	}

	slot := int64(LOG_CHECKPOINT_1)
	if cps, err := f.Checkpoints(); err == nil {
		newest := cps[0]
		for _, cp := range cps[1:] {
			if cp.LSN > newest.LSN {
				newest = cp
			}
		}
		if newest.Slot == 0 {
			slot = LOG_CHECKPOINT_2
		}
	}
	buf := make([]byte, LOG_CHECKPOINT_SIZE)
	encodeCheckpoint(buf, Checkpoint{LSN: lsn, EndLSN: lsn})
	if _, err := f.file.WriteAt(buf, slot); err != nil {
		return 0, errors.Wrapf(err, "write checkpoint of %s", f.path)
	}
	if err := f.file.Sync(); err != nil {
		return 0, errors.Wrapf(err, "sync redo log %s", f.path)
	}
	return end, nil
}

// LegacyCheckpoint 读取旧格式日志的最新检查点，并判断日志是否干净
func (f *LogFile) LegacyCheckpoint() (LegacyCheckpoint, bool, error) {
	format := f.header.BaseFormat()
	var (
		best  LegacyCheckpoint
		found bool
	)
	block := make([]byte, OS_FILE_LOG_BLOCK_SIZE)
	for _, off := range []int64{LOG_LEGACY_CHECKPOINT_1, LOG_LEGACY_CHECKPOINT_2} {
		if _, err := f.file.ReadAt(block, off); err != nil {
			return best, false, errors.Wrapf(err, "read legacy checkpoint of %s", f.path)
		}
		if !LogBlockChecksumOK(block, format) {
			continue
		}
		cp := parseLegacyCheckpoint(block, format)
		if !found || cp.No > best.No {
			best, found = cp, true
		}
	}
	if !found {
		return best, false, errors.Wrapf(ErrNoCheckpoint, "legacy redo log %s", f.path)
	}
	blockOff := int64(best.Offset &^ (OS_FILE_LOG_BLOCK_SIZE - 1))
	if blockOff < LOG_FILE_HDR_SIZE || blockOff+OS_FILE_LOG_BLOCK_SIZE > f.size {
		return best, false, nil
	}
	if _, err := f.file.ReadAt(block, blockOff); err != nil {
		return best, false, errors.Wrapf(err, "read legacy log block of %s", f.path)
	}
	return best, IsLegacyBlockClean(block, best.LSN, format), nil
}

// NewCursor 从lsn开始读日志的游标
func (f *LogFile) NewCursor(lsn uint64) *RingCursor {
	return newRingCursor(f, lsn)
}

func (f *LogFile) Sync() error {
	return errors.WithStack(f.file.Sync())
}

func (f *LogFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return errors.WithStack(err)
}
