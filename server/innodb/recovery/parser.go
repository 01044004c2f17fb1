package recovery

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// 存进Store的记录格式：类型字节(0x80表示同页面，0x70类型，0x0f长度或15转义) [变长长度] 内容。
// 内容不含页号，片段中第一条记录总是不带同页面位

func appendRecord(dst []byte, typ logs.RecordType, same bool, payload []byte) []byte {
	b := byte(typ)
	if same {
		b |= logs.RECORD_SAME_PAGE
	}
	if len(payload) < logs.RECORD_LEN_ESCAPE {
		dst = append(dst, b|byte(len(payload)))
	} else {
		dst = append(dst, b|logs.RECORD_LEN_ESCAPE)
		dst = logs.AppendVarint(dst, uint32(len(payload)-logs.RECORD_LEN_ESCAPE))
	}
	return append(dst, payload...)
}

// nextRecord 从片段中取出一条记录
func nextRecord(b []byte) (typ logs.RecordType, same bool, payload, rest []byte, ok bool) {
	if len(b) == 0 {
		return 0, false, nil, nil, false
	}
	n := int(b[0] & logs.RECORD_LEN_MASK)
	hdr := 1
	if n == logs.RECORD_LEN_ESCAPE {
		v, vn := logs.DecodeVarint(b[1:])
		if vn == 0 {
			return 0, false, nil, nil, false
		}
		n += int(v)
		hdr += vn
	}
	if hdr+n > len(b) {
		return 0, false, nil, nil, false
	}
	return logs.RecordType(b[0] & logs.RECORD_TYPE_MASK), b[0]&logs.RECORD_SAME_PAGE != 0,
		b[hdr : hdr+n], b[hdr+n:], true
}

// parsedRecord 第二遍扫描得到的一条记录
type parsedRecord struct {
	typ     byte
	file    bool
	same    bool
	id      PageID
	payload []byte
}

// pageRun mtr中对同一页面的一段连续记录
type pageRun struct {
	id   PageID
	data []byte
	init bool
	free bool
}

type trimRecord struct {
	space, size uint32
}

type fileRecord struct {
	kind    byte
	space   uint32
	name    string
	newName string
}

type pageDiscarder interface {
	DiscardSpace(spaceID uint32)
	DiscardPagesFrom(spaceID, pageNo uint32)
}

// Parser 逐个解析mtr，把页面记录放进Store，文件记录交给FileResolver
type Parser struct {
	store   *Store
	files   *FileResolver
	crypt   *logs.LogCrypt
	discard pageDiscarder
	force   bool

	checkpoint    logs.Checkpoint
	sawCheckpoint bool
	corrupt       bool

	mtrs    uint64
	skipped uint64
	buf     []byte
}

// NewParser crypt为nil表示日志未加密，discard可以为nil
func NewParser(store *Store, files *FileResolver, crypt *logs.LogCrypt, discard pageDiscarder, force bool) *Parser {
	return &Parser{store: store, files: files, crypt: crypt, discard: discard, force: force}
}

// SetCheckpoint 设置恢复起点，扫描时要在cp.EndLSN处找到对应的FILE_CHECKPOINT
func (p *Parser) SetCheckpoint(cp logs.Checkpoint) {
	p.checkpoint = cp
	p.sawCheckpoint = false
}

// SawCheckpoint 是否已经找到检查点对应的FILE_CHECKPOINT
func (p *Parser) SawCheckpoint() bool {
	return p.sawCheckpoint
}

// Corrupt 是否遇到过损坏的日志
func (p *Parser) Corrupt() bool {
	return p.corrupt
}

func (p *Parser) corruption(start uint64, format string, args ...interface{}) error {
	p.corrupt = true
	return newError(KindCorruptLog, "parse", start, errors.Errorf(format, args...))
}

func (p *Parser) trailerLen() int {
	if p.crypt != nil {
		return 1 + logs.LOG_CRYPT_NONCE_LEN + 4
	}
	return 1 + 4
}

// Parse 解析游标处的一个mtr。store为false时只处理文件记录和检查点，不保存页面记录
func (p *Parser) Parse(cur LogCursor, store bool) (ParseStatus, error) {
	start := cur.LSN()
	first, ok := cur.Byte(0)
	if !ok {
		return ParsePrematureEOF, nil
	}
	if first <= 1 {
		return ParseGotEOF, nil
	}

	// 第一遍：找到终止字节，检查序列位和校验和
	i := 0
	for {
		b, ok := cur.Byte(i)
		if !ok {
			return ParsePrematureEOF, nil
		}
		if b <= 1 {
			break
		}
		rlen, hdr := int(b&logs.RECORD_LEN_MASK), 1
		if rlen == logs.RECORD_LEN_ESCAPE {
			c, ok := cur.Byte(i + 1)
			if !ok {
				return ParsePrematureEOF, nil
			}
			vs := logs.VarintSize(c)
			if vs == 0 {
				return ParseGotEOF, nil
			}
			vb, ok := cur.Bytes(i+1, vs)
			if !ok {
				return ParsePrematureEOF, nil
			}
			v, n := logs.DecodeVarint(vb)
			if n == 0 {
				return ParseGotEOF, nil
			}
			rlen += int(v)
			hdr += n
		}
		i += hdr + rlen
	}
	term := i
	total := term + p.trailerLen()
	raw, ok := cur.Bytes(0, total)
	if !ok {
		return ParsePrematureEOF, nil
	}
	if raw[term] != cur.SequenceBit(start+uint64(term)) {
		return ParseGotEOF, nil
	}
	if util.Crc32c(raw[:total-4]) != binary.BigEndian.Uint32(raw[total-4:]) {
		return ParseGotEOF, nil
	}
	end := start + uint64(total)

	if store && p.store.IsMemoryExhausted() {
		return ParseGotOOM, nil
	}

	// 第二遍在副本上进行，加密的日志先解密
	p.buf = append(p.buf[:0], raw[:term]...)
	var nonce []byte
	if p.crypt != nil {
		nonce = raw[term+1 : term+1+logs.LOG_CRYPT_NONCE_LEN]
	}
	recs, err := p.decode(p.buf, start, nonce)
	if err != nil {
		if !p.force {
			return ParseGotEOF, err
		}
		logger.Warnf("skipping corrupted mini-transaction at LSN=%d: %v", start, err)
		p.skipped++
		cur.Advance(total)
		return ParseOK, nil
	}

	status, err := p.process(recs, start, end, store)
	if err != nil || status != ParseOK {
		return status, err
	}
	p.mtrs++
	cur.Advance(total)
	return ParseOK, nil
}

func decodePageID(b []byte) (PageID, int, bool) {
	space, n1 := logs.DecodeVarint(b)
	if n1 == 0 {
		return PageID{}, 0, false
	}
	page, n2 := logs.DecodeVarint(b[n1:])
	if n2 == 0 {
		return PageID{}, 0, false
	}
	return PageID{Space: space, Page: page}, n1 + n2, true
}

// decode 拆出记录，解密记录内容
func (p *Parser) decode(m []byte, start uint64, nonce []byte) ([]parsedRecord, error) {
	var (
		recs    []parsedRecord
		pageOps bool
		prev    PageID
		havePID bool
	)
	var stream cipher.Stream
	if p.crypt != nil {
		stream = p.crypt.Stream(nonce, start)
	}
	for pos := 0; pos < len(m); {
		b := m[pos]
		rlen, hdr := int(b&logs.RECORD_LEN_MASK), 1
		if rlen == logs.RECORD_LEN_ESCAPE {
			v, n := logs.DecodeVarint(m[pos+1:])
			rlen += int(v)
			hdr += n
		}
		body := m[pos+hdr : pos+hdr+rlen]
		pos += hdr + rlen

		rec := parsedRecord{}
		idLen := 0
		switch {
		case b&logs.RECORD_SAME_PAGE != 0 && !pageOps:
			rec.file = true
			rec.typ = b & 0xf0
			id, n, ok := decodePageID(body)
			if !ok {
				return nil, p.corruption(start, "malformed %s record", logs.FileRecordName(rec.typ))
			}
			rec.id, idLen = id, n
		case b&logs.RECORD_SAME_PAGE != 0:
			rec.typ = b & logs.RECORD_TYPE_MASK
			rec.same = true
			if !havePID {
				return nil, p.corruption(start, "same-page record without page id")
			}
			rec.id = prev
		default:
			pageOps = true
			rec.typ = b & logs.RECORD_TYPE_MASK
			id, n, ok := decodePageID(body)
			if !ok {
				return nil, p.corruption(start, "malformed page id in %s record", logs.RecordType(rec.typ))
			}
			rec.id, idLen = id, n
			prev, havePID = id, true
		}
		rec.payload = body[idLen:]
		if stream != nil && len(rec.payload) > 0 {
			stream.XORKeyStream(rec.payload, rec.payload)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// skipOrFail 强制恢复时跳过一条记录，否则报告日志损坏
func (p *Parser) skipOrFail(start uint64, format string, args ...interface{}) error {
	if p.force {
		logger.Warnf("ignoring redo record at LSN=%d: %s", start, errors.Errorf(format, args...))
		p.skipped++
		return nil
	}
	return p.corruption(start, format, args...)
}

func (p *Parser) fileRecord(rec parsedRecord, start uint64) (*fileRecord, error) {
	if rec.id.Page != 0 {
		return nil, p.corruption(start, "%s with page number %d", logs.FileRecordName(rec.typ), rec.id.Page)
	}
	switch rec.typ {
	case logs.FILE_CREATE, logs.FILE_DELETE, logs.FILE_MODIFY:
		if len(rec.payload) == 0 || bytes.IndexByte(rec.payload, 0) >= 0 {
			return nil, p.corruption(start, "malformed file name in %s", logs.FileRecordName(rec.typ))
		}
		return &fileRecord{kind: rec.typ, space: rec.id.Space, name: string(rec.payload)}, nil
	case logs.FILE_RENAME:
		sep := bytes.IndexByte(rec.payload, 0)
		if sep <= 0 || sep == len(rec.payload)-1 {
			return nil, p.corruption(start, "malformed FILE_RENAME for tablespace %d", rec.id.Space)
		}
		return &fileRecord{kind: rec.typ, space: rec.id.Space,
			name: string(rec.payload[:sep]), newName: string(rec.payload[sep+1:])}, nil
	case logs.FILE_CHECKPOINT:
		if rec.id.Space != 0 || len(rec.payload) != 8 {
			return nil, p.corruption(start, "malformed FILE_CHECKPOINT")
		}
		return &fileRecord{kind: rec.typ}, nil
	}
	return nil, p.skipOrFail(start, "unknown file record type %#x", rec.typ)
}

// checkPageRecord 检查页面记录的操作数
func (p *Parser) checkPageRecord(rec parsedRecord, start uint64) (bool, error) {
	typ := logs.RecordType(rec.typ)
	pl := rec.payload
	switch typ {
	case logs.FREE_PAGE, logs.INIT_PAGE:
		if rec.same || len(pl) != 0 {
			return false, p.corruption(start, "malformed %s for %s", typ, rec.id)
		}
	case logs.WRITE:
		_, n := logs.DecodeVarint(pl)
		if n == 0 || len(pl) <= n {
			return false, p.corruption(start, "malformed WRITE for %s", rec.id)
		}
	case logs.MEMSET:
		_, n1 := logs.DecodeVarint(pl)
		if n1 == 0 {
			return false, p.corruption(start, "malformed MEMSET for %s", rec.id)
		}
		l, n2 := logs.DecodeVarint(pl[n1:])
		pattern := len(pl) - n1 - n2
		if n2 == 0 || l == 0 || pattern <= 0 || uint32(pattern) > l {
			return false, p.corruption(start, "malformed MEMSET for %s", rec.id)
		}
	case logs.MEMMOVE:
		_, n1 := logs.DecodeVarint(pl)
		if n1 == 0 {
			return false, p.corruption(start, "malformed MEMMOVE for %s", rec.id)
		}
		l, n2 := logs.DecodeVarint(pl[n1:])
		if n2 == 0 || l == 0 {
			return false, p.corruption(start, "malformed MEMMOVE for %s", rec.id)
		}
		_, n3 := logs.DecodeVarint(pl[n1+n2:])
		if n3 == 0 || n1+n2+n3 != len(pl) {
			return false, p.corruption(start, "malformed MEMMOVE for %s", rec.id)
		}
	case logs.EXTENDED:
		if len(pl) == 0 {
			return false, p.corruption(start, "malformed EXTENDED for %s", rec.id)
		}
		if pl[0] > logs.DELETE_ROW_FORMAT_DYNAMIC {
			return false, p.skipOrFail(start, "unknown EXTENDED subtype %d for %s", pl[0], rec.id)
		}
	case logs.OPTION:
		// 只是一个标记
		return false, nil
	default:
		return false, p.skipOrFail(start, "%s record for %s", typ, rec.id)
	}
	return true, nil
}

// process 第二遍：按记录类型分发。存储失败时返回ParseGotOOM，调用方负责Rewind
func (p *Parser) process(recs []parsedRecord, start, end uint64, store bool) (ParseStatus, error) {
	var (
		files []*fileRecord
		trims []trimRecord
		runs  []pageRun
		cur   = -1
	)
	for _, rec := range recs {
		if rec.file {
			fr, err := p.fileRecord(rec, start)
			if err != nil {
				return ParseGotEOF, err
			}
			if fr == nil {
				continue
			}
			if fr.kind == logs.FILE_CHECKPOINT {
				if err := p.checkCheckpoint(start, binary.BigEndian.Uint64(rec.payload)); err != nil {
					return ParseGotEOF, err
				}
				continue
			}
			files = append(files, fr)
			continue
		}

		typ := logs.RecordType(rec.typ)
		if typ == logs.EXTENDED && len(rec.payload) > 0 && rec.payload[0] == logs.TRIM_PAGES {
			if rec.same || len(rec.payload) != 1 {
				return ParseGotEOF, p.corruption(start, "malformed TRIM_PAGES for tablespace %d", rec.id.Space)
			}
			trims = append(trims, trimRecord{space: rec.id.Space, size: rec.id.Page})
			cur = -1
			continue
		}
		keep, err := p.checkPageRecord(rec, start)
		if err != nil {
			return ParseGotEOF, err
		}
		if !keep {
			if !rec.same {
				cur = -1
			}
			continue
		}

		if !rec.same || cur < 0 {
			if typ == logs.INIT_PAGE || typ == logs.FREE_PAGE {
				// 整页重写，本mtr中之前对这个页面的记录都不需要了
				kept := runs[:0]
				for _, r := range runs {
					if r.id != rec.id {
						kept = append(kept, r)
					}
				}
				runs = kept
			}
			runs = append(runs, pageRun{
				id:   rec.id,
				init: typ == logs.INIT_PAGE || typ == logs.FREE_PAGE,
				free: typ == logs.FREE_PAGE,
			})
			cur = len(runs) - 1
			runs[cur].data = appendRecord(runs[cur].data, typ, false, rec.payload)
			continue
		}
		runs[cur].data = appendRecord(runs[cur].data, typ, true, rec.payload)
	}

	if end > p.files.Processed() {
		for _, fr := range files {
			if err := p.files.ProcessFileRecord(fr.kind, fr.space, fr.name, fr.newName, start); err != nil {
				return ParseGotEOF, err
			}
			if fr.kind == logs.FILE_DELETE {
				p.store.EraseSpace(fr.space)
				if p.discard != nil {
					p.discard.DiscardSpace(fr.space)
				}
			}
		}
		p.files.MarkProcessed(end)
	}

	for _, t := range trims {
		p.files.RegisterTruncate(t.space, t.size, start)
		if store {
			p.store.Truncate(t.space, t.size, start)
			if p.discard != nil {
				p.discard.DiscardPagesFrom(t.space, t.size)
			}
		}
	}

	if store {
		for _, r := range runs {
			if p.files.Dropped(r.id.Space, start) {
				continue
			}
			if err := p.store.Add(r.id, start, end, r.data); err != nil {
				if errors.Is(err, ErrStoreFull) {
					return ParseGotOOM, nil
				}
				return ParseGotEOF, p.corruption(start, "%v", err)
			}
		}
		for _, r := range runs {
			if r.init {
				p.store.TruncateHistory(r.id, start)
			}
		}
	}
	for _, r := range runs {
		switch {
		case r.free:
			p.files.AddFreed(r.id)
		case r.init:
			p.files.RemoveFreed(r.id)
		}
	}
	return ParseOK, nil
}

func (p *Parser) checkCheckpoint(start, lsn uint64) error {
	if start != p.checkpoint.EndLSN {
		return nil
	}
	if lsn != p.checkpoint.LSN {
		if p.force {
			logger.Warnf("FILE_CHECKPOINT(%d) at LSN=%d does not match checkpoint %d", lsn, start, p.checkpoint.LSN)
			p.sawCheckpoint = true
			return nil
		}
		return p.corruption(start, "FILE_CHECKPOINT(%d) does not match checkpoint %d", lsn, p.checkpoint.LSN)
	}
	p.sawCheckpoint = true
	return nil
}
