// Package dblwr 读取系统表空间中的doublewrite buffer，用来修复写了一半的页面
package dblwr

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// PageReader 读系统表空间的页面
type PageReader interface {
	ReadPage(spaceID, pageNo uint32, frame []byte) error
}

// PageWriter 写系统表空间的页面
type PageWriter interface {
	PageReader
	WritePage(spaceID, pageNo uint32, frame []byte) error
}

// Buffer doublewrite buffer中读出的页面副本
type Buffer struct {
	pageSize int
	header   pages.DoublewriteHeader
	copies   [][]byte
}

// Load 从事务系统页找到doublewrite区域并读出全部副本。
// doublewrite还没有创建时返回一个空的Buffer
func Load(r PageReader, pageSize int) (*Buffer, error) {
	b := &Buffer{pageSize: pageSize}
	trxSys := make([]byte, pageSize)
	if err := r.ReadPage(pages.TRX_SYS_SPACE, pages.TRX_SYS_PAGE_NO, trxSys); err != nil {
		return nil, errors.Wrap(err, "read TRX_SYS page")
	}
	b.header = pages.ParseDoublewriteHeader(trxSys)
	if !b.header.Valid() {
		logger.Infof("doublewrite buffer not found")
		return b, nil
	}

	for _, start := range []uint32{b.header.Block1, b.header.Block2} {
		for i := uint32(0); i < pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE; i++ {
			frame := make([]byte, pageSize)
			if err := r.ReadPage(pages.TRX_SYS_SPACE, start+i, frame); err != nil {
				return nil, errors.Wrapf(err, "read doublewrite page %d", start+i)
			}
			if util.IsZero(frame) {
				continue
			}
			b.copies = append(b.copies, frame)
		}
	}
	logger.Infof("doublewrite buffer holds %d pages", len(b.copies))
	return b, nil
}

// Len 副本个数
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.copies)
}

// Contains 判断系统表空间的pageNo是否落在doublewrite区域内
func (b *Buffer) Contains(spaceID, pageNo uint32) bool {
	if b == nil || spaceID != pages.TRX_SYS_SPACE || !b.header.Valid() {
		return false
	}
	for _, start := range []uint32{b.header.Block1, b.header.Block2} {
		if pageNo >= start && pageNo < start+pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE {
			return true
		}
	}
	return false
}

// FindPage 返回(spaceID, pageNo)校验通过的副本中LSN最大的一个，LSN超过maxLSN的副本不用。
// 找不到时返回nil
func (b *Buffer) FindPage(spaceID, pageNo uint32, maxLSN uint64) []byte {
	if b == nil {
		return nil
	}
	var (
		best    []byte
		bestLSN uint64
	)
	for _, frame := range b.copies {
		if pages.PageNo(frame) != pageNo || pages.SpaceID(frame) != spaceID {
			continue
		}
		lsn := pages.PageLSN(frame)
		if lsn > maxLSN || pages.IsCorrupted(frame) {
			continue
		}
		if best == nil || lsn > bestLSN {
			best, bestLSN = frame, lsn
		}
	}
	return best
}

// Create 在系统表空间中登记doublewrite区域，两个block从block1和block2开始
func Create(w PageWriter, pageSize int, block1, block2 uint32) error {
	trxSys := make([]byte, pageSize)
	if err := w.ReadPage(pages.TRX_SYS_SPACE, pages.TRX_SYS_PAGE_NO, trxSys); err != nil {
		return errors.Wrap(err, "read TRX_SYS page")
	}
	pages.WriteDoublewriteHeader(trxSys, pages.DoublewriteHeader{
		Magic:  pages.TRX_SYS_DOUBLEWRITE_MAGIC_N,
		Block1: block1,
		Block2: block2,
	})
	pages.SetLSNAndChecksum(trxSys, pages.PageLSN(trxSys))
	return errors.Wrap(w.WritePage(pages.TRX_SYS_SPACE, pages.TRX_SYS_PAGE_NO, trxSys), "write TRX_SYS page")
}

// WriteCopies 把一批页面写入doublewrite区域，按顺序先填block1再填block2
func WriteCopies(w PageWriter, pageSize int, frames [][]byte) error {
	trxSys := make([]byte, pageSize)
	if err := w.ReadPage(pages.TRX_SYS_SPACE, pages.TRX_SYS_PAGE_NO, trxSys); err != nil {
		return errors.Wrap(err, "read TRX_SYS page")
	}
	h := pages.ParseDoublewriteHeader(trxSys)
	if !h.Valid() {
		return errors.New("doublewrite buffer not created")
	}
	if len(frames) > 2*pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE {
		return errors.Errorf("%d pages exceed doublewrite capacity", len(frames))
	}
	for i, frame := range frames {
		pageNo := h.Block1 + uint32(i)
		if i >= pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE {
			pageNo = h.Block2 + uint32(i-pages.TRX_SYS_DOUBLEWRITE_BLOCK_SIZE)
		}
		if err := w.WritePage(pages.TRX_SYS_SPACE, pageNo, frame); err != nil {
			return errors.Wrapf(err, "write doublewrite page %d", pageNo)
		}
	}
	return nil
}
