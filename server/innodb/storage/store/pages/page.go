// Package pages implements InnoDB page structure and operations
package pages

import (
	"errors"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// Common errors
var (
	ErrInvalidHeaderSize = errors.New("invalid header size")
	ErrInvalidChecksum   = errors.New("invalid page checksum")
)

// FileHeader represents the header structure of an InnoDB page
type FileHeader struct {
	CheckSumOrSpace uint32 // Page checksum (or space id in old formats)
	PageNo          uint32 // Page number
	Prev            uint32 // Previous page number
	Next            uint32 // Next page number
	LSN             uint64 // Log Sequence Number when page was last modified
	Type            common.PageType
	FileFlushLSN    uint64 // System tablespace first page flush LSN
	SpaceID         uint32 // Tablespace identifier
}

// ParseFileHeader 从页面帧中解析文件头
func ParseFileHeader(frame []byte) (FileHeader, error) {
	if len(frame) < common.FileHeaderSize {
		return FileHeader{}, ErrInvalidHeaderSize
	}
	return FileHeader{
		CheckSumOrSpace: util.MachRead4(frame, common.FIL_PAGE_SPACE_OR_CHKSUM),
		PageNo:          util.MachRead4(frame, common.FIL_PAGE_OFFSET),
		Prev:            util.MachRead4(frame, common.FIL_PAGE_PREV),
		Next:            util.MachRead4(frame, common.FIL_PAGE_NEXT),
		LSN:             util.MachRead8(frame, common.FIL_PAGE_LSN),
		Type:            common.PageType(util.MachRead2(frame, common.FIL_PAGE_TYPE)),
		FileFlushLSN:    util.MachRead8(frame, common.FIL_PAGE_FILE_FLUSH_LSN),
		SpaceID:         util.MachRead4(frame, common.FIL_PAGE_SPACE_ID),
	}, nil
}

// PageLSN 返回页面上的LSN
func PageLSN(frame []byte) uint64 {
	return util.MachRead8(frame, common.FIL_PAGE_LSN)
}

// PageNo 返回页头记录的页号
func PageNo(frame []byte) uint32 {
	return util.MachRead4(frame, common.FIL_PAGE_OFFSET)
}

// SpaceID 返回页头记录的表空间ID
func SpaceID(frame []byte) uint32 {
	return util.MachRead4(frame, common.FIL_PAGE_SPACE_ID)
}

// Type 返回页类型
func Type(frame []byte) common.PageType {
	return common.PageType(util.MachRead2(frame, common.FIL_PAGE_TYPE))
}

// SetType 写页类型
func SetType(frame []byte, t common.PageType) {
	util.MachWrite2(frame, common.FIL_PAGE_TYPE, uint16(t))
}

// SetPageID 写页头的页号和表空间ID
func SetPageID(frame []byte, spaceID, pageNo uint32) {
	util.MachWrite4(frame, common.FIL_PAGE_OFFSET, pageNo)
	util.MachWrite4(frame, common.FIL_PAGE_SPACE_ID, spaceID)
}

// InitFilePage 清空页面并写入页号和表空间ID
func InitFilePage(frame []byte, spaceID, pageNo uint32) {
	for i := range frame {
		frame[i] = 0
	}
	util.MachWrite4(frame, common.FIL_PAGE_OFFSET, pageNo)
	util.MachWrite4(frame, common.FIL_PAGE_PREV, common.FIL_NULL)
	util.MachWrite4(frame, common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.MachWrite4(frame, common.FIL_PAGE_SPACE_ID, spaceID)
}

// Checksum 计算页面的CRC-32C，覆盖除最后4字节以外的全部内容
func Checksum(frame []byte) uint32 {
	return util.Crc32c(frame[:len(frame)-4])
}

// SetLSNAndChecksum 写入页LSN，并刷新页尾的LSN低位和校验和
func SetLSNAndChecksum(frame []byte, lsn uint64) {
	size := len(frame)
	util.MachWrite8(frame, common.FIL_PAGE_LSN, lsn)
	util.MachWrite4(frame, size-common.FIL_PAGE_END_LSN_OLD_CHKSUM, uint32(lsn))
	util.MachWrite4(frame, size-4, Checksum(frame))
}

// SetLSN 只写页LSN，用于不在恢复时重算校验和的压缩页
func SetLSN(frame []byte, lsn uint64) {
	util.MachWrite8(frame, common.FIL_PAGE_LSN, lsn)
}

// IsCorrupted 校验页面；全0页视为从未写过的合法页面
func IsCorrupted(frame []byte) bool {
	if util.IsZero(frame) {
		return false
	}
	size := len(frame)
	if util.MachRead4(frame, size-common.FIL_PAGE_END_LSN_OLD_CHKSUM) != uint32(PageLSN(frame)) {
		return true
	}
	return util.MachRead4(frame, size-4) != Checksum(frame)
}
