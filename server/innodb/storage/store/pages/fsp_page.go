package pages

import (
	"bytes"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// FSPHeader 表空间头，位于page 0
type FSPHeader struct {
	SpaceID   uint32 // 表空间ID
	Size      uint32 // 当前表空间大小(页面数)
	FreeLimit uint32 // 最小未初始化页号
	Flags     uint32 // 表空间标志位
}

// ParseFSPHeader 解析page 0 上的表空间头
func ParseFSPHeader(page0 []byte) FSPHeader {
	base := common.FSP_HEADER_OFFSET
	return FSPHeader{
		SpaceID:   util.MachRead4(page0, base+common.FSP_SPACE_ID),
		Size:      util.MachRead4(page0, base+common.FSP_SIZE),
		FreeLimit: util.MachRead4(page0, base+common.FSP_FREE_LIMIT),
		Flags:     util.MachRead4(page0, base+common.FSP_SPACE_FLAGS),
	}
}

// WriteFSPHeader 把表空间头写回page 0
func WriteFSPHeader(page0 []byte, h FSPHeader) {
	base := common.FSP_HEADER_OFFSET
	util.MachWrite4(page0, base+common.FSP_SPACE_ID, h.SpaceID)
	util.MachWrite4(page0, base+common.FSP_SIZE, h.Size)
	util.MachWrite4(page0, base+common.FSP_FREE_LIMIT, h.FreeLimit)
	util.MachWrite4(page0, base+common.FSP_SPACE_FLAGS, h.Flags)
}

// TouchesFSPHeader 判断对page 0 [offset, offset+length) 的修改是否覆盖到表空间大小或flags
func TouchesFSPHeader(offset, length int) bool {
	lo := common.FSP_HEADER_OFFSET + common.FSP_SIZE
	hi := common.FSP_HEADER_OFFSET + common.FSP_SPACE_FLAGS + 4
	return offset < hi && offset+length > lo
}

// TouchesCryptData 判断对page 0 的修改是否覆盖到加密元数据
func TouchesCryptData(pageSize, offset, length int) bool {
	lo := common.FspCryptDataOffset(pageSize)
	hi := lo + common.CRYPT_DATA_SIZE
	return offset < hi && offset+length > lo
}

// CryptData page 0 上的加密元数据
type CryptData struct {
	Present    bool
	Type       byte
	KeyID      uint32
	KeyVersion uint32
}

// ParseCryptData 读取page 0 上的加密元数据，魔数不匹配时返回Present=false
func ParseCryptData(page0 []byte) CryptData {
	off := common.FspCryptDataOffset(len(page0))
	if off+common.CRYPT_DATA_SIZE > len(page0) {
		return CryptData{}
	}
	if !bytes.Equal(page0[off:off+len(common.CRYPT_MAGIC)], common.CRYPT_MAGIC) {
		return CryptData{}
	}
	p := off + len(common.CRYPT_MAGIC)
	return CryptData{
		Present:    true,
		Type:       page0[p],
		KeyID:      util.MachRead4(page0, p+1),
		KeyVersion: util.MachRead4(page0, p+5),
	}
}
