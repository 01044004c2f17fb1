package pages

import (
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// 事务系统页固定在系统表空间的第5页，doublewrite的描述信息放在页尾前200字节处
const (
	TRX_SYS_SPACE   = 0
	TRX_SYS_PAGE_NO = 5

	TRX_SYS_DOUBLEWRITE_END = 200

	TRX_SYS_DOUBLEWRITE_FSEG   = 0
	TRX_SYS_DOUBLEWRITE_MAGIC  = 10 // FSEG header 之后
	TRX_SYS_DOUBLEWRITE_BLOCK1 = 14
	TRX_SYS_DOUBLEWRITE_BLOCK2 = 18

	TRX_SYS_DOUBLEWRITE_MAGIC_N = 536853855

	// 每个doublewrite block包含的页数
	TRX_SYS_DOUBLEWRITE_BLOCK_SIZE = 64
)

// DoublewriteOffset 返回doublewrite描述信息在事务系统页内的偏移
func DoublewriteOffset(pageSize int) int {
	return pageSize - TRX_SYS_DOUBLEWRITE_END
}

// DoublewriteHeader 事务系统页里的doublewrite描述
type DoublewriteHeader struct {
	Magic  uint32
	Block1 uint32 // 第一个block起始页号
	Block2 uint32 // 第二个block起始页号
}

// Valid doublewrite buffer是否已经创建
func (h DoublewriteHeader) Valid() bool {
	return h.Magic == TRX_SYS_DOUBLEWRITE_MAGIC_N && h.Block1 != 0 && h.Block2 != 0
}

// ParseDoublewriteHeader 从事务系统页读取doublewrite描述
func ParseDoublewriteHeader(trxSys []byte) DoublewriteHeader {
	base := DoublewriteOffset(len(trxSys))
	return DoublewriteHeader{
		Magic:  util.MachRead4(trxSys, base+TRX_SYS_DOUBLEWRITE_MAGIC),
		Block1: util.MachRead4(trxSys, base+TRX_SYS_DOUBLEWRITE_BLOCK1),
		Block2: util.MachRead4(trxSys, base+TRX_SYS_DOUBLEWRITE_BLOCK2),
	}
}

// WriteDoublewriteHeader 把doublewrite描述写入事务系统页
func WriteDoublewriteHeader(trxSys []byte, h DoublewriteHeader) {
	base := DoublewriteOffset(len(trxSys))
	util.MachWrite4(trxSys, base+TRX_SYS_DOUBLEWRITE_MAGIC, h.Magic)
	util.MachWrite4(trxSys, base+TRX_SYS_DOUBLEWRITE_BLOCK1, h.Block1)
	util.MachWrite4(trxSys, base+TRX_SYS_DOUBLEWRITE_BLOCK2, h.Block2)
}
