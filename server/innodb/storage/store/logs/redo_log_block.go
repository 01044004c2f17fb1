package logs

import (
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// 10.8之前的日志按512字节的block组织，每个block有12字节的头和4字节的校验和。
// 恢复只接受干净关闭的旧格式日志，所以这里只需要能读懂检查点和检查点所在的block
const (
	OS_FILE_LOG_BLOCK_SIZE = 512

	LOG_BLOCK_HDR_NO          = 0 // block编号，最高位是flush位
	LOG_BLOCK_HDR_DATA_LEN    = 4 // block中已写入的字节数，包括头
	LOG_BLOCK_FIRST_REC_GROUP = 6
	LOG_BLOCK_CHECKPOINT_NO   = 8
	LOG_BLOCK_HDR_SIZE        = 12
	LOG_BLOCK_CHECKSUM        = OS_FILE_LOG_BLOCK_SIZE - 4

	LOG_BLOCK_FLUSH_BIT_MASK = 0x80000000

	// 旧格式的两个检查点block
	LOG_LEGACY_CHECKPOINT_1 = OS_FILE_LOG_BLOCK_SIZE
	LOG_LEGACY_CHECKPOINT_2 = 3 * OS_FILE_LOG_BLOCK_SIZE

	LOG_CHECKPOINT_NO     = 0
	LOG_CHECKPOINT_LSN    = 8
	LOG_CHECKPOINT_OFFSET = 16

	LOG_FILE_HDR_SIZE = 4 * OS_FILE_LOG_BLOCK_SIZE
)

type LogBlockHeader struct {
	HdrNo         uint32
	Flushed       bool
	DataLen       uint16
	FirstRecGroup uint16
	CheckpointNo  uint32
}

func ParseLogBlockHeader(block []byte) LogBlockHeader {
	no := util.MachRead4(block, LOG_BLOCK_HDR_NO)
	return LogBlockHeader{
		HdrNo:         no &^ LOG_BLOCK_FLUSH_BIT_MASK,
		Flushed:       no&LOG_BLOCK_FLUSH_BIT_MASK != 0,
		DataLen:       util.MachRead2(block, LOG_BLOCK_HDR_DATA_LEN),
		FirstRecGroup: util.MachRead2(block, LOG_BLOCK_FIRST_REC_GROUP),
		CheckpointNo:  util.MachRead4(block, LOG_BLOCK_CHECKPOINT_NO),
	}
}

// CalcLogBlockHdrNo 由LSN计算所在block的编号
func CalcLogBlockHdrNo(lsn uint64) uint32 {
	return uint32((lsn/OS_FILE_LOG_BLOCK_SIZE)&0x3FFFFFFF) + 1
}

// LogBlockChecksumOK 校验旧格式block。FORMAT_3_23没有CRC-32C校验和
func LogBlockChecksumOK(block []byte, format uint32) bool {
	if format == FORMAT_3_23 {
		return true
	}
	return util.MachRead4(block, LOG_BLOCK_CHECKSUM) == util.Crc32c(block[:LOG_BLOCK_CHECKSUM])
}

// StampLogBlockChecksum 写入旧格式block的校验和
func StampLogBlockChecksum(block []byte) {
	util.MachWrite4(block, LOG_BLOCK_CHECKSUM, util.Crc32c(block[:LOG_BLOCK_CHECKSUM]))
}

// LegacyCheckpoint 旧格式的检查点
type LegacyCheckpoint struct {
	No     uint64
	LSN    uint64
	Offset uint64 // 检查点LSN在日志文件中的字节偏移
}

func parseLegacyCheckpoint(block []byte, format uint32) LegacyCheckpoint {
	cp := LegacyCheckpoint{
		No:  util.MachRead8(block, LOG_CHECKPOINT_NO),
		LSN: util.MachRead8(block, LOG_CHECKPOINT_LSN),
	}
	if format == FORMAT_3_23 {
		cp.Offset = uint64(util.MachRead4(block, LOG_CHECKPOINT_OFFSET))
	} else {
		cp.Offset = util.MachRead8(block, LOG_CHECKPOINT_OFFSET)
	}
	return cp
}

// FormatLegacyCheckpoint 生成一个旧格式的检查点block
func FormatLegacyCheckpoint(block []byte, cp LegacyCheckpoint) {
	util.MachWrite8(block, LOG_CHECKPOINT_NO, cp.No)
	util.MachWrite8(block, LOG_CHECKPOINT_LSN, cp.LSN)
	util.MachWrite8(block, LOG_CHECKPOINT_OFFSET, cp.Offset)
	StampLogBlockChecksum(block)
}

// IsLegacyBlockClean 判断检查点所在的block里检查点之后没有再写入数据
func IsLegacyBlockClean(block []byte, lsn uint64, format uint32) bool {
	if !LogBlockChecksumOK(block, format) {
		return false
	}
	hdr := ParseLogBlockHeader(block)
	return hdr.HdrNo == CalcLogBlockHdrNo(lsn) && uint64(hdr.DataLen) == lsn%OS_FILE_LOG_BLOCK_SIZE
}
