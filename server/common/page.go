package common

// Page size constants
const (
	PageSize        = 16384 // Default page size
	MinPageSize     = 4096
	MaxPageSize     = 65536
	FileHeaderSize  = 38 // File header size
	PageHeaderSize  = 56 // Page header size
	FileTrailerSize = 8  // File trailer size

	// FIL_NULL 表示空的页号
	FIL_NULL = 0xFFFFFFFF
)

// FIL 文件头中各字段的偏移
const (
	FIL_PAGE_SPACE_OR_CHKSUM = 0
	FIL_PAGE_OFFSET          = 4
	FIL_PAGE_PREV            = 8
	FIL_PAGE_NEXT            = 12
	FIL_PAGE_LSN             = 16
	FIL_PAGE_TYPE            = 24
	FIL_PAGE_FILE_FLUSH_LSN  = 26
	FIL_PAGE_SPACE_ID        = 34
	FIL_PAGE_DATA            = 38

	// 页尾：size-8 处存LSN低32位，size-4 处存CRC-32C
	FIL_PAGE_END_LSN_OLD_CHKSUM = 8
	FIL_PAGE_DATA_END           = 8
)

// 透明页压缩(page_compressed)的页内布局
const (
	FIL_PAGE_ORIGINAL_TYPE = 26 // 压缩前的页类型
	FIL_PAGE_COMP_ALGO     = 28 // 压缩算法
	FIL_PAGE_COMP_SIZE     = 38 // 压缩后数据长度
	FIL_PAGE_COMP_DATA     = 40
)

// 页压缩算法编号
const (
	PAGE_UNCOMPRESSED     = 0
	PAGE_ZLIB_ALGORITHM   = 1
	PAGE_LZ4_ALGORITHM    = 2
	PAGE_SNAPPY_ALGORITHM = 6
)

type PageType uint16

// Page types defines the different types of pages in InnoDB
const (
	// FIL_PAGE_TYPE_ALLOCATED - 新分配还未使用的页，页面释放后也回到这个类型
	FIL_PAGE_TYPE_ALLOCATED PageType = 0x0000

	// FIL_PAGE_UNDO_LOG - Undo日志页，存储回滚段的undo记录
	FIL_PAGE_UNDO_LOG PageType = 0x0002

	// FIL_PAGE_INODE - 段inode页面
	FIL_PAGE_INODE PageType = 0x0003

	// FIL_PAGE_IBUF_BITMAP - 插入缓冲位图页
	FIL_PAGE_IBUF_BITMAP PageType = 0x0005

	// FIL_PAGE_TYPE_SYS - 系统页
	FIL_PAGE_TYPE_SYS PageType = 0x0006

	// FIL_PAGE_TYPE_TRX_SYS - 事务系统页，doublewrite的描述信息也在这个页里
	FIL_PAGE_TYPE_TRX_SYS PageType = 0x0007

	// FIL_PAGE_TYPE_FSP_HDR - 表空间头页
	FIL_PAGE_TYPE_FSP_HDR PageType = 0x0008

	// FIL_PAGE_TYPE_XDES - 扩展描述符页
	FIL_PAGE_TYPE_XDES PageType = 0x0009

	// FIL_PAGE_TYPE_BLOB - 外部存储页
	FIL_PAGE_TYPE_BLOB PageType = 0x000A

	// FIL_PAGE_INDEX - B+Tree 索引页
	FIL_PAGE_INDEX PageType = 0x45BF

	// FIL_PAGE_PAGE_COMPRESSED - 透明页压缩后的页
	FIL_PAGE_PAGE_COMPRESSED PageType = 0x8632
)

// 表空间头(FSP header)，位于page 0 的 FIL_PAGE_DATA 处
const (
	FSP_HEADER_OFFSET = FIL_PAGE_DATA
	FSP_SPACE_ID      = 0
	FSP_NOT_USED      = 4
	FSP_SIZE          = 8
	FSP_FREE_LIMIT    = 12
	FSP_SPACE_FLAGS   = 16
	FSP_FRAG_N_USED   = 20
	FSP_HEADER_SIZE   = 112

	XDES_BITMAP        = 24
	XDES_BITS_PER_PAGE = 2
)

// 表空间flags
const (
	FSP_FLAGS_POS_ZIP_SSIZE  = 1
	FSP_FLAGS_MASK_ZIP_SSIZE = 0xF << FSP_FLAGS_POS_ZIP_SSIZE

	FSP_FLAGS_POS_PAGE_COMPRESSION  = 16
	FSP_FLAGS_MASK_PAGE_COMPRESSION = 1 << FSP_FLAGS_POS_PAGE_COMPRESSION

	FSP_FLAGS_POS_COMP_ALGO  = 17
	FSP_FLAGS_MASK_COMP_ALGO = 0x7 << FSP_FLAGS_POS_COMP_ALGO
)

// 表空间加密元数据
const (
	CRYPT_DATA_SIZE = 48
)

// CRYPT_MAGIC 加密元数据的魔数
var CRYPT_MAGIC = []byte("MCP")

// ExtentSize 返回一个extent中的页数
func ExtentSize(pageSize int) int {
	if pageSize <= PageSize {
		return (1 << 20) / pageSize
	}
	return 64
}

// XdesSize 返回一个extent描述符的字节数
func XdesSize(pageSize int) int {
	return XDES_BITMAP + (ExtentSize(pageSize)*XDES_BITS_PER_PAGE+7)/8
}

// FspCryptDataOffset 返回page 0 中加密元数据的偏移，紧跟在XDES数组之后
func FspCryptDataOffset(pageSize int) int {
	return FSP_HEADER_OFFSET + FSP_HEADER_SIZE + (pageSize/ExtentSize(pageSize))*XdesSize(pageSize)
}

// IsZipFlags 判断表空间是否是ROW_FORMAT=COMPRESSED
func IsZipFlags(flags uint32) bool {
	return flags&FSP_FLAGS_MASK_ZIP_SSIZE != 0
}

// PageCompressionAlgo 返回透明页压缩的算法，未开启时返回PAGE_UNCOMPRESSED
func PageCompressionAlgo(flags uint32) int {
	if flags&FSP_FLAGS_MASK_PAGE_COMPRESSION == 0 {
		return PAGE_UNCOMPRESSED
	}
	return int((flags & FSP_FLAGS_MASK_COMP_ALGO) >> FSP_FLAGS_POS_COMP_ALGO)
}

// PageCompressedFlags 构造开启透明页压缩的flags
func PageCompressedFlags(algo int) uint32 {
	return FSP_FLAGS_MASK_PAGE_COMPRESSION | uint32(algo)<<FSP_FLAGS_POS_COMP_ALGO
}
