package logs

// RecordType 页面操作记录的类型，占类型字节的0x70位
type RecordType byte

const (
	// 释放页面，页面之前的redo都不再需要
	FREE_PAGE RecordType = 0x00
	// 初始化页面，恢复时不用读旧的页面
	INIT_PAGE RecordType = 0x10
	// 扩展记录，第一个字节是子类型
	EXTENDED RecordType = 0x20
	// 写入一段字节: offset, data
	WRITE RecordType = 0x30
	// 用一段模式填充: offset, len, pattern
	MEMSET RecordType = 0x40
	// 页内拷贝: offset, len, 源偏移
	MEMMOVE RecordType = 0x50
	// 保留，恢复时不能出现
	RESERVED RecordType = 0x60
	// 选项记录，不改变页面
	OPTION RecordType = 0x70
)

const (
	// 类型字节的各个位
	RECORD_SAME_PAGE = 0x80
	RECORD_TYPE_MASK = 0x70
	RECORD_LEN_MASK  = 0x0f

	// 长度半字节为15时，后面跟一个varint，记录长度为15+varint
	RECORD_LEN_ESCAPE = 15
)

// 文件级记录，类型字节的0x80位必须为1，并且在mtr中出现在所有页面记录之前。
// 页号固定为0
const (
	FILE_CREATE     byte = 0x80
	FILE_DELETE     byte = 0x90
	FILE_RENAME     byte = 0xa0
	FILE_MODIFY     byte = 0xb0
	FILE_CHECKPOINT byte = 0xf0
)

// EXTENDED 子类型
const (
	INIT_ROW_FORMAT_REDUNDANT   byte = 0
	INIT_ROW_FORMAT_DYNAMIC     byte = 1
	UNDO_INIT                   byte = 2
	UNDO_APPEND                 byte = 3
	INSERT_HEAP_REDUNDANT       byte = 4
	INSERT_REUSE_REDUNDANT      byte = 5
	INSERT_HEAP_DYNAMIC         byte = 6
	INSERT_REUSE_DYNAMIC        byte = 7
	DELETE_ROW_FORMAT_REDUNDANT byte = 8
	DELETE_ROW_FORMAT_DYNAMIC   byte = 9
	TRIM_PAGES                  byte = 10
)

// OPTION 子类型
const (
	OPTION_CHECKSUM byte = 0
)

func (t RecordType) String() string {
	switch t {
	case FREE_PAGE:
		return "FREE_PAGE"
	case INIT_PAGE:
		return "INIT_PAGE"
	case EXTENDED:
		return "EXTENDED"
	case WRITE:
		return "WRITE"
	case MEMSET:
		return "MEMSET"
	case MEMMOVE:
		return "MEMMOVE"
	case RESERVED:
		return "RESERVED"
	case OPTION:
		return "OPTION"
	}
	return "UNKNOWN"
}

// FileRecordName 文件记录类型的名字，未知类型返回空串
func FileRecordName(b byte) string {
	switch b & 0xf0 {
	case FILE_CREATE:
		return "FILE_CREATE"
	case FILE_DELETE:
		return "FILE_DELETE"
	case FILE_RENAME:
		return "FILE_RENAME"
	case FILE_MODIFY:
		return "FILE_MODIFY"
	case FILE_CHECKPOINT:
		return "FILE_CHECKPOINT"
	}
	return ""
}
