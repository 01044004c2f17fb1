package logs

import "encoding/binary"

// redo记录中的变长整数。前缀位决定长度，每多一个字节就加上前面所有短编码能表示的范围:
//
//	0xxxxxxx                  0..0x7f
//	10xxxxxx +1               +0x80
//	110xxxxx +2               +0x4080
//	1110xxxx +3               +0x204080
//	11110000 +4               +0x10204080
const (
	MLOG_VARINT_2 = 0x80
	MLOG_VARINT_3 = 0x4080
	MLOG_VARINT_4 = 0x204080
	MLOG_VARINT_5 = 0x10204080

	MLOG_VARINT_MAX_LEN = 5
)

// VarintSize 由第一个字节得到编码长度，0表示非法前缀
func VarintSize(first byte) int {
	switch {
	case first < 0x80:
		return 1
	case first < 0xc0:
		return 2
	case first < 0xe0:
		return 3
	case first < 0xf0:
		return 4
	case first == 0xf0:
		return 5
	}
	return 0
}

// EncodedVarintLen 编码v需要的字节数
func EncodedVarintLen(v uint32) int {
	switch {
	case v < MLOG_VARINT_2:
		return 1
	case v < MLOG_VARINT_3:
		return 2
	case v < MLOG_VARINT_4:
		return 3
	case v < MLOG_VARINT_5:
		return 4
	}
	return 5
}

// AppendVarint 把v编码后追加到dst
func AppendVarint(dst []byte, v uint32) []byte {
	switch {
	case v < MLOG_VARINT_2:
		return append(dst, byte(v))
	case v < MLOG_VARINT_3:
		v -= MLOG_VARINT_2
		return append(dst, 0x80|byte(v>>8), byte(v))
	case v < MLOG_VARINT_4:
		v -= MLOG_VARINT_3
		return append(dst, 0xc0|byte(v>>16), byte(v>>8), byte(v))
	case v < MLOG_VARINT_5:
		v -= MLOG_VARINT_4
		return append(dst, 0xe0|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	v -= MLOG_VARINT_5
	dst = append(dst, 0xf0)
	return binary.BigEndian.AppendUint32(dst, v)
}

// DecodeVarint 解码b开头的变长整数，返回值和占用的字节数。
// n为0表示前缀非法、数据不够或者溢出
func DecodeVarint(b []byte) (v uint32, n int) {
	if len(b) == 0 {
		return 0, 0
	}
	n = VarintSize(b[0])
	if n == 0 || len(b) < n {
		return 0, 0
	}
	switch n {
	case 1:
		return uint32(b[0]), 1
	case 2:
		return (uint32(b[0]&0x3f)<<8 | uint32(b[1])) + MLOG_VARINT_2, 2
	case 3:
		return (uint32(b[0]&0x1f)<<16 | uint32(b[1])<<8 | uint32(b[2])) + MLOG_VARINT_3, 3
	case 4:
		return (uint32(b[0]&0x0f)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) + MLOG_VARINT_4, 4
	}
	raw := binary.BigEndian.Uint32(b[1:5])
	if raw > 0xffffffff-MLOG_VARINT_5 {
		return 0, 0
	}
	return raw + MLOG_VARINT_5, 5
}
