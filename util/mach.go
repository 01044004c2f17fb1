package util

import (
	"encoding/binary"
	"hash/crc32"
)

// InnoDB 页面和日志中的整数都以大端序存放

func MachRead2(buff []byte, cursor int) uint16 {
	return binary.BigEndian.Uint16(buff[cursor:])
}

func MachRead4(buff []byte, cursor int) uint32 {
	return binary.BigEndian.Uint32(buff[cursor:])
}

func MachRead8(buff []byte, cursor int) uint64 {
	return binary.BigEndian.Uint64(buff[cursor:])
}

func MachWrite2(buff []byte, cursor int, v uint16) {
	binary.BigEndian.PutUint16(buff[cursor:], v)
}

func MachWrite4(buff []byte, cursor int, v uint32) {
	binary.BigEndian.PutUint32(buff[cursor:], v)
}

func MachWrite8(buff []byte, cursor int, v uint64) {
	binary.BigEndian.PutUint64(buff[cursor:], v)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Crc32c 计算CRC-32C，多个片段按顺序串联计算
func Crc32c(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, castagnoli, p)
	}
	return crc
}

// IsZero 判断缓冲区是否全为0
func IsZero(buff []byte) bool {
	for _, b := range buff {
		if b != 0 {
			return false
		}
	}
	return true
}
