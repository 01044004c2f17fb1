package util

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashPageID 对(space, page)做hash，用于把页面稳定地分配给恢复线程
func HashPageID(spaceID, pageNo uint32) uint64 {
	var key [8]byte
	binary.BigEndian.PutUint32(key[:4], spaceID)
	binary.BigEndian.PutUint32(key[4:], pageNo)
	return xxhash.Checksum64(key[:])
}
