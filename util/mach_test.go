package util

import (
	"hash/crc32"
	"testing"

	"github.com/smartystreets/assertions"
)

func check(t *testing.T, msg string) {
	t.Helper()
	if msg != "" {
		t.Error(msg)
	}
}

func TestMachReadWrite(t *testing.T) {
	buff := make([]byte, 16)
	MachWrite2(buff, 0, 0x1234)
	MachWrite4(buff, 2, 0xdeadbeef)
	MachWrite8(buff, 6, 0x0102030405060708)

	check(t, assertions.ShouldEqual(MachRead2(buff, 0), uint16(0x1234)))
	check(t, assertions.ShouldEqual(MachRead4(buff, 2), uint32(0xdeadbeef)))
	check(t, assertions.ShouldEqual(MachRead8(buff, 6), uint64(0x0102030405060708)))
	check(t, assertions.ShouldResemble(buff[2:6], []byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestCrc32c(t *testing.T) {
	data := []byte("xmysql redo log")
	want := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
	check(t, assertions.ShouldEqual(Crc32c(data), want))
	check(t, assertions.ShouldEqual(Crc32c(data[:5], data[5:]), want))
}

func TestHashPageID(t *testing.T) {
	check(t, assertions.ShouldEqual(HashPageID(1, 10), HashPageID(1, 10)))
	check(t, assertions.ShouldNotEqual(HashPageID(1, 10), HashPageID(10, 1)))
	check(t, assertions.ShouldNotEqual(HashCode([]byte("a")), HashCode([]byte("b"))))
	check(t, assertions.ShouldBeTrue(IsZero(make([]byte, 8))))
	check(t, assertions.ShouldBeFalse(IsZero([]byte{0, 1})))
}
