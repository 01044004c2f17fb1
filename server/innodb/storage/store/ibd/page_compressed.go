package ibd

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	jerrors "github.com/juju/errors"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

/*
透明页压缩(page_compressed)的页面布局:

	[0, 24)   FIL头，与原页面相同
	24        FIL_PAGE_PAGE_COMPRESSED
	26        原页面类型
	28        压缩算法
	38        压缩后长度
	40        压缩数据，压缩的是原页面[38, page size)

原页面的26..33(flush LSN)在压缩后丢失，所以这部分不为0的页面不压缩。
*/

var errNotCompressible = jerrors.New("page not compressible")

// IsPageCompressed 判断物理页是否是透明压缩页
func IsPageCompressed(frame []byte) bool {
	return common.PageType(util.MachRead2(frame, common.FIL_PAGE_TYPE)) == common.FIL_PAGE_PAGE_COMPRESSED
}

// CompressPage 用algo压缩frame，结果写入out。返回errNotCompressible时应按原样写入
func CompressPage(frame, out []byte, algo int) error {
	size := len(frame)
	if !util.IsZero(frame[common.FIL_PAGE_FILE_FLUSH_LSN:common.FIL_PAGE_SPACE_ID]) {
		return errNotCompressible
	}
	src := frame[common.FIL_PAGE_DATA:]
	var (
		compressed []byte
		err        error
	)
	switch algo {
	case common.PAGE_ZLIB_ALGORITHM:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err = zw.Write(src); err == nil {
			err = zw.Close()
		}
		compressed = buf.Bytes()
	case common.PAGE_LZ4_ALGORITHM:
		compressed = make([]byte, lz4.CompressBlockBound(len(src)))
		var n int
		n, err = lz4.CompressBlock(src, compressed, nil)
		if err == nil && n == 0 {
			return errNotCompressible
		}
		compressed = compressed[:n]
	case common.PAGE_SNAPPY_ALGORITHM:
		compressed = snappy.Encode(nil, src)
	default:
		return jerrors.NotSupportedf("page compression algorithm %d", algo)
	}
	if err != nil {
		return jerrors.Annotatef(err, "compress page with algorithm %d", algo)
	}
	if common.FIL_PAGE_COMP_DATA+len(compressed) > size {
		return errNotCompressible
	}

	for i := range out[:size] {
		out[i] = 0
	}
	copy(out, frame[:common.FIL_PAGE_TYPE])
	util.MachWrite2(out, common.FIL_PAGE_TYPE, uint16(common.FIL_PAGE_PAGE_COMPRESSED))
	util.MachWrite2(out, common.FIL_PAGE_ORIGINAL_TYPE, util.MachRead2(frame, common.FIL_PAGE_TYPE))
	util.MachWrite2(out, common.FIL_PAGE_COMP_ALGO, uint16(algo))
	util.MachWrite4(out, common.FIL_PAGE_SPACE_ID, util.MachRead4(frame, common.FIL_PAGE_SPACE_ID))
	util.MachWrite2(out, common.FIL_PAGE_COMP_SIZE, uint16(len(compressed)))
	copy(out[common.FIL_PAGE_COMP_DATA:], compressed)
	return nil
}

// DecompressPage 把透明压缩页还原到frame中，frame可以和page是同一块内存
func DecompressPage(page, frame []byte) error {
	size := len(page)
	algo := int(util.MachRead2(page, common.FIL_PAGE_COMP_ALGO))
	clen := int(util.MachRead2(page, common.FIL_PAGE_COMP_SIZE))
	if clen == 0 || common.FIL_PAGE_COMP_DATA+clen > size {
		return jerrors.NotValidf("compressed length %d", clen)
	}
	src := append([]byte(nil), page[common.FIL_PAGE_COMP_DATA:common.FIL_PAGE_COMP_DATA+clen]...)
	origType := util.MachRead2(page, common.FIL_PAGE_ORIGINAL_TYPE)
	spaceID := util.MachRead4(page, common.FIL_PAGE_SPACE_ID)

	dst := make([]byte, size-common.FIL_PAGE_DATA)
	switch algo {
	case common.PAGE_ZLIB_ALGORITHM:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return jerrors.Annotate(err, "zlib page")
		}
		if _, err := io.ReadFull(zr, dst); err != nil {
			return jerrors.Annotate(err, "zlib page")
		}
	case common.PAGE_LZ4_ALGORITHM:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return jerrors.Annotate(err, "lz4 page")
		}
		if n != len(dst) {
			return jerrors.NotValidf("lz4 page length %d", n)
		}
	case common.PAGE_SNAPPY_ALGORITHM:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return jerrors.Annotate(err, "snappy page")
		}
		if len(out) != len(dst) {
			return jerrors.NotValidf("snappy page length %d", len(out))
		}
		dst = out
	default:
		return jerrors.NotSupportedf("page compression algorithm %d", algo)
	}

	if &frame[0] != &page[0] {
		copy(frame[:common.FIL_PAGE_TYPE], page[:common.FIL_PAGE_TYPE])
	}
	util.MachWrite2(frame, common.FIL_PAGE_TYPE, origType)
	for i := common.FIL_PAGE_FILE_FLUSH_LSN; i < common.FIL_PAGE_SPACE_ID; i++ {
		frame[i] = 0
	}
	util.MachWrite4(frame, common.FIL_PAGE_SPACE_ID, spaceID)
	copy(frame[common.FIL_PAGE_DATA:], dst)
	return nil
}
