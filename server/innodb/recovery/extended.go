package recovery

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// IndexPages 索引页的行格式操作。compact为true表示COMPACT/DYNAMIC格式，否则为REDUNDANT
type IndexPages interface {
	// CreatePage 把页面初始化为只有infimum和supremum的空索引页
	CreatePage(frame []byte, compact bool) error
	// InsertRecord 重放一次插入，reuse表示复用PAGE_FREE链上的空间
	InsertRecord(frame []byte, compact, reuse bool, operands []byte) error
	// DeleteRecord 重放一次删除
	DeleteRecord(frame []byte, compact bool, operands []byte) error
}

// 索引页头，位于FIL_PAGE_DATA
const (
	PAGE_HEADER        = common.FIL_PAGE_DATA
	PAGE_N_DIR_SLOTS   = 0
	PAGE_HEAP_TOP      = 2
	PAGE_N_HEAP        = 4
	PAGE_DIRECTION_B   = 13
	PAGE_HEADER_PRIV   = 26
	PAGE_DATA          = PAGE_HEADER + 36 + 2*10
	PAGE_NO_DIRECTION  = 5
	PAGE_HEAP_NO_USER  = 2
	PAGE_DIR           = common.FIL_PAGE_DATA_END
	PAGE_DIR_SLOT_SIZE = 2

	PAGE_NEW_INFIMUM      = PAGE_DATA + 5
	PAGE_NEW_SUPREMUM     = PAGE_DATA + 2*5 + 8
	PAGE_NEW_SUPREMUM_END = PAGE_NEW_SUPREMUM + 8
	PAGE_OLD_INFIMUM      = PAGE_DATA + 1 + 6
	PAGE_OLD_SUPREMUM     = PAGE_DATA + 2 + 2*6 + 8
	PAGE_OLD_SUPREMUM_END = PAGE_OLD_SUPREMUM + 9
)

var infimumSupremumCompact = []byte{
	0x01, 0x00, 0x02, 0x00, 0x0d, 'i', 'n', 'f', 'i', 'm', 'u', 'm', 0,
	0x01, 0x00, 0x0b, 0x00, 0x00, 's', 'u', 'p', 'r', 'e', 'm', 'u', 'm',
}

var infimumSupremumRedundant = []byte{
	0x08, 0x01, 0x00, 0x00, 0x03, 0x00, 0x74, 'i', 'n', 'f', 'i', 'm', 'u', 'm', 0,
	0x09, 0x01, 0x00, 0x08, 0x03, 0x00, 0x00, 's', 'u', 'p', 'r', 'e', 'm', 'u', 'm', 0,
}

// DefaultIndexPages 只会创建空索引页，插入和删除需要真正的行格式实现
type DefaultIndexPages struct{}

func (DefaultIndexPages) CreatePage(frame []byte, compact bool) error {
	size := len(frame)
	pages.SetType(frame, common.FIL_PAGE_INDEX)
	zero(frame[PAGE_HEADER : PAGE_HEADER+PAGE_HEADER_PRIV])
	frame[PAGE_HEADER+PAGE_N_DIR_SLOTS+1] = 2
	frame[PAGE_HEADER+PAGE_DIRECTION_B] = PAGE_NO_DIRECTION
	if compact {
		frame[PAGE_HEADER+PAGE_N_HEAP] = 0x80
		frame[PAGE_HEADER+PAGE_N_HEAP+1] = PAGE_HEAP_NO_USER
		frame[PAGE_HEADER+PAGE_HEAP_TOP+1] = PAGE_NEW_SUPREMUM_END
		copy(frame[PAGE_DATA:], infimumSupremumCompact)
		zero(frame[PAGE_NEW_SUPREMUM_END : size-PAGE_DIR])
		frame[size-PAGE_DIR-2*PAGE_DIR_SLOT_SIZE+1] = PAGE_NEW_SUPREMUM
		frame[size-PAGE_DIR-PAGE_DIR_SLOT_SIZE+1] = PAGE_NEW_INFIMUM
		return nil
	}
	frame[PAGE_HEADER+PAGE_N_HEAP+1] = PAGE_HEAP_NO_USER
	frame[PAGE_HEADER+PAGE_HEAP_TOP+1] = PAGE_OLD_SUPREMUM_END
	copy(frame[PAGE_DATA:], infimumSupremumRedundant)
	zero(frame[PAGE_OLD_SUPREMUM_END : size-PAGE_DIR])
	frame[size-PAGE_DIR-2*PAGE_DIR_SLOT_SIZE+1] = PAGE_OLD_SUPREMUM
	frame[size-PAGE_DIR-PAGE_DIR_SLOT_SIZE+1] = PAGE_OLD_INFIMUM
	return nil
}

func (DefaultIndexPages) InsertRecord(frame []byte, compact, reuse bool, operands []byte) error {
	return errors.Wrapf(ErrRowFormatUnsupported, "insert into %s page", rowFormat(compact))
}

func (DefaultIndexPages) DeleteRecord(frame []byte, compact bool, operands []byte) error {
	return errors.Wrapf(ErrRowFormatUnsupported, "delete from %s page", rowFormat(compact))
}

func rowFormat(compact bool) string {
	if compact {
		return "COMPACT"
	}
	return "REDUNDANT"
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// undo页头
const (
	TRX_UNDO_PAGE_HDR      = common.FIL_PAGE_DATA
	TRX_UNDO_PAGE_TYPE     = 0
	TRX_UNDO_PAGE_START    = 2
	TRX_UNDO_PAGE_FREE     = 4
	TRX_UNDO_PAGE_NODE     = 6
	TRX_UNDO_PAGE_HDR_SIZE = 18
)

// undoInit 初始化undo页头
func undoInit(frame []byte) {
	pages.SetType(frame, common.FIL_PAGE_UNDO_LOG)
	zero(frame[TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_TYPE : TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_START+2])
	first := uint16(TRX_UNDO_PAGE_HDR + TRX_UNDO_PAGE_HDR_SIZE)
	util.MachWrite2(frame, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_START, first)
	util.MachWrite2(frame, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_FREE, first)
}

// undoAppend 在PAGE_FREE处追加一条undo记录: [下一条的偏移][data][本条的偏移]
func undoAppend(frame, data []byte) error {
	size := len(frame)
	free := int(util.MachRead2(frame, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_FREE))
	if free < TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_HDR_SIZE || free+len(data)+6 >= size-common.FIL_PAGE_DATA_END {
		return errors.Errorf("undo append of %d bytes at free=%d", len(data), free)
	}
	next := uint16(free + 4 + len(data))
	util.MachWrite2(frame, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_FREE, next)
	util.MachWrite2(frame, free, next)
	copy(frame[free+2:], data)
	util.MachWrite2(frame, free+2+len(data), uint16(free))
	return nil
}

// applyExtended 执行EXTENDED记录，payload[0]是子类型
func (a *Applier) applyExtended(frame []byte, payload []byte) error {
	sub, operands := payload[0], payload[1:]
	switch sub {
	case logs.INIT_ROW_FORMAT_REDUNDANT, logs.INIT_ROW_FORMAT_DYNAMIC:
		if len(operands) != 0 {
			return errors.Errorf("malformed page create")
		}
		return a.index.CreatePage(frame, sub == logs.INIT_ROW_FORMAT_DYNAMIC)
	case logs.UNDO_INIT:
		if len(operands) != 0 {
			return errors.Errorf("malformed UNDO_INIT")
		}
		undoInit(frame)
		return nil
	case logs.UNDO_APPEND:
		if len(operands) < 3 {
			return errors.Errorf("malformed UNDO_APPEND")
		}
		return undoAppend(frame, operands)
	case logs.INSERT_HEAP_REDUNDANT, logs.INSERT_REUSE_REDUNDANT:
		return a.index.InsertRecord(frame, false, sub == logs.INSERT_REUSE_REDUNDANT, operands)
	case logs.INSERT_HEAP_DYNAMIC, logs.INSERT_REUSE_DYNAMIC:
		return a.index.InsertRecord(frame, true, sub == logs.INSERT_REUSE_DYNAMIC, operands)
	case logs.DELETE_ROW_FORMAT_REDUNDANT:
		return a.index.DeleteRecord(frame, false, operands)
	case logs.DELETE_ROW_FORMAT_DYNAMIC:
		return a.index.DeleteRecord(frame, true, operands)
	}
	return errors.Errorf("unknown EXTENDED subtype %d", sub)
}
