// Package recovery 根据redo日志把数据页恢复到崩溃前的状态。
//
// 一次恢复由Session驱动：选择检查点，扫描日志把页面记录放进Store，
// 记录太多或者扫描结束时把Store中的记录应用到页面上，直到日志全部应用完。
package recovery

import "fmt"

// PageID 页面标识
type PageID struct {
	Space uint32
	Page  uint32
}

// Fold 把页面标识压成一个uint64，排序和hash都用它
func (id PageID) Fold() uint64 {
	return uint64(id.Space)<<32 | uint64(id.Page)
}

func (id PageID) String() string {
	return fmt.Sprintf("[page id: space=%d, page number=%d]", id.Space, id.Page)
}

// ParseStatus 解析一个mtr的结果
type ParseStatus int

const (
	// 成功解析了一个完整的mtr
	ParseOK ParseStatus = iota
	// 数据不够，需要再读一些日志
	ParsePrematureEOF
	// 日志到此结束
	ParseGotEOF
	// 存放记录的内存用完
	ParseGotOOM
)

func (s ParseStatus) String() string {
	switch s {
	case ParseOK:
		return "OK"
	case ParsePrematureEOF:
		return "PREMATURE_EOF"
	case ParseGotEOF:
		return "GOT_EOF"
	case ParseGotOOM:
		return "GOT_OOM"
	}
	return fmt.Sprintf("ParseStatus(%d)", int(s))
}

// State 恢复状态机
type State int

const (
	StateSelectCheckpoint State = iota
	StateScan
	StateApplyBatch
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSelectCheckpoint:
		return "SELECT_CHECKPOINT"
	case StateScan:
		return "SCAN"
	case StateApplyBatch:
		return "APPLY_BATCH"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stats 恢复过程的计数
type Stats struct {
	Batches        int
	MtrsParsed     uint64
	RecordsStored  uint64
	RecordsSkipped uint64 // 强制恢复时跳过的记录
	// SnippetsSkipped 已经反映在页面上的片段
	SnippetsSkipped uint64
	PagesApplied    uint64
	PagesUpToDate   uint64 // 记录都已经反映在页面上
	PagesDiscarded  uint64 // 强制恢复时丢弃的页面
	PagesRestored   uint64 // 从doublewrite恢复的页面
	// PagesRowFormat 含有IndexPages无法重放的行插入、删除的页面
	PagesRowFormat uint64
	PagesFlushed   uint64

	RenamedSpaces   []uint32
	TruncatedSpaces []uint32
	DeletedSpaces   []uint32
}
