package buffer_pool

/*
*
这个可以理解为另外一个数据页的控制体，大部分的数据页信息存在其中，例如space_id, page_no, page state, newest_modification，
oldest_modification等。oldest_modification为0表示页面是干净的。
*
*/
type BufferPage struct {
	// 基本信息
	spaceId   uint32
	pageNo    uint32
	pageState BufferPageState

	// 版本控制
	newestModification uint64
	oldestModification uint64

	// 引用计数，大于0时不能被淘汰
	fixCount int
}

// NewBufferPage creates a new buffer page
func NewBufferPage(spaceID uint32, pageNo uint32) *BufferPage {
	return &BufferPage{
		spaceId:   spaceID,
		pageNo:    pageNo,
		pageState: BUF_BLOCK_NOT_USED,
	}
}

// GetSpaceID 获取表空间ID
func (bp *BufferPage) GetSpaceID() uint32 {
	return bp.spaceId
}

// GetPageNo 获取页面号
func (bp *BufferPage) GetPageNo() uint32 {
	return bp.pageNo
}

func (bp *BufferPage) GetState() BufferPageState {
	return bp.pageState
}

// GetOldestModification 返回第一次把页面弄脏的LSN
func (bp *BufferPage) GetOldestModification() uint64 {
	return bp.oldestModification
}

// GetNewestModification 返回最后一次修改页面的LSN
func (bp *BufferPage) GetNewestModification() uint64 {
	return bp.newestModification
}

// IsDirty 检查是否为脏页
func (bp *BufferPage) IsDirty() bool {
	return bp.oldestModification != 0
}

// reset resets the buffer page to initial state
func (bp *BufferPage) reset() {
	bp.spaceId = 0
	bp.pageNo = 0
	bp.pageState = BUF_BLOCK_NOT_USED
	bp.newestModification = 0
	bp.oldestModification = 0
	bp.fixCount = 0
}

func (bp *BufferPage) init(spaceID uint32, pageNo uint32) {
	bp.spaceId = spaceID
	bp.pageNo = pageNo
	bp.pageState = BUF_BLOCK_FILE_PAGE
	bp.newestModification = 0
	bp.oldestModification = 0
	bp.fixCount = 1
}
