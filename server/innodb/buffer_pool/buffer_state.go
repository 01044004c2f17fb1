package buffer_pool

type BufferPageState uint8

// 当链表处于Free List中，状态就为此状态。是一个能长期存在的状态。
const BUF_BLOCK_NOT_USED BufferPageState = 2

// 当从Free List中，获取一个空闲的数据页时，状态会从BUF_BLOCK_NOT_USED
// 变为BUF_BLOCK_READY_FOR_USE，是一个比较短暂的状态。
const BUF_BLOCK_READY_FOR_USE BufferPageState = 3

// 正常被使用的数据页都是这种状态，page hash和LRU List中的页面都是这种状态。
const BUF_BLOCK_FILE_PAGE BufferPageState = 4

// 不存放数据页，而是给其他模块当作内存块使用，例如恢复时存放redo记录。
// 处于这个状态的块不在任何逻辑链表中。
const BUF_BLOCK_MEMORY BufferPageState = 6

func (s BufferPageState) String() string {
	switch s {
	case BUF_BLOCK_NOT_USED:
		return "NOT_USED"
	case BUF_BLOCK_READY_FOR_USE:
		return "READY_FOR_USE"
	case BUF_BLOCK_FILE_PAGE:
		return "FILE_PAGE"
	case BUF_BLOCK_MEMORY:
		return "MEMORY"
	}
	return "UNKNOWN"
}
