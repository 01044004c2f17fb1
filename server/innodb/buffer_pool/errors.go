package buffer_pool

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

var (
	// 页面错误
	ErrPageNotFound    = pkgerrors.New("page not found in buffer pool")
	ErrPageFixed       = pkgerrors.New("page is fixed by another user")
	ErrPageCorrupted   = pkgerrors.New("page content is corrupted")
	ErrInvalidPageSize = pkgerrors.New("invalid page size")

	// 缓冲池错误
	ErrBufferPoolFull = pkgerrors.New("buffer pool is full")
	ErrInvalidConfig  = pkgerrors.New("invalid buffer pool configuration")
	ErrIOError        = pkgerrors.New("IO error occurred")

	// 刷新错误
	ErrFlushFailed = pkgerrors.New("failed to flush dirty page")
)

// BufferPoolError 缓冲池错误结构
type BufferPoolError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *BufferPoolError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *BufferPoolError) Unwrap() error {
	return e.Err
}

// NewError 创建新的缓冲池错误
func NewError(op string, err error) error {
	return &BufferPoolError{
		Op:  op,
		Err: err,
	}
}

// IsNotFound 检查是否为页面未找到错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPageNotFound)
}

// IsFixed 检查页面是否仍被引用
func IsFixed(err error) bool {
	return errors.Is(err, ErrPageFixed)
}

// IsCorrupted 检查是否为页面损坏错误
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrPageCorrupted)
}

// IsBufferPoolFull 检查是否为缓冲池已满错误
func IsBufferPoolFull(err error) bool {
	return errors.Is(err, ErrBufferPoolFull)
}

// IsIOError 检查是否为IO错误
func IsIOError(err error) bool {
	return errors.Is(err, ErrIOError)
}
