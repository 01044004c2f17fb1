/*
IBD文件（.ibd）是InnoDB的表空间文件，由固定大小的页面组成。

页0 是表空间头页（FSP_HDR），记录表空间ID、大小和flags，恢复时靠它来确认文件属于哪个表空间。
开启透明页压缩的表空间，除页0 外的页面可能以压缩形式存放，读出时在这里还原。

IBD_File (最底层)
负责直接的文件 I/O 操作
处理页面的读写和压缩
不关心页面的分配状态
*/

package ibd

import (
	"os"
	"path/filepath"
	"sync"

	jerrors "github.com/juju/errors"
)

// IBD_File represents a physical InnoDB tablespace file
type IBD_File struct {
	sync.RWMutex
	// File information
	filePath string   // Full path to the .ibd file
	file     *os.File // File handle
	readOnly bool
	// Metadata
	spaceID     uint32 // Tablespace ID
	pageSize    int
	compression int // 透明页压缩算法，0表示不压缩
}

// NewIBDFile creates a new IBD file instance
func NewIBDFile(filePath string, spaceID uint32, pageSize int) *IBD_File {
	return &IBD_File{
		filePath: filePath,
		spaceID:  spaceID,
		pageSize: pageSize,
	}
}

// SetCompression 设置写页面时使用的透明页压缩算法
func (f *IBD_File) SetCompression(algo int) {
	f.Lock()
	defer f.Unlock()
	f.compression = algo
}

// Open opens an existing IBD file
func (f *IBD_File) Open(readOnly bool) error {
	f.Lock()
	defer f.Unlock()

	if f.file != nil {
		return jerrors.AlreadyExistsf("open file %s", f.filePath)
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(f.filePath, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return jerrors.NewNotFound(err, f.filePath)
		}
		return jerrors.Annotatef(err, "open %s", f.filePath)
	}
	f.file = file
	f.readOnly = readOnly
	return nil
}

// Create creates a new IBD file of the given number of pages
func (f *IBD_File) Create(pages uint32) error {
	f.Lock()
	defer f.Unlock()

	if f.file != nil {
		return jerrors.AlreadyExistsf("open file %s", f.filePath)
	}
	if err := os.MkdirAll(filepath.Dir(f.filePath), 0755); err != nil {
		return jerrors.Annotatef(err, "create directory for %s", f.filePath)
	}
	file, err := os.OpenFile(f.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return jerrors.Annotatef(err, "create %s", f.filePath)
	}
	if err := file.Truncate(int64(pages) * int64(f.pageSize)); err != nil {
		file.Close()
		return jerrors.Annotatef(err, "extend %s", f.filePath)
	}
	f.file = file
	return nil
}

// ReadPage 读出一个页面，透明压缩页会被还原
func (f *IBD_File) ReadPage(pageNo uint32, frame []byte) error {
	f.RLock()
	defer f.RUnlock()

	if f.file == nil {
		return jerrors.Errorf("file %s not open", f.filePath)
	}
	if len(frame) != f.pageSize {
		return jerrors.NotValidf("page buffer size %d", len(frame))
	}
	offset := int64(pageNo) * int64(f.pageSize)
	n, err := f.file.ReadAt(frame, offset)
	if n < f.pageSize {
		if err == nil || n == 0 {
			return jerrors.NotFoundf("page %d of %s", pageNo, f.filePath)
		}
		return jerrors.Annotatef(err, "read page %d of %s", pageNo, f.filePath)
	}
	if IsPageCompressed(frame) {
		return jerrors.Annotatef(DecompressPage(frame, frame), "page %d of %s", pageNo, f.filePath)
	}
	return nil
}

// WritePage writes a page to disk
func (f *IBD_File) WritePage(pageNo uint32, frame []byte) error {
	f.Lock()
	defer f.Unlock()

	if f.file == nil {
		return jerrors.Errorf("file %s not open", f.filePath)
	}
	if f.readOnly {
		return jerrors.Forbiddenf("write page %d of read only %s", pageNo, f.filePath)
	}
	if len(frame) != f.pageSize {
		return jerrors.NotValidf("page size %d", len(frame))
	}

	page := frame
	// page 0 总是不压缩，打开表空间时要从这里读flags
	if f.compression != 0 && pageNo != 0 {
		out := make([]byte, f.pageSize)
		switch err := CompressPage(frame, out, f.compression); {
		case err == nil:
			page = out
		case err != errNotCompressible:
			return jerrors.Annotatef(err, "page %d of %s", pageNo, f.filePath)
		}
	}

	offset := int64(pageNo) * int64(f.pageSize)
	if _, err := f.file.WriteAt(page, offset); err != nil {
		return jerrors.Annotatef(err, "write page %d of %s", pageNo, f.filePath)
	}
	return nil
}

// Truncate 把文件截断或扩展到pages个页面
func (f *IBD_File) Truncate(pages uint32) error {
	f.Lock()
	defer f.Unlock()

	if f.file == nil {
		return jerrors.Errorf("file %s not open", f.filePath)
	}
	return jerrors.Annotatef(f.file.Truncate(int64(pages)*int64(f.pageSize)), "resize %s to %d pages", f.filePath, pages)
}

// Rename 重命名文件，文件保持打开
func (f *IBD_File) Rename(newPath string) error {
	f.Lock()
	defer f.Unlock()

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return jerrors.Annotatef(err, "create directory for %s", newPath)
	}
	if err := os.Rename(f.filePath, newPath); err != nil {
		return jerrors.Annotatef(err, "rename %s to %s", f.filePath, newPath)
	}
	f.filePath = newPath
	return nil
}

// Sync flushes file buffers to disk
func (f *IBD_File) Sync() error {
	f.RLock()
	defer f.RUnlock()

	if f.file == nil {
		return jerrors.Errorf("file %s not open", f.filePath)
	}
	return jerrors.Trace(f.file.Sync())
}

// GetSpaceId returns the tablespace ID
func (f *IBD_File) GetSpaceId() uint32 {
	return f.spaceID
}

// GetFilePath returns the file path
func (f *IBD_File) GetFilePath() string {
	f.RLock()
	defer f.RUnlock()
	return f.filePath
}

// Delete removes the IBD file from disk
func (f *IBD_File) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	f.Lock()
	defer f.Unlock()
	if err := os.Remove(f.filePath); err != nil && !os.IsNotExist(err) {
		return jerrors.Annotatef(err, "delete %s", f.filePath)
	}
	return nil
}

// Close closes the IBD file
func (f *IBD_File) Close() error {
	f.Lock()
	defer f.Unlock()

	if f.file == nil {
		return nil
	}
	if !f.readOnly {
		if err := f.file.Sync(); err != nil {
			return jerrors.Annotatef(err, "sync %s", f.filePath)
		}
	}
	err := f.file.Close()
	f.file = nil
	return jerrors.Annotatef(err, "close %s", f.filePath)
}

// Exists checks if the IBD file exists on disk
func (f *IBD_File) Exists() bool {
	_, err := os.Stat(f.GetFilePath())
	return err == nil
}

// PageCount 文件中完整页面的个数
func (f *IBD_File) PageCount() (uint32, error) {
	f.RLock()
	defer f.RUnlock()

	if f.file == nil {
		return 0, jerrors.Errorf("file %s not open", f.filePath)
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, jerrors.Annotatef(err, "stat %s", f.filePath)
	}
	return uint32(info.Size() / int64(f.pageSize)), nil
}
