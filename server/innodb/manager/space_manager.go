package manager

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/common"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/ibd"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-recovery/util"
)

// 系统表空间
const (
	SYS_SPACE_ID   = 0
	SYS_SPACE_NAME = "ibdata1"
)

// SpaceInfo 表空间的基本信息，来自page 0 的FSP头
type SpaceInfo struct {
	SpaceID uint32
	Name    string // 相对数据目录的文件名
	Size    uint32 // 页数
	Flags   uint32
	Crypt   pages.CryptData
}

// IsZip 是否是ROW_FORMAT=COMPRESSED表空间
func (s SpaceInfo) IsZip() bool {
	return common.IsZipFlags(s.Flags)
}

// ProbeStatus 按文件名探测表空间的结果
type ProbeStatus int

const (
	ProbeOK         ProbeStatus = iota // 文件存在并且page 0 的space id一致
	ProbeIDMismatch                    // 文件属于另一个表空间
	ProbeNotFound                      // 文件不存在
	ProbeDefer                         // 文件存在但page 0 不可用，需要延迟处理
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeOK:
		return "OK"
	case ProbeIDMismatch:
		return "ID_MISMATCH"
	case ProbeNotFound:
		return "NOT_FOUND"
	case ProbeDefer:
		return "DEFER"
	}
	return "UNKNOWN"
}

// ProbeResult 探测结果。Status为ProbeOK或ProbeIDMismatch时Info来自磁盘上的page 0
type ProbeResult struct {
	Status ProbeStatus
	Info   SpaceInfo
}

// PageRange 闭区间[First, Last]内的页面
type PageRange struct {
	First uint32
	Last  uint32
}

type tablespace struct {
	info SpaceInfo
	file *ibd.IBD_File
}

// SpaceManager 管理数据目录下已打开的表空间文件，同时作为缓冲池的页面存储
type SpaceManager struct {
	sync.RWMutex
	spaces   map[uint32]*tablespace
	nameToID map[string]uint32
	dataDir  string
	pageSize int
	readOnly bool
}

// NewSpaceManager creates a new space manager
func NewSpaceManager(dataDir string, pageSize int, readOnly bool) *SpaceManager {
	return &SpaceManager{
		spaces:   make(map[uint32]*tablespace),
		nameToID: make(map[string]uint32),
		dataDir:  dataDir,
		pageSize: pageSize,
		readOnly: readOnly,
	}
}

// PageSize 页面大小
func (sm *SpaceManager) PageSize() int {
	return sm.pageSize
}

// DataDir 数据目录
func (sm *SpaceManager) DataDir() string {
	return sm.dataDir
}

// NormalizeName 统一文件名写法，日志里的名字和磁盘上的名字按这个比较
func NormalizeName(name string) string {
	return filepath.ToSlash(filepath.Clean(strings.TrimPrefix(name, "./")))
}

func (sm *SpaceManager) filePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(sm.dataDir, filepath.FromSlash(name))
}

// readPage0 打开文件读出page 0，调用方负责关闭返回的文件
func (sm *SpaceManager) readPage0(spaceID uint32, name string) (*ibd.IBD_File, []byte, error) {
	file := ibd.NewIBDFile(sm.filePath(name), spaceID, sm.pageSize)
	if err := file.Open(true); err != nil {
		return nil, nil, err
	}
	page0 := make([]byte, sm.pageSize)
	if err := file.ReadPage(0, page0); err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, page0, nil
}

func spaceInfoFromPage0(name string, page0 []byte) SpaceInfo {
	fsp := pages.ParseFSPHeader(page0)
	return SpaceInfo{
		SpaceID: fsp.SpaceID,
		Name:    name,
		Size:    fsp.Size,
		Flags:   fsp.Flags,
		Crypt:   pages.ParseCryptData(page0),
	}
}

// Probe 按文件名检查表空间文件，不注册
func (sm *SpaceManager) Probe(spaceID uint32, name string) ProbeResult {
	name = NormalizeName(name)
	file, page0, err := sm.readPage0(spaceID, name)
	if err != nil {
		if jerrors.IsNotFound(err) && !sm.fileExists(name) {
			return ProbeResult{Status: ProbeNotFound, Info: SpaceInfo{SpaceID: spaceID, Name: name}}
		}
		logger.Warnf("probe tablespace %d file %s: %v", spaceID, name, err)
		return ProbeResult{Status: ProbeDefer, Info: SpaceInfo{SpaceID: spaceID, Name: name}}
	}
	defer file.Close()

	if util.IsZero(page0) || pages.IsCorrupted(page0) {
		return ProbeResult{Status: ProbeDefer, Info: SpaceInfo{SpaceID: spaceID, Name: name}}
	}
	info := spaceInfoFromPage0(name, page0)
	if info.SpaceID != spaceID || pages.SpaceID(page0) != spaceID {
		return ProbeResult{Status: ProbeIDMismatch, Info: info}
	}
	return ProbeResult{Status: ProbeOK, Info: info}
}

func (sm *SpaceManager) fileExists(name string) bool {
	_, err := os.Stat(sm.filePath(name))
	return err == nil
}

// Lookup 返回已注册表空间的信息
func (sm *SpaceManager) Lookup(spaceID uint32) (SpaceInfo, bool) {
	sm.RLock()
	defer sm.RUnlock()
	ts, ok := sm.spaces[spaceID]
	if !ok {
		return SpaceInfo{}, false
	}
	return ts.info, true
}

// LookupName 按文件名查找已注册的表空间
func (sm *SpaceManager) LookupName(name string) (uint32, bool) {
	sm.RLock()
	defer sm.RUnlock()
	id, ok := sm.nameToID[NormalizeName(name)]
	return id, ok
}

// Spaces 返回全部已注册表空间，按space id排序
func (sm *SpaceManager) Spaces() []SpaceInfo {
	sm.RLock()
	defer sm.RUnlock()
	infos := make([]SpaceInfo, 0, len(sm.spaces))
	for _, ts := range sm.spaces {
		infos = append(infos, ts.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SpaceID < infos[j].SpaceID })
	return infos
}

func (sm *SpaceManager) register(info SpaceInfo, file *ibd.IBD_File) {
	file.SetCompression(common.PageCompressionAlgo(info.Flags))
	if old, ok := sm.spaces[info.SpaceID]; ok {
		delete(sm.nameToID, old.info.Name)
		old.file.Close()
	}
	sm.spaces[info.SpaceID] = &tablespace{info: info, file: file}
	sm.nameToID[info.Name] = info.SpaceID
}

// Open 打开并注册表空间文件，page 0 必须可读并且属于spaceID
func (sm *SpaceManager) Open(spaceID uint32, name string) (SpaceInfo, error) {
	name = NormalizeName(name)
	probe := sm.Probe(spaceID, name)
	switch probe.Status {
	case ProbeOK:
	case ProbeNotFound:
		return SpaceInfo{}, jerrors.NotFoundf("tablespace %d file %s", spaceID, name)
	default:
		return SpaceInfo{}, jerrors.NotValidf("tablespace %d file %s (%s)", spaceID, name, probe.Status)
	}

	file := ibd.NewIBDFile(sm.filePath(name), spaceID, sm.pageSize)
	if err := file.Open(sm.readOnly); err != nil {
		return SpaceInfo{}, jerrors.Trace(err)
	}
	sm.Lock()
	defer sm.Unlock()
	sm.register(probe.Info, file)
	logger.Debugf("opened tablespace %d %s size %d flags %#x", spaceID, name, probe.Info.Size, probe.Info.Flags)
	return probe.Info, nil
}

// OpenSystemSpace 打开系统表空间
func (sm *SpaceManager) OpenSystemSpace(name string) (SpaceInfo, error) {
	if name == "" {
		name = SYS_SPACE_NAME
	}
	return sm.Open(SYS_SPACE_ID, name)
}

// Scan 遍历数据目录，打开所有能识别的.ibd文件。
// 同一个space id出现在多个文件中时只保留第一个，并给出警告
func (sm *SpaceManager) Scan() error {
	var names []string
	err := filepath.Walk(sm.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".ibd") {
			return nil
		}
		rel, err := filepath.Rel(sm.dataDir, path)
		if err != nil {
			return err
		}
		names = append(names, NormalizeName(rel))
		return nil
	})
	if err != nil {
		return jerrors.Annotatef(err, "scan %s", sm.dataDir)
	}
	sort.Strings(names)

	for _, name := range names {
		file, page0, err := sm.readPage0(0, name)
		if err != nil {
			logger.Warnf("skip tablespace file %s: %v", name, err)
			continue
		}
		file.Close()
		if util.IsZero(page0) || pages.IsCorrupted(page0) {
			logger.Warnf("skip tablespace file %s: page 0 unreadable", name)
			continue
		}
		spaceID := pages.SpaceID(page0)
		if existing, ok := sm.Lookup(spaceID); ok {
			if existing.Name != name {
				logger.Warnf("tablespace %d found in both %s and %s, ignoring %s", spaceID, existing.Name, name, name)
			}
			continue
		}
		if _, err := sm.Open(spaceID, name); err != nil {
			logger.Warnf("skip tablespace file %s: %v", name, err)
		}
	}
	return nil
}

// Create 创建表空间文件，写入page 0 后注册。page0为nil时写一个只有FSP头的page 0
func (sm *SpaceManager) Create(spaceID uint32, name string, size, flags uint32, page0 []byte) (SpaceInfo, error) {
	if sm.readOnly {
		return SpaceInfo{}, jerrors.Forbiddenf("create tablespace %d in read only mode", spaceID)
	}
	name = NormalizeName(name)
	if size == 0 {
		size = 1
	}
	if page0 == nil {
		page0 = make([]byte, sm.pageSize)
		pages.InitFilePage(page0, spaceID, 0)
		pages.SetType(page0, common.FIL_PAGE_TYPE_FSP_HDR)
		pages.WriteFSPHeader(page0, pages.FSPHeader{SpaceID: spaceID, Size: size, Flags: flags})
		pages.SetLSNAndChecksum(page0, 0)
	}

	path := sm.filePath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return SpaceInfo{}, jerrors.Annotatef(err, "remove stale %s", path)
	}
	file := ibd.NewIBDFile(path, spaceID, sm.pageSize)
	if err := file.Create(size); err != nil {
		return SpaceInfo{}, jerrors.Trace(err)
	}
	if err := file.WritePage(0, page0); err != nil {
		file.Close()
		return SpaceInfo{}, jerrors.Trace(err)
	}

	info := SpaceInfo{SpaceID: spaceID, Name: name, Size: size, Flags: flags, Crypt: pages.ParseCryptData(page0)}
	sm.Lock()
	defer sm.Unlock()
	sm.register(info, file)
	logger.Infof("created tablespace %d %s size %d", spaceID, name, size)
	return info, nil
}

func (sm *SpaceManager) get(spaceID uint32) (*tablespace, error) {
	ts, ok := sm.spaces[spaceID]
	if !ok {
		return nil, jerrors.NotFoundf("tablespace %d", spaceID)
	}
	return ts, nil
}

// Rename 重命名表空间文件
func (sm *SpaceManager) Rename(spaceID uint32, newName string) error {
	sm.Lock()
	defer sm.Unlock()
	ts, err := sm.get(spaceID)
	if err != nil {
		return err
	}
	newName = NormalizeName(newName)
	if ts.info.Name == newName {
		return nil
	}
	if other, ok := sm.nameToID[newName]; ok && other != spaceID {
		return jerrors.AlreadyExistsf("tablespace %d file %s", other, newName)
	}
	if sm.readOnly {
		return jerrors.Forbiddenf("rename tablespace %d in read only mode", spaceID)
	}
	if err := ts.file.Rename(sm.filePath(newName)); err != nil {
		return jerrors.Trace(err)
	}
	delete(sm.nameToID, ts.info.Name)
	logger.Infof("renamed tablespace %d from %s to %s", spaceID, ts.info.Name, newName)
	ts.info.Name = newName
	sm.nameToID[newName] = spaceID
	return nil
}

// Delete 删除表空间。已注册的按space id删除，否则按文件名删除
func (sm *SpaceManager) Delete(spaceID uint32, name string) error {
	if sm.readOnly {
		return jerrors.Forbiddenf("delete tablespace %d in read only mode", spaceID)
	}
	sm.Lock()
	defer sm.Unlock()
	if ts, ok := sm.spaces[spaceID]; ok {
		delete(sm.spaces, spaceID)
		delete(sm.nameToID, ts.info.Name)
		logger.Infof("deleted tablespace %d %s", spaceID, ts.info.Name)
		return jerrors.Trace(ts.file.Delete())
	}
	if name == "" {
		return nil
	}
	path := sm.filePath(NormalizeName(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return jerrors.Annotatef(err, "delete %s", path)
	}
	return nil
}

// Truncate 把表空间截断到size个页面
func (sm *SpaceManager) Truncate(spaceID, size uint32) error {
	sm.Lock()
	defer sm.Unlock()
	ts, err := sm.get(spaceID)
	if err != nil {
		return err
	}
	if sm.readOnly {
		return jerrors.Forbiddenf("truncate tablespace %d in read only mode", spaceID)
	}
	if err := ts.file.Truncate(size); err != nil {
		return jerrors.Trace(err)
	}
	ts.info.Size = size
	logger.Infof("truncated tablespace %d %s to %d pages", spaceID, ts.info.Name, size)
	return nil
}

// UpdateSize 记录page 0 上新的表空间大小和flags，文件不够大时扩展
func (sm *SpaceManager) UpdateSize(spaceID, size, flags uint32) error {
	sm.Lock()
	defer sm.Unlock()
	ts, err := sm.get(spaceID)
	if err != nil {
		return err
	}
	ts.info.Size = size
	if flags != ts.info.Flags {
		ts.info.Flags = flags
		ts.file.SetCompression(common.PageCompressionAlgo(flags))
	}
	if sm.readOnly {
		return nil
	}
	n, err := ts.file.PageCount()
	if err != nil {
		return jerrors.Trace(err)
	}
	if n < size {
		return jerrors.Trace(ts.file.Truncate(size))
	}
	return nil
}

// UpdateCrypt 记录page 0 上新的加密元数据
func (sm *SpaceManager) UpdateCrypt(spaceID uint32, crypt pages.CryptData) error {
	sm.Lock()
	defer sm.Unlock()
	ts, err := sm.get(spaceID)
	if err != nil {
		return err
	}
	ts.info.Crypt = crypt
	return nil
}

// FreeRanges 把已释放的页面清零
func (sm *SpaceManager) FreeRanges(spaceID uint32, ranges []PageRange) error {
	sm.RLock()
	defer sm.RUnlock()
	ts, err := sm.get(spaceID)
	if err != nil {
		return err
	}
	if sm.readOnly {
		return nil
	}
	n, err := ts.file.PageCount()
	if err != nil {
		return jerrors.Trace(err)
	}
	zero := make([]byte, sm.pageSize)
	for _, r := range ranges {
		for page := r.First; page <= r.Last && page < n; page++ {
			if page == 0 {
				continue
			}
			if err := ts.file.WritePage(page, zero); err != nil {
				return jerrors.Trace(err)
			}
		}
	}
	return nil
}

// ReadPage 读页面。文件末尾之后的页面按从未写过的全0页返回
func (sm *SpaceManager) ReadPage(spaceID, pageNo uint32, frame []byte) error {
	sm.RLock()
	ts, err := sm.get(spaceID)
	sm.RUnlock()
	if err != nil {
		return err
	}
	err = ts.file.ReadPage(pageNo, frame)
	if jerrors.IsNotFound(err) {
		for i := range frame {
			frame[i] = 0
		}
		return nil
	}
	return err
}

// WritePage 写页面
func (sm *SpaceManager) WritePage(spaceID, pageNo uint32, frame []byte) error {
	sm.RLock()
	ts, err := sm.get(spaceID)
	sm.RUnlock()
	if err != nil {
		return err
	}
	return ts.file.WritePage(pageNo, frame)
}

// Sync 把全部表空间文件刷盘
func (sm *SpaceManager) Sync() error {
	sm.RLock()
	defer sm.RUnlock()
	if sm.readOnly {
		return nil
	}
	for _, ts := range sm.spaces {
		if err := ts.file.Sync(); err != nil {
			return jerrors.Trace(err)
		}
	}
	return nil
}

// Close 关闭全部表空间文件
func (sm *SpaceManager) Close() error {
	sm.Lock()
	defer sm.Unlock()

	var lastErr error
	for _, ts := range sm.spaces {
		if err := ts.file.Close(); err != nil {
			lastErr = err
		}
	}
	sm.spaces = make(map[uint32]*tablespace)
	sm.nameToID = make(map[string]uint32)
	return lastErr
}
