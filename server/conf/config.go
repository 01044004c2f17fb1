package conf

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/recovery"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[mysqld]
datadir		= /var/lib/mysql

[innodb]
data_file_path		= ibdata1:12M:autoextend
page_size		= 16384
buffer_pool_size	= 134217728
log_group_home_dir	= .
force_recovery		= 0
recovery_threads	= 4

[logs]
log_error	= /var/log/mysql/error.log
log_level	= info
*/
type Cfg struct {
	Raw     *ini.File
	DataDir string

	// logs
	LogError string `default:"/var/log/mysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/mysql/mysql.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// innodb
	InnodbDataHomeDir      string `default:"" yaml:"innodb_data_home_dir" json:"innodb_data_home_dir,omitempty"`
	InnodbDataFilePath     string `default:"ibdata1:12M:autoextend" yaml:"innodb_data_file_path" json:"innodb_data_file_path,omitempty"`
	InnodbPageSize         int    `default:"16384" yaml:"innodb_page_size" json:"innodb_page_size,omitempty"`
	InnodbBufferPoolSize   int    `default:"134217728" yaml:"innodb_buffer_pool_size" json:"innodb_buffer_pool_size,omitempty"`
	InnodbLogGroupHomeDir  string `default:"" yaml:"innodb_log_group_home_dir" json:"innodb_log_group_home_dir,omitempty"`
	InnodbDoublewrite      bool   `default:"true" yaml:"innodb_doublewrite" json:"innodb_doublewrite,omitempty"`
	InnodbReadOnly         bool   `default:"false" yaml:"innodb_read_only" json:"innodb_read_only,omitempty"`
	InnodbForceRecovery    int    `default:"0" yaml:"innodb_force_recovery" json:"innodb_force_recovery,omitempty"`
	InnodbRecoveryThreads  int    `default:"0" yaml:"innodb_recovery_threads" json:"innodb_recovery_threads,omitempty"`
	InnodbRecoveryMaxBlock int    `default:"0" yaml:"innodb_recovery_max_blocks" json:"innodb_recovery_max_blocks,omitempty"`
	InnodbEncryption       InnodbEncryptionConfig
}

type InnodbEncryptionConfig struct {
	MasterKey  string `default:"" yaml:"master_key" json:"master_key,omitempty"`
	KeyVersion int    `default:"1" yaml:"key_version" json:"key_version,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:     ini.Empty(),
		DataDir: "data",
		// Logs 默认配置
		LogError: "/var/log/mysql/error.log",
		LogInfos: "/var/log/mysql/mysql.log",
		LogLevel: "info",
		// InnoDB 默认配置
		InnodbDataFilePath:   "ibdata1:12M:autoextend",
		InnodbPageSize:       16384,     // 16KB
		InnodbBufferPoolSize: 134217728, // 128MB
		InnodbDoublewrite:    true,
		InnodbEncryption: InnodbEncryptionConfig{
			KeyVersion: 1,
		},
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Debugf("加载配置文件时有异常: %v\n", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseMysqldCfg(cfg.Raw.Section("mysqld"))
	cfg.parseInnodbCfg(cfg.Raw.Section("innodb"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")

}

func (cfg *Cfg) parseMysqldCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	dataDir, err := valueAsString(section, "datadir", cfg.DataDir)
	if err == nil {
		cfg.DataDir = dataDir
	}
	return cfg
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	var err error

	// 如果没有指定配置文件路径，使用默认的conf/my.ini
	configFile := "conf/my.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	// check if config file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置\n", configFile)
		// 如果配置文件不存在，返回一个空的ini文件，使用默认配置
		return ini.Empty(), nil
	}

	// load configuration file
	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Debugf("解析配置文件失败: %v，使用默认配置\n", err)
		// 如果解析失败，返回一个空的ini文件，使用默认配置
		return ini.Empty(), nil
	}

	logger.Debugf("成功加载配置文件: %s\n", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// GetString 获取配置项的字符串值
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return ""
	}

	value, err := valueAsString(section, strings.Join(parts[1:], "."), "")
	if err != nil {
		return ""
	}
	return value
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return 0
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return 0
	}

	return section.Key(strings.Join(parts[1:], ".")).MustInt(0)
}

func validPageSize(size int) bool {
	switch size {
	case 4096, 8192, 16384, 32768, 65536:
		return true
	}
	return false
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	homeDir, err := valueAsString(section, "data_home_dir", cfg.InnodbDataHomeDir)
	if err == nil {
		cfg.InnodbDataHomeDir = homeDir
	}

	dataFilePath, err := valueAsString(section, "data_file_path", cfg.InnodbDataFilePath)
	if err == nil {
		cfg.InnodbDataFilePath = dataFilePath
	}

	pageSize := section.Key("page_size").MustInt(cfg.InnodbPageSize)
	if validPageSize(pageSize) {
		cfg.InnodbPageSize = pageSize
	} else {
		logger.Warnf("无效的页面大小 %d, 使用 %d", pageSize, cfg.InnodbPageSize)
	}

	cfg.InnodbBufferPoolSize = section.Key("buffer_pool_size").MustInt(cfg.InnodbBufferPoolSize)

	logDir, err := valueAsString(section, "log_group_home_dir", cfg.InnodbLogGroupHomeDir)
	if err == nil {
		cfg.InnodbLogGroupHomeDir = logDir
	}

	cfg.InnodbDoublewrite = section.Key("doublewrite").MustBool(cfg.InnodbDoublewrite)
	cfg.InnodbReadOnly = section.Key("read_only").MustBool(cfg.InnodbReadOnly)

	// innodb_force_recovery 取值0到6
	force := section.Key("force_recovery").MustInt(cfg.InnodbForceRecovery)
	if force < 0 || force > 6 {
		logger.Warnf("无效的innodb_force_recovery %d, 使用 %d", force, cfg.InnodbForceRecovery)
	} else {
		cfg.InnodbForceRecovery = force
	}

	cfg.InnodbRecoveryThreads = section.Key("recovery_threads").MustInt(cfg.InnodbRecoveryThreads)
	cfg.InnodbRecoveryMaxBlock = section.Key("recovery_max_blocks").MustInt(cfg.InnodbRecoveryMaxBlock)

	masterKey, err := valueAsString(section, "encryption.master_key", cfg.InnodbEncryption.MasterKey)
	if err == nil {
		cfg.InnodbEncryption.MasterKey = masterKey
	}
	cfg.InnodbEncryption.KeyVersion = section.Key("encryption.key_version").MustInt(cfg.InnodbEncryption.KeyVersion)

	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	// Parse log error
	logError, err := valueAsString(section, "log_error", cfg.LogError)
	if err == nil {
		cfg.LogError = logError
	}

	// Parse log infos
	logInfos, err := valueAsString(section, "log_infos", cfg.LogInfos)
	if err == nil {
		cfg.LogInfos = logInfos
	}

	// Parse log level
	logLevel, err := valueAsString(section, "log_level", cfg.LogLevel)
	if err == nil {
		cfg.LogLevel = strings.ToLower(logLevel)
		// 验证日志级别是否有效
		validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
		isValid := false
		for _, level := range validLevels {
			if cfg.LogLevel == level {
				isValid = true
				break
			}
		}
		if !isValid {
			logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'\n", logLevel)
			cfg.LogLevel = "info"
		}
	}

	return cfg
}

// DataHome 表空间文件所在目录，innodb_data_home_dir为空时就是datadir
func (cfg *Cfg) DataHome() string {
	if cfg.InnodbDataHomeDir != "" {
		return cfg.InnodbDataHomeDir
	}
	return cfg.DataDir
}

// LogHome redo日志所在目录
func (cfg *Cfg) LogHome() string {
	if cfg.InnodbLogGroupHomeDir != "" {
		return cfg.InnodbLogGroupHomeDir
	}
	return cfg.DataDir
}

// SystemSpaceName innodb_data_file_path中的第一个文件
func (cfg *Cfg) SystemSpaceName() string {
	first := strings.SplitN(cfg.InnodbDataFilePath, ";", 2)[0]
	name := strings.TrimSpace(strings.SplitN(first, ":", 2)[0])
	if name == "" {
		return "ibdata1"
	}
	return name
}

// BufferPoolPages 缓冲池的页帧数
func (cfg *Cfg) BufferPoolPages() int {
	return cfg.InnodbBufferPoolSize / cfg.InnodbPageSize
}

// LogKeys 日志加密的主密钥，master_key为十六进制串。没有配置时返回nil
func (cfg *Cfg) LogKeys() (logs.KeyProvider, error) {
	if cfg.InnodbEncryption.MasterKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.InnodbEncryption.MasterKey)
	if err != nil {
		return nil, err
	}
	return logs.StaticKeys{uint32(cfg.InnodbEncryption.KeyVersion): key}, nil
}

// RecoveryConfig 转换成恢复参数
func (cfg *Cfg) RecoveryConfig() recovery.Config {
	rc := recovery.DefaultConfig()
	rc.ForceRecovery = cfg.InnodbForceRecovery
	rc.ReadOnly = cfg.InnodbReadOnly
	if cfg.InnodbRecoveryThreads > 0 {
		rc.ApplyThreads = cfg.InnodbRecoveryThreads
	}
	rc.MaxStoreBlocks = cfg.InnodbRecoveryMaxBlock
	return rc
}
