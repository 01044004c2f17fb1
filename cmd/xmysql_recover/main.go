package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/logger"
	"github.com/zhukovaskychina/xmysql-recovery/server/conf"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/recovery"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/dblwr"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
)

const help = `
******************************************************************************************
*xmysql_recover: 用redo日志恢复InnoDB数据目录
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
*3. -- report       恢复结束后写出的TOML报告
*注意: 不能重放索引页上的行插入和删除(INSERT/DELETE记录)。日志里有这类记录时恢复失败，
*      innodb_force_recovery>0时丢弃这些页面继续，报告中pages_row_format_unsupported给出页数
******************************************************************************************
`

const logFileName = "ib_logfile0"

func main() {
	var (
		configPath string
		reportPath string
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&reportPath, "report", "", "恢复报告路径")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	config := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, config)
	if reportPath != "" {
		if werr := writeReport(reportPath, report); werr != nil {
			logger.Errorf("write recovery report: %v", werr)
		}
	}
	if err != nil {
		logger.Errorf("crash recovery failed: %v", err)
		if errors.Is(err, recovery.ErrRowFormatUnsupported) {
			logger.Errorf("the redo log contains row inserts or deletes on index pages, which xmysql_recover cannot replay")
		}
		if !recovery.IsUnsupportedFormat(err) && config.InnodbForceRecovery == 0 {
			logger.Errorf("setting innodb_force_recovery may allow the data directory to be opened")
		}
		os.Exit(1)
	}
}

// run 打开数据目录，执行一次恢复
func run(ctx context.Context, config *conf.Cfg) (recoveryReport, error) {
	var report recoveryReport
	readOnly := config.InnodbReadOnly
	pageSize := config.InnodbPageSize

	spaces := manager.NewSpaceManager(config.DataHome(), pageSize, readOnly)
	defer spaces.Close()

	var doublewrite recovery.Doublewrite
	if _, err := spaces.OpenSystemSpace(config.SystemSpaceName()); err != nil {
		logger.Warnf("cannot open system tablespace %s: %v", config.SystemSpaceName(), err)
	} else if config.InnodbDoublewrite {
		buf, err := dblwr.Load(spaces, pageSize)
		if err != nil {
			return report, errors.Wrap(err, "load doublewrite buffer")
		}
		doublewrite = buf
	}
	if err := spaces.Scan(); err != nil {
		return report, err
	}

	keys, err := config.LogKeys()
	if err != nil {
		return report, errors.Wrap(err, "innodb encryption master key")
	}
	log, err := logs.OpenLogFile(filepath.Join(config.LogHome(), logFileName), readOnly, keys)
	if err != nil {
		return report, err
	}
	defer log.Close()

	pool, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PageSize:       uint32(pageSize),
		BufferPoolSize: uint64(config.InnodbBufferPoolSize),
		Storage:        spaces,
	})
	if err != nil {
		return report, err
	}

	session, err := recovery.NewSession(config.RecoveryConfig(), recovery.Deps{
		Log:         log,
		Spaces:      spaces,
		Pool:        pool,
		Doublewrite: doublewrite,
	})
	if err != nil {
		return report, err
	}
	defer session.Close()

	err = session.Recover(ctx)
	report = buildReport(session, err)
	if err == nil && report.PagesRowFormat > 0 {
		logger.Warnf("%d pages had row inserts or deletes that cannot be replayed and were discarded", report.PagesRowFormat)
	}
	return report, err
}
