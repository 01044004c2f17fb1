package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-recovery/server/conf"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/storage/store/logs"
)

const pageSize = 4096

// crashedDataDir 一个有表空间t1和一个未应用mtr的数据目录
func crashedDataDir(t *testing.T) string {
	dir := t.TempDir()
	spaces := manager.NewSpaceManager(dir, pageSize, false)
	_, err := spaces.Create(1, "t1.ibd", 8, 0, nil)
	require.NoError(t, err)
	require.NoError(t, spaces.Close())

	const first = 8192
	log, err := logs.CreateLogFile(filepath.Join(dir, logFileName), logs.LOG_MIN_FILE_SIZE, first, logs.LogFileOptions{})
	require.NoError(t, err)
	defer log.Close()

	cp := logs.NewMtrWriter()
	cp.FileCheckpoint(first)
	mtr, err := cp.Finish(first)
	require.NoError(t, err)

	w := logs.NewMtrWriter()
	w.Write(1, 3, 100, []byte("recovered"))
	_, err = log.WriteMtr(first+uint64(len(mtr)), w)
	require.NoError(t, err)
	return dir
}

func TestRun(t *testing.T) {
	dir := crashedDataDir(t)
	cfg := conf.NewCfg()
	cfg.DataDir = dir
	cfg.InnodbPageSize = pageSize
	cfg.InnodbBufferPoolSize = 64 * pageSize

	report, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "DONE", report.State)
	assert.Equal(t, int64(1), report.PagesApplied)
	assert.NotEmpty(t, report.Session)

	path := filepath.Join(t.TempDir(), "report.toml")
	require.NoError(t, writeReport(path, report))
	tree, err := toml.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tree.Get("pages_applied"))
	assert.Equal(t, "DONE", tree.Get("state"))
	assert.Equal(t, int64(0), tree.Get("pages_row_format_unsupported"))

	spaces := manager.NewSpaceManager(dir, pageSize, true)
	defer spaces.Close()
	_, err = spaces.Open(1, "t1.ibd")
	require.NoError(t, err)
	frame := make([]byte, pageSize)
	require.NoError(t, spaces.ReadPage(1, 3, frame))
	assert.Equal(t, "recovered", string(frame[100:109]))

	again, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.PagesApplied)
}

func TestRunMissingLog(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	cfg.InnodbPageSize = pageSize
	cfg.InnodbBufferPoolSize = 64 * pageSize
	_, err := run(context.Background(), cfg)
	assert.Error(t, err)
}
