package main

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-recovery/server/innodb/recovery"
)

// recoveryReport 恢复结果，写成TOML
type recoveryReport struct {
	Session      string `toml:"session"`
	State        string `toml:"state"`
	RecoveredLSN int64  `toml:"recovered_lsn"`
	Error        string `toml:"error"`
	CorruptLog   bool   `toml:"corrupt_log"`
	CorruptFS    bool   `toml:"corrupt_fs"`

	Batches        int64 `toml:"batches"`
	MtrsParsed     int64 `toml:"mtrs_parsed"`
	RecordsSkipped int64 `toml:"records_skipped"`
	PagesApplied   int64 `toml:"pages_applied"`
	PagesUpToDate  int64 `toml:"pages_up_to_date"`
	PagesDiscarded int64 `toml:"pages_discarded"`
	PagesRestored  int64 `toml:"pages_restored"`
	PagesFlushed   int64 `toml:"pages_flushed"`
	// PagesRowFormat 日志里有行插入、删除，这些页面没有恢复
	PagesRowFormat  int64   `toml:"pages_row_format_unsupported"`
	RenamedSpaces   []int64 `toml:"renamed_spaces"`
	TruncatedSpaces []int64 `toml:"truncated_spaces"`
	DeletedSpaces   []int64 `toml:"deleted_spaces"`
}

func spaceList(ids []uint32) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

func buildReport(s *recovery.Session, err error) recoveryReport {
	st := s.Stats()
	r := recoveryReport{
		Session:         s.ID(),
		State:           s.State().String(),
		RecoveredLSN:    int64(s.RecoveredLSN()),
		CorruptLog:      s.CorruptLog(),
		CorruptFS:       s.CorruptFS(),
		Batches:         int64(st.Batches),
		MtrsParsed:      int64(st.MtrsParsed),
		RecordsSkipped:  int64(st.RecordsSkipped),
		PagesApplied:    int64(st.PagesApplied),
		PagesUpToDate:   int64(st.PagesUpToDate),
		PagesDiscarded:  int64(st.PagesDiscarded),
		PagesRestored:   int64(st.PagesRestored),
		PagesFlushed:    int64(st.PagesFlushed),
		PagesRowFormat:  int64(st.PagesRowFormat),
		RenamedSpaces:   spaceList(st.RenamedSpaces),
		TruncatedSpaces: spaceList(st.TruncatedSpaces),
		DeletedSpaces:   spaceList(st.DeletedSpaces),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func writeReport(path string, r recoveryReport) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode recovery report")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}
