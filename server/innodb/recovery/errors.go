package recovery

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind 恢复错误的类别
type ErrorKind int

const (
	KindCorruptLog ErrorKind = iota + 1
	KindCorruptFS
	KindMissingSpace
	KindOOM
	KindUnsupportedFormat
)

func (k ErrorKind) String() string {
	switch k {
	case KindCorruptLog:
		return "corrupted redo log"
	case KindCorruptFS:
		return "corrupted tablespace"
	case KindMissingSpace:
		return "missing tablespace"
	case KindOOM:
		return "out of memory"
	case KindUnsupportedFormat:
		return "unsupported redo log format"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var (
	ErrOutOfOrder           = errors.New("record added out of LSN order")
	ErrStoreFull            = errors.New("no free block for redo records")
	ErrRowFormatUnsupported = errors.New("row format operation not supported")
	ErrCheckpointNotFound   = errors.New("FILE_CHECKPOINT not found")
)

// RecoveryError 恢复失败的原因，带上出错的页面、表空间和LSN
type RecoveryError struct {
	Kind    ErrorKind
	Op      string
	Page    *PageID
	SpaceID *uint32
	LSN     uint64
	Err     error
}

func (e *RecoveryError) Error() string {
	var b strings.Builder
	b.WriteString("recovery")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Page != nil {
		fmt.Fprintf(&b, " %s", e.Page)
	} else if e.SpaceID != nil {
		fmt.Fprintf(&b, " tablespace %d", *e.SpaceID)
	}
	if e.LSN != 0 {
		fmt.Fprintf(&b, " at LSN=%d", e.LSN)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	switch e.Kind {
	case KindCorruptLog, KindCorruptFS, KindMissingSpace:
		b.WriteString("; set innodb_force_recovery=1 to ignore this and possibly lose data")
	}
	return b.String()
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, lsn uint64, err error) *RecoveryError {
	return &RecoveryError{Kind: kind, Op: op, LSN: lsn, Err: err}
}

func pageError(kind ErrorKind, op string, id PageID, lsn uint64, err error) *RecoveryError {
	return &RecoveryError{Kind: kind, Op: op, Page: &id, LSN: lsn, Err: err}
}

func spaceError(kind ErrorKind, op string, space uint32, err error) *RecoveryError {
	return &RecoveryError{Kind: kind, Op: op, SpaceID: &space, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var re *RecoveryError
	return errors.As(err, &re) && re.Kind == kind
}

func IsCorruptLog(err error) bool {
	return isKind(err, KindCorruptLog)
}

func IsCorruptFS(err error) bool {
	return isKind(err, KindCorruptFS)
}

func IsMissingSpace(err error) bool {
	return isKind(err, KindMissingSpace)
}

func IsOOM(err error) bool {
	return isKind(err, KindOOM)
}

func IsUnsupportedFormat(err error) bool {
	return isKind(err, KindUnsupportedFormat)
}
