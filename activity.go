package quotafs

import (
	"io"
	"log"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ActivityLog is a human readable record of ledger changes, kept for
// administrators. A nil *ActivityLog discards everything.
type ActivityLog struct {
	out    io.WriteCloser
	logger *log.Logger
}

func NewActivityLog(path string, maxSizeMB int) *ActivityLog {
	return newActivityLog(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
	})
}

func newActivityLog(out io.WriteCloser) *ActivityLog {
	return &ActivityLog{
		out:    out,
		logger: log.New(out, "", log.LstdFlags),
	}
}

func (a *ActivityLog) userAdded(uid uint32, quota uint64) {
	if a == nil {
		return
	}
	a.logger.Printf("Entry for user %d added to ledger, quota %s", uid, humanize.IBytes(quota))
}

func (a *ActivityLog) charged(uid uint32, n uint64, rec UsageRecord) {
	if a == nil {
		return
	}
	a.logger.Printf(
		"User %d charged %d bytes, %s of %s used",
		uid, n, humanize.IBytes(rec.BytesUsed), humanize.IBytes(rec.QuotaMax),
	)
}

func (a *ActivityLog) rejected(uid uint32, n uint64, rec UsageRecord) {
	if a == nil {
		return
	}
	a.logger.Printf(
		"User %d denied %d byte write, %s of %s used",
		uid, n, humanize.IBytes(rec.BytesUsed), humanize.IBytes(rec.QuotaMax),
	)
}

func (a *ActivityLog) rolledBack(uid uint32, n uint64, rec UsageRecord) {
	if a == nil {
		return
	}
	a.logger.Printf("User %d rolled back %d unwritten bytes, %s used", uid, n, humanize.IBytes(rec.BytesUsed))
}

func (a *ActivityLog) Close() error {
	if a == nil {
		return nil
	}
	return a.out.Close()
}
