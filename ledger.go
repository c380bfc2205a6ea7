package quotafs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"strconv"
	"strings"
)

// UsageRecord is one line of the ledger.
type UsageRecord struct {
	Uid       uint32
	BytesUsed uint64
	QuotaMax  uint64
}

func (r UsageRecord) Remaining() uint64 {
	if r.BytesUsed >= r.QuotaMax {
		return 0
	}
	return r.QuotaMax - r.BytesUsed
}

func (r UsageRecord) appendLine(buf []byte) []byte {
	buf = strconv.AppendUint(buf, uint64(r.Uid), 10)
	buf = append(buf, '\t')
	buf = strconv.AppendUint(buf, r.BytesUsed, 10)
	buf = append(buf, '\t')
	buf = strconv.AppendUint(buf, r.QuotaMax, 10)
	return append(buf, '\n')
}

func parseUsageRecord(line string) (UsageRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return UsageRecord{}, fmt.Errorf("expected 3 tab separated fields, got %d", len(fields))
	}
	uid, err := parseDecimal(fields[0], 32)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("invalid uid: %w", err)
	}
	used, err := parseDecimal(fields[1], 64)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("invalid bytes used: %w", err)
	}
	quota, err := parseDecimal(fields[2], 64)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("invalid quota: %w", err)
	}
	if quota == 0 {
		return UsageRecord{}, errors.New("quota must be positive")
	}
	return UsageRecord{
		Uid:       uint32(uid),
		BytesUsed: used,
		QuotaMax:  quota,
	}, nil
}

// parseDecimal only accepts the form appendLine writes, so that loading
// and re-serializing a ledger cannot change its bytes.
func parseDecimal(field string, bitSize int) (uint64, error) {
	if len(field) > 1 && field[0] == '0' {
		return 0, fmt.Errorf("%q has leading zeros", field)
	}
	return strconv.ParseUint(field, 10, bitSize)
}

// CorruptLine is a ledger line that was skipped during load.
type CorruptLine struct {
	LineNo int
	Text   string
	Reason string
}

func (c CorruptLine) Error() string {
	return fmt.Sprintf("ledger line %d %q: %s", c.LineNo, c.Text, c.Reason)
}

type LoadReport struct {
	Records int
	Corrupt []CorruptLine
}

// Ledger is the in-memory usage table. It is not safe for concurrent use,
// the Enforcer serializes all access.
type Ledger struct {
	records []UsageRecord
	index   map[uint32]int
}

func NewLedger() *Ledger {
	return &Ledger{
		index: make(map[uint32]int),
	}
}

// LoadLedger reads the ledger at path. A missing file is an empty ledger.
func LoadLedger(path string) (*Ledger, LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return NewLedger(), LoadReport{}, nil
		}
		return nil, LoadReport{}, &IOError{Op: "load", Path: path, Err: err}
	}
	defer f.Close()

	l, report, err := ParseLedger(f)
	if err != nil {
		return nil, report, &IOError{Op: "load", Path: path, Err: err}
	}
	return l, report, nil
}

// ParseLedger builds a ledger from r, skipping lines that do not parse.
// Only read errors are returned.
func ParseLedger(r io.Reader) (*Ledger, LoadReport, error) {
	l := NewLedger()
	report := LoadReport{}
	brdr := bufio.NewReader(r)
	lineNo := 0

	for {
		line, err := brdr.ReadString('\n')
		if len(line) > 0 {
			lineNo += 1
			text := strings.TrimSuffix(line, "\n")
			rec, parseErr := parseUsageRecord(text)
			if parseErr == nil {
				if _, dup := l.index[rec.Uid]; dup {
					parseErr = fmt.Errorf("duplicate uid %d", rec.Uid)
				}
			}
			if parseErr != nil {
				report.Corrupt = append(report.Corrupt, CorruptLine{
					LineNo: lineNo,
					Text:   text,
					Reason: parseErr.Error(),
				})
			} else {
				l.index[rec.Uid] = len(l.records)
				l.records = append(l.records, rec)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, report, err
		}
	}

	report.Records = len(l.records)
	return l, report, nil
}

func (l *Ledger) Len() int {
	return len(l.records)
}

func (l *Ledger) Lookup(uid uint32) (UsageRecord, bool) {
	i, ok := l.index[uid]
	if !ok {
		return UsageRecord{}, false
	}
	return l.records[i], true
}

// Upsert replaces the record for uid with mutate(current). When uid has no
// record, current is a fresh record with the given seed quota.
func (l *Ledger) Upsert(uid uint32, seedQuota uint64, mutate func(UsageRecord) UsageRecord) UsageRecord {
	i, ok := l.index[uid]
	current := UsageRecord{Uid: uid, QuotaMax: seedQuota}
	if ok {
		current = l.records[i]
	}
	updated := mutate(current)
	updated.Uid = uid
	if ok {
		l.records[i] = updated
	} else {
		l.index[uid] = len(l.records)
		l.records = append(l.records, updated)
	}
	return updated
}

func (l *Ledger) Snapshot() Snapshot {
	records := make([]UsageRecord, len(l.records))
	copy(records, l.records)
	return Snapshot{records: records}
}

func (l *Ledger) ApplySnapshot(snap Snapshot) {
	l.records = make([]UsageRecord, len(snap.records))
	copy(l.records, snap.records)
	l.index = make(map[uint32]int, len(l.records))
	for i, rec := range l.records {
		l.index[rec.Uid] = i
	}
}

// Snapshot is an immutable copy of the ledger table in file order.
type Snapshot struct {
	records []UsageRecord
}

func (s Snapshot) Len() int {
	return len(s.records)
}

func (s Snapshot) Records() []UsageRecord {
	records := make([]UsageRecord, len(s.records))
	copy(records, s.records)
	return records
}

func (s Snapshot) Bytes() []byte {
	buf := make([]byte, 0, 32*len(s.records))
	for _, rec := range s.records {
		buf = rec.appendLine(buf)
	}
	return buf
}

func (s Snapshot) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, bytes.NewReader(s.Bytes()))
	return n, err
}
