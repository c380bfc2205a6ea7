package quotafs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andrewchambers/quotafs/testutil"
	"github.com/go-test/deep"
)

func TestParseUsageRecord(t *testing.T) {
	testCases := []struct {
		line string
		rec  UsageRecord
		ok   bool
	}{
		{"7\t1000\t4096", UsageRecord{Uid: 7, BytesUsed: 1000, QuotaMax: 4096}, true},
		{"0\t0\t1", UsageRecord{Uid: 0, BytesUsed: 0, QuotaMax: 1}, true},
		{"4294967295\t18446744073709551615\t18446744073709551615", UsageRecord{Uid: 4294967295, BytesUsed: 18446744073709551615, QuotaMax: 18446744073709551615}, true},
		{"abc\tdef\tghi", UsageRecord{}, false},
		{"7\t1000", UsageRecord{}, false},
		{"7\t1000\t4096\t1", UsageRecord{}, false},
		{"7 1000 4096", UsageRecord{}, false},
		{"-1\t1000\t4096", UsageRecord{}, false},
		{"4294967296\t0\t4096", UsageRecord{}, false},
		{"7\t-5\t4096", UsageRecord{}, false},
		{"7\t0\t0", UsageRecord{}, false},
		{"", UsageRecord{}, false},
		{"007\t1\t10", UsageRecord{}, false},
		{"7\t01\t10", UsageRecord{}, false},
		{"7\t1\t010", UsageRecord{}, false},
		{"7\t+1\t10", UsageRecord{}, false},
	}

	for _, tc := range testCases {
		rec, err := parseUsageRecord(tc.line)
		if tc.ok != (err == nil) {
			t.Fatalf("%q: unexpected error state %v", tc.line, err)
		}
		if rec != tc.rec {
			t.Fatalf("%q: %v != %v", tc.line, rec, tc.rec)
		}
	}
}

func TestLoadMissingLedger(t *testing.T) {
	l, report, err := LoadLedger(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 || report.Records != 0 || len(report.Corrupt) != 0 {
		t.Fatalf("expected empty ledger, got %d records %v", l.Len(), report)
	}
}

func TestLoadUnreadableLedger(t *testing.T) {
	// A directory can be opened but not read.
	_, _, err := LoadLedger(t.TempDir())
	if !errors.Is(err, ErrLedgerIO) {
		t.Fatalf("expected ledger io error, got %v", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "load" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	path := testutil.WriteLedger(t, "1\t10\t4096\nabc\tdef\tghi\n2\t20\t8192\n")

	l, report, err := LoadLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Corrupt) != 1 {
		t.Fatalf("expected one corrupt line, got %v", report.Corrupt)
	}
	if report.Corrupt[0].LineNo != 2 || report.Corrupt[0].Text != "abc\tdef\tghi" {
		t.Fatalf("unexpected corrupt line %v", report.Corrupt[0])
	}
	if report.Records != 2 {
		t.Fatalf("expected 2 records, got %d", report.Records)
	}

	expected := []UsageRecord{
		{Uid: 1, BytesUsed: 10, QuotaMax: 4096},
		{Uid: 2, BytesUsed: 20, QuotaMax: 8192},
	}
	if diff := deep.Equal(l.Snapshot().Records(), expected); diff != nil {
		t.Fatal(diff)
	}
}

func TestLoadDuplicateUid(t *testing.T) {
	l, report, err := ParseLedger(strings.NewReader("5\t1\t100\n5\t2\t100\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Corrupt) != 1 || report.Corrupt[0].LineNo != 2 {
		t.Fatalf("unexpected report %v", report)
	}
	rec, ok := l.Lookup(5)
	if !ok || rec.BytesUsed != 1 {
		t.Fatalf("first occurrence should win, got %v", rec)
	}
}

func TestLoadLastLineWithoutNewline(t *testing.T) {
	l, report, err := ParseLedger(strings.NewReader("1\t1\t10\n2\t2\t20"))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Corrupt) != 0 || l.Len() != 2 {
		t.Fatalf("unexpected result %d %v", l.Len(), report)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	content := "9\t0\t4096\n3\t100\t200\n1000\t4096\t4096\n"
	l, report, err := ParseLedger(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Corrupt) != 0 {
		t.Fatal(report.Corrupt)
	}
	if string(l.Snapshot().Bytes()) != content {
		t.Fatalf("round trip changed ledger: %q", l.Snapshot().Bytes())
	}

	var buf bytes.Buffer
	n, err := l.Snapshot().WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(content)) || buf.String() != content {
		t.Fatalf("WriteTo wrote %d bytes %q", n, buf.String())
	}
}

func TestLoadNonCanonicalNumbers(t *testing.T) {
	l, report, err := ParseLedger(strings.NewReader("007\t1\t10\n8\t0\t10\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Corrupt) != 1 || report.Corrupt[0].LineNo != 1 {
		t.Fatalf("unexpected report %v", report)
	}
	if string(l.Snapshot().Bytes()) != "8\t0\t10\n" {
		t.Fatalf("unexpected ledger %q", l.Snapshot().Bytes())
	}
}

func TestUpsertAndLookup(t *testing.T) {
	l := NewLedger()

	_, ok := l.Lookup(7)
	if ok {
		t.Fatal("expected missing record")
	}

	rec := l.Upsert(7, 4096, func(r UsageRecord) UsageRecord {
		if r.BytesUsed != 0 || r.QuotaMax != 4096 {
			t.Fatalf("unexpected seed record %v", r)
		}
		r.BytesUsed = 10
		return r
	})
	if rec != (UsageRecord{Uid: 7, BytesUsed: 10, QuotaMax: 4096}) {
		t.Fatalf("unexpected record %v", rec)
	}

	// The seed quota is ignored for existing records.
	l.Upsert(7, 1, func(r UsageRecord) UsageRecord {
		r.BytesUsed += 5
		return r
	})
	l.Upsert(8, 100, func(r UsageRecord) UsageRecord { return r })

	expected := []UsageRecord{
		{Uid: 7, BytesUsed: 15, QuotaMax: 4096},
		{Uid: 8, BytesUsed: 0, QuotaMax: 100},
	}
	if diff := deep.Equal(l.Snapshot().Records(), expected); diff != nil {
		t.Fatal(diff)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	l := NewLedger()
	l.Upsert(1, 10, func(r UsageRecord) UsageRecord { r.BytesUsed = 1; return r })
	snap := l.Snapshot()

	l.Upsert(1, 10, func(r UsageRecord) UsageRecord { r.BytesUsed = 2; return r })
	l.Upsert(2, 10, func(r UsageRecord) UsageRecord { return r })
	snap.Records()[0].BytesUsed = 99

	if string(snap.Bytes()) != "1\t1\t10\n" {
		t.Fatalf("snapshot changed: %q", snap.Bytes())
	}
}

func TestApplySnapshot(t *testing.T) {
	l := NewLedger()
	l.Upsert(1, 10, func(r UsageRecord) UsageRecord { r.BytesUsed = 1; return r })
	before := l.Snapshot()

	l.Upsert(1, 10, func(r UsageRecord) UsageRecord { r.BytesUsed = 5; return r })
	l.Upsert(2, 10, func(r UsageRecord) UsageRecord { return r })
	l.ApplySnapshot(before)

	if diff := deep.Equal(l.Snapshot().Records(), before.Records()); diff != nil {
		t.Fatal(diff)
	}
	if _, ok := l.Lookup(2); ok {
		t.Fatal("index still contains reverted uid")
	}
	rec, _ := l.Lookup(1)
	if rec.BytesUsed != 1 {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestLoadLedgerPermissionDenied(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := testutil.WriteLedger(t, "1\t1\t10\n")
	err := os.Chmod(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = LoadLedger(path)
	if !errors.Is(err, ErrLedgerIO) || !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected permission io error, got %v", err)
	}
}
