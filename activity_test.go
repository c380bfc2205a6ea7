package quotafs

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestActivityLog(t *testing.T) {
	out := &bufferCloser{}
	e := NewEnforcer(NewLedger(), &flakyWriter{}, EnforcerOpts{
		Config:   Config{DefaultQuota: 4096},
		Activity: newActivityLog(out),
	})

	_, err := e.ReserveAndCharge(7, 1000)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.ReserveAndCharge(7, 4000)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatal(err)
	}
	err = e.Rollback(7, 500)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !out.closed {
		t.Fatal("activity log not closed")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	expected := []string{
		"Entry for user 7 added to ledger, quota 4.0 KiB",
		"User 7 charged 1000 bytes, 1000 B of 4.0 KiB used",
		"User 7 denied 4000 byte write, 1000 B of 4.0 KiB used",
		"User 7 rolled back 500 unwritten bytes, 500 B used",
	}
	if len(lines) != len(expected) {
		t.Fatalf("unexpected activity log %q", out.String())
	}
	for i := range expected {
		if !strings.HasSuffix(lines[i], expected[i]) {
			t.Fatalf("line %d: %q does not end with %q", i, lines[i], expected[i])
		}
	}
}

func TestNilActivityLog(t *testing.T) {
	var a *ActivityLog
	a.userAdded(1, 1)
	a.charged(1, 1, UsageRecord{})
	a.rejected(1, 1, UsageRecord{})
	a.rolledBack(1, 1, UsageRecord{})
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
