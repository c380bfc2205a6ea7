package quotafs

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"
)

type EnforcerOpts struct {
	Config   Config
	Activity *ActivityLog
	Metrics  *Metrics
}

// Enforcer charges writes against the ledger. All ledger mutation and
// persistence happens while holding lock, the lock is never held while
// file data is written.
type Enforcer struct {
	lock     sync.Mutex
	closed   bool
	ledger   *Ledger
	writer   SnapshotWriter
	config   Config
	activity *ActivityLog
	metrics  *Metrics
}

func NewEnforcer(ledger *Ledger, writer SnapshotWriter, opts EnforcerOpts) *Enforcer {
	return &Enforcer{
		ledger:   ledger,
		writer:   writer,
		config:   opts.Config,
		activity: opts.Activity,
		metrics:  opts.Metrics,
	}
}

// OpenEnforcer loads the ledger at ledgerPath and returns an enforcer that
// persists to the same file. Corrupt lines are skipped and reported.
func OpenEnforcer(ledgerPath string, opts EnforcerOpts) (*Enforcer, LoadReport, error) {
	w := NewFileWriter(ledgerPath)

	nRemoved, err := w.RemoveStaleTemps()
	if err != nil {
		return nil, LoadReport{}, err
	}
	if nRemoved != 0 {
		klog.InfoS("removed stale ledger temporary files", "ledger", ledgerPath, "count", nRemoved)
	}

	ledger, report, err := LoadLedger(ledgerPath)
	if err != nil {
		return nil, report, err
	}
	for _, c := range report.Corrupt {
		klog.ErrorS(c, "skipped corrupt ledger line", "ledger", ledgerPath)
	}
	klog.V(2).InfoS("loaded ledger", "ledger", ledgerPath, "records", report.Records, "corrupt", len(report.Corrupt))

	return NewEnforcer(ledger, w, opts), report, nil
}

func (e *Enforcer) persistLocked(previous Snapshot) error {
	err := e.writer.Persist(e.ledger.Snapshot())
	if err == nil {
		return nil
	}
	e.ledger.ApplySnapshot(previous)
	e.metrics.observePersistFailure()
	klog.ErrorS(err, "unable to persist ledger, reverted in-memory change")
	if !errors.Is(err, ErrLedgerIO) {
		err = &IOError{Op: "persist", Err: err}
	}
	return err
}

// ReserveAndCharge adds requested bytes to the usage of uid and persists
// the ledger, returning the new usage. It fails with a *QuotaExceededError
// if the charge would take the user over quota, and with an *IOError if
// the ledger could not be persisted. The ledger is unchanged on failure.
func (e *Enforcer) ReserveAndCharge(uid uint32, requested uint64) (uint64, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	rec, exists := e.ledger.Lookup(uid)
	if !exists {
		rec = UsageRecord{Uid: uid, QuotaMax: e.config.QuotaFor(uid)}
	}

	if requested == 0 {
		return rec.BytesUsed, nil
	}

	newUsed, carry := bits.Add64(rec.BytesUsed, requested, 0)
	if carry != 0 {
		return 0, fmt.Errorf("uid %d charging %d bytes: %w", uid, requested, ErrOverflow)
	}

	if newUsed > rec.QuotaMax {
		e.metrics.observeRejection()
		e.activity.rejected(uid, requested, rec)
		return 0, &QuotaExceededError{
			Uid:       uid,
			BytesUsed: rec.BytesUsed,
			QuotaMax:  rec.QuotaMax,
			Requested: requested,
		}
	}

	previous := e.ledger.Snapshot()
	updated := e.ledger.Upsert(uid, rec.QuotaMax, func(r UsageRecord) UsageRecord {
		r.BytesUsed = newUsed
		return r
	})
	err := e.persistLocked(previous)
	if err != nil {
		return 0, err
	}

	if !exists {
		e.activity.userAdded(uid, updated.QuotaMax)
	}
	e.activity.charged(uid, requested, updated)
	e.metrics.observeCharge(requested)
	return newUsed, nil
}

// Rollback returns bytes to uid after an authorized write did not complete.
// Usage never drops below zero.
func (e *Enforcer) Rollback(uid uint32, n uint64) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return ErrClosed
	}

	rec, ok := e.ledger.Lookup(uid)
	if !ok || n == 0 {
		return nil
	}

	previous := e.ledger.Snapshot()
	updated := e.ledger.Upsert(uid, rec.QuotaMax, func(r UsageRecord) UsageRecord {
		if n > r.BytesUsed {
			r.BytesUsed = 0
		} else {
			r.BytesUsed -= n
		}
		return r
	})
	err := e.persistLocked(previous)
	if err != nil {
		return err
	}

	e.activity.rolledBack(uid, n, updated)
	e.metrics.observeRollback(n)
	return nil
}

// Write charges requested bytes to uid, then performs physicalWrite. If the
// physical write fails the whole charge is rolled back, if it is short only
// the unwritten bytes are. The returned count is clamped to requested and is
// zero when physicalWrite fails.
func (e *Enforcer) Write(uid uint32, requested uint64, physicalWrite func() (int, error)) (int, error) {
	_, err := e.ReserveAndCharge(uid, requested)
	if err != nil {
		return 0, err
	}

	n, err := physicalWrite()
	if err != nil || n < 0 {
		n = 0
	} else if uint64(n) > requested {
		n = int(requested)
	}

	if uint64(n) < requested {
		shortfall := requested - uint64(n)
		rbErr := e.Rollback(uid, shortfall)
		if rbErr != nil {
			klog.ErrorS(rbErr, "unable to roll back quota charge", "uid", uid, "bytes", shortfall)
		}
	}

	return n, err
}

func (e *Enforcer) Usage(uid uint32) (UsageRecord, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ledger.Lookup(uid)
}

func (e *Enforcer) Snapshot() Snapshot {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ledger.Snapshot()
}

// Close stops the enforcer from accepting further charges. Every committed
// charge is already durable so there is nothing to flush.
func (e *Enforcer) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var result *multierror.Error
	if err := e.activity.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to close activity log: %w", err))
	}
	return result.ErrorOrNil()
}
