package quotafs

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded      = errors.New("disk quota exceeded")
	ErrLedgerIO           = errors.New("ledger i/o error")
	ErrInternal           = errors.New("internal quota error")
	ErrOverflow           = fmt.Errorf("%w: usage counter overflow", ErrInternal)
	ErrClosed             = fmt.Errorf("%w: quota enforcer closed", ErrInternal)
	ErrLedgerInsideMirror = errors.New("ledger must not be inside the mirror root")
)

// QuotaExceededError reports a charge that was refused. The ledger is
// unchanged when it is returned.
type QuotaExceededError struct {
	Uid       uint32
	BytesUsed uint64
	QuotaMax  uint64
	Requested uint64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"uid %d: %s (used %d of %d bytes, requested %d)",
		e.Uid, ErrQuotaExceeded, e.BytesUsed, e.QuotaMax, e.Requested,
	)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IOError is returned when the durable ledger cannot be read or replaced.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ledger %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrLedgerIO
}
