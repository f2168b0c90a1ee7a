package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ravshansbox/rho/engine/core"
)

const leaseVersion = 1

// takeoverAttempts bounds how many stale leases we unlink before giving up;
// in practice one pass is enough, the loop only guards against races with
// other acquirers.
const takeoverAttempts = 3

// LeaseOptions tunes TryAcquireLease.
type LeaseOptions struct {
	// StaleAfter is how long the holder may go without refreshing before
	// the lease can be taken over.
	StaleAfter time.Duration
	// Purpose names the role the lease guards (e.g. "telegram-poller").
	Purpose string
}

// NotAcquiredError is returned when a live holder owns the lease.
type NotAcquiredError struct {
	// OwnerPID is the pid observed in the current lease file; zero when the
	// file was unreadable.
	OwnerPID int
}

func (e *NotAcquiredError) Error() string {
	if e.OwnerPID > 0 {
		return fmt.Sprintf("lease held by pid %d", e.OwnerPID)
	}
	return "lease held by another process"
}

// Lease is an owned leadership lease. The handle pins the file descriptor
// and inode of the file it created: refreshes rewrite the payload in place
// through the held fd, and every mutation first verifies the path still
// resolves to our inode. That combination keeps a demoted former leader
// from clobbering or unlinking its successor's file after a takeover.
type Lease struct {
	path    string
	file    *os.File
	inode   uint64
	pid     int
	nonce   string
	purpose string
}

// TryAcquireLease attempts to become the holder of the lease at path. It
// returns the owned handle, or a *NotAcquiredError carrying the observed
// owner pid when a live holder remains.
func TryAcquireLease(path, nonce string, now time.Time, opts LeaseOptions) (*Lease, error) {
	for attempt := 0; attempt < takeoverAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			return finishAcquire(path, f, nonce, opts.Purpose, now)
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lease file: %w", err)
		}

		existing, rerr := readPayload(path)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue // holder released between observations
			}
			if mtimeStale(path, now, opts.StaleAfter) {
				_ = os.Remove(path)
				continue
			}
			return nil, &NotAcquiredError{}
		}
		if existing.isStale(now, opts.StaleAfter) {
			_ = os.Remove(path)
			continue
		}
		return nil, &NotAcquiredError{OwnerPID: existing.PID}
	}
	return nil, &NotAcquiredError{}
}

func finishAcquire(path string, f *os.File, nonce, purpose string, now time.Time) (*Lease, error) {
	p := newPayload(leaseVersion, purpose, nonce, now)
	data, err := json.Marshal(p)
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lease payload: %w", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to stat lease file: %w", err)
	}

	return &Lease{
		path:    path,
		file:    f,
		inode:   st.Ino,
		pid:     p.PID,
		nonce:   nonce,
		purpose: purpose,
	}, nil
}

// IsCurrent reports whether the lease path still resolves to the inode this
// handle created. False means the lease was taken over (or unlinked).
func (l *Lease) IsCurrent() bool {
	var st unix.Stat_t
	if err := unix.Stat(l.path, &st); err != nil {
		return false
	}
	return st.Ino == l.inode
}

// Refresh rewrites the payload in place through the held fd, advancing
// refreshedAt. It returns false when the path no longer maps to our inode
// or the on-disk payload no longer matches our pid, nonce, and purpose;
// the caller must treat a false return as loss of leadership.
func (l *Lease) Refresh(now time.Time) bool {
	if !l.IsCurrent() {
		return false
	}
	current, err := readLeaseViaFd(l.file)
	if err != nil {
		return false
	}
	if current.PID != l.pid || current.Nonce != l.nonce || current.Purpose != l.purpose {
		return false
	}
	current.RefreshedAt = core.FormatTimestamp(now)
	data, err := json.Marshal(current)
	if err != nil {
		return false
	}
	if err := l.file.Truncate(0); err != nil {
		return false
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return false
	}
	return true
}

// Release unlinks the lease file only if the path still resolves to our
// inode, then closes the fd. Safe to call after losing the lease.
func (l *Lease) Release() {
	if l.IsCurrent() {
		_ = os.Remove(l.path)
	}
	_ = l.file.Close()
}

func readLeaseViaFd(f *os.File) (payload, error) {
	var p payload
	info, err := f.Stat()
	if err != nil {
		return p, err
	}
	data := make([]byte, info.Size())
	if n, err := f.ReadAt(data, 0); err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}
