package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ravshansbox/rho/engine/core"
)

const (
	defaultStaleAfter = 30 * time.Second
	defaultTimeout    = 5 * time.Second

	backoffBase = 10 * time.Millisecond
	backoffCap  = 250 * time.Millisecond
)

// FileLockOptions tunes WithFileLock. Zero values select the defaults.
type FileLockOptions struct {
	// StaleAfter is how long a live holder may go without refreshing before
	// its lock is treated as abandoned. Default 30s.
	StaleAfter time.Duration
	// Timeout bounds the whole acquisition. Default 5s.
	Timeout time.Duration
	// Purpose is recorded in the lock payload for debugging.
	Purpose string
}

func (o FileLockOptions) withDefaults() FileLockOptions {
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

var errLockHeld = errors.New("lock held by live process")

// WithFileLock runs fn while holding exclusive ownership of lockPath,
// releasing it on all paths. If a live holder remains past the timeout the
// call fails with a LOCK_TIMEOUT error and fn is never run.
func WithFileLock(ctx context.Context, lockPath string, opts FileLockOptions, fn func() error) error {
	opts = opts.withDefaults()
	guard, err := acquireFileLock(ctx, lockPath, opts)
	if err != nil {
		return err
	}
	defer guard.release()
	return fn()
}

type fileLockGuard struct {
	path  string
	pid   int
	nonce string
}

func acquireFileLock(ctx context.Context, lockPath string, opts FileLockOptions) (*fileLockGuard, error) {
	deadline, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	backoff := retry.WithJitterPercent(50,
		retry.WithCappedDuration(backoffCap, retry.NewExponential(backoffBase)))

	var guard *fileLockGuard
	err := retry.Do(deadline, backoff, func(_ context.Context) error {
		g, err := tryCreateLock(lockPath, opts)
		if err != nil {
			return err
		}
		guard = g
		return nil
	})
	if err != nil {
		if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewError(
				fmt.Errorf("timed out acquiring lock %s", lockPath),
				core.CodeLockTimeout,
				map[string]any{"path": lockPath, "purpose": opts.Purpose},
			)
		}
		return nil, core.NewError(err, core.CodeIO, map[string]any{"path": lockPath})
	}
	return guard, nil
}

// tryCreateLock makes one pass at the lock file: create it, or decide the
// existing one is stale and unlink it, looping until the path is either
// ours or held by a live process.
func tryCreateLock(lockPath string, opts FileLockOptions) (*fileLockGuard, error) {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			nonce := uuid.NewString()
			p := newPayload(0, opts.Purpose, nonce, time.Now())
			data, merr := json.Marshal(p)
			if merr == nil {
				_, merr = f.Write(data)
			}
			cerr := f.Close()
			if merr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock payload: %w", errors.Join(merr, cerr))
			}
			return &fileLockGuard{path: lockPath, pid: p.PID, nonce: nonce}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		now := time.Now()
		existing, rerr := readPayload(lockPath)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue // holder released between observations
			}
			// Unparseable lock file: fall back to its mtime.
			if mtimeStale(lockPath, now, opts.StaleAfter) {
				_ = os.Remove(lockPath)
				continue
			}
			return nil, retry.RetryableError(errLockHeld)
		}
		if existing.isStale(now, opts.StaleAfter) {
			_ = os.Remove(lockPath)
			continue
		}
		return nil, retry.RetryableError(errLockHeld)
	}
}

// release unlinks the lock only if the on-disk payload still shows our
// pid and nonce. Lost races are tolerated silently.
func (g *fileLockGuard) release() {
	p, err := readPayload(g.path)
	if err != nil {
		return
	}
	if p.PID == g.pid && p.Nonce == g.nonce {
		_ = os.Remove(g.path)
	}
}
