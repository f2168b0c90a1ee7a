package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravshansbox/rho/engine/core"
)

func writeLockFile(t *testing.T, path string, p payload) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWithFileLock(t *testing.T) {
	t.Run("Should run fn and release the lock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		ran := false
		err := WithFileLock(context.Background(), path, FileLockOptions{}, func() error {
			ran = true
			_, statErr := os.Stat(path)
			assert.NoError(t, statErr, "lock file should exist while fn runs")
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "lock file should be gone after fn")
	})

	t.Run("Should release the lock when fn fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		wantErr := errors.New("boom")
		err := WithFileLock(context.Background(), path, FileLockOptions{}, func() error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("Should time out against a live holder", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		// A fresh lock held by this very process: definitely alive.
		writeLockFile(t, path, newPayload(0, "test", "other-nonce", time.Now()))

		err := WithFileLock(context.Background(), path, FileLockOptions{Timeout: 200 * time.Millisecond}, func() error {
			t.Fatal("fn must not run while the lock is held")
			return nil
		})
		require.Error(t, err)
		var coreErr *core.Error
		require.ErrorAs(t, err, &coreErr)
		assert.Equal(t, core.CodeLockTimeout, coreErr.Code)
	})

	t.Run("Should take over a lock whose holder is dead", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		p := newPayload(0, "test", "dead-nonce", time.Now())
		p.PID = 1 << 30 // no such pid
		writeLockFile(t, path, p)

		ran := false
		err := WithFileLock(context.Background(), path, FileLockOptions{}, func() error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("Should take over a lock with an expired refresh", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		p := newPayload(0, "test", "stale-nonce", time.Now().Add(-time.Hour))
		writeLockFile(t, path, p)

		err := WithFileLock(context.Background(), path, FileLockOptions{StaleAfter: time.Second}, func() error {
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("Should fall back to mtime for unparseable lock files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(path, old, old))

		err := WithFileLock(context.Background(), path, FileLockOptions{StaleAfter: time.Second}, func() error {
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("Should strictly serialize fn across goroutines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		var inside, peak int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := WithFileLock(context.Background(), path, FileLockOptions{Timeout: 10 * time.Second}, func() error {
					mu.Lock()
					inside++
					if inside > peak {
						peak = inside
					}
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, peak)
	})

	t.Run("Should not unlink a lock that was taken over", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "brain.lock")
		g := &fileLockGuard{path: path, pid: os.Getpid(), nonce: "mine"}
		writeLockFile(t, path, newPayload(0, "test", "theirs", time.Now()))
		g.release()
		_, err := os.Stat(path)
		assert.NoError(t, err, "another holder's lock must survive our release")
	})
}
