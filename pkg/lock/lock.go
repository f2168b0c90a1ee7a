// Package lock implements the two file-based coordination primitives used
// across rho processes on one host: a short-held mutex file around critical
// sections (WithFileLock) and a long-held leadership lease (TryAcquireLease).
//
// Both primitives persist an ownership payload as JSON so that any process
// can inspect who holds a path and decide whether the holder is still alive.
package lock

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ravshansbox/rho/engine/core"
)

// payload is the on-disk ownership record shared by lock and lease files.
// Version is only set for leases.
type payload struct {
	Version     int    `json:"version,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	PID         int    `json:"pid"`
	Nonce       string `json:"nonce"`
	AcquiredAt  string `json:"acquiredAt"`
	RefreshedAt string `json:"refreshedAt"`
	Hostname    string `json:"hostname"`
}

func newPayload(version int, purpose, nonce string, now time.Time) payload {
	host, _ := os.Hostname()
	ts := core.FormatTimestamp(now)
	return payload{
		Version:     version,
		Purpose:     purpose,
		PID:         os.Getpid(),
		Nonce:       nonce,
		AcquiredAt:  ts,
		RefreshedAt: ts,
		Hostname:    host,
	}
}

func readPayload(path string) (payload, error) {
	var p payload
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// pidAlive probes a pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// isStale reports whether the holder recorded in p should be considered
// gone: dead pid, unparseable refresh timestamp, or a refresh older than
// staleAfter.
func (p payload) isStale(now time.Time, staleAfter time.Duration) bool {
	if !pidAlive(p.PID) {
		return true
	}
	refreshed, err := core.ParseTimestamp(p.RefreshedAt)
	if err != nil {
		return true
	}
	return now.Sub(refreshed) > staleAfter
}

// mtimeStale is the fallback freshness signal for files that do not parse
// as a payload at all.
func mtimeStale(path string, now time.Time, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Holder vanished between observations; treat as free.
		return true
	}
	return now.Sub(info.ModTime()) > staleAfter
}
