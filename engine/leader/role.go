// Package leader runs a singleton role (a Telegram poller, a heartbeat
// driver) behind a file lease. At most one process on the host holds the
// role; the rest follow and periodically attempt a stale takeover.
package leader

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ravshansbox/rho/pkg/lock"
	"github.com/ravshansbox/rho/pkg/logger"
)

// Config describes a leased role.
type Config struct {
	// LeasePath is the lease file guarding the role.
	LeasePath string
	// Purpose names the role in the lease payload.
	Purpose string
	// StaleAfter is the lease staleness threshold. Default 30s.
	StaleAfter time.Duration
	// RenewEvery is the refresh interval while leading. Default
	// StaleAfter/3.
	RenewEvery time.Duration
	// AttemptEvery is the follower's acquisition retry interval. Default
	// StaleAfter.
	AttemptEvery time.Duration

	// OnElected runs once per term, with a context that is canceled when
	// leadership is lost.
	OnElected func(ctx context.Context)
	// OnDemoted runs after every term, once leader-only work has been
	// canceled.
	OnDemoted func()
	// HeartbeatSpec is an optional cron spec; Heartbeat runs on it while
	// leading.
	HeartbeatSpec string
	Heartbeat     func(ctx context.Context)
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = c.StaleAfter / 3
	}
	if c.AttemptEvery <= 0 {
		c.AttemptEvery = c.StaleAfter
	}
	return c
}

// Role is the follower/leader state machine around one lease path.
type Role struct {
	cfg   Config
	nonce string
}

func New(cfg Config) *Role {
	return &Role{cfg: cfg.withDefaults(), nonce: uuid.NewString()}
}

// Run drives the role until ctx is canceled: acquire, lead while the
// lease refreshes, demote on loss, retry as follower. Both a voluntary exit
// and a lost term end in Release, which unlinks the lease file only while
// the path still resolves to the inode this handle created; a successor
// that took over through a fresh file keeps it.
func (r *Role) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("purpose", r.cfg.Purpose, "lease", r.cfg.LeasePath)
	for {
		lease, err := lock.TryAcquireLease(r.cfg.LeasePath, r.nonce, time.Now(), lock.LeaseOptions{
			StaleAfter: r.cfg.StaleAfter,
			Purpose:    r.cfg.Purpose,
		})
		if err != nil {
			var notAcquired *lock.NotAcquiredError
			if !errors.As(err, &notAcquired) {
				return err
			}
			log.Debug("lease held, following", "owner_pid", notAcquired.OwnerPID)
			if !sleepCtx(ctx, r.cfg.AttemptEvery) {
				return ctx.Err()
			}
			continue
		}

		log.Info("lease acquired, leading")
		voluntary := r.lead(ctx, lease)
		if voluntary {
			lease.Release()
			log.Info("lease released")
			return ctx.Err()
		}
		log.Warn("lease lost, demoted to follower")
		// Release closes the fd and unlinks only if the path still maps to
		// our inode, so a successor's fresh file survives.
		lease.Release()
	}
}

// lead runs one leadership term. Returns true when the term ended because
// ctx was canceled (voluntary exit) rather than lease loss. Leader-only
// side effects are torn down before the function returns, so the caller
// never observes a demoted role with live timers or in-flight work.
func (r *Role) lead(ctx context.Context, lease *lock.Lease) (voluntary bool) {
	leadCtx, cancel := context.WithCancel(ctx)

	var schedule *cron.Cron
	if r.cfg.HeartbeatSpec != "" && r.cfg.Heartbeat != nil {
		schedule = cron.New()
		_, err := schedule.AddFunc(r.cfg.HeartbeatSpec, func() { r.cfg.Heartbeat(leadCtx) })
		if err == nil {
			schedule.Start()
		} else {
			logger.FromContext(ctx).Error("invalid heartbeat spec", "spec", r.cfg.HeartbeatSpec, "error", err)
			schedule = nil
		}
	}

	demote := func() {
		cancel()
		if schedule != nil {
			stopped := schedule.Stop()
			<-stopped.Done()
		}
		if r.cfg.OnDemoted != nil {
			r.cfg.OnDemoted()
		}
	}

	if r.cfg.OnElected != nil {
		r.cfg.OnElected(leadCtx)
	}

	ticker := time.NewTicker(r.cfg.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			demote()
			return true
		case <-ticker.C:
			if !lease.IsCurrent() || !lease.Refresh(time.Now()) {
				demote()
				return false
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
