package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/remote"
)

// AccountScanner is satisfied by repository.AccountRepository
type AccountScanner interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Account, error)
	ListPendingRenewals(ctx context.Context, before time.Time, limit int) ([]*models.Account, error)
	ListOverDeviceLimit(ctx context.Context, limit int) ([]*models.Account, error)
	ListActiveSample(ctx context.Context, limit int) ([]*models.Account, error)
	ListPendingCleanup(ctx context.Context, limit int) ([]*models.Account, error)
	SetCleanup(ctx context.Context, id string, serverID *string) error
}

// FleetRegistry is satisfied by registry.Registry
type FleetRegistry interface {
	ListServers(ctx context.Context) ([]*models.Server, error)
	GetServer(ctx context.Context, id string) (*models.Server, error)
	SetHealth(ctx context.Context, id, health string) error
}

// JobSubmitter is satisfied by orchestrator.Orchestrator
type JobSubmitter interface {
	SubmitRevoke(ctx context.Context, accountID, reason string) (*models.ProvisioningJob, error)
	SubmitRenew(ctx context.Context, accountID string, extensionDays int, rotate bool) (*models.ProvisioningJob, error)
	SubmitMigrate(ctx context.Context, accountID string, exclude []string) (*models.ProvisioningJob, error)
}

// EntryChecker is satisfied by remote.Mutator
type EntryChecker interface {
	HasEntry(ctx context.Context, server *models.Server, acct *models.Account) (bool, error)
	ApplyRemove(ctx context.Context, server *models.Server, acct *models.Account) (remote.Outcome, error)
}

// Prober runs the lightweight health check against one server
type Prober interface {
	Probe(ctx context.Context, server *models.Server) (string, error)
}

// AuditSink receives structured audit events
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// Options tunes the tick cadence and scan bounds
type Options struct {
	Interval      time.Duration
	RenewalWindow time.Duration // how far before expiry pending renewals apply
	ScanLimit     int           // max accounts handled per category per tick
}

// Manager runs the recurring maintenance pass: expiry revocation, pending
// renewals, device-limit enforcement, health probing, and reconciliation of
// recorded state against what is actually deployed.
type Manager struct {
	accounts AccountScanner
	registry FleetRegistry
	jobs     JobSubmitter
	checker  EntryChecker
	prober   Prober
	audit    AuditSink

	interval      time.Duration
	renewalWindow time.Duration
	scanLimit     int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(
	accounts AccountScanner,
	registry FleetRegistry,
	jobs JobSubmitter,
	checker EntryChecker,
	prober Prober,
	audit AuditSink,
	opts Options,
) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = 72 * time.Hour
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 20
	}

	return &Manager{
		accounts:      accounts,
		registry:      registry,
		jobs:          jobs,
		checker:       checker,
		prober:        prober,
		audit:         audit,
		interval:      opts.Interval,
		renewalWindow: opts.RenewalWindow,
		scanLimit:     opts.ScanLimit,
		stop:          make(chan struct{}),
	}
}

// Start launches the tick loop
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		log.Printf("[Lifecycle] Started (interval=%v)", m.interval)
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Tick(context.Background())
			}
		}
	}()
}

// Stop halts the tick loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	log.Printf("[Lifecycle] Stopped")
}

// Tick runs one full maintenance pass. Exported so external signals (and
// tests) can drive it directly.
func (m *Manager) Tick(ctx context.Context) {
	m.revokeExpired(ctx)
	m.applyPendingRenewals(ctx)
	m.enforceDeviceLimits(ctx)
	m.probeServers(ctx)
	m.retryCleanups(ctx)
	m.reconcile(ctx)
}

// revokeExpired enqueues a Revoke job for each active account past expiry.
// The account transitions to Revoked only after the remote removal succeeds.
func (m *Manager) revokeExpired(ctx context.Context) {
	expired, err := m.accounts.ListExpired(ctx, time.Now(), m.scanLimit)
	if err != nil {
		log.Printf("[Lifecycle] Expiry scan failed: %v", err)
		return
	}

	for _, acct := range expired {
		_, err := m.jobs.SubmitRevoke(ctx, acct.ID, "subscription expired")
		if err != nil {
			if errors.Is(err, models.ErrJobInFlight) {
				continue // picked up again next tick if still needed
			}
			log.Printf("[Lifecycle] Failed to enqueue revoke for %s: %v", acct.ID, err)
			continue
		}
		log.Printf("[Lifecycle] Expired account %s: revoke enqueued", acct.ID)
	}
}

// applyPendingRenewals enqueues Renew jobs for accounts nearing expiry whose
// renewal payment is already recorded
func (m *Manager) applyPendingRenewals(ctx context.Context) {
	before := time.Now().Add(m.renewalWindow)
	pending, err := m.accounts.ListPendingRenewals(ctx, before, m.scanLimit)
	if err != nil {
		log.Printf("[Lifecycle] Renewal scan failed: %v", err)
		return
	}

	for _, acct := range pending {
		_, err := m.jobs.SubmitRenew(ctx, acct.ID, acct.PendingRenewalDays, false)
		if err != nil {
			if errors.Is(err, models.ErrJobInFlight) {
				continue
			}
			log.Printf("[Lifecycle] Failed to enqueue renew for %s: %v", acct.ID, err)
			continue
		}
		log.Printf("[Lifecycle] Pending renewal for %s: renew enqueued (%d days)", acct.ID, acct.PendingRenewalDays)
	}
}

// enforceDeviceLimits rotates credentials of accounts over their device
// limit, invalidating shared configs
func (m *Manager) enforceDeviceLimits(ctx context.Context) {
	over, err := m.accounts.ListOverDeviceLimit(ctx, m.scanLimit)
	if err != nil {
		log.Printf("[Lifecycle] Device-limit scan failed: %v", err)
		return
	}

	for _, acct := range over {
		_, err := m.jobs.SubmitRenew(ctx, acct.ID, 0, true)
		if err != nil {
			if errors.Is(err, models.ErrJobInFlight) {
				continue
			}
			log.Printf("[Lifecycle] Failed to enqueue rotation for %s: %v", acct.ID, err)
			continue
		}
		m.audit.Record(ctx, &models.AuditEvent{
			AccountID: acct.ID,
			Action:    "device_limit_rotation",
			Outcome:   models.JobQueued,
			Message:   fmt.Sprintf("devices %d over limit %d", acct.ActiveDevices, acct.DeviceLimit),
		})
		log.Printf("[Lifecycle] Account %s over device limit (%d/%d): credential rotation enqueued",
			acct.ID, acct.ActiveDevices, acct.DeviceLimit)
	}
}

// probeServers runs the health check across the fleet. A server marked
// unreachable triggers no automatic migration by itself: accounts only move
// when a later provisioning attempt hits the server, bounding the blast
// radius of a flaky probe.
func (m *Manager) probeServers(ctx context.Context) {
	servers, err := m.registry.ListServers(ctx)
	if err != nil {
		log.Printf("[Lifecycle] Fleet listing failed: %v", err)
		return
	}

	for _, srv := range servers {
		health, err := m.prober.Probe(ctx, srv)
		if err != nil {
			log.Printf("[Lifecycle] Probe of %s errored: %v", srv.ID, err)
		}
		if err := m.registry.SetHealth(ctx, srv.ID, health); err != nil {
			log.Printf("[Lifecycle] Failed to set health of %s: %v", srv.ID, err)
		}
	}
}

// retryCleanups removes stale config entries left behind by migrations whose
// old-server cleanup failed
func (m *Manager) retryCleanups(ctx context.Context) {
	pending, err := m.accounts.ListPendingCleanup(ctx, m.scanLimit)
	if err != nil {
		log.Printf("[Lifecycle] Cleanup scan failed: %v", err)
		return
	}

	for _, acct := range pending {
		if acct.CleanupServerID == nil {
			continue
		}
		srv, err := m.registry.GetServer(ctx, *acct.CleanupServerID)
		if err != nil {
			// server left the fleet; nothing remote to clean
			if err := m.accounts.SetCleanup(ctx, acct.ID, nil); err != nil {
				log.Printf("[Lifecycle] Failed to clear cleanup marker for %s: %v", acct.ID, err)
			}
			continue
		}

		outcome, err := m.checker.ApplyRemove(ctx, srv, acct)
		if outcome != remote.OutcomeApplied {
			log.Printf("[Lifecycle] Cleanup of %s on %s still failing: %v", acct.ID, srv.ID, err)
			continue
		}
		if err := m.accounts.SetCleanup(ctx, acct.ID, nil); err != nil {
			log.Printf("[Lifecycle] Failed to clear cleanup marker for %s: %v", acct.ID, err)
		}
		log.Printf("[Lifecycle] Stale entry for %s cleaned from %s", acct.ID, srv.ID)
	}
}

// reconcile verifies a bounded sample of active accounts against their
// server's deployed configuration. A mismatch is never silently patched: it
// is audited as a consistency failure and queued as a re-provision, since a
// silent re-apply could mask a deeper fleet problem.
func (m *Manager) reconcile(ctx context.Context) {
	sample, err := m.accounts.ListActiveSample(ctx, m.scanLimit)
	if err != nil {
		log.Printf("[Lifecycle] Reconcile scan failed: %v", err)
		return
	}

	for _, acct := range sample {
		if acct.ServerID == nil {
			continue
		}
		srv, err := m.registry.GetServer(ctx, *acct.ServerID)
		if err != nil {
			// assigned server left the fleet; re-place the account
			log.Printf("[Lifecycle] Reconcile: server %s missing for account %s", *acct.ServerID, acct.ID)
			m.audit.Record(ctx, &models.AuditEvent{
				AccountID: acct.ID,
				ServerID:  *acct.ServerID,
				Action:    "consistency_mismatch",
				Outcome:   "detected",
				Message:   "assigned server no longer in fleet",
			})
			if _, err := m.jobs.SubmitMigrate(ctx, acct.ID, nil); err != nil && !errors.Is(err, models.ErrJobInFlight) {
				log.Printf("[Lifecycle] Failed to enqueue re-provision for %s: %v", acct.ID, err)
			}
			continue
		}
		if srv.Health != models.HealthHealthy {
			continue // probe unreachable servers first, reconcile later
		}

		deployed, err := m.checker.HasEntry(ctx, srv, acct)
		if err != nil {
			log.Printf("[Lifecycle] Reconcile probe failed for %s on %s: %v", acct.ID, srv.ID, err)
			continue
		}
		if deployed {
			continue
		}

		m.audit.Record(ctx, &models.AuditEvent{
			AccountID: acct.ID,
			ServerID:  srv.ID,
			Action:    "consistency_mismatch",
			Outcome:   "detected",
			Message:   "active account has no deployed entry on assigned server",
		})
		log.Printf("[Lifecycle] Consistency mismatch: account %s active but absent on %s", acct.ID, srv.ID)

		if _, err := m.jobs.SubmitMigrate(ctx, acct.ID, nil); err != nil && !errors.Is(err, models.ErrJobInFlight) {
			log.Printf("[Lifecycle] Failed to enqueue re-provision for %s: %v", acct.ID, err)
		}
	}
}
