package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/credential"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/remote"
)

// maxServersPerJob bounds how many distinct servers one job will try before
// giving up: the placed server plus one migration target.
const maxServersPerJob = 2

// TODO: resume non-terminal jobs from the store on startup instead of
// relying on callers to re-submit after a restart.

func (o *Orchestrator) runJob(job *models.ProvisioningJob) {
	ctx := context.Background()
	defer o.release(job.AccountID)

	acct, err := o.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		o.failJob(ctx, job, nil, models.ReasonDegraded, fmt.Errorf("load account: %w", err))
		return
	}

	switch job.Action {
	case models.ActionRevoke:
		o.runRevoke(ctx, job, acct)
	default:
		o.runProvision(ctx, job, acct)
	}
}

// runProvision drives Create, Renew, and Migrate through the shared
// place→mutate→commit skeleton
func (o *Orchestrator) runProvision(ctx context.Context, job *models.ProvisioningJob, acct *models.Account) {
	handle := o.handleFor(job.AccountID)

	o.transition(ctx, job, models.JobPlacing)
	if handle != nil && handle.isCancelled() {
		o.failJob(ctx, job, acct, models.ReasonCancelled, errors.New("cancelled before placement"))
		return
	}

	// Renewal extends from the current expiry unless already lapsed
	newExpiry := acct.ExpiresAt
	if job.Action == models.ActionRenew {
		base := acct.ExpiresAt
		if base.Before(time.Now()) {
			base = time.Now()
		}
		days := job.ExtensionDays
		if days <= 0 {
			days = 30
		}
		newExpiry = base.AddDate(0, 0, days)
	}

	if job.RotateCredential {
		material, err := credential.Generate(acct.Protocol)
		if err != nil {
			o.failJob(ctx, job, acct, models.ReasonDegraded, err)
			return
		}
		acct.CredentialUUID = material.UUID
		acct.CredentialSecret = material.Secret
	}

	exclude := append([]string(nil), job.ExcludeServerIDs...)
	serverID, err := o.selectTarget(ctx, job, acct, exclude)
	if err != nil {
		if errors.Is(err, models.ErrNoCapacity) {
			o.failJob(ctx, job, acct, models.ReasonNoCapacity, err)
		} else {
			o.failJob(ctx, job, acct, models.ReasonDegraded, err)
		}
		return
	}

	// Point of no return: once mutating, the job runs to resolution
	if handle != nil && !handle.beginMutating() {
		o.failJob(ctx, job, acct, models.ReasonCancelled, errors.New("cancelled before mutation"))
		return
	}
	o.transition(ctx, job, models.JobMutating)

	var oldServerID *string
	if acct.ServerID != nil && *acct.ServerID != serverID {
		oldServerID = acct.ServerID
	}

	var lastErr error
	for tried := 0; tried < maxServersPerJob; tried++ {
		target, err := o.servers.GetServer(ctx, serverID)
		if err != nil {
			o.failJob(ctx, job, acct, models.ReasonDegraded, fmt.Errorf("load server %s: %w", serverID, err))
			return
		}

		outcome, err := o.attemptApply(ctx, job, target, acct, newExpiry)
		if outcome == remote.OutcomeApplied {
			o.finishProvision(ctx, job, acct, target, oldServerID)
			return
		}
		lastErr = err

		if outcome == remote.OutcomeRestartFailed {
			// the entry was written before the restart failed; mark it so
			// lifecycle cleanup removes it from the abandoned server
			if err := o.accounts.SetCleanup(ctx, acct.ID, &target.ID); err != nil {
				log.Printf("[Orchestrator] Failed to record cleanup marker for %s on %s: %v", acct.ID, target.ID, err)
			}
		}

		// Exhausted this server: migrate to a different eligible one
		exclude = append(exclude, target.ID)
		next, perr := o.placer.Choose(ctx, acct.Protocol, exclude)
		if perr != nil {
			if errors.Is(perr, models.ErrNoCapacity) {
				o.failJob(ctx, job, acct, models.ReasonDegraded,
					fmt.Errorf("no alternate server after mutation failure: %w", lastErr))
			} else {
				o.failJob(ctx, job, acct, models.ReasonDegraded, perr)
			}
			return
		}

		log.Printf("[Orchestrator] Job %s migrating from server %s to %s", job.ID, target.ID, next)
		o.audit.Record(ctx, &models.AuditEvent{
			AccountID: acct.ID,
			ServerID:  next,
			Action:    "migrate_attempt",
			Outcome:   models.JobMutating,
			Message:   fmt.Sprintf("server %s failed: %v", target.ID, lastErr),
		})
		serverID = next
	}

	o.failJob(ctx, job, acct, models.ReasonDegraded, lastErr)
}

// attemptApply runs the bounded retry loop against one server. Returns
// OutcomeApplied once the remote apply AND the record commit both succeed.
func (o *Orchestrator) attemptApply(ctx context.Context, job *models.ProvisioningJob, target *models.Server, acct *models.Account, newExpiry time.Time) (remote.Outcome, error) {
	var outcome remote.Outcome
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		job.Attempts++
		o.persistJob(ctx, job)

		o.serverLocks.Lock(target.ID)
		outcome, lastErr = o.mutator.ApplyAdd(ctx, target, acct)
		o.serverLocks.Unlock(target.ID)

		switch outcome {
		case remote.OutcomeApplied:
			acct.ServerID = &target.ID
			acct.ExpiresAt = newExpiry
			if err := o.accounts.CommitActivation(ctx, acct, job.ID); err != nil {
				// The remote apply is idempotent, so the whole attempt is
				// safely retryable when the local commit fails.
				lastErr = fmt.Errorf("commit activation: %w", err)
				outcome = remote.OutcomeUnreachable
				break
			}
			return remote.OutcomeApplied, nil

		case remote.OutcomeConfigRejected:
			// Retrying identical content against the same server is
			// pointless; caller moves to a different server.
			o.setJobError(ctx, job, lastErr)
			return outcome, lastErr
		}

		o.setJobError(ctx, job, lastErr)
		if attempt < o.maxAttempts && !o.backoff(attempt) {
			return outcome, lastErr
		}
	}

	return outcome, lastErr
}

// finishProvision records the committed state and cleans up the old server
// after a migration. Cleanup is best effort: a failure leaves a marker that
// reconciliation retries, while the account is already served by the new
// server.
func (o *Orchestrator) finishProvision(ctx context.Context, job *models.ProvisioningJob, acct *models.Account, target *models.Server, oldServerID *string) {
	job.State = models.JobCommitted
	o.persistJob(ctx, job)

	acct.State = models.AccountActive
	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: acct.ID,
		ServerID:  target.ID,
		Action:    "job_" + job.Action,
		Outcome:   models.JobCommitted,
	})
	log.Printf("[Orchestrator] Job %s committed: account=%s server=%s", job.ID, acct.ID, target.ID)

	if oldServerID != nil {
		o.cleanupOldServer(ctx, acct, *oldServerID)
	}

	o.notifier.JobCompleted(ctx, acct, job)
}

func (o *Orchestrator) cleanupOldServer(ctx context.Context, acct *models.Account, oldServerID string) {
	oldServer, err := o.servers.GetServer(ctx, oldServerID)
	if err != nil {
		log.Printf("[Orchestrator] Cleanup: old server %s not found: %v", oldServerID, err)
		return
	}

	o.serverLocks.Lock(oldServer.ID)
	outcome, err := o.mutator.ApplyRemove(ctx, oldServer, acct)
	o.serverLocks.Unlock(oldServer.ID)

	if outcome != remote.OutcomeApplied {
		log.Printf("[Orchestrator] Cleanup of account %s on old server %s deferred: %v", acct.ID, oldServerID, err)
		if err := o.accounts.SetCleanup(ctx, acct.ID, &oldServerID); err != nil {
			log.Printf("[Orchestrator] Failed to record cleanup marker: %v", err)
		}
		o.audit.Record(ctx, &models.AuditEvent{
			AccountID: acct.ID,
			ServerID:  oldServerID,
			Action:    "cleanup_deferred",
			Outcome:   string(outcome),
		})
		return
	}

	if err := o.accounts.SetCleanup(ctx, acct.ID, nil); err != nil {
		log.Printf("[Orchestrator] Failed to clear cleanup marker: %v", err)
	}
}

// runRevoke removes the credential from the assigned server, then and only
// then marks the account revoked. On exhausted retries the account keeps its
// previous state.
func (o *Orchestrator) runRevoke(ctx context.Context, job *models.ProvisioningJob, acct *models.Account) {
	o.transition(ctx, job, models.JobMutating)

	if acct.ServerID == nil {
		// nothing deployed; revoke the record directly
		o.commitRevoke(ctx, job, acct)
		return
	}

	target, err := o.servers.GetServer(ctx, *acct.ServerID)
	if err != nil {
		o.failJob(ctx, job, acct, models.ReasonDegraded, fmt.Errorf("load server %s: %w", *acct.ServerID, err))
		return
	}

	var outcome remote.Outcome
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		job.Attempts++
		o.persistJob(ctx, job)

		o.serverLocks.Lock(target.ID)
		outcome, lastErr = o.mutator.ApplyRemove(ctx, target, acct)
		o.serverLocks.Unlock(target.ID)

		if outcome == remote.OutcomeApplied {
			o.commitRevoke(ctx, job, acct)
			return
		}
		if outcome == remote.OutcomeConfigRejected {
			break
		}

		o.setJobError(ctx, job, lastErr)
		if attempt < o.maxAttempts && !o.backoff(attempt) {
			break
		}
	}

	o.failJob(ctx, job, acct, models.ReasonDegraded, lastErr)
}

func (o *Orchestrator) commitRevoke(ctx context.Context, job *models.ProvisioningJob, acct *models.Account) {
	if err := o.accounts.UpdateState(ctx, acct.ID, models.AccountRevoked, nil); err != nil {
		o.failJob(ctx, job, acct, models.ReasonDegraded, fmt.Errorf("update account state: %w", err))
		return
	}

	job.State = models.JobCommitted
	o.persistJob(ctx, job)

	acct.State = models.AccountRevoked
	serverID := ""
	if acct.ServerID != nil {
		serverID = *acct.ServerID
	}
	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: acct.ID,
		ServerID:  serverID,
		Action:    "job_revoke",
		Outcome:   models.JobCommitted,
	})
	log.Printf("[Orchestrator] Job %s committed: account=%s revoked", job.ID, acct.ID)

	o.notifier.JobCompleted(ctx, acct, job)
}

// failJob moves the job to its terminal Failed state. The account remains in
// its prior state, never half-updated.
func (o *Orchestrator) failJob(ctx context.Context, job *models.ProvisioningJob, acct *models.Account, reason string, cause error) {
	job.State = models.JobFailed
	job.FailureReason = reason
	if cause != nil {
		msg := cause.Error()
		job.LastError = &msg
	}
	o.persistJob(ctx, job)

	accountID := job.AccountID
	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: accountID,
		Action:    "job_" + job.Action,
		Outcome:   models.JobFailed,
		Message:   userMessage(reason),
	})
	log.Printf("[Orchestrator] Job %s failed: account=%s reason=%s err=%v", job.ID, accountID, reason, cause)

	if acct != nil && job.Action == models.ActionCreate && acct.State == models.AccountPending && cause != nil {
		msg := cause.Error()
		if err := o.accounts.UpdateState(ctx, acct.ID, models.AccountPending, &msg); err != nil {
			log.Printf("[Orchestrator] Failed to record account error: %v", err)
		}
	}

	o.notifier.JobFailed(ctx, acct, job, userMessage(reason))
}

// selectTarget resolves the server a provision job mutates. A renewal stays
// on its current server while that server remains eligible.
func (o *Orchestrator) selectTarget(ctx context.Context, job *models.ProvisioningJob, acct *models.Account, exclude []string) (string, error) {
	if job.Action == models.ActionRenew && acct.ServerID != nil {
		srv, err := o.servers.GetServer(ctx, *acct.ServerID)
		if err == nil && srv.Health == models.HealthHealthy && srv.SupportsProtocol(acct.Protocol) {
			return srv.ID, nil
		}
		// fall through to placement; the old assignment is excluded so the
		// account moves off the unhealthy server
		exclude = append(exclude, *acct.ServerID)
	}

	return o.placer.Choose(ctx, acct.Protocol, exclude)
}

func (o *Orchestrator) transition(ctx context.Context, job *models.ProvisioningJob, state string) {
	job.State = state
	o.persistJob(ctx, job)
	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: job.AccountID,
		Action:    "job_" + job.Action,
		Outcome:   state,
	})
}

func (o *Orchestrator) persistJob(ctx context.Context, job *models.ProvisioningJob) {
	if err := o.jobs.Update(ctx, job); err != nil {
		log.Printf("[Orchestrator] Failed to persist job %s: %v", job.ID, err)
	}
}

func (o *Orchestrator) setJobError(ctx context.Context, job *models.ProvisioningJob, cause error) {
	if cause == nil {
		return
	}
	msg := cause.Error()
	job.LastError = &msg
	o.persistJob(ctx, job)
}

// backoff sleeps exponentially between attempts. Returns false if the
// orchestrator is stopping.
func (o *Orchestrator) backoff(attempt int) bool {
	delay := o.baseBackoff << (attempt - 1)
	select {
	case <-time.After(delay):
		return true
	case <-o.stop:
		return false
	}
}

// userMessage maps a failure reason to the user-visible distinction between
// "no capacity" and "temporarily degraded"
func userMessage(reason string) string {
	switch reason {
	case models.ReasonNoCapacity:
		return "could not activate or renew: no available server capacity"
	case models.ReasonCancelled:
		return "request cancelled"
	default:
		return "service temporarily degraded, please retry later"
	}
}
