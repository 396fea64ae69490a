package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/credential"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/remote"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/repository"
)

// AccountStore is satisfied by repository.AccountRepository
type AccountStore interface {
	Create(ctx context.Context, acct *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	UpdateState(ctx context.Context, id, state string, errorMsg *string) error
	SetCleanup(ctx context.Context, id string, serverID *string) error
	CommitActivation(ctx context.Context, acct *models.Account, jobID string) error
}

// JobStore is satisfied by repository.JobRepository
type JobStore interface {
	Create(ctx context.Context, job *models.ProvisioningJob) error
	GetByID(ctx context.Context, id string) (*models.ProvisioningJob, error)
	Update(ctx context.Context, job *models.ProvisioningJob) error
}

// Placer is satisfied by placement.Engine
type Placer interface {
	Choose(ctx context.Context, protocol string, exclude []string) (string, error)
}

// ServerDirectory is satisfied by registry.Registry
type ServerDirectory interface {
	GetServer(ctx context.Context, id string) (*models.Server, error)
}

// ConfigMutator is satisfied by remote.Mutator
type ConfigMutator interface {
	ApplyAdd(ctx context.Context, server *models.Server, acct *models.Account) (remote.Outcome, error)
	ApplyRemove(ctx context.Context, server *models.Server, acct *models.Account) (remote.Outcome, error)
}

// AuditSink receives one record per state transition
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// Notifier forwards terminal job outcomes to the notification collaborator
type Notifier interface {
	JobCompleted(ctx context.Context, acct *models.Account, job *models.ProvisioningJob)
	JobFailed(ctx context.Context, acct *models.Account, job *models.ProvisioningJob, userMessage string)
}

type noopNotifier struct{}

func (noopNotifier) JobCompleted(context.Context, *models.Account, *models.ProvisioningJob) {}
func (noopNotifier) JobFailed(context.Context, *models.Account, *models.ProvisioningJob, string) {
}

// Options tunes worker parallelism and the retry policy
type Options struct {
	Workers     int
	MaxAttempts int           // mutator attempts per server before migrating
	Backoff     time.Duration // base for exponential backoff between attempts
	QueueSize   int
}

// ActivationRequest carries a confirmed payment into the Create path
type ActivationRequest struct {
	AccountRequestID string
	UserID           string
	Protocol         string
	PlanDurationDays int
	DeviceLimit      int
}

// jobHandle tracks one in-flight job. At most one exists per account id.
type jobHandle struct {
	jobID string

	mu        sync.Mutex
	cancelled bool
	mutating  bool
}

func (h *jobHandle) cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mutating {
		return false
	}
	h.cancelled = true
	return true
}

func (h *jobHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// beginMutating marks the point of no return for cancellation. Returns false
// if the job was cancelled first.
func (h *jobHandle) beginMutating() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.mutating = true
	return true
}

// Orchestrator drives provisioning jobs through the
// Queued→Placing→Mutating→Committed/Failed state machine. Multiple workers
// process independent jobs concurrently; mutual exclusion is per account id
// (one in-flight job) and per server id (serialized mutations).
type Orchestrator struct {
	accounts AccountStore
	jobs     JobStore
	placer   Placer
	servers  ServerDirectory
	mutator  ConfigMutator
	audit    AuditSink
	notifier Notifier

	workers     int
	maxAttempts int
	baseBackoff time.Duration

	queue       chan *models.ProvisioningJob
	serverLocks *keyedMutex

	mu       sync.Mutex
	inflight map[string]*jobHandle

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewOrchestrator(
	accounts AccountStore,
	jobs JobStore,
	placer Placer,
	servers ServerDirectory,
	mutator ConfigMutator,
	audit AuditSink,
	notifier Notifier,
	opts Options,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &Orchestrator{
		accounts:    accounts,
		jobs:        jobs,
		placer:      placer,
		servers:     servers,
		mutator:     mutator,
		audit:       audit,
		notifier:    notifier,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.Backoff,
		queue:       make(chan *models.ProvisioningJob, opts.QueueSize),
		serverLocks: newKeyedMutex(),
		inflight:    make(map[string]*jobHandle),
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool
func (o *Orchestrator) Start() {
	log.Printf("[Orchestrator] Starting %d workers", o.workers)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop shuts the worker pool down and waits for in-flight jobs to resolve
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
	log.Printf("[Orchestrator] Stopped")
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case job := <-o.queue:
			o.runJob(job)
		}
	}
}

// SubmitCreate turns a confirmed payment into a Pending account and a queued
// Create job. The account request id doubles as the account id so a replayed
// payment event cannot create a second account.
func (o *Orchestrator) SubmitCreate(ctx context.Context, req ActivationRequest) (*models.ProvisioningJob, error) {
	if !models.ValidProtocol(req.Protocol) {
		return nil, fmt.Errorf("unsupported protocol %q", req.Protocol)
	}

	accountID := req.AccountRequestID
	if accountID == "" {
		accountID = uuid.New().String()
	}

	acct, err := o.accounts.GetByID(ctx, accountID)
	switch {
	case err == nil:
		if acct.State == models.AccountActive {
			return nil, models.ErrAlreadyActive
		}
		if acct.State == models.AccountRevoked {
			// a replayed payment event must never re-deploy a revoked
			// credential; a new purchase carries a new account request id
			return nil, fmt.Errorf("account %s is revoked", accountID)
		}
		// pending or previously failed activation: re-enqueue below
	case errors.Is(err, repository.ErrNotFound):
		material, err := credential.Generate(req.Protocol)
		if err != nil {
			return nil, err
		}

		days := req.PlanDurationDays
		if days <= 0 {
			days = 30
		}
		deviceLimit := req.DeviceLimit
		if deviceLimit <= 0 {
			deviceLimit = 1
		}

		acct = &models.Account{
			ID:               accountID,
			UserID:           req.UserID,
			Protocol:         req.Protocol,
			Username:         configName(accountID, req.Protocol),
			CredentialUUID:   material.UUID,
			CredentialSecret: material.Secret,
			DeviceLimit:      deviceLimit,
			State:            models.AccountPending,
			ExpiresAt:        time.Now().AddDate(0, 0, days),
		}
		if err := o.accounts.Create(ctx, acct); err != nil {
			return nil, fmt.Errorf("create account record: %w", err)
		}
	default:
		return nil, fmt.Errorf("load account: %w", err)
	}

	return o.enqueue(ctx, &models.ProvisioningJob{
		AccountID: accountID,
		Action:    models.ActionCreate,
	})
}

// SubmitRenew queues a renewal. Renew reuses the provisioning skeleton and
// may move the account if its server is no longer eligible; rotate forces
// fresh credential material (device-limit enforcement).
func (o *Orchestrator) SubmitRenew(ctx context.Context, accountID string, extensionDays int, rotate bool) (*models.ProvisioningJob, error) {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.State == models.AccountRevoked {
		return nil, fmt.Errorf("account %s is revoked", accountID)
	}

	return o.enqueue(ctx, &models.ProvisioningJob{
		AccountID:        accountID,
		Action:           models.ActionRenew,
		ExtensionDays:    extensionDays,
		RotateCredential: rotate,
	})
}

// SubmitRevoke queues credential removal. The account reaches Revoked only
// after the remote removal succeeds.
func (o *Orchestrator) SubmitRevoke(ctx context.Context, accountID, reason string) (*models.ProvisioningJob, error) {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.State == models.AccountRevoked {
		return nil, fmt.Errorf("account %s is already revoked", accountID)
	}

	job, err := o.enqueue(ctx, &models.ProvisioningJob{
		AccountID: accountID,
		Action:    models.ActionRevoke,
	})
	if err != nil {
		return nil, err
	}

	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: accountID,
		Action:    "revoke_requested",
		Outcome:   models.JobQueued,
		Message:   reason,
	})
	return job, nil
}

// SubmitMigrate queues re-placement of an account away from the excluded
// servers (or a re-apply in place when exclude is empty, used by
// reconciliation to repair a missing remote entry).
func (o *Orchestrator) SubmitMigrate(ctx context.Context, accountID string, exclude []string) (*models.ProvisioningJob, error) {
	if _, err := o.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	return o.enqueue(ctx, &models.ProvisioningJob{
		AccountID:        accountID,
		Action:           models.ActionMigrate,
		ExcludeServerIDs: exclude,
	})
}

// Cancel aborts a job that has not started mutating remote state. Once the
// first mutator call is issued the job runs to resolution.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return models.ErrNotCancellable
	}

	o.mu.Lock()
	handle := o.inflight[job.AccountID]
	o.mu.Unlock()

	if handle == nil || handle.jobID != job.ID || !handle.cancel() {
		return models.ErrNotCancellable
	}

	log.Printf("[Orchestrator] Job %s cancelled", jobID)
	return nil
}

// enqueue claims the per-account exclusion slot, persists the job, and hands
// it to the worker pool
func (o *Orchestrator) enqueue(ctx context.Context, job *models.ProvisioningJob) (*models.ProvisioningJob, error) {
	job.ID = uuid.New().String()
	job.State = models.JobQueued

	handle := &jobHandle{jobID: job.ID}

	o.mu.Lock()
	if _, busy := o.inflight[job.AccountID]; busy {
		o.mu.Unlock()
		return nil, models.ErrJobInFlight
	}
	o.inflight[job.AccountID] = handle
	o.mu.Unlock()

	if err := o.jobs.Create(ctx, job); err != nil {
		o.release(job.AccountID)
		return nil, fmt.Errorf("persist job: %w", err)
	}

	select {
	case o.queue <- job:
	default:
		o.release(job.AccountID)
		failMsg := "job queue full"
		job.State = models.JobFailed
		job.FailureReason = models.ReasonDegraded
		job.LastError = &failMsg
		_ = o.jobs.Update(ctx, job)
		return nil, fmt.Errorf("job queue full")
	}

	o.audit.Record(ctx, &models.AuditEvent{
		AccountID: job.AccountID,
		Action:    "job_" + job.Action,
		Outcome:   models.JobQueued,
	})
	log.Printf("[Orchestrator] Job %s queued: action=%s account=%s", job.ID, job.Action, job.AccountID)
	return job, nil
}

func (o *Orchestrator) release(accountID string) {
	o.mu.Lock()
	delete(o.inflight, accountID)
	o.mu.Unlock()
}

func (o *Orchestrator) handleFor(accountID string) *jobHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[accountID]
}

// configName builds the human-readable config label for an account
func configName(accountID, protocol string) string {
	ref := accountID
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s-%s", ref, protocol)
}
