package remote

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/credential"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// Outcome classifies a mutator call. The operation is not atomic: a config
// write followed by a failed restart reports OutcomeRestartFailed, which the
// orchestrator retries differently from OutcomeUnreachable or
// OutcomeConfigRejected.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeUnreachable    Outcome = "unreachable"
	OutcomeConfigRejected Outcome = "config_rejected"
	OutcomeRestartFailed  Outcome = "restart_failed"
)

// AuditSink receives one record per mutator call
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// Mutator applies account add/remove operations to a server's VPN service
// configuration and restarts the service to activate them. Remote entries
// live one file per account id under the drop-in directory, so re-applying
// the same account overwrites in place and never duplicates config.
type Mutator struct {
	runner    CommandRunner
	audit     AuditSink
	configDir string
	service   string
	timeout   time.Duration
}

func NewMutator(runner CommandRunner, audit AuditSink, configDir, service string, timeout time.Duration) *Mutator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Mutator{
		runner:    runner,
		audit:     audit,
		configDir: configDir,
		service:   service,
		timeout:   timeout,
	}
}

func (m *Mutator) entryPath(accountID string) string {
	return path.Join(m.configDir, accountID+".json")
}

// ApplyAdd deploys the account's credential entry to the server and restarts
// the VPN service
func (m *Mutator) ApplyAdd(ctx context.Context, server *models.Server, acct *models.Account) (Outcome, error) {
	entry, err := credential.RemoteEntry(acct)
	if err != nil {
		m.record(ctx, server, acct, "apply_add", OutcomeConfigRejected, err.Error())
		return OutcomeConfigRejected, err
	}

	writeCmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'EOF'\n%s\nEOF",
		m.configDir, m.entryPath(acct.ID), entry)

	outcome, err := m.writeAndRestart(ctx, server, writeCmd)
	m.record(ctx, server, acct, "apply_add", outcome, errMessage(err))
	return outcome, err
}

// ApplyRemove deletes the account's credential entry from the server and
// restarts the VPN service. Removing an absent entry succeeds: remove is
// idempotent by construction.
func (m *Mutator) ApplyRemove(ctx context.Context, server *models.Server, acct *models.Account) (Outcome, error) {
	removeCmd := fmt.Sprintf("rm -f %s", m.entryPath(acct.ID))

	outcome, err := m.writeAndRestart(ctx, server, removeCmd)
	m.record(ctx, server, acct, "apply_remove", outcome, errMessage(err))
	return outcome, err
}

// HasEntry probes whether the account's entry is deployed on the server.
// Used by reconciliation; never mutates.
func (m *Mutator) HasEntry(ctx context.Context, server *models.Server, acct *models.Account) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.runner.Run(ctx, server, fmt.Sprintf("test -f %s", m.entryPath(acct.ID)))
	if err != nil {
		if IsExitError(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe entry: %w", err)
	}
	return true, nil
}

// writeAndRestart runs the config mutation, then the service restart, as two
// phases so a partial outcome is detectable and reported distinctly
func (m *Mutator) writeAndRestart(ctx context.Context, server *models.Server, mutateCmd string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.runner.Run(ctx, server, mutateCmd); err != nil {
		if IsExitError(err) {
			return OutcomeConfigRejected, fmt.Errorf("config write rejected: %w", err)
		}
		return OutcomeUnreachable, fmt.Errorf("config write unreachable: %w", err)
	}

	restartCmd := fmt.Sprintf("systemctl restart %s", m.service)
	if _, err := m.runner.Run(ctx, server, restartCmd); err != nil {
		if IsExitError(err) {
			return OutcomeRestartFailed, fmt.Errorf("service restart failed: %w", err)
		}
		return OutcomeUnreachable, fmt.Errorf("service restart unreachable: %w", err)
	}

	return OutcomeApplied, nil
}

func (m *Mutator) record(ctx context.Context, server *models.Server, acct *models.Account, action string, outcome Outcome, message string) {
	log.Printf("[Mutator] %s account=%s server=%s outcome=%s", action, acct.ID, server.ID, outcome)
	m.audit.Record(ctx, &models.AuditEvent{
		AccountID: acct.ID,
		ServerID:  server.ID,
		Action:    action,
		Outcome:   string(outcome),
		Message:   message,
	})
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
