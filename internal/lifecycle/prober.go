package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/remote"
)

// ServiceProber checks reachability and VPN service liveness over the same
// command channel the mutator uses. Transport failure means unreachable; a
// reachable host whose VPN service is down is degraded.
type ServiceProber struct {
	runner  remote.CommandRunner
	service string
	timeout time.Duration
}

func NewServiceProber(runner remote.CommandRunner, service string, timeout time.Duration) *ServiceProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ServiceProber{runner: runner, service: service, timeout: timeout}
}

// Probe returns the health state the probe observed
func (p *ServiceProber) Probe(ctx context.Context, server *models.Server) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := fmt.Sprintf("systemctl is-active %s", p.service)
	_, err := p.runner.Run(ctx, server, cmd)
	if err != nil {
		if remote.IsExitError(err) {
			return models.HealthDegraded, err
		}
		return models.HealthUnreachable, err
	}
	return models.HealthHealthy, nil
}
