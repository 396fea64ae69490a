package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
)

// NotifyClient calls notification-service to deliver user-facing messages
// about provisioning outcomes. Delivery is best effort: a failed notification
// never fails the job it describes.
type NotifyClient struct {
	baseURL        string
	internalSecret string
	httpClient     *http.Client
}

func NewNotifyClient(baseURL, internalSecret string) *NotifyClient {
	return &NotifyClient{
		baseURL:        baseURL,
		internalSecret: internalSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyPayload is the notification-service event format
type notifyPayload struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}

// JobCompleted notifies the user their account change committed
func (c *NotifyClient) JobCompleted(ctx context.Context, acct *models.Account, job *models.ProvisioningJob) {
	payload := &notifyPayload{
		AccountID: job.AccountID,
		JobID:     job.ID,
		Action:    job.Action,
		Outcome:   job.State,
	}
	if acct != nil {
		payload.UserID = acct.UserID
	}
	c.send(ctx, payload)
}

// JobFailed notifies the user with the classified failure message
func (c *NotifyClient) JobFailed(ctx context.Context, acct *models.Account, job *models.ProvisioningJob, userMessage string) {
	payload := &notifyPayload{
		AccountID: job.AccountID,
		JobID:     job.ID,
		Action:    job.Action,
		Outcome:   job.State,
		Message:   userMessage,
	}
	if acct != nil {
		payload.UserID = acct.UserID
	}
	c.send(ctx, payload)
}

func (c *NotifyClient) send(ctx context.Context, payload *notifyPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[NotifyClient] Marshal failed: %v", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/internal/notify", bytes.NewReader(body))
	if err != nil {
		log.Printf("[NotifyClient] Create request failed: %v", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Secret", c.internalSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[NotifyClient] Notification failed for job %s: %v", payload.JobID, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Printf("[NotifyClient] notification-service returned status %d for job %s", resp.StatusCode, payload.JobID)
	}
}

// Ping verifies notification-service is reachable (used at startup)
func (c *NotifyClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification-service returned status %d", resp.StatusCode)
	}
	return nil
}
