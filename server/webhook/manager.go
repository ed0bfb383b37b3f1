// Package webhook implements the inbound trigger security gate: secret and
// signature validation, IP allow-listing, sliding-window rate limiting,
// payload transformation and the rolling call log.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloom/agentloom/server/execution"
	"github.com/agentloom/agentloom/server/observability"
	"github.com/agentloom/agentloom/server/store"
	"github.com/agentloom/agentloom/server/streaming"
)

// Fixed rejection reasons surfaced to callers. The strings are part of the
// trigger API contract and must not change.
var (
	ErrNotFound         = errors.New("Webhook not found")
	ErrDisabled         = errors.New("Webhook is disabled")
	ErrBadSecret        = errors.New("Invalid secret key")
	ErrIPNotAllowed     = errors.New("IP address not whitelisted")
	ErrBadSignature     = errors.New("Invalid signature")
	ErrWorkflowNotFound = errors.New("Workflow not found")
)

// RateLimitError carries the retry hint for a rejected trigger.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "Rate limit exceeded" }

// secretBytes is the size of a webhook secret before hex encoding.
const secretBytes = 32

// TriggerRequest is one inbound trigger attempt.
type TriggerRequest struct {
	WorkflowID string
	Secret     string
	Payload    map[string]any
	RawBody    []byte // exact request body, used for signature verification
	CallerIP   string
	Signature  string // optional hex HMAC-SHA256 of RawBody
}

// TriggerResult is returned for an admitted trigger.
type TriggerResult struct {
	WebhookID   string         `json:"webhook_id"`
	ExecutionID string         `json:"execution_id"`
	Input       map[string]any `json:"input"`
}

// Manager owns webhook endpoints and runs the trigger pipeline.
type Manager struct {
	store      store.Store
	dispatcher execution.Dispatcher
	window     Window
	publisher  streaming.Publisher
	baseURL    string
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-webhook critical section
}

// NewManager wires the gate to its collaborators. baseURL is the public
// origin embedded in generated webhook URLs.
func NewManager(st store.Store, dispatcher execution.Dispatcher, window Window, publisher streaming.Publisher, baseURL string) *Manager {
	return &Manager{
		store:      st,
		dispatcher: dispatcher,
		window:     window,
		publisher:  publisher,
		baseURL:    baseURL,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// NewEndpoint creates a webhook for the workflow with a fresh secret.
func (m *Manager) NewEndpoint(ctx context.Context, workflowID string) (*store.Webhook, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	w := &store.Webhook{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		WebhookURL: m.triggerURL(workflowID, secret),
		SecretKey:  secret,
		Enabled:    true,
		CreatedAt:  m.now(),
	}
	if err := m.store.InsertWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return w, nil
}

// RegenerateSecret replaces the webhook's secret and URL in a single update.
// The previous URL stops validating as soon as the update is persisted; the
// webhook's identity (id, counters, call log) is untouched.
func (m *Manager) RegenerateSecret(ctx context.Context, webhookID string) (*store.Webhook, error) {
	w, err := m.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("load webhook %s: %w", webhookID, err)
	}
	if w == nil {
		return nil, ErrNotFound
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	url := m.triggerURL(w.WorkflowID, secret)
	if err := m.store.UpdateWebhookSecret(ctx, webhookID, secret, url); err != nil {
		return nil, fmt.Errorf("persist regenerated secret: %w", err)
	}

	w.SecretKey = secret
	w.WebhookURL = url
	return w, nil
}

// Trigger runs the ordered validation pipeline and, on success, dispatches
// the workflow with the transformed payload. The first failing check
// short-circuits with its fixed reason.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	w, err := m.store.GetWebhookByWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load webhook for workflow %s: %w", req.WorkflowID, err)
	}
	if w == nil {
		observability.WebhookTriggers.WithLabelValues("not_found").Inc()
		return nil, ErrNotFound
	}
	if !w.Enabled {
		observability.WebhookTriggers.WithLabelValues("disabled").Inc()
		return nil, ErrDisabled
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(w.SecretKey)) != 1 {
		observability.WebhookTriggers.WithLabelValues("bad_secret").Inc()
		return nil, ErrBadSecret
	}
	if len(w.IPWhitelist) > 0 && !containsIP(w.IPWhitelist, req.CallerIP) {
		observability.WebhookTriggers.WithLabelValues("ip_blocked").Inc()
		return nil, ErrIPNotAllowed
	}
	if req.Signature != "" && !VerifySignature(req.RawBody, req.Signature, w.SecretKey) {
		observability.WebhookTriggers.WithLabelValues("bad_signature").Inc()
		return nil, ErrBadSignature
	}

	now := m.now()
	allowed, retryAfter, err := m.window.Allow(ctx, w.ID, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check for webhook %s: %w", w.ID, err)
	}
	if !allowed {
		observability.WebhookTriggers.WithLabelValues("rate_limited").Inc()
		rlErr := &RateLimitError{RetryAfter: retryAfter}
		m.recordCall(ctx, w.ID, store.WebhookCall{
			Timestamp: now,
			Success:   false,
			Error:     rlErr.Error(),
		})
		return nil, rlErr
	}

	input := Transform(req.Payload, w.PayloadTransformer)
	if input == nil {
		input = map[string]any{}
	}
	input["webhook"] = true
	input["webhookId"] = w.ID

	result, dispatchErr := m.dispatcher.ExecuteWorkflow(ctx, w.WorkflowID, input)

	call := store.WebhookCall{Timestamp: now, Success: dispatchErr == nil}
	if dispatchErr != nil {
		call.Error = dispatchErr.Error()
	} else {
		call.ExecutionID = result.ExecutionID
	}
	m.recordCall(ctx, w.ID, call)

	if dispatchErr != nil {
		observability.WebhookTriggers.WithLabelValues("execution_failed").Inc()
		return nil, fmt.Errorf("workflow execution failed: %w", dispatchErr)
	}

	observability.WebhookTriggers.WithLabelValues("accepted").Inc()
	if m.publisher != nil {
		m.publisher.Publish(ctx, streaming.TopicWebhookTriggered, result.ExecutionID, map[string]any{
			"webhook_id":  w.ID,
			"workflow_id": w.WorkflowID,
		})
	}
	return &TriggerResult{WebhookID: w.ID, ExecutionID: result.ExecutionID, Input: input}, nil
}

// Test runs the configured transformer over a sample payload without
// dispatching anything.
func (m *Manager) Test(ctx context.Context, webhookID string, sample map[string]any) (map[string]any, error) {
	w, err := m.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("load webhook %s: %w", webhookID, err)
	}
	if w == nil {
		return nil, ErrNotFound
	}
	return Transform(sample, w.PayloadTransformer), nil
}

// recordCall serializes the read-modify-write of the webhook's counters and
// call log under a per-webhook critical section.
func (m *Manager) recordCall(ctx context.Context, webhookID string, call store.WebhookCall) {
	lock := m.lockFor(webhookID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.RecordWebhookTrigger(ctx, webhookID, call.Timestamp, call); err != nil {
		log.Printf("failed to record trigger for webhook %s: %v", webhookID, err)
	}
}

func (m *Manager) lockFor(webhookID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[webhookID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[webhookID] = l
	}
	return l
}

func (m *Manager) triggerURL(workflowID string, secret string) string {
	return fmt.Sprintf("%s/api/webhooks/trigger/%s/%s", m.baseURL, workflowID, secret)
}

func containsIP(whitelist []string, ip string) bool {
	for _, allowed := range whitelist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// generateSecret returns 32 cryptographically random bytes, hex encoded.
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature over the raw request
// body in constant time.
func VerifySignature(body []byte, signature string, secret string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}
