package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/server/execution"
	"github.com/agentloom/agentloom/server/store"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []map[string]any
	err   error
}

func (d *fakeDispatcher) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*execution.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, input)
	if d.err != nil {
		return nil, d.err
	}
	return &execution.Result{ExecutionID: fmt.Sprintf("exec-%d", len(d.calls)), Status: "pending"}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *fakeDispatcher) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutWorkflow(&store.Workflow{ID: "wf-1", Name: "Test Workflow"})
	d := &fakeDispatcher{}
	m := NewManager(st, d, NewMemoryWindow(), nil, "http://hub.test")
	return m, st, d
}

func seedWebhook(t *testing.T, st *store.MemoryStore, w *store.Webhook) *store.Webhook {
	t.Helper()
	require.NoError(t, st.InsertWebhook(context.Background(), w))
	return w
}

func TestNewEndpoint(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.NewEndpoint(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, w.Enabled)
	assert.Len(t, w.SecretKey, 64) // 32 bytes, hex encoded
	assert.Equal(t, "http://hub.test/api/webhooks/trigger/wf-1/"+w.SecretKey, w.WebhookURL)

	stored, err := st.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, w.SecretKey, stored.SecretKey)
}

func TestNewEndpointUnknownWorkflow(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.NewEndpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestTriggerValidationOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown workflow", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "missing", Secret: "whatever"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("disabled wins over correct secret", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: false})
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
		assert.ErrorIs(t, err, ErrDisabled)
	})

	t.Run("wrong secret", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "nope"})
		assert.ErrorIs(t, err, ErrBadSecret)
	})

	t.Run("ip not whitelisted", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{
			ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true,
			IPWhitelist: []string{"10.0.0.1"},
		})
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret", CallerIP: "10.0.0.2"})
		assert.ErrorIs(t, err, ErrIPNotAllowed)
	})

	t.Run("empty whitelist admits any caller", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret", CallerIP: "203.0.113.9"})
		assert.NoError(t, err)
	})

	t.Run("bad signature", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
		body := []byte(`{"a":1}`)
		_, err := m.Trigger(ctx, TriggerRequest{
			WorkflowID: "wf-1", Secret: "s3cret",
			RawBody: body, Signature: "deadbeef",
		})
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("valid signature", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
		body := []byte(`{"a":1}`)
		_, err := m.Trigger(ctx, TriggerRequest{
			WorkflowID: "wf-1", Secret: "s3cret",
			RawBody: body, Signature: Sign(body, "s3cret"),
		})
		assert.NoError(t, err)
	})

	t.Run("no signature skips the check", func(t *testing.T) {
		m, st, _ := newTestManager(t)
		seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret", RawBody: []byte(`{}`)})
		assert.NoError(t, err)
	})
}

func TestTriggerSuccess(t *testing.T) {
	m, st, d := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{
		ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true,
		PayloadTransformer: map[string]string{"email": "user.email"},
	})

	res, err := m.Trigger(ctx, TriggerRequest{
		WorkflowID: "wf-1", Secret: "s3cret",
		Payload: map[string]any{"user": map[string]any{"email": "a@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "wh-1", res.WebhookID)
	assert.NotEmpty(t, res.ExecutionID)

	// Transformed payload plus the webhook context keys.
	assert.Equal(t, map[string]any{
		"email":     "a@example.com",
		"webhook":   true,
		"webhookId": "wh-1",
	}, res.Input)
	assert.Equal(t, 1, d.callCount())

	w, err := st.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.TriggerCount)
	require.NotNil(t, w.LastTriggeredAt)
	require.Len(t, w.CallLog, 1)
	assert.True(t, w.CallLog[0].Success)
	assert.Equal(t, res.ExecutionID, w.CallLog[0].ExecutionID)
}

func TestTriggerDispatchFailure(t *testing.T) {
	m, st, d := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})
	d.err = errors.New("orchestrator down")

	_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow execution failed")

	w, err := st.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	require.Len(t, w.CallLog, 1)
	assert.False(t, w.CallLog[0].Success)
	assert.Contains(t, w.CallLog[0].Error, "orchestrator down")
}

func TestTriggerRateLimit(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	elapsed := time.Duration(0)
	m.now = func() time.Time {
		elapsed += time.Second
		return base.Add(elapsed)
	}

	for i := 0; i < RateLimitMax; i++ {
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
		require.NoError(t, err, "trigger %d", i)
	}

	_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "Rate limit exceeded", rl.Error())
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	// The rejection itself lands in the call log as a failed call.
	w, err := st.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	require.NotEmpty(t, w.CallLog)
	assert.False(t, w.CallLog[0].Success)
	assert.Equal(t, "Rate limit exceeded", w.CallLog[0].Error)
}

func TestCallLogCapNewestFirst(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	elapsed := time.Duration(0)
	m.now = func() time.Time {
		elapsed += time.Second
		return base.Add(elapsed)
	}

	for i := 0; i < store.CallLogCapacity+2; i++ {
		_, err := m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
		require.NoError(t, err)
	}

	w, err := st.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(store.CallLogCapacity+2), w.TriggerCount)
	require.Len(t, w.CallLog, store.CallLogCapacity)
	for i := 1; i < len(w.CallLog); i++ {
		assert.True(t, w.CallLog[i-1].Timestamp.After(w.CallLog[i].Timestamp), "call log must be newest first")
	}
}

func TestRegenerateSecretInvalidatesOld(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, err := m.NewEndpoint(ctx, "wf-1")
	require.NoError(t, err)
	oldSecret := w.SecretKey

	regenerated, err := m.RegenerateSecret(ctx, w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, regenerated.SecretKey)
	assert.Contains(t, regenerated.WebhookURL, regenerated.SecretKey)

	_, err = m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: oldSecret})
	assert.ErrorIs(t, err, ErrBadSecret)

	_, err = m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: regenerated.SecretKey})
	assert.NoError(t, err)
}

func TestRegenerateSecretUnknownWebhook(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.RegenerateSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTestTransformsWithoutDispatch(t *testing.T) {
	m, st, d := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{
		ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true,
		PayloadTransformer: map[string]string{"email": "user.email"},
	})

	out, err := m.Test(ctx, "wh-1", map[string]any{"user": map[string]any{"email": "a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "a@example.com"}, out)
	assert.Zero(t, d.callCount())

	_, err = m.Test(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign(body, "s3cret")
	assert.Len(t, sig, 64)

	assert.True(t, VerifySignature(body, sig, "s3cret"))
	assert.False(t, VerifySignature([]byte(`{"hello":"tampered"}`), sig, "s3cret"))
	assert.False(t, VerifySignature(body, sig, "other-secret"))
}

func TestConcurrentTriggersNoLostUpdates(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	seedWebhook(t, st, &store.Webhook{ID: "wh-1", WorkflowID: "wf-1", SecretKey: "s3cret", Enabled: true})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Trigger(ctx, TriggerRequest{WorkflowID: "wf-1", Secret: "s3cret"})
		}()
	}
	wg.Wait()

	w, err := st.GetWebhook(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), w.TriggerCount)
	assert.Len(t, w.CallLog, store.CallLogCapacity)
}
