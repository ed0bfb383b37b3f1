package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentloom/agentloom/server/idempotency"
	"github.com/agentloom/agentloom/server/observability"
	"github.com/agentloom/agentloom/server/schedule"
	"github.com/agentloom/agentloom/server/store"
	"github.com/agentloom/agentloom/server/version"
	"github.com/agentloom/agentloom/server/webhook"
)

type API struct {
	store    store.Store
	webhooks *webhook.Manager
	versions *version.Manager
	registry *schedule.Registry
	wsHub    *ExecutionHub

	idempotency *idempotency.Store

	// Storm Protection: per-caller limiter ahead of the security gate so a
	// flood of bad secrets cannot monopolize the trigger path.
	ipMu       sync.Mutex
	ipLimiters map[string]*rate.Limiter
}

func NewAPI(st store.Store, webhooks *webhook.Manager, versions *version.Manager, registry *schedule.Registry, hub *ExecutionHub, idemStore *idempotency.Store) *API {
	return &API{
		store:       st,
		webhooks:    webhooks,
		versions:    versions,
		registry:    registry,
		wsHub:       hub,
		idempotency: idemStore,
		ipLimiters:  make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the caller's token bucket: 10 req/s, burst 30.
func (a *API) limiterFor(ip string) *rate.Limiter {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()
	l, ok := a.ipLimiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10), 30)
		a.ipLimiters[ip] = l
	}
	return l
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func callerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// -- Webhook Trigger --

// handleTrigger serves POST /api/webhooks/trigger/{workflowID}/{secret}.
func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/webhooks/trigger/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	workflowID, secret := parts[0], parts[1]

	ip := callerIP(r)
	if !a.limiterFor(ip).Allow() {
		observability.APIRateLimited.WithLabelValues("trigger").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	// The exact raw body is needed for signature verification; the JSON view
	// of it feeds the transformer.
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := a.webhooks.Trigger(r.Context(), webhook.TriggerRequest{
		WorkflowID: workflowID,
		Secret:     secret,
		Payload:    payload,
		RawBody:    raw,
		CallerIP:   ip,
		Signature:  r.Header.Get("X-Loom-Signature"),
	})
	if err != nil {
		a.writeTriggerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"execution_id": result.ExecutionID,
		"webhook_id":   result.WebhookID,
	})
}

// writeTriggerError maps gate rejections to their HTTP statuses. The reason
// strings come straight from the sentinel errors.
func (a *API) writeTriggerError(w http.ResponseWriter, err error) {
	var rl *webhook.RateLimitError
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, webhook.ErrDisabled), errors.Is(err, webhook.ErrIPNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, webhook.ErrBadSecret), errors.Is(err, webhook.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &rl):
		secs := int(rl.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		writeError(w, http.StatusTooManyRequests, rl.Error())
	default:
		log.Printf("trigger failed: %v", err)
		writeError(w, http.StatusBadGateway, "Workflow execution failed")
	}
}

// maxBodyBytes caps inbound trigger payloads at 1 MiB.
const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// -- Webhook Management --

// handleCreateWebhook serves POST /api/workflows/{id}/webhook.
func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request, workflowID string) {
	wh, err := a.webhooks.NewEndpoint(r.Context(), workflowID)
	if err != nil {
		if errors.Is(err, webhook.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to create webhook for workflow %s: %v", workflowID, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

// handleWebhookSubresource serves /api/webhooks/{id} and its actions.
func (a *API) handleWebhookSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/webhooks/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetWebhook(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "regenerate" && r.Method == http.MethodPost:
		a.handleRegenerateSecret(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "test" && r.Method == http.MethodPost:
		a.handleTestWebhook(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "enabled" && r.Method == http.MethodPost:
		a.handleSetWebhookEnabled(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleGetWebhook(w http.ResponseWriter, r *http.Request, id string) {
	wh, err := a.store.GetWebhook(r.Context(), id)
	if err != nil {
		log.Printf("failed to load webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, webhook.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (a *API) handleRegenerateSecret(w http.ResponseWriter, r *http.Request, id string) {
	wh, err := a.webhooks.RegenerateSecret(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to regenerate secret for webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (a *API) handleTestWebhook(w http.ResponseWriter, r *http.Request, id string) {
	var sample map[string]any
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	out, err := a.webhooks.Test(r.Context(), id, sample)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to test webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"input": out})
}

func (a *API) handleSetWebhookEnabled(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.store.SetWebhookEnabled(r.Context(), id, body.Enabled); err != nil {
		log.Printf("failed to update webhook %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": body.Enabled})
}

// -- Workflow Versions --

// handleWorkflowSubresource serves /api/workflows/{id}/... actions.
func (a *API) handleWorkflowSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	workflowID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "webhook" && r.Method == http.MethodPost:
		a.handleCreateWebhook(w, r, workflowID)
	case len(parts) == 2 && parts[1] == "versions" && r.Method == http.MethodPost:
		a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
			a.handleCreateVersion(w, r, workflowID)
		})(w, r)
	case len(parts) == 2 && parts[1] == "versions" && r.Method == http.MethodGet:
		a.handleListVersions(w, r, workflowID)
	case len(parts) == 4 && parts[1] == "versions" && parts[3] == "restore" && r.Method == http.MethodPost:
		a.handleRestoreVersion(w, r, workflowID, parts[2])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleCreateVersion(w http.ResponseWriter, r *http.Request, workflowID string) {
	var body struct {
		UserID        string `json:"user_id"`
		CommitMessage string `json:"commit_message"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	v, err := a.versions.CreateVersion(r.Context(), workflowID, body.UserID, body.CommitMessage)
	if err != nil {
		if errors.Is(err, version.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to create version for workflow %s: %v", workflowID, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request, workflowID string) {
	versions, err := a.versions.GetVersions(r.Context(), workflowID)
	if err != nil {
		log.Printf("failed to list versions for workflow %s: %v", workflowID, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (a *API) handleRestoreVersion(w http.ResponseWriter, r *http.Request, workflowID string, versionID string) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	v, err := a.versions.RestoreVersion(r.Context(), workflowID, versionID, body.UserID)
	if err != nil {
		switch {
		case errors.Is(err, version.ErrWorkflowNotFound), errors.Is(err, version.ErrVersionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, version.ErrWrongWorkflow):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("failed to restore version %s: %v", versionID, err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleVersionSubresource serves /api/versions/... reads and actions.
func (a *API) handleVersionSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/versions/")

	if rest == "compare" && r.Method == http.MethodGet {
		a.handleCompareVersions(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetVersion(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		a.handleExportVersion(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "tag" && r.Method == http.MethodPost:
		a.handleTagVersion(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request, id string) {
	v, err := a.versions.GetVersion(r.Context(), id)
	if err != nil {
		log.Printf("failed to load version %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, version.ErrVersionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleExportVersion(w http.ResponseWriter, r *http.Request, id string) {
	data, err := a.versions.ExportVersion(r.Context(), id)
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to export version %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "version-"+id+".json"))
	writeJSON(w, http.StatusOK, data)
}

func (a *API) handleTagVersion(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.versions.TagVersion(r.Context(), id, body.Tag); err != nil {
		log.Printf("failed to tag version %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tag": body.Tag})
}

func (a *API) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	v1 := r.URL.Query().Get("v1")
	v2 := r.URL.Query().Get("v2")
	if v1 == "" || v2 == "" {
		writeError(w, http.StatusBadRequest, "v1 and v2 query parameters are required")
		return
	}

	cmp, err := a.versions.CompareVersions(r.Context(), v1, v2)
	if err != nil {
		if errors.Is(err, version.ErrVersionsNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("failed to compare versions %s and %s: %v", v1, v2, err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// -- Schedules --

// handleScheduleSubresource serves /api/schedules/{id}/... actions.
func (a *API) handleScheduleSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.Split(rest, "/")

	if len(parts) == 2 && parts[1] == "run-now" && r.Method == http.MethodPost {
		if err := a.registry.RunNow(r.Context(), parts[0]); err != nil {
			if errors.Is(err, schedule.ErrScheduleNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			log.Printf("failed to run schedule %s: %v", parts[0], err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"fired": true})
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

// -- Execution Stream --

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleExecutionStream upgrades to WebSocket and registers with the hub.
// An optional ?execution_id= narrows the stream to one execution.
func (a *API) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	a.wsHub.Register(conn, executionID)
	defer a.wsHub.Unregister(conn)

	log.Println("Execution stream client connected")

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump: discard inbound messages, detect disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
