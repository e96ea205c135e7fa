package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeYAY/SPACE/internal/api"
	"github.com/codeYAY/SPACE/internal/api/handlers"
	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/internal/store"
	"github.com/codeYAY/SPACE/internal/stream"
	"github.com/codeYAY/SPACE/internal/workflow"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	events   []*models.TriggerEvent
	active   map[string]bool
	dispatch error
}

func (f *fakeEngine) Dispatch(_ context.Context, ev *models.TriggerEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatch != nil {
		return "", f.dispatch
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("run-%d", len(f.events)+1)
	}
	f.events = append(f.events, ev)
	return ev.ID, nil
}

func (f *fakeEngine) CancelRun(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[runID] {
		return false
	}
	delete(f.active, runID)
	return true
}

type harness struct {
	engine *fakeEngine
	runs   *store.MemoryStore
	hub    *stream.Hub
	server *httptest.Server
}

func newHarness(t *testing.T, keys ...string) *harness {
	t.Helper()
	h := &harness{
		engine: &fakeEngine{active: map[string]bool{}},
		runs:   store.NewMemoryStore(""),
		hub:    stream.NewHub(8),
	}
	t.Cleanup(func() { _ = h.runs.Close() })

	cfg := &config.Config{Version: "1.2.3", Auth: config.AuthConfig{APIKeys: keys}}
	hs := handlers.New(h.engine, h.runs, h.hub)
	hs.Heartbeat = 50 * time.Millisecond
	h.server = httptest.NewServer(api.NewRouter(cfg, hs))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t, "secret")

	resp, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = h.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "rushed-agent", body["service"])
}

func TestTriggerRun(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/v1/runs", `{"value":"build a todo app","projectId":"proj-1","userToken":"tok"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", body["id"])
	assert.Equal(t, "running", body["status"])

	require.Len(t, h.engine.events, 1)
	ev := h.engine.events[0]
	assert.Equal(t, "build a todo app", ev.Prompt)
	assert.Equal(t, "proj-1", ev.ProjectID)
	assert.Equal(t, "tok", ev.Token)
}

func TestTriggerRun_Validation(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/v1/runs", `{"value":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "value is required", body["error"])
	assert.Empty(t, h.engine.events)
}

func TestTriggerRun_Active(t *testing.T) {
	h := newHarness(t)
	h.engine.dispatch = fmt.Errorf("%w: run-9", workflow.ErrRunActive)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/runs", `{"id":"run-9","value":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetAndListRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.runs.CreateRun(ctx, &models.WorkflowRun{ID: "r1", ProjectID: "p1", Status: models.RunCompleted}))
	require.NoError(t, h.runs.CreateRun(ctx, &models.WorkflowRun{ID: "r2", ProjectID: "p2", Status: models.RunRunning}))

	resp, body := h.do(t, http.MethodGet, "/api/v1/runs/r1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["id"])

	resp, _ = h.do(t, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/api/v1/runs?projectId=p2", nil)
	require.NoError(t, err)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var runs []models.WorkflowRun
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	h.engine.active["r1"] = true

	resp, body := h.do(t, http.MethodPost, "/api/v1/runs/r1/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceled", body["status"])

	resp, _ = h.do(t, http.MethodPost, "/api/v1/runs/r1/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyGuard(t *testing.T) {
	h := newHarness(t, "secret")

	resp, _ := h.do(t, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestStream(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/v1/stream?user=u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Only the recipient's chunks reach a user subscription.
	require.NoError(t, h.hub.Publish(ctx, stream.Event{Name: stream.EventName, User: "u2",
		Data: models.StreamChunk{ID: "other", Event: "run.started"}}))
	require.NoError(t, h.hub.Publish(ctx, stream.Event{Name: stream.EventName, User: "u1",
		Data: models.StreamChunk{ID: "c1", Event: "text.completed", Content: "hello"}}))

	reader := bufio.NewReader(resp.Body)
	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, ":") {
			continue
		}
		if line == "" {
			if len(frame) > 0 {
				break
			}
			continue
		}
		frame = append(frame, line)
	}

	require.Len(t, frame, 3)
	assert.Equal(t, "id: c1", frame[0])
	assert.Equal(t, "event: agent.stream", frame[1])
	require.True(t, strings.HasPrefix(frame[2], "data: "))

	var chunk models.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame[2], "data: ")), &chunk))
	assert.Equal(t, "text.completed", chunk.Event)
	assert.Equal(t, "hello", chunk.Content)

	cancel()
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
