package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

func testEngine(t *testing.T) (*gin.Engine, *Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewStore()
	hub := NewHub(logger.Default())
	go hub.Run()
	h := newHandler(store, hub, logger.Default(), 30_000_000_000)
	token := "test-token-0123456789abcdef0123456789abcdef"

	engine := gin.New()
	engine.Use(recovery(logger.Default()), errorHandler())
	engine.GET("/v1/health", h.health)
	authed := engine.Group("/v1")
	authed.Use(bearerAuth(store, token))
	authed.POST("/tasks/upsert", h.upsertTasks)
	authed.POST("/tasks/state", h.setState)
	authed.POST("/tasks/:taskId/pin", h.setPinned)
	authed.POST("/tasks/:taskId/permission", h.permissionRespond)
	authed.GET("/tasks/:taskId/permission/:id", h.permissionPoll)
	authed.GET("/state", h.state)

	return engine, store, token
}

func doJSON(engine *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandlers_AuthGating(t *testing.T) {
	engine, _, token := testEngine(t)

	req := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/a"},
		Task:    tallrapi.TaskUpsert{ID: "t1", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}

	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", "", req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(engine, http.MethodPost, "/v1/tasks/upsert", "wrong-token", req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_HealthIsUnauthenticated(t *testing.T) {
	engine, _, _ := testEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_TerminalStateReturns409(t *testing.T) {
	engine, store, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/b"},
		Task:    tallrapi.TaskUpsert{ID: "t2", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := store.Done("t2", "")
	require.NoError(t, err)

	w = doJSON(engine, http.MethodPost, "/v1/tasks/state", token, tallrapi.StateRequest{TaskID: "t2", State: tallrapi.StateWorking})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_StateSnapshotReflectsMutations(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/c"},
		Task:    tallrapi.TaskUpsert{ID: "t3", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap tallrapi.StateSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "t3", snap.Tasks[0].ID)
}

func TestHandlers_SetPinned(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/pin"},
		Task:    tallrapi.TaskUpsert{ID: "t-pin", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(engine, http.MethodPost, "/v1/tasks/t-pin/pin", token, tallrapi.PinRequest{Pinned: true})
	require.Equal(t, http.StatusOK, w.Code)

	var task tallrapi.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.True(t, task.Pinned)
}

func TestHandlers_SetPinned_UnknownTaskReturns404(t *testing.T) {
	engine, _, token := testEngine(t)
	w := doJSON(engine, http.MethodPost, "/v1/tasks/missing/pin", token, tallrapi.PinRequest{Pinned: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_PermissionRespond_UnknownTaskReturns404(t *testing.T) {
	engine, _, token := testEngine(t)
	req := tallrapi.PermissionResponseRequest{ID: 1, Decision: tallrapi.PermissionAllow}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/missing/permission", token, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_PermissionRespond_InvalidDecisionReturns400(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/perm"},
		Task:    tallrapi.TaskUpsert{ID: "t-perm", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	req := tallrapi.PermissionResponseRequest{ID: 1, Decision: tallrapi.PermissionDecision("maybe")}
	w = doJSON(engine, http.MethodPost, "/v1/tasks/t-perm/permission", token, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandlers_PermissionRoundTrip_RespondBeforePoll covers the decision
// arriving before the wrapper's poll is registered (parked in Store.resolved
// and claimed immediately, spec §8 scenario 3).
func TestHandlers_PermissionRoundTrip_RespondBeforePoll(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/perm2"},
		Task:    tallrapi.TaskUpsert{ID: "t-perm2", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	respondReq := tallrapi.PermissionResponseRequest{ID: 7, Decision: tallrapi.PermissionAllow}
	w = doJSON(engine, http.MethodPost, "/v1/tasks/t-perm2/permission", token, respondReq)
	require.Equal(t, http.StatusNoContent, w.Code)

	pollReq := httptest.NewRequest(http.MethodGet, "/v1/tasks/t-perm2/permission/7", nil)
	pollReq.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, pollReq)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tallrapi.PermissionPollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, tallrapi.PermissionAllow, resp.Decision)
}

// TestHandlers_PermissionRoundTrip_PollThenRespond covers the opposite
// ordering: the wrapper's long poll is already registered when the UI's
// decision lands.
func TestHandlers_PermissionRoundTrip_PollThenRespond(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/perm3"},
		Task:    tallrapi.TaskUpsert{ID: "t-perm3", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	resultCh := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		pollReq := httptest.NewRequest(http.MethodGet, "/v1/tasks/t-perm3/permission/3", nil)
		pollReq.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, pollReq)
		resultCh <- rec
	}()

	time.Sleep(50 * time.Millisecond) // let the poll register before responding
	respondReq := tallrapi.PermissionResponseRequest{ID: 3, Decision: tallrapi.PermissionDeny}
	w = doJSON(engine, http.MethodPost, "/v1/tasks/t-perm3/permission", token, respondReq)
	require.Equal(t, http.StatusNoContent, w.Code)

	select {
	case rec := <-resultCh:
		require.Equal(t, http.StatusOK, rec.Code)
		var resp tallrapi.PermissionPollResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Ready)
		assert.Equal(t, tallrapi.PermissionDeny, resp.Decision)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the long poll to resolve")
	}
}

// TestHandlers_PermissionPoll_ClientCancelReturnsPromptly ensures a poll
// whose caller gives up doesn't block for the full permissionPollTimeout.
func TestHandlers_PermissionPoll_ClientCancelReturnsPromptly(t *testing.T) {
	engine, _, token := testEngine(t)

	upsert := tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: "p", RepoPath: "/repo/perm4"},
		Task:    tallrapi.TaskUpsert{ID: "t-perm4", Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
	w := doJSON(engine, http.MethodPost, "/v1/tasks/upsert", token, upsert)
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pollReq := httptest.NewRequest(http.MethodGet, "/v1/tasks/t-perm4/permission/9", nil).WithContext(ctx)
	pollReq.Header.Set("Authorization", "Bearer "+token)

	done := make(chan struct{})
	rec := httptest.NewRecorder()
	go func() {
		engine.ServeHTTP(rec, pollReq)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe request cancellation promptly")
	}
}
