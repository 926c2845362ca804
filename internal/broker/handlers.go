package broker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaihochak/tallr/internal/common/apperr"
	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// permissionPollTimeout bounds how long the Broker holds a wrapper's long
// poll open waiting for a UI decision (spec §4.2/§8 Approval round-trip)
// before replying "not yet" so the caller can re-issue the call.
const permissionPollTimeout = 20 * time.Second

// handler holds the Broker's HTTP handlers (spec §4.5 endpoint table).
type handler struct {
	store            *Store
	hub              *Hub
	log              *logger.Logger
	cliPingThreshold time.Duration
}

func newHandler(store *Store, hub *Hub, log *logger.Logger, cliPingThreshold time.Duration) *handler {
	return &handler{store: store, hub: hub, log: log, cliPingThreshold: cliPingThreshold}
}

// upsertTasks handles POST /v1/tasks/upsert.
func (h *handler) upsertTasks(c *gin.Context) {
	var req tallrapi.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.Task.ID == "" || req.Project.RepoPath == "" {
		_ = c.Error(apperr.BadRequest("task.id and project.repoPath are required"))
		return
	}

	project, task, err := h.store.Upsert(req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "project", Project: project})
	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "task", Task: task})
	c.JSON(http.StatusOK, gin.H{"project": project, "task": task})
}

// setState handles POST /v1/tasks/state.
func (h *handler) setState(c *gin.Context) {
	var req tallrapi.StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.TaskID == "" {
		_ = c.Error(apperr.BadRequest("taskId is required"))
		return
	}

	task, err := h.store.SetState(req.TaskID, req.State, req.Details, req.Source)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "task", Task: task})
	c.JSON(http.StatusOK, task)
}

// setDetails handles POST /v1/tasks/details.
func (h *handler) setDetails(c *gin.Context) {
	var req tallrapi.DetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.TaskID == "" {
		_ = c.Error(apperr.BadRequest("taskId is required"))
		return
	}

	task, err := h.store.SetDetails(req.TaskID, req.Details)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "task", Task: task})
	c.JSON(http.StatusOK, task)
}

// done handles POST /v1/tasks/done.
func (h *handler) done(c *gin.Context) {
	var req tallrapi.DoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.TaskID == "" {
		_ = c.Error(apperr.BadRequest("taskId is required"))
		return
	}

	task, err := h.store.Done(req.TaskID, req.Details)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "task", Task: task})
	c.JSON(http.StatusOK, task)
}

// setPinned handles the SPEC_FULL.md addition POST /v1/tasks/:taskId/pin
// (spec §3 Data Model: UI-initiated pin/unpin).
func (h *handler) setPinned(c *gin.Context) {
	taskID := c.Param("taskId")
	var req tallrapi.PinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}

	task, err := h.store.SetPinned(taskID, req.Pinned)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.hub.Broadcast(tallrapi.FanoutEvent{Type: "task", Task: task})
	c.JSON(http.StatusOK, task)
}

// permissionRespond handles POST /v1/tasks/:taskId/permission: the UI's
// decision on a pending tool-call approval (spec §8 scenario 3 "Approval
// round-trip"), relayed to whichever wrapper is long-polling for it.
func (h *handler) permissionRespond(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, ok := h.store.Task(taskID); !ok {
		_ = c.Error(apperr.NotFound("task", taskID))
		return
	}

	var req tallrapi.PermissionResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.Decision != tallrapi.PermissionAllow && req.Decision != tallrapi.PermissionDeny {
		_ = c.Error(apperr.BadRequest("decision must be allow or deny"))
		return
	}

	h.store.ResolvePermission(taskID, req.ID, req.Decision)
	c.Status(http.StatusNoContent)
}

// permissionPoll handles GET /v1/tasks/:taskId/permission/:id: the
// wrapper's long poll for the UI's decision on one outstanding
// permission-request (spec §4.2 Control, §8 scenario 3).
func (h *handler) permissionPoll(c *gin.Context) {
	taskID := c.Param("taskId")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		_ = c.Error(apperr.BadRequest("id must be an integer"))
		return
	}

	ch, cancel := h.store.AwaitPermission(taskID, id)
	defer cancel()

	select {
	case decision := <-ch:
		c.JSON(http.StatusOK, tallrapi.PermissionPollResponse{Ready: true, Decision: decision})
	case <-time.After(permissionPollTimeout):
		c.JSON(http.StatusOK, tallrapi.PermissionPollResponse{Ready: false})
	case <-c.Request.Context().Done():
	}
}

// debugUpdate handles POST /v1/debug/update.
func (h *handler) debugUpdate(c *gin.Context) {
	var req tallrapi.DebugUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.BadRequest(err.Error()))
		return
	}
	if req.TaskID == "" {
		_ = c.Error(apperr.BadRequest("taskId is required"))
		return
	}
	h.store.SetDebug(req.TaskID, req.DebugData)
	c.Status(http.StatusNoContent)
}

// debugGet handles the SPEC_FULL.md addition GET /v1/debug/:taskId.
func (h *handler) debugGet(c *gin.Context) {
	taskID := c.Param("taskId")
	data, ok := h.store.Debug(taskID)
	if !ok {
		_ = c.Error(apperr.NotFound("debug snapshot", taskID))
		return
	}
	c.JSON(http.StatusOK, data)
}

// state handles GET /v1/state.
func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Snapshot())
}

// cliConnectivity handles GET /v1/cli-connectivity.
func (h *handler) cliConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.CliConnectivity(h.cliPingThreshold))
}

// health handles GET /v1/health (unauthenticated, spec §4.5).
func (h *handler) health(c *gin.Context) {
	snapshot := h.store.CliConnectivity(h.cliPingThreshold)
	c.JSON(http.StatusOK, tallrapi.HealthResponse{
		Status:      "ok",
		ServerTime:  snapshot.CurrentTime,
		LastCliPing: snapshot.LastPing,
	})
}

// ws handles the websocket upgrade for the UI subscriber.
func (h *handler) ws(c *gin.Context) {
	if err := h.hub.ServeWS(c.Writer, c.Request); err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
	}
}
