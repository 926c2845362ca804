// Package broker implements the Broker (spec §4.5): the authenticated,
// loopback-only owner of the canonical Project/Task store, with a REST
// surface and a websocket fan-out to the desktop UI subscriber.
package broker

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaihochak/tallr/internal/common/apperr"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// Store is the single-writer, in-memory canonical state (spec §5: "a
// single logical writer: an owning task/actor serializes mutations on the
// store behind a short critical section"). A mutex is the idiomatic Go
// rendition of that actor for map-sized critical sections; no handler
// holds it across I/O.
type Store struct {
	mu sync.RWMutex

	projects      map[string]*tallrapi.Project
	projectByRepo map[string]string // canonical repoPath -> project id
	tasks         map[string]*tallrapi.Task
	debug         map[string]map[string]interface{}
	lastCliPing   time.Time

	// permMu guards the permission-response rendezvous (spec §4.2/§8
	// Approval round-trip): the wrapper's long poll and the UI's decision
	// can arrive in either order, so a decision with no waiter yet is
	// parked in resolved until a poll claims it.
	permMu      sync.Mutex
	permissions map[string]chan tallrapi.PermissionDecision
	resolved    map[string]tallrapi.PermissionDecision
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		projects:      make(map[string]*tallrapi.Project),
		projectByRepo: make(map[string]string),
		tasks:         make(map[string]*tallrapi.Task),
		debug:         make(map[string]map[string]interface{}),
		permissions:   make(map[string]chan tallrapi.PermissionDecision),
		resolved:      make(map[string]tallrapi.PermissionDecision),
	}
}

// Upsert creates or updates a project/task pair (spec §4.5 upsert).
// Project identity is keyed by canonical repoPath; the human name of the
// FIRST upsert for a given repoPath is kept even if later upserts name it
// differently (spec §8 Identity stability). Transitions to a terminal
// state are forbidden here; they go through SetState.
func (s *Store) Upsert(req tallrapi.UpsertRequest) (*tallrapi.Project, *tallrapi.Task, error) {
	repoPath := canonicalRepoPath(req.Project.RepoPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	projectID, exists := s.projectByRepo[repoPath]
	var project *tallrapi.Project
	if exists {
		project = s.projects[projectID]
		project.PreferredIDE = req.Project.PreferredIDE
		project.GithubURL = req.Project.GithubURL
		project.UpdatedAt = now
	} else {
		project = &tallrapi.Project{
			ID:           uuid.New().String(),
			Name:         req.Project.Name,
			RepoPath:     repoPath,
			PreferredIDE: req.Project.PreferredIDE,
			GithubURL:    req.Project.GithubURL,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.projects[project.ID] = project
		s.projectByRepo[repoPath] = project.ID
	}

	task, exists := s.tasks[req.Task.ID]
	if exists {
		if task.State.IsTerminal() {
			// Non-terminal updates reaching a terminal task are dropped,
			// not rejected (spec §4.5 Idempotence & ordering); the 409 is
			// reserved for the explicit /v1/tasks/state path.
			return project, task, nil
		}
		task.ProjectID = project.ID
		task.Agent = req.Task.Agent
		task.Title = req.Task.Title
		if req.Task.State.Valid() && !req.Task.State.IsTerminal() {
			task.State = req.Task.State
		}
		task.UpdatedAt = now
	} else {
		state := req.Task.State
		if !state.Valid() || state.IsTerminal() {
			state = tallrapi.StateIdle
		}
		task = &tallrapi.Task{
			ID:        req.Task.ID,
			ProjectID: project.ID,
			Agent:     req.Task.Agent,
			Title:     req.Task.Title,
			State:     state,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.tasks[task.ID] = task
	}

	return project, task, nil
}

// SetState updates a task's state and details (spec POST /v1/tasks/state).
// Rejected with 409 if the task is already in a terminal state (spec §8
// Terminal monotonicity).
func (s *Store) SetState(taskID string, state tallrapi.TaskState, details string, source tallrapi.DetectionMethod) (*tallrapi.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	if task.State.IsTerminal() {
		return nil, apperr.Conflict("task is in a terminal state")
	}
	if !state.Valid() {
		return nil, apperr.BadRequest("unknown state")
	}

	task.State = state
	if details != "" {
		task.Details = details
	}
	task.DetectionMethod = source
	task.UpdatedAt = time.Now()
	if state.IsTerminal() {
		completedAt := task.UpdatedAt
		task.CompletedAt = &completedAt
	}
	return task, nil
}

// SetDetails updates a task's details without touching state (spec POST
// /v1/tasks/details).
func (s *Store) SetDetails(taskID, details string) (*tallrapi.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	task.Details = details
	task.UpdatedAt = time.Now()
	return task, nil
}

// Done marks a task DONE (spec POST /v1/tasks/done).
func (s *Store) Done(taskID, details string) (*tallrapi.Task, error) {
	return s.SetState(taskID, tallrapi.StateDone, details, tallrapi.DetectionHook)
}

// SetPinned toggles a task's pin flag (spec §3 Data Model: UI-initiated
// pin/unpin). Allowed regardless of task state, including terminal ones —
// pinning is a UI organization concern, not a liveness transition.
func (s *Store) SetPinned(taskID string, pinned bool) (*tallrapi.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, apperr.NotFound("task", taskID)
	}
	task.Pinned = pinned
	task.UpdatedAt = time.Now()
	return task, nil
}

// AwaitPermission registers a wait for the UI's decision on one outstanding
// permission-request (spec §4.2/§8 Approval round-trip), returning a
// channel that receives exactly one decision and a cancel func the caller
// must run once it stops waiting (request timeout or client disconnect) to
// drop the registration. If a decision already arrived before anyone asked
// for it, it is delivered immediately.
func (s *Store) AwaitPermission(taskID string, id int64) (<-chan tallrapi.PermissionDecision, func()) {
	key := permissionKey(taskID, id)
	ch := make(chan tallrapi.PermissionDecision, 1)

	s.permMu.Lock()
	if decision, ok := s.resolved[key]; ok {
		delete(s.resolved, key)
		ch <- decision
	} else {
		s.permissions[key] = ch
	}
	s.permMu.Unlock()

	return ch, func() {
		s.permMu.Lock()
		delete(s.permissions, key)
		s.permMu.Unlock()
	}
}

// ResolvePermission delivers a UI decision for (taskID, id). If the wrapper
// is already long-polling, it is woken immediately; otherwise the decision
// is parked until the next AwaitPermission call claims it (spec §4.3
// "Cancellation of in-flight approval": if nobody ever claims it, it just
// never has an effect — a no-op, not an error).
func (s *Store) ResolvePermission(taskID string, id int64, decision tallrapi.PermissionDecision) {
	key := permissionKey(taskID, id)
	s.permMu.Lock()
	defer s.permMu.Unlock()

	if ch, ok := s.permissions[key]; ok {
		delete(s.permissions, key)
		ch <- decision
		return
	}
	s.resolved[key] = decision
}

func permissionKey(taskID string, id int64) string {
	return taskID + ":" + strconv.FormatInt(id, 10)
}

// SetDebug stores a per-task diagnostic snapshot, in-memory only (spec
// POST /v1/debug/update).
func (s *Store) SetDebug(taskID string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug[taskID] = data
}

// Debug returns the last diagnostic snapshot for taskID, if any.
func (s *Store) Debug(taskID string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.debug[taskID]
	return d, ok
}

// Snapshot returns the full store state (spec GET /v1/state). Readers take
// a clone so the write path is never blocked behind JSON marshaling.
func (s *Store) Snapshot() tallrapi.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]*tallrapi.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		projects = append(projects, &cp)
	}
	tasks := make([]*tallrapi.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		tasks = append(tasks, &cp)
	}
	return tallrapi.StateSnapshot{Projects: projects, Tasks: tasks, UpdatedAt: time.Now()}
}

// Task returns a copy of one task, or false if it doesn't exist.
func (s *Store) Task(taskID string) (tallrapi.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return tallrapi.Task{}, false
	}
	return *t, true
}

// TouchCliPing refreshes the last-seen timestamp for authenticated CLI
// traffic (spec §4.5 "Health of the CLI side").
func (s *Store) TouchCliPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCliPing = time.Now()
}

// CliConnectivity reports the CLI-side health view (spec GET
// /v1/cli-connectivity).
func (s *Store) CliConnectivity(threshold time.Duration) tallrapi.CliConnectivityResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	return tallrapi.CliConnectivityResponse{
		Connected:   !s.lastCliPing.IsZero() && now.Sub(s.lastCliPing) < threshold,
		LastPing:    s.lastCliPing,
		CurrentTime: now,
	}
}

func canonicalRepoPath(p string) string {
	// The wrapper sends an absolute, already-resolved path (TL_REPO);
	// normalize trailing slashes so "/a/b" and "/a/b/" share identity.
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
