// Package tallrapi defines the wire types shared by the Broker and its
// wrapper clients.
package tallrapi

import "time"

// TaskState is the closed set of liveness states a Task can occupy.
type TaskState string

const (
	StateIdle      TaskState = "IDLE"
	StateWorking   TaskState = "WORKING"
	StatePending   TaskState = "PENDING"
	StateDone      TaskState = "DONE"
	StateError     TaskState = "ERROR"
	StateCancelled TaskState = "CANCELLED"
)

// IsTerminal reports whether s is DONE/ERROR/CANCELLED.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the closed set of states.
func (s TaskState) Valid() bool {
	switch s {
	case StateIdle, StateWorking, StatePending, StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// Priority returns the aggregate-view ranking for active states, highest
// first: PENDING > WORKING > IDLE. Terminal states sort last.
func (s TaskState) Priority() int {
	switch s {
	case StatePending:
		return 3
	case StateWorking:
		return 2
	case StateIdle:
		return 1
	default:
		return 0
	}
}

// DetectionMethod labels which source produced a state transition.
type DetectionMethod string

const (
	DetectionNetwork DetectionMethod = "network"
	DetectionPattern DetectionMethod = "pattern"
	DetectionHook    DetectionMethod = "hook"
)

// Confidence labels how sure a detector is about a classification.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Project has stable identity keyed by canonicalized repoPath.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoPath      string    `json:"repoPath"`
	PreferredIDE  string    `json:"preferredIde,omitempty"`
	GithubURL     string    `json:"githubUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Task is uniquely identified by an id minted by the wrapper.
type Task struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"projectId"`
	Agent           string          `json:"agent"`
	Title           string          `json:"title"`
	State           TaskState       `json:"state"`
	Details         string          `json:"details,omitempty"`
	Pinned          bool            `json:"pinned"`
	DetectionMethod DetectionMethod `json:"detectionMethod,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// ProjectUpsert is the project half of POST /v1/tasks/upsert.
type ProjectUpsert struct {
	Name         string `json:"name"`
	RepoPath     string `json:"repoPath"`
	PreferredIDE string `json:"preferredIde,omitempty"`
	GithubURL    string `json:"githubUrl,omitempty"`
}

// TaskUpsert is the task half of POST /v1/tasks/upsert.
type TaskUpsert struct {
	ID    string    `json:"id"`
	Agent string    `json:"agent"`
	Title string    `json:"title"`
	State TaskState `json:"state"`
}

// UpsertRequest is the body of POST /v1/tasks/upsert.
type UpsertRequest struct {
	Project ProjectUpsert `json:"project"`
	Task    TaskUpsert    `json:"task"`
}

// StateRequest is the body of POST /v1/tasks/state.
type StateRequest struct {
	TaskID  string          `json:"taskId"`
	State   TaskState       `json:"state"`
	Details string          `json:"details,omitempty"`
	Source  DetectionMethod `json:"source,omitempty"`
}

// DetailsRequest is the body of POST /v1/tasks/details.
type DetailsRequest struct {
	TaskID  string `json:"taskId"`
	Details string `json:"details"`
}

// DoneRequest is the body of POST /v1/tasks/done.
type DoneRequest struct {
	TaskID  string `json:"taskId"`
	Details string `json:"details,omitempty"`
}

// DebugUpdateRequest is the body of POST /v1/debug/update.
type DebugUpdateRequest struct {
	TaskID    string                 `json:"taskId"`
	DebugData map[string]interface{} `json:"debugData"`
}

// StateSnapshot is the body of GET /v1/state.
type StateSnapshot struct {
	Projects  []*Project `json:"projects"`
	Tasks     []*Task    `json:"tasks"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status      string    `json:"status"`
	ServerTime  time.Time `json:"serverTime"`
	LastCliPing time.Time `json:"lastCliPing,omitempty"`
}

// CliConnectivityResponse is the body of GET /v1/cli-connectivity.
type CliConnectivityResponse struct {
	Connected   bool      `json:"connected"`
	LastPing    time.Time `json:"lastPing"`
	CurrentTime time.Time `json:"currentTime"`
}

// PermissionDecision is the UI's answer to a permission-request event
// (spec §4.2 Control: "permission-response {id, decision: allow|deny}").
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// PermissionResponseRequest is the body of POST /v1/tasks/:taskId/permission
// (spec §8 scenario 3 "Approval round-trip": the UI's decision, relayed by
// the Broker to the wrapper's control pipe).
type PermissionResponseRequest struct {
	ID       int64              `json:"id"`
	Decision PermissionDecision `json:"decision"`
}

// PermissionPollResponse is the body of GET
// /v1/tasks/:taskId/permission/:id: what the wrapper's long poll receives,
// either once a decision has been made (Ready=true) or once the Broker's
// own wait window elapses with nothing to report (Ready=false).
type PermissionPollResponse struct {
	Ready    bool               `json:"ready"`
	Decision PermissionDecision `json:"decision,omitempty"`
}

// PinRequest is the body of POST /v1/tasks/:taskId/pin (spec §3 Data Model:
// UI-initiated pin/unpin).
type PinRequest struct {
	Pinned bool `json:"pinned"`
}

// FanoutEvent is one message pushed over the Broker's event channel to the
// UI subscriber.
type FanoutEvent struct {
	Type    string   `json:"type"` // "task" | "project"
	Task    *Task    `json:"task,omitempty"`
	Project *Project `json:"project,omitempty"`
}
