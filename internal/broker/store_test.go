package broker

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihochak/tallr/internal/common/apperr"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

func upsertReq(taskID, repoPath, name string) tallrapi.UpsertRequest {
	return tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: name, RepoPath: repoPath},
		Task:    tallrapi.TaskUpsert{ID: taskID, Agent: "claude", Title: "t", State: tallrapi.StateIdle},
	}
}

func TestStore_IdentityStability(t *testing.T) {
	s := NewStore()

	p1, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "First Name"))
	require.NoError(t, err)

	p2, _, err := s.Upsert(upsertReq("task-2", "/repo/a", "Second Name"))
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "First Name", p2.Name, "first upsert's human name must stick")
}

func TestStore_IdentityStability_TrailingSlash(t *testing.T) {
	s := NewStore()
	p1, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)
	p2, _, err := s.Upsert(upsertReq("task-2", "/repo/a/", "A"))
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
}

func TestStore_TerminalMonotonicity(t *testing.T) {
	s := NewStore()
	_, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)

	_, err = s.Done("task-1", "")
	require.NoError(t, err)

	_, err = s.SetState("task-1", tallrapi.StateWorking, "", tallrapi.DetectionPattern)
	require.Error(t, err)

	task, ok := s.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateDone, task.State, "state must be unchanged after a rejected transition")
}

func TestStore_UpsertDropsOnTerminalTask(t *testing.T) {
	s := NewStore()
	_, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)
	_, err = s.Done("task-1", "")
	require.NoError(t, err)

	req := upsertReq("task-1", "/repo/a", "A")
	req.Task.Title = "renamed"
	_, task, err := s.Upsert(req)
	require.NoError(t, err)
	assert.NotEqual(t, "renamed", task.Title, "upsert must not resurrect a terminal task")
}

func TestStore_UnknownTaskStateReturns404(t *testing.T) {
	s := NewStore()
	_, err := s.SetState("missing", tallrapi.StateWorking, "", tallrapi.DetectionPattern)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperr.HTTPStatusOf(err))
}

func TestStore_SnapshotIsIndependentOfStore(t *testing.T) {
	s := NewStore()
	_, task, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	snap.Tasks[0].Title = "mutated copy"

	task2, ok := s.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, "t", task2.Title, "mutating a snapshot must not affect the store")
}

func TestStore_CliConnectivity(t *testing.T) {
	s := NewStore()
	conn := s.CliConnectivity(30 * time.Second)
	assert.False(t, conn.Connected, "no ping yet")

	s.TouchCliPing()
	conn = s.CliConnectivity(30 * time.Second)
	assert.True(t, conn.Connected)
}

func TestStore_SetPinned(t *testing.T) {
	s := NewStore()
	_, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)

	task, err := s.SetPinned("task-1", true)
	require.NoError(t, err)
	assert.True(t, task.Pinned)

	task, err = s.SetPinned("task-1", false)
	require.NoError(t, err)
	assert.False(t, task.Pinned)
}

func TestStore_SetPinned_AllowedOnTerminalTask(t *testing.T) {
	s := NewStore()
	_, _, err := s.Upsert(upsertReq("task-1", "/repo/a", "A"))
	require.NoError(t, err)
	_, err = s.Done("task-1", "")
	require.NoError(t, err)

	task, err := s.SetPinned("task-1", true)
	require.NoError(t, err, "pinning is a UI concern, not a liveness transition")
	assert.True(t, task.Pinned)
}

func TestStore_SetPinned_UnknownTaskReturnsError(t *testing.T) {
	s := NewStore()
	_, err := s.SetPinned("missing", true)
	require.Error(t, err)
}

func TestStore_ResolvePermission_WakesRegisteredWaiter(t *testing.T) {
	s := NewStore()
	ch, cancel := s.AwaitPermission("task-1", 7)
	defer cancel()

	s.ResolvePermission("task-1", 7, tallrapi.PermissionAllow)

	select {
	case decision := <-ch:
		assert.Equal(t, tallrapi.PermissionAllow, decision)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the woken decision")
	}
}

func TestStore_ResolvePermission_BeforeAwaitParksDecision(t *testing.T) {
	s := NewStore()
	s.ResolvePermission("task-1", 7, tallrapi.PermissionDeny)

	ch, cancel := s.AwaitPermission("task-1", 7)
	defer cancel()

	select {
	case decision := <-ch:
		assert.Equal(t, tallrapi.PermissionDeny, decision)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the parked decision")
	}
}

func TestStore_ResolvePermission_DistinctIDsDoNotCollide(t *testing.T) {
	s := NewStore()
	chA, cancelA := s.AwaitPermission("task-1", 1)
	defer cancelA()
	chB, cancelB := s.AwaitPermission("task-1", 2)
	defer cancelB()

	s.ResolvePermission("task-1", 2, tallrapi.PermissionAllow)

	select {
	case decision := <-chB:
		assert.Equal(t, tallrapi.PermissionAllow, decision)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on chB")
	}

	select {
	case <-chA:
		t.Fatal("chA must not have received a decision meant for a different id")
	default:
	}
}

func TestStore_AwaitPermission_CancelDropsRegistration(t *testing.T) {
	s := NewStore()
	_, cancel := s.AwaitPermission("task-1", 7)
	cancel()

	// With nobody registered, the decision must be parked rather than lost.
	s.ResolvePermission("task-1", 7, tallrapi.PermissionAllow)

	ch, cancel2 := s.AwaitPermission("task-1", 7)
	defer cancel2()
	select {
	case decision := <-ch:
		assert.Equal(t, tallrapi.PermissionAllow, decision)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the parked decision after cancel")
	}
}
