package taskregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRejectsSecondRunningTask(t *testing.T) {
	r := New(10)

	first, err := r.Create("first query")
	require.NoError(t, err)

	_, err = r.Update(first.ID, func(task *Task) {
		task.Status = StatusRunning
	})
	require.NoError(t, err)

	_, err = r.Create("second query")
	assert.ErrorIs(t, err, ErrTaskAlreadyRunning)
}

func TestCreateAllowsNewTaskAfterPreviousTerminal(t *testing.T) {
	r := New(10)

	first, err := r.Create("first query")
	require.NoError(t, err)
	_, err = r.Update(first.ID, func(task *Task) { task.Status = StatusCompleted })
	require.NoError(t, err)

	second, err := r.Create("second query")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	r := New(10)

	a, err := r.Create("a")
	require.NoError(t, err)
	_, err = r.Update(a.ID, func(task *Task) { task.Status = StatusCompleted })
	require.NoError(t, err)

	b, err := r.Create("b")
	require.NoError(t, err)
	_, err = r.Update(b.ID, func(task *Task) { task.Status = StatusRunning })
	require.NoError(t, err)

	completed := r.List(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, a.ID, completed[0].ID)

	all := r.List("")
	assert.Len(t, all, 2)
}

func TestGetReturnsCopyNotAliasingOutputPaths(t *testing.T) {
	r := New(10)
	task, err := r.Create("q")
	require.NoError(t, err)

	_, err = r.Update(task.ID, func(t *Task) {
		t.OutputPaths["chapter1"] = "/tmp/chapter1.md"
	})
	require.NoError(t, err)

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	got.OutputPaths["intruder"] = "/tmp/intruder.md"

	again, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.OutputPaths, "intruder")
	assert.Contains(t, again.OutputPaths, "chapter1")
}

func TestGetUnknownReturnsErrNotFound(t *testing.T) {
	r := New(10)
	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictExpiredDropsExpiredTerminalTasks(t *testing.T) {
	r := New(10)

	task, err := r.Create("q")
	require.NoError(t, err)
	_, err = r.Update(task.ID, func(t *Task) { t.Status = StatusCompleted })
	require.NoError(t, err)

	r.EvictExpired(func(taskID string) bool { return taskID == task.ID })

	_, err = r.Get(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictExpiredLeavesRunningTasksAlone(t *testing.T) {
	r := New(10)

	task, err := r.Create("q")
	require.NoError(t, err)
	_, err = r.Update(task.ID, func(t *Task) { t.Status = StatusRunning })
	require.NoError(t, err)

	r.EvictExpired(func(taskID string) bool { return true })

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestEvictExpiredEnforcesCapacityOldestFirst(t *testing.T) {
	r := New(2)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := r.Create("q")
		require.NoError(t, err)
		_, err = r.Update(task.ID, func(t *Task) {
			t.Status = StatusCompleted
			t.CreatedAt = time.Now().Add(time.Duration(len(ids)) * time.Second)
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	r.EvictExpired(func(taskID string) bool { return false })

	all := r.List("")
	assert.Len(t, all, 2)

	_, err := r.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartSweepStopsOnSignal(t *testing.T) {
	r := New(10)
	stop := make(chan struct{})

	r.StartSweep(5*time.Millisecond, func(string) bool { return false }, stop)
	close(stop)

	time.Sleep(20 * time.Millisecond)
}
