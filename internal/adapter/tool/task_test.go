package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
)

func intPtr(n int) *int { return &n }

func newTestTaskTool(tasks *fakeTasks) *TaskTool {
	tt := NewTaskTool(tasks, nopLogger())
	tt.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC) }
	return tt
}

func TestTaskTool_ListEmpty(t *testing.T) {
	res, err := newTestTaskTool(&fakeTasks{}).Execute(context.Background(), mustJSON(t, map[string]any{"action": "list"}))
	require.NoError(t, err)
	assert.Equal(t, "no background tasks", res.Content)
}

func TestTaskTool_List(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := &fakeTasks{snapshots: []domain.TaskSnapshot{
		{ID: "t1", Kind: domain.TaskShell, Descriptor: "npm test", Status: domain.TaskRunning, StartTime: start},
	}}

	res, err := newTestTaskTool(tasks).Execute(context.Background(), mustJSON(t, map[string]any{"action": "list"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, `"id": "t1"`)
	assert.Contains(t, res.Content, `"descriptor": "npm test"`)
	assert.Contains(t, res.Content, `"runtime": "10s"`)
}

func TestTaskTool_Output(t *testing.T) {
	tasks := &fakeTasks{outputs: map[string]domain.TaskOutput{
		"t1": {
			TaskSnapshot: domain.TaskSnapshot{ID: "t1", Status: domain.TaskFailed, ExitCode: intPtr(2)},
			Stdout:       "building",
			Stderr:       "boom\n",
		},
	}}
	tool := newTestTaskTool(tasks)

	res, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{"action": "output", "task_id": "t1"}))
	require.NoError(t, err)
	assert.Equal(t, "status: failed (exit code 2)\nbuilding\nSTDERR:\nboom", res.Content)

	res, err = tool.Execute(context.Background(), mustJSON(t, map[string]any{"action": "poll", "task_id": "t1"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTaskTool_RequiresID(t *testing.T) {
	tool := newTestTaskTool(&fakeTasks{})
	for _, action := range []string{"output", "poll", "stop", "remove"} {
		res, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{"action": action}))
		require.NoError(t, err)
		assert.Equal(t, "task_id is required", res.Error, action)
	}
}

func TestTaskTool_StopAndRemove(t *testing.T) {
	tasks := &fakeTasks{outputs: map[string]domain.TaskOutput{"t1": {}}}
	tool := newTestTaskTool(tasks)

	res, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{"action": "stop", "task_id": "t1"}))
	require.NoError(t, err)
	assert.Equal(t, "task t1 stopped", res.Content)

	res, err = tool.Execute(context.Background(), mustJSON(t, map[string]any{"action": "remove", "task_id": "t1"}))
	require.NoError(t, err)
	assert.Equal(t, "task t1 removed", res.Content)

	assert.Equal(t, []string{"t1"}, tasks.stopped)
	assert.Equal(t, []string{"t1"}, tasks.removed)
}

func TestTaskTool_UnknownTask(t *testing.T) {
	res, err := newTestTaskTool(&fakeTasks{}).Execute(context.Background(), mustJSON(t, map[string]any{"action": "stop", "task_id": "nope"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestTaskTool_UnknownAction(t *testing.T) {
	res, err := newTestTaskTool(&fakeTasks{}).Execute(context.Background(), mustJSON(t, map[string]any{"action": "explode"}))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "unknown action")
}
