package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

type fakeStore struct {
	projects   map[string]*store.Project
	workflows  map[string]*store.Workflow
	tasks      []*store.Task
	sprints    map[string]*store.Sprint
	snapshot   []*store.SprintTask
	changes    []*store.TaskHistory
	velocities []float64

	created       []*store.Task
	listTaskCalls int
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*store.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, common.E(common.KindNotFound, "project %s not found", id)
}

func (f *fakeStore) ListProjects(ctx context.Context, includeArchived bool) ([]*store.Project, error) {
	return nil, nil
}
func (f *fakeStore) CreateProject(ctx context.Context, p *store.Project) error   { return nil }
func (f *fakeStore) UpdateProject(ctx context.Context, p *store.Project) error   { return nil }
func (f *fakeStore) ArchiveProject(ctx context.Context, id string) error         { return nil }
func (f *fakeStore) UnarchiveProject(ctx context.Context, id string) error       { return nil }
func (f *fakeStore) CreateWorkflow(ctx context.Context, w *store.Workflow) error { return nil }

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	if w, ok := f.workflows[id]; ok {
		return w, nil
	}
	return nil, common.E(common.KindNotFound, "workflow %s not found", id)
}

func (f *fakeStore) SetProjectWorkflow(ctx context.Context, projectID, workflowID string, stageMapping map[string]string, changedBy string) error {
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, common.E(common.KindNotFound, "task %s not found", id)
}

func (f *fakeStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	f.listTaskCalls++
	var out []*store.Task
	for _, t := range f.tasks {
		if filter.SprintID != "" && (t.SprintID == nil || *t.SprintID != filter.SprintID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t *store.Task, createdBy string) error {
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *store.Task) error { return nil }
func (f *fakeStore) MoveTask(ctx context.Context, taskID, toStageID, changedBy string) (*store.Task, error) {
	return &store.Task{ID: taskID, WorkflowStageID: toStageID}, nil
}
func (f *fakeStore) ReorderTask(ctx context.Context, taskID, beforeID, afterID string) error {
	return nil
}
func (f *fakeStore) ArchiveTask(ctx context.Context, id string) error { return nil }
func (f *fakeStore) GetTaskHistory(ctx context.Context, taskID string) ([]*store.TaskHistory, error) {
	return nil, nil
}

func (f *fakeStore) StageChangesSince(ctx context.Context, projectID string, since time.Time) ([]*store.TaskHistory, error) {
	return f.changes, nil
}

func (f *fakeStore) GetSprint(ctx context.Context, id string) (*store.Sprint, error) {
	if sp, ok := f.sprints[id]; ok {
		return sp, nil
	}
	return nil, common.E(common.KindNotFound, "sprint %s not found", id)
}

func (f *fakeStore) ListSprints(ctx context.Context, projectID string) ([]*store.Sprint, error) {
	var out []*store.Sprint
	for _, sp := range f.sprints {
		out = append(out, sp)
	}
	return out, nil
}

func (f *fakeStore) CreateSprint(ctx context.Context, sp *store.Sprint) error { return nil }
func (f *fakeStore) StartSprint(ctx context.Context, id string) (*store.Sprint, error) {
	return f.sprints[id], nil
}
func (f *fakeStore) CompleteSprint(ctx context.Context, id string) (*store.Sprint, error) {
	return f.sprints[id], nil
}
func (f *fakeStore) CancelSprint(ctx context.Context, id string) (*store.Sprint, error) {
	return f.sprints[id], nil
}
func (f *fakeStore) AssignTaskToSprint(ctx context.Context, taskID string, sprintID *string) error {
	return nil
}
func (f *fakeStore) GetSprintSnapshot(ctx context.Context, sprintID string) ([]*store.SprintTask, error) {
	return f.snapshot, nil
}
func (f *fakeStore) VelocityHistory(ctx context.Context, projectID string, limit int) ([]float64, error) {
	return f.velocities, nil
}

func (f *fakeStore) CreateLink(ctx context.Context, l *store.KnowledgeLink) error { return nil }
func (f *fakeStore) ListLinksForEntity(ctx context.Context, entityType store.LinkEntity, entityID string) ([]*store.KnowledgeLink, error) {
	return nil, nil
}
func (f *fakeStore) DeleteLink(ctx context.Context, id string) error { return nil }

func ptr[T any](v T) *T { return &v }

func boardFixture() *fakeStore {
	return &fakeStore{
		projects: map[string]*store.Project{
			"p1": {ID: "p1", Title: "Board", WorkflowID: "wf1"},
		},
		workflows: map[string]*store.Workflow{
			"wf1": {
				ID:           "wf1",
				InitialStage: "todo",
				Stages: []store.Stage{
					{ID: "todo", Name: "To Do", Position: 0},
					{ID: "doing", Name: "Doing", Position: 1},
					{ID: "done", Name: "Done", Position: 2, Terminal: true},
				},
			},
		},
		sprints: map[string]*store.Sprint{},
	}
}

func TestCreateTaskDefaultsToInitialStage(t *testing.T) {
	fs := boardFixture()
	svc := New(fs, rbac.NewPermissive())

	task := &store.Task{ProjectID: "p1", Title: "first"}
	err := svc.CreateTask(context.Background(), rbac.Principal{SubjectID: "u1"}, task)
	require.NoError(t, err)
	assert.Equal(t, "todo", task.WorkflowStageID)
	assert.Equal(t, store.PriorityMedium, task.Priority)
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	svc := New(boardFixture(), rbac.NewPermissive())
	err := svc.CreateTask(context.Background(), rbac.Principal{SubjectID: "u1"}, &store.Task{ProjectID: "p1", Title: "  "})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestCreateWorkflowRejectsDuplicateStageNames(t *testing.T) {
	svc := New(boardFixture(), rbac.NewPermissive())
	err := svc.CreateWorkflow(context.Background(), &store.Workflow{
		Name:   "dup",
		Stages: []store.Stage{{Name: "Todo"}, {Name: "Todo"}},
	})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestChangeWorkflowRejectsUnknownTargetStage(t *testing.T) {
	fs := boardFixture()
	fs.workflows["wf2"] = &store.Workflow{
		ID:     "wf2",
		Stages: []store.Stage{{ID: "open"}, {ID: "closed", Terminal: true}},
	}
	svc := New(fs, rbac.NewPermissive())

	err := svc.ChangeWorkflow(context.Background(), rbac.Principal{SubjectID: "u1"}, "p1", "wf2",
		map[string]string{"todo": "nowhere"})
	assert.True(t, common.IsKind(err, common.KindValidation))

	err = svc.ChangeWorkflow(context.Background(), rbac.Principal{SubjectID: "u1"}, "p1", "wf2",
		map[string]string{"todo": "open", "doing": "open", "done": "closed"})
	assert.NoError(t, err)
}

func TestCreateSprintRejectsInvertedDates(t *testing.T) {
	svc := New(boardFixture(), rbac.NewPermissive())
	start := time.Now()
	err := svc.CreateSprint(context.Background(), rbac.Principal{SubjectID: "u1"}, &store.Sprint{
		ProjectID: "p1",
		Name:      "s",
		StartDate: start,
		EndDate:   start.Add(-time.Hour),
	})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestVelocityTrend(t *testing.T) {
	assert.Equal(t, "flat", velocityTrend(nil))
	assert.Equal(t, "flat", velocityTrend([]float64{10}))
	assert.Equal(t, "improving", velocityTrend([]float64{10, 12, 15}))
	assert.Equal(t, "declining", velocityTrend([]float64{15, 12, 10}))
	assert.Equal(t, "flat", velocityTrend([]float64{10, 11, 10.5}))
}

func TestHealthReportCounts(t *testing.T) {
	fs := boardFixture()
	old := time.Now().Add(-30 * 24 * time.Hour)
	fs.tasks = []*store.Task{
		{ID: "t1", ProjectID: "p1", WorkflowStageID: "done", UpdatedAt: time.Now()},
		{ID: "t2", ProjectID: "p1", WorkflowStageID: "doing", UpdatedAt: time.Now()},
		{ID: "t3", ProjectID: "p1", WorkflowStageID: "todo", UpdatedAt: old},
	}
	fs.velocities = []float64{8, 10, 14}
	svc := New(fs, rbac.NewPermissive())

	r, err := svc.Health(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.TotalTasks)
	assert.Equal(t, 1, r.DoneTasks)
	assert.Equal(t, 1, r.StaleTasks)
	assert.Equal(t, "improving", r.VelocityTrend)
	assert.Greater(t, r.Score, 40)
}

func TestHealthReportIsCached(t *testing.T) {
	fs := boardFixture()
	svc := New(fs, rbac.NewPermissive())

	_, err := svc.Health(context.Background(), "p1")
	require.NoError(t, err)
	calls := fs.listTaskCalls

	_, err = svc.Health(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, calls, fs.listTaskCalls, "second read should hit the cache")

	svc.reports.invalidate("p1")
	_, err = svc.Health(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, calls+1, fs.listTaskCalls)
}

func TestBurndownCompletedSprint(t *testing.T) {
	fs := boardFixture()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs.sprints["s1"] = &store.Sprint{
		ID:        "s1",
		ProjectID: "p1",
		Status:    store.SprintCompleted,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 4),
	}
	fs.snapshot = []*store.SprintTask{
		{TaskID: "t1", EstimatedHours: ptr(8.0)},
		{TaskID: "t2", EstimatedHours: ptr(4.0)},
		{TaskID: "t3", EstimatedHours: ptr(4.0)},
	}
	fs.changes = []*store.TaskHistory{
		{TaskID: "t1", NewStageID: "done", ChangedAt: start.AddDate(0, 0, 1)},
		{TaskID: "t2", NewStageID: "done", ChangedAt: start.AddDate(0, 0, 3)},
		// t9 is not in the sprint and must not affect the curve.
		{TaskID: "t9", NewStageID: "done", ChangedAt: start.AddDate(0, 0, 1)},
	}
	svc := New(fs, rbac.NewPermissive())

	r, err := svc.Burndown(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 16.0, r.TotalHours)
	require.Len(t, r.Points, 5)
	assert.Equal(t, 16.0, r.Points[0].RemainingHours)
	assert.Equal(t, 8.0, r.Points[1].RemainingHours)
	assert.Equal(t, 8.0, r.Points[2].RemainingHours)
	assert.Equal(t, 4.0, r.Points[3].RemainingHours)
	assert.Equal(t, 4.0, r.Points[4].RemainingHours)
	assert.Equal(t, 0.0, r.Points[4].IdealHours)
}

func TestBurndownReopenedTaskReturnsHours(t *testing.T) {
	fs := boardFixture()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fs.sprints["s1"] = &store.Sprint{
		ID:        "s1",
		ProjectID: "p1",
		Status:    store.SprintCompleted,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 3),
	}
	fs.snapshot = []*store.SprintTask{{TaskID: "t1", EstimatedHours: ptr(6.0)}}
	fs.changes = []*store.TaskHistory{
		{TaskID: "t1", NewStageID: "done", ChangedAt: start.AddDate(0, 0, 1)},
		{TaskID: "t1", NewStageID: "doing", ChangedAt: start.AddDate(0, 0, 2)},
	}
	svc := New(fs, rbac.NewPermissive())

	r, err := svc.Burndown(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Points[1].RemainingHours)
	assert.Equal(t, 6.0, r.Points[2].RemainingHours)
}

func TestBurndownPlannedSprintRejected(t *testing.T) {
	fs := boardFixture()
	fs.sprints["s1"] = &store.Sprint{ID: "s1", ProjectID: "p1", Status: store.SprintPlanned}
	svc := New(fs, rbac.NewPermissive())

	_, err := svc.Burndown(context.Background(), "s1")
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestTaskMetricsDistributions(t *testing.T) {
	fs := boardFixture()
	fs.tasks = []*store.Task{
		{ID: "t1", WorkflowStageID: "todo", Priority: store.PriorityHigh, Assignee: "ana"},
		{ID: "t2", WorkflowStageID: "todo", Priority: store.PriorityLow, Assignee: ""},
		{ID: "t3", WorkflowStageID: "done", Priority: store.PriorityHigh, Assignee: "ana"},
	}
	svc := New(fs, rbac.NewPermissive())

	r, err := svc.TaskMetrics(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.ByStage["To Do"])
	assert.Equal(t, 1, r.ByStage["Done"])
	assert.Equal(t, 2, r.ByPriority["high"])
	assert.Equal(t, 1, r.ByAssignee["unassigned"])
	assert.Equal(t, 2, r.ByAssignee["ana"])
}

func TestTeamPerformanceOrdering(t *testing.T) {
	fs := boardFixture()
	fs.tasks = []*store.Task{
		{ID: "t1", WorkflowStageID: "done", Assignee: "ben", EstimatedHours: ptr(4.0)},
		{ID: "t2", WorkflowStageID: "done", Assignee: "ben"},
		{ID: "t3", WorkflowStageID: "done", Assignee: "ana"},
		{ID: "t4", WorkflowStageID: "doing", Assignee: "ana", EstimatedHours: ptr(2.0)},
	}
	svc := New(fs, rbac.NewPermissive())

	r, err := svc.TeamPerformance(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, r.Members, 2)
	assert.Equal(t, "ben", r.Members[0].Assignee)
	assert.Equal(t, 2, r.Members[0].DoneTasks)
	assert.Equal(t, 4.0, r.Members[0].EstimatedHours)
	assert.Equal(t, "ana", r.Members[1].Assignee)
	assert.Equal(t, 1, r.Members[1].OpenTasks)
}
