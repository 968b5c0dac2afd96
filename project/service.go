// Package project is the work-management service: project trees, workflows,
// tasks, sprints, and the reports computed over them. Storage invariants
// (no-cycle, transition validity, one active sprint) are enforced by the
// storage adapter; this layer adds request validation, authorization hooks,
// and report computation with a short in-memory cache.
package project

import (
	"context"
	"strings"
	"time"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

// Store is the slice of the storage adapter this service uses.
type Store interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	ListProjects(ctx context.Context, includeArchived bool) ([]*store.Project, error)
	CreateProject(ctx context.Context, p *store.Project) error
	UpdateProject(ctx context.Context, p *store.Project) error
	ArchiveProject(ctx context.Context, id string) error
	UnarchiveProject(ctx context.Context, id string) error
	CreateWorkflow(ctx context.Context, w *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	SetProjectWorkflow(ctx context.Context, projectID, workflowID string, stageMapping map[string]string, changedBy string) error

	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error)
	CreateTask(ctx context.Context, t *store.Task, createdBy string) error
	UpdateTask(ctx context.Context, t *store.Task) error
	MoveTask(ctx context.Context, taskID, toStageID, changedBy string) (*store.Task, error)
	ReorderTask(ctx context.Context, taskID, beforeID, afterID string) error
	ArchiveTask(ctx context.Context, id string) error
	GetTaskHistory(ctx context.Context, taskID string) ([]*store.TaskHistory, error)
	StageChangesSince(ctx context.Context, projectID string, since time.Time) ([]*store.TaskHistory, error)

	GetSprint(ctx context.Context, id string) (*store.Sprint, error)
	ListSprints(ctx context.Context, projectID string) ([]*store.Sprint, error)
	CreateSprint(ctx context.Context, sp *store.Sprint) error
	StartSprint(ctx context.Context, id string) (*store.Sprint, error)
	CompleteSprint(ctx context.Context, id string) (*store.Sprint, error)
	CancelSprint(ctx context.Context, id string) (*store.Sprint, error)
	AssignTaskToSprint(ctx context.Context, taskID string, sprintID *string) error
	GetSprintSnapshot(ctx context.Context, sprintID string) ([]*store.SprintTask, error)
	VelocityHistory(ctx context.Context, projectID string, limit int) ([]float64, error)

	CreateLink(ctx context.Context, l *store.KnowledgeLink) error
	ListLinksForEntity(ctx context.Context, entityType store.LinkEntity, entityID string) ([]*store.KnowledgeLink, error)
	DeleteLink(ctx context.Context, id string) error
}

// Service implements the project/task/sprint operations.
type Service struct {
	store   Store
	rbac    *rbac.Engine
	reports *reportCache
}

// New creates the service.
func New(st Store, authz *rbac.Engine) *Service {
	return &Service{store: st, rbac: authz, reports: newReportCache(5 * time.Minute)}
}

// CreateProject validates and creates a project.
func (s *Service) CreateProject(ctx context.Context, p rbac.Principal, proj *store.Project) error {
	if strings.TrimSpace(proj.Title) == "" {
		return common.ValidationField("title", "title must not be empty")
	}
	if proj.Type == "" {
		proj.Type = store.ProjectCustom
	}
	if proj.OwnerSubject == "" {
		proj.OwnerSubject = p.SubjectID
	}
	return s.store.CreateProject(ctx, proj)
}

// GetProject fetches one project.
func (s *Service) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects lists projects.
func (s *Service) ListProjects(ctx context.Context, includeArchived bool) ([]*store.Project, error) {
	return s.store.ListProjects(ctx, includeArchived)
}

// UpdateProject applies mutable fields after authorization.
func (s *Service) UpdateProject(ctx context.Context, p rbac.Principal, proj *store.Project) error {
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionTeamManage, proj.ID); err != nil {
		return err
	}
	if strings.TrimSpace(proj.Title) == "" {
		return common.ValidationField("title", "title must not be empty")
	}
	return s.store.UpdateProject(ctx, proj)
}

// ArchiveProject archives a subtree; UnarchiveProject restores one node.
func (s *Service) ArchiveProject(ctx context.Context, p rbac.Principal, id string) error {
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionTeamManage, id); err != nil {
		return err
	}
	s.reports.invalidate(id)
	return s.store.ArchiveProject(ctx, id)
}

func (s *Service) UnarchiveProject(ctx context.Context, p rbac.Principal, id string) error {
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionTeamManage, id); err != nil {
		return err
	}
	return s.store.UnarchiveProject(ctx, id)
}

// CreateWorkflow validates stages and creates the workflow.
func (s *Service) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	if len(w.Stages) == 0 {
		return common.ValidationField("stages", "a workflow needs at least one stage")
	}
	seen := make(map[string]bool, len(w.Stages))
	for _, st := range w.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return common.ValidationField("stages", "stage names must not be empty")
		}
		if seen[st.Name] {
			return common.ValidationField("stages", "duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
	}
	return s.store.CreateWorkflow(ctx, w)
}

// GetWorkflow loads a workflow with stages and transitions.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ChangeWorkflow swaps a project's workflow. The stage mapping must cover
// every stage of the current workflow and name only stages of the target.
func (s *Service) ChangeWorkflow(ctx context.Context, p rbac.Principal, projectID, workflowID string, stageMapping map[string]string) error {
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionTeamManage, projectID); err != nil {
		return err
	}

	target, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	targetStages := make(map[string]bool, len(target.Stages))
	for _, st := range target.Stages {
		targetStages[st.ID] = true
	}
	for from, to := range stageMapping {
		if !targetStages[to] {
			return common.ValidationField("stage_mapping", "stage %s is not in workflow %s (mapped from %s)", to, workflowID, from)
		}
	}

	s.reports.invalidate(projectID)
	return s.store.SetProjectWorkflow(ctx, projectID, workflowID, stageMapping, p.SubjectID)
}

// CreateTask validates and creates a task in the project's workflow.
func (s *Service) CreateTask(ctx context.Context, p rbac.Principal, t *store.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return common.ValidationField("title", "title must not be empty")
	}
	if t.Priority == "" {
		t.Priority = store.PriorityMedium
	}
	if t.WorkflowStageID == "" {
		proj, err := s.store.GetProject(ctx, t.ProjectID)
		if err != nil {
			return err
		}
		wf, err := s.store.GetWorkflow(ctx, proj.WorkflowID)
		if err != nil {
			return err
		}
		t.WorkflowStageID = wf.InitialStage
	}
	s.reports.invalidate(t.ProjectID)
	return s.store.CreateTask(ctx, t, p.SubjectID)
}

// GetTask, ListTasks, UpdateTask, ArchiveTask are thin passthroughs.
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *Service) UpdateTask(ctx context.Context, t *store.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return common.ValidationField("title", "title must not be empty")
	}
	s.reports.invalidate(t.ProjectID)
	return s.store.UpdateTask(ctx, t)
}

func (s *Service) ArchiveTask(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.reports.invalidate(t.ProjectID)
	return s.store.ArchiveTask(ctx, id)
}

// MoveTask transitions a task to another stage; the storage adapter rejects
// transitions outside the workflow's allowed set.
func (s *Service) MoveTask(ctx context.Context, p rbac.Principal, taskID, toStageID string) (*store.Task, error) {
	t, err := s.store.MoveTask(ctx, taskID, toStageID, p.SubjectID)
	if err != nil {
		return nil, err
	}
	s.reports.invalidate(t.ProjectID)
	return t, nil
}

// ReorderTask moves a task between two neighbors in its stage.
func (s *Service) ReorderTask(ctx context.Context, taskID, beforeID, afterID string) error {
	return s.store.ReorderTask(ctx, taskID, beforeID, afterID)
}

// TaskHistory returns a task's stage change log.
func (s *Service) TaskHistory(ctx context.Context, taskID string) ([]*store.TaskHistory, error) {
	return s.store.GetTaskHistory(ctx, taskID)
}

// CreateSprint validates dates and creates a planned sprint.
func (s *Service) CreateSprint(ctx context.Context, p rbac.Principal, sp *store.Sprint) error {
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionSprintManage, sp.ProjectID); err != nil {
		return err
	}
	if strings.TrimSpace(sp.Name) == "" {
		return common.ValidationField("name", "name must not be empty")
	}
	if sp.EndDate.Before(sp.StartDate) {
		return common.ValidationField("end_date", "end date precedes start date")
	}
	return s.store.CreateSprint(ctx, sp)
}

func (s *Service) GetSprint(ctx context.Context, id string) (*store.Sprint, error) {
	return s.store.GetSprint(ctx, id)
}

func (s *Service) ListSprints(ctx context.Context, projectID string) ([]*store.Sprint, error) {
	return s.store.ListSprints(ctx, projectID)
}

// StartSprint activates a planned sprint.
func (s *Service) StartSprint(ctx context.Context, p rbac.Principal, id string) (*store.Sprint, error) {
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionSprintManage, sp.ProjectID); err != nil {
		return nil, err
	}
	s.reports.invalidate(sp.ProjectID)
	return s.store.StartSprint(ctx, id)
}

// CompleteSprint completes an active sprint, freezing its snapshot.
func (s *Service) CompleteSprint(ctx context.Context, p rbac.Principal, id string) (*store.Sprint, error) {
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionSprintManage, sp.ProjectID); err != nil {
		return nil, err
	}
	s.reports.invalidate(sp.ProjectID)
	return s.store.CompleteSprint(ctx, id)
}

// CancelSprint cancels a planned or active sprint.
func (s *Service) CancelSprint(ctx context.Context, p rbac.Principal, id string) (*store.Sprint, error) {
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.rbac.Authorize(ctx, p, "project", rbac.ActionSprintManage, sp.ProjectID); err != nil {
		return nil, err
	}
	s.reports.invalidate(sp.ProjectID)
	return s.store.CancelSprint(ctx, id)
}

// AssignTaskToSprint attaches or detaches a task.
func (s *Service) AssignTaskToSprint(ctx context.Context, taskID string, sprintID *string) error {
	return s.store.AssignTaskToSprint(ctx, taskID, sprintID)
}

// LinkKnowledge associates a knowledge item with a work entity.
func (s *Service) LinkKnowledge(ctx context.Context, l *store.KnowledgeLink) error {
	return s.store.CreateLink(ctx, l)
}

// ListKnowledgeLinks lists a work entity's links.
func (s *Service) ListKnowledgeLinks(ctx context.Context, entityType store.LinkEntity, entityID string) ([]*store.KnowledgeLink, error) {
	return s.store.ListLinksForEntity(ctx, entityType, entityID)
}

// UnlinkKnowledge removes one link.
func (s *Service) UnlinkKnowledge(ctx context.Context, id string) error {
	return s.store.DeleteLink(ctx, id)
}
