package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.projects.ListProjects(c.Request().Context(), c.QueryParam("include_archived") == "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"projects": projects})
}

type projectRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ParentID    *string `json:"parent_id"`
	WorkflowID  string  `json:"workflow_id"`
	Type        string  `json:"type"`
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req projectRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	p := &store.Project{
		Title:       req.Title,
		Description: req.Description,
		ParentID:    req.ParentID,
		WorkflowID:  req.WorkflowID,
		Type:        store.ProjectType(req.Type),
	}
	if err := s.projects.CreateProject(c.Request().Context(), principal(c), p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.projects.GetProject(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProject(c echo.Context) error {
	p, err := s.projects.GetProject(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	var req projectRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.Title != "" {
		p.Title = req.Title
	}
	p.Description = req.Description
	p.ParentID = req.ParentID
	if err := s.projects.UpdateProject(c.Request().Context(), principal(c), p); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleArchiveProject(c echo.Context) error {
	if err := s.projects.ArchiveProject(c.Request().Context(), principal(c), c.Param("project_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnarchiveProject(c echo.Context) error {
	if err := s.projects.UnarchiveProject(c.Request().Context(), principal(c), c.Param("project_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	var w store.Workflow
	if err := c.Bind(&w); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if err := s.projects.CreateWorkflow(c.Request().Context(), &w); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	w, err := s.projects.GetWorkflow(c.Request().Context(), c.Param("workflow_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) handleChangeWorkflow(c echo.Context) error {
	var req struct {
		WorkflowID   string            `json:"workflow_id"`
		StageMapping map[string]string `json:"stage_mapping"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if err := s.projects.ChangeWorkflow(c.Request().Context(), principal(c),
		c.Param("project_id"), req.WorkflowID, req.StageMapping); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.projects.ListTasks(c.Request().Context(), store.TaskFilter{
		ProjectID:       c.QueryParam("project_id"),
		WorkflowStageID: c.QueryParam("stage_id"),
		SprintID:        c.QueryParam("sprint_id"),
		Assignee:        c.QueryParam("assignee"),
		Priority:        store.Priority(c.QueryParam("priority")),
		IncludeArchived: c.QueryParam("include_archived") == "true",
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

type taskRequest struct {
	ProjectID      string   `json:"project_id"`
	StageID        string   `json:"stage_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Assignee       string   `json:"assignee"`
	Priority       string   `json:"priority"`
	EstimatedHours *float64 `json:"estimated_hours"`
	Feature        string   `json:"feature"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	t := &store.Task{
		ProjectID:       req.ProjectID,
		WorkflowStageID: req.StageID,
		Title:           req.Title,
		Description:     req.Description,
		Assignee:        req.Assignee,
		Priority:        store.Priority(req.Priority),
		EstimatedHours:  req.EstimatedHours,
		Feature:         req.Feature,
	}
	if err := s.projects.CreateTask(c.Request().Context(), principal(c), t); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.projects.GetTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	t, err := s.projects.GetTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return err
	}
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.Title != "" {
		t.Title = req.Title
	}
	t.Description = req.Description
	t.Assignee = req.Assignee
	if req.Priority != "" {
		t.Priority = store.Priority(req.Priority)
	}
	t.EstimatedHours = req.EstimatedHours
	t.Feature = req.Feature
	if err := s.projects.UpdateTask(c.Request().Context(), t); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleMoveTask(c echo.Context) error {
	var req struct {
		StageID string `json:"stage_id"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	t, err := s.projects.MoveTask(c.Request().Context(), principal(c), c.Param("task_id"), req.StageID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleReorderTask(c echo.Context) error {
	var req struct {
		BeforeID string `json:"before_id"`
		AfterID  string `json:"after_id"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if err := s.projects.ReorderTask(c.Request().Context(), c.Param("task_id"), req.BeforeID, req.AfterID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleArchiveTask(c echo.Context) error {
	if err := s.projects.ArchiveTask(c.Request().Context(), c.Param("task_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTaskHistory(c echo.Context) error {
	history, err := s.projects.TaskHistory(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": history})
}

func (s *Server) handleListSprints(c echo.Context) error {
	sprints, err := s.projects.ListSprints(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sprints": sprints})
}

func (s *Server) handleCreateSprint(c echo.Context) error {
	var req struct {
		Name      string    `json:"name"`
		Goal      string    `json:"goal"`
		StartDate time.Time `json:"start_date"`
		EndDate   time.Time `json:"end_date"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	sp := &store.Sprint{
		ProjectID: c.Param("project_id"),
		Name:      req.Name,
		Goal:      req.Goal,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if err := s.projects.CreateSprint(c.Request().Context(), principal(c), sp); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sp)
}

func (s *Server) handleStartSprint(c echo.Context) error {
	sp, err := s.projects.StartSprint(c.Request().Context(), principal(c), c.Param("sprint_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleCompleteSprint(c echo.Context) error {
	sp, err := s.projects.CompleteSprint(c.Request().Context(), principal(c), c.Param("sprint_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleCancelSprint(c echo.Context) error {
	sp, err := s.projects.CancelSprint(c.Request().Context(), principal(c), c.Param("sprint_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sp)
}

func (s *Server) handleAssignTaskToSprint(c echo.Context) error {
	var req struct {
		TaskID string `json:"task_id"`
		Detach bool   `json:"detach"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	var sprintID *string
	if !req.Detach {
		id := c.Param("sprint_id")
		sprintID = &id
	}
	if err := s.projects.AssignTaskToSprint(c.Request().Context(), req.TaskID, sprintID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealthReport(c echo.Context) error {
	r, err := s.projects.Health(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleTaskMetrics(c echo.Context) error {
	r, err := s.projects.TaskMetrics(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleTeamPerformance(c echo.Context) error {
	r, err := s.projects.TeamPerformance(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleBurndown(c echo.Context) error {
	r, err := s.projects.Burndown(c.Request().Context(), c.Param("sprint_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleCreateLink(c echo.Context) error {
	var l store.KnowledgeLink
	if err := c.Bind(&l); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if err := s.projects.LinkKnowledge(c.Request().Context(), &l); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, l)
}

func (s *Server) handleListLinks(c echo.Context) error {
	links, err := s.projects.ListKnowledgeLinks(c.Request().Context(),
		store.LinkEntity(c.QueryParam("entity_type")), c.QueryParam("entity_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"links": links})
}

func (s *Server) handleDeleteLink(c echo.Context) error {
	if err := s.projects.UnlinkKnowledge(c.Request().Context(), c.Param("link_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
