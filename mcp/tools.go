package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/project"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/search"
	"github.com/archon-kb/archon/store"
)

// ToolHandler executes one tool call within an established session.
type ToolHandler func(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error)

// Tool is one advertised MCP tool.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	handler     ToolHandler
}

// Registry holds the advertised tool set.
type Registry struct {
	manager  *Manager
	search   *search.Engine
	projects *project.Service
	tools    []Tool
	byName   map[string]ToolHandler
	started  time.Time
}

// NewRegistry builds the registry over the service layer.
func NewRegistry(manager *Manager, engine *search.Engine, projects *project.Service) *Registry {
	r := &Registry{
		manager:  manager,
		search:   engine,
		projects: projects,
		byName:   make(map[string]ToolHandler),
		started:  time.Now(),
	}
	r.register()
	return r
}

// Tools lists the advertised tools in registration order.
func (r *Registry) Tools() []Tool { return r.tools }

// Dispatch runs one tool by name through the tracking wrapper.
func (r *Registry) Dispatch(ctx context.Context, sess *store.Session, name string, args map[string]interface{}) (interface{}, error) {
	handler, ok := r.byName[name]
	if !ok {
		return nil, common.E(common.KindNotFound, "unknown tool %q", name)
	}
	return r.manager.Track(ctx, sess.ID, "tools/call", name, func(ctx context.Context) (interface{}, Usage, error) {
		return handler(ctx, sess, args)
	})
}

func (r *Registry) add(name, description string, schema map[string]interface{}, h ToolHandler) {
	r.tools = append(r.tools, Tool{Name: name, Description: description, InputSchema: schema, handler: h})
	r.byName[name] = h
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func (r *Registry) register() {
	r.add("health_check", "Report server liveness and uptime.",
		objectSchema(nil), r.healthCheck)

	r.add("rag_search_knowledge_base", "Hybrid semantic search over the knowledge base.",
		objectSchema(map[string]interface{}{
			"query":       prop("string", "search query"),
			"match_count": prop("integer", "maximum results, default 10"),
			"source_id":   prop("string", "restrict to one source"),
			"project_id":  prop("string", "include this project's private sources"),
		}, "query"), r.ragSearch)

	r.add("find_projects", "List projects, optionally including archived ones.",
		objectSchema(map[string]interface{}{
			"project_id":       prop("string", "fetch a single project"),
			"include_archived": prop("boolean", "include archived projects"),
		}), r.findProjects)

	r.add("find_tasks", "List tasks filtered by project, assignee, sprint, or priority.",
		objectSchema(map[string]interface{}{
			"project_id": prop("string", "project to list"),
			"task_id":    prop("string", "fetch a single task"),
			"assignee":   prop("string", "filter by assignee"),
			"sprint_id":  prop("string", "filter by sprint"),
			"priority":   prop("string", "low, medium, high, or critical"),
		}), r.findTasks)

	r.add("manage_project", "Create, update, archive, or unarchive a project.",
		objectSchema(map[string]interface{}{
			"action":      prop("string", "create, update, archive, or unarchive"),
			"project_id":  prop("string", "target project for update/archive"),
			"title":       prop("string", "project title"),
			"description": prop("string", "project description"),
			"parent_id":   prop("string", "parent project id"),
			"workflow_id": prop("string", "workflow id"),
		}, "action"), r.manageProject)

	r.add("manage_task", "Create, update, move, reorder, or archive a task.",
		objectSchema(map[string]interface{}{
			"action":          prop("string", "create, update, move, reorder, or archive"),
			"task_id":         prop("string", "target task"),
			"project_id":      prop("string", "project for create"),
			"title":           prop("string", "task title"),
			"description":     prop("string", "task description"),
			"assignee":        prop("string", "assignee"),
			"priority":        prop("string", "low, medium, high, or critical"),
			"stage_id":        prop("string", "target stage for move"),
			"estimated_hours": prop("number", "estimate in hours"),
			"before_id":       prop("string", "reorder: task above the new slot"),
			"after_id":        prop("string", "reorder: task below the new slot"),
		}, "action"), r.manageTask)

	r.add("manage_sprint", "Create, start, complete, or cancel a sprint, or assign tasks to it.",
		objectSchema(map[string]interface{}{
			"action":     prop("string", "create, start, complete, cancel, or assign_task"),
			"sprint_id":  prop("string", "target sprint"),
			"project_id": prop("string", "project for create"),
			"name":       prop("string", "sprint name"),
			"goal":       prop("string", "sprint goal"),
			"start_date": prop("string", "RFC 3339 start"),
			"end_date":   prop("string", "RFC 3339 end"),
			"task_id":    prop("string", "task for assign_task"),
		}, "action"), r.manageSprint)

	r.add("reconnect_session", "Reattach to a disconnected session with a reconnect token.",
		objectSchema(map[string]interface{}{
			"session_id":      prop("string", "session to reconnect"),
			"reconnect_token": prop("string", "token issued for the session"),
		}, "session_id", "reconnect_token"), r.reconnectSession)
}

func (r *Registry) healthCheck(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	return map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(r.started).Seconds()),
		"session_id":     sess.ID,
	}, Usage{}, nil
}

func (r *Registry) ragSearch(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	query := argString(args, "query")
	k := argInt(args, "match_count", 10)
	filters := store.SearchFilters{
		SourceID:  argString(args, "source_id"),
		ProjectID: argString(args, "project_id"),
	}
	env, err := r.search.Search(ctx, query, filters, k)
	if err != nil {
		return nil, Usage{}, err
	}
	return env, Usage{}, nil
}

func (r *Registry) findProjects(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	if id := argString(args, "project_id"); id != "" {
		p, err := r.projects.GetProject(ctx, id)
		return p, Usage{}, err
	}
	list, err := r.projects.ListProjects(ctx, argBool(args, "include_archived"))
	return list, Usage{}, err
}

func (r *Registry) findTasks(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	if id := argString(args, "task_id"); id != "" {
		t, err := r.projects.GetTask(ctx, id)
		return t, Usage{}, err
	}
	list, err := r.projects.ListTasks(ctx, store.TaskFilter{
		ProjectID: argString(args, "project_id"),
		Assignee:  argString(args, "assignee"),
		SprintID:  argString(args, "sprint_id"),
		Priority:  store.Priority(argString(args, "priority")),
	})
	return list, Usage{}, err
}

func (r *Registry) manageProject(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	principal := sessionPrincipal(sess)
	switch action := argString(args, "action"); action {
	case "create":
		p := &store.Project{
			Title:       argString(args, "title"),
			Description: argString(args, "description"),
			WorkflowID:  argString(args, "workflow_id"),
		}
		if parent := argString(args, "parent_id"); parent != "" {
			p.ParentID = &parent
		}
		err := r.projects.CreateProject(ctx, principal, p)
		return p, Usage{}, err
	case "update":
		p, err := r.projects.GetProject(ctx, argString(args, "project_id"))
		if err != nil {
			return nil, Usage{}, err
		}
		if title := argString(args, "title"); title != "" {
			p.Title = title
		}
		if desc, ok := args["description"].(string); ok {
			p.Description = desc
		}
		if parent := argString(args, "parent_id"); parent != "" {
			p.ParentID = &parent
		}
		err = r.projects.UpdateProject(ctx, principal, p)
		return p, Usage{}, err
	case "archive":
		return nil, Usage{}, r.projects.ArchiveProject(ctx, principal, argString(args, "project_id"))
	case "unarchive":
		return nil, Usage{}, r.projects.UnarchiveProject(ctx, principal, argString(args, "project_id"))
	default:
		return nil, Usage{}, common.ValidationField("action", "unknown action %q", action)
	}
}

func (r *Registry) manageTask(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	principal := sessionPrincipal(sess)
	switch action := argString(args, "action"); action {
	case "create":
		t := &store.Task{
			ProjectID:   argString(args, "project_id"),
			Title:       argString(args, "title"),
			Description: argString(args, "description"),
			Assignee:    argString(args, "assignee"),
			Priority:    store.Priority(argString(args, "priority")),
		}
		if h, ok := argFloat(args, "estimated_hours"); ok {
			t.EstimatedHours = &h
		}
		err := r.projects.CreateTask(ctx, principal, t)
		return t, Usage{}, err
	case "update":
		t, err := r.projects.GetTask(ctx, argString(args, "task_id"))
		if err != nil {
			return nil, Usage{}, err
		}
		if title := argString(args, "title"); title != "" {
			t.Title = title
		}
		if desc, ok := args["description"].(string); ok {
			t.Description = desc
		}
		if assignee, ok := args["assignee"].(string); ok {
			t.Assignee = assignee
		}
		if p := argString(args, "priority"); p != "" {
			t.Priority = store.Priority(p)
		}
		if h, ok := argFloat(args, "estimated_hours"); ok {
			t.EstimatedHours = &h
		}
		err = r.projects.UpdateTask(ctx, t)
		return t, Usage{}, err
	case "move":
		t, err := r.projects.MoveTask(ctx, principal, argString(args, "task_id"), argString(args, "stage_id"))
		return t, Usage{}, err
	case "reorder":
		err := r.projects.ReorderTask(ctx, argString(args, "task_id"),
			argString(args, "before_id"), argString(args, "after_id"))
		return nil, Usage{}, err
	case "archive":
		return nil, Usage{}, r.projects.ArchiveTask(ctx, argString(args, "task_id"))
	default:
		return nil, Usage{}, common.ValidationField("action", "unknown action %q", action)
	}
}

func (r *Registry) manageSprint(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	principal := sessionPrincipal(sess)
	switch action := argString(args, "action"); action {
	case "create":
		sp := &store.Sprint{
			ProjectID: argString(args, "project_id"),
			Name:      argString(args, "name"),
			Goal:      argString(args, "goal"),
		}
		var err error
		if sp.StartDate, err = argTime(args, "start_date"); err != nil {
			return nil, Usage{}, err
		}
		if sp.EndDate, err = argTime(args, "end_date"); err != nil {
			return nil, Usage{}, err
		}
		err = r.projects.CreateSprint(ctx, principal, sp)
		return sp, Usage{}, err
	case "start":
		sp, err := r.projects.StartSprint(ctx, principal, argString(args, "sprint_id"))
		return sp, Usage{}, err
	case "complete":
		sp, err := r.projects.CompleteSprint(ctx, principal, argString(args, "sprint_id"))
		return sp, Usage{}, err
	case "cancel":
		sp, err := r.projects.CancelSprint(ctx, principal, argString(args, "sprint_id"))
		return sp, Usage{}, err
	case "assign_task":
		var sprintID *string
		if id := argString(args, "sprint_id"); id != "" {
			sprintID = &id
		}
		return nil, Usage{}, r.projects.AssignTaskToSprint(ctx, argString(args, "task_id"), sprintID)
	default:
		return nil, Usage{}, common.ValidationField("action", "unknown action %q", action)
	}
}

func (r *Registry) reconnectSession(ctx context.Context, sess *store.Session, args map[string]interface{}) (interface{}, Usage, error) {
	reconnected, err := r.manager.Reconnect(ctx,
		argString(args, "session_id"), argString(args, "reconnect_token"))
	if err != nil {
		return nil, Usage{}, err
	}
	return reconnected, Usage{}, nil
}

// sessionPrincipal maps the session's user onto an RBAC principal. Sessions
// without an authenticated user act as the internal service principal, which
// mirrors how local single-user deployments run.
func sessionPrincipal(sess *store.Session) rbac.Principal {
	if sess.UserID != nil {
		return rbac.Principal{SubjectID: *sess.UserID}
	}
	return rbac.Principal{SubjectID: rbac.ServicePrincipal}
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInt(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func argFloat(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func argTime(args map[string]interface{}, key string) (time.Time, error) {
	raw := argString(args, key)
	if raw == "" {
		return time.Time{}, common.ValidationField(key, "%s is required", key)
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		ts, err = time.Parse("2006-01-02", raw)
	}
	if err != nil {
		return time.Time{}, common.ValidationField(key, "%s must be RFC 3339 or YYYY-MM-DD", key)
	}
	return ts, nil
}
