// Package api is the HTTP binding of the Archon core: knowledge ingestion
// and search, project/task/sprint management, document handling, MCP session
// administration, and auth. All handlers share the service layer with the
// MCP tool surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/document"
	"github.com/archon-kb/archon/ingest"
	"github.com/archon-kb/archon/mcp"
	"github.com/archon-kb/archon/project"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/search"
	"github.com/archon-kb/archon/store"
)

// Options configure the HTTP server.
type Options struct {
	BodyLimit      string
	AllowedOrigins []string
	// AllowAnonymousRead permits unauthenticated access to read endpoints.
	AllowAnonymousRead bool
	Debug              bool
}

// Server wires the service layer to echo.
type Server struct {
	echo     *echo.Echo
	opts     Options
	log      *logrus.Entry
	auth     *auth.Service
	rbac     *rbac.Engine
	store    *store.Store
	search   *search.Engine
	ingestor *ingest.Orchestrator
	progress *ingest.Registry
	projects *project.Service
	docs     *document.Service
	sessions *mcp.Manager
	mcpSrv   *mcp.Server
}

// Deps are the services the server exposes.
type Deps struct {
	Auth      *auth.Service
	RBAC      *rbac.Engine
	Store     *store.Store
	Search    *search.Engine
	Ingestor  *ingest.Orchestrator
	Progress  *ingest.Registry
	Projects  *project.Service
	Documents *document.Service
	Sessions  *mcp.Manager
	MCP       *mcp.Server
}

// NewServer builds the HTTP server with routes and middleware registered.
func NewServer(deps Deps, opts Options) *Server {
	if opts.BodyLimit == "" {
		opts.BodyLimit = "50M"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		echo:     echo.New(),
		opts:     opts,
		log:      common.Logger.WithField("component", "api"),
		auth:     deps.Auth,
		rbac:     deps.RBAC,
		store:    deps.Store,
		search:   deps.Search,
		ingestor: deps.Ingestor,
		progress: deps.Progress,
		projects: deps.Projects,
		docs:     deps.Documents,
		sessions: deps.Sessions,
		mcpSrv:   deps.MCP,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Debug = opts.Debug
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: opts.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "Mcp-Session-Id"},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Info("request")
			return nil
		},
	}))

	s.routes()
	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails.
func (s *Server) Start(address string) error {
	s.log.WithField("address", address).Info("http server starting")
	return s.echo.Start(address)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)

	// The MCP transport authenticates per-message; bearer auth is optional.
	e.POST("/mcp", s.withOptionalAuth(s.mcpSrv.Handle))

	api := e.Group("/api")
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: s.auth.Tokens().Secret(),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return &auth.Claims{}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			if s.opts.AllowAnonymousRead && c.Request().Method == http.MethodGet {
				return nil
			}
			return common.E(common.KindUnauthenticated, "missing or invalid bearer token")
		},
		ContinueOnIgnoredError: true,
	}))
	authed.Use(s.resolveSubject)

	// Knowledge and ingestion.
	authed.POST("/knowledge-items/crawl", s.handleCrawl)
	authed.POST("/documents/upload", s.handleUpload)
	authed.GET("/knowledge-items", s.handleListSources)
	authed.DELETE("/knowledge-items/:source_id", s.handleDeleteSource)
	authed.GET("/progress/:progress_id", s.handleProgress)
	authed.POST("/progress/:progress_id/cancel", s.handleProgressCancel)
	authed.POST("/knowledge/search", s.handleSearch)

	// Project-scoped documents.
	authed.POST("/projects/:project_id/documents/upload", s.handleProjectUpload)
	authed.POST("/projects/:project_id/documents/crawl", s.handleProjectCrawl)
	authed.GET("/projects/:project_id/documents", s.handleProjectDocuments)
	authed.DELETE("/projects/:project_id/documents/:source_id", s.handleProjectDocumentDelete)
	authed.POST("/sources/:source_id/promote", s.handlePromote)

	// Projects, workflows, tasks, sprints, reports, links.
	authed.GET("/projects", s.handleListProjects)
	authed.POST("/projects", s.handleCreateProject)
	authed.GET("/projects/:project_id", s.handleGetProject)
	authed.PUT("/projects/:project_id", s.handleUpdateProject)
	authed.POST("/projects/:project_id/archive", s.handleArchiveProject)
	authed.POST("/projects/:project_id/unarchive", s.handleUnarchiveProject)
	authed.POST("/workflows", s.handleCreateWorkflow)
	authed.GET("/workflows/:workflow_id", s.handleGetWorkflow)
	authed.PUT("/projects/:project_id/workflow", s.handleChangeWorkflow)

	authed.GET("/tasks", s.handleListTasks)
	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks/:task_id", s.handleGetTask)
	authed.PUT("/tasks/:task_id", s.handleUpdateTask)
	authed.POST("/tasks/:task_id/move", s.handleMoveTask)
	authed.POST("/tasks/:task_id/reorder", s.handleReorderTask)
	authed.POST("/tasks/:task_id/archive", s.handleArchiveTask)
	authed.GET("/tasks/:task_id/history", s.handleTaskHistory)

	authed.GET("/projects/:project_id/sprints", s.handleListSprints)
	authed.POST("/projects/:project_id/sprints", s.handleCreateSprint)
	authed.POST("/sprints/:sprint_id/start", s.handleStartSprint)
	authed.POST("/sprints/:sprint_id/complete", s.handleCompleteSprint)
	authed.POST("/sprints/:sprint_id/cancel", s.handleCancelSprint)
	authed.POST("/sprints/:sprint_id/tasks", s.handleAssignTaskToSprint)

	authed.GET("/projects/:project_id/reports/health", s.handleHealthReport)
	authed.GET("/projects/:project_id/reports/task-metrics", s.handleTaskMetrics)
	authed.GET("/projects/:project_id/reports/team-performance", s.handleTeamPerformance)
	authed.GET("/sprints/:sprint_id/burndown", s.handleBurndown)

	authed.POST("/knowledge-links", s.handleCreateLink)
	authed.GET("/knowledge-links", s.handleListLinks)
	authed.DELETE("/knowledge-links/:link_id", s.handleDeleteLink)

	// MCP session administration.
	authed.GET("/mcp/clients", s.handleMCPClients)
	authed.GET("/mcp/sessions", s.handleMCPSessions)
	authed.GET("/mcp/sessions/health", s.handleMCPHealth)
	authed.GET("/mcp/sessions/:session_id", s.handleMCPSession)
	authed.POST("/mcp/sessions/:session_id/reconnect", s.handleMCPReconnect)
	authed.GET("/mcp/sessions/:session_id/token", s.handleMCPToken)
	authed.GET("/mcp/errors", s.handleMCPErrors)
	authed.GET("/mcp/usage", s.handleMCPUsage)

	// Auth and admin.
	authed.GET("/auth/users/me", s.handleMe)
	authed.GET("/admin/users", s.handleListUsers)
	authed.POST("/admin/users", s.handleCreateUser)
	authed.PUT("/admin/users/:user_id", s.handleUpdateUser)
	authed.POST("/admin/projects/:project_id/members", s.handleAddMember)
	authed.DELETE("/admin/projects/:project_id/members/:grant_id", s.handleRemoveMember)
	authed.GET("/admin/invitations", s.handleListInvitations)
	authed.POST("/admin/invitations", s.handleCreateInvitation)
	authed.POST("/admin/invitations/:invitation_id/revoke", s.handleRevokeInvitation)
	api.POST("/invitations/accept", s.handleAcceptInvitation)
}

// errorHandler renders every error as {kind, message, details?} with the
// status mapped from its kind.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, map[string]interface{}{"kind": "internal", "message": msg})
		return
	}

	kind := common.KindOf(err)
	body := map[string]interface{}{
		"kind":    string(kind),
		"message": err.Error(),
	}
	var ce *common.Error
	if errors.As(err, &ce) {
		body["message"] = ce.Message
		details := map[string]interface{}{}
		for k, v := range ce.Details {
			details[k] = v
		}
		if ce.Field != "" {
			details["field"] = ce.Field
		}
		if len(details) > 0 {
			body["details"] = details
		}
	}
	if kind == common.KindInternal {
		s.log.WithError(err).Error("internal error")
		body["message"] = "internal error"
	}
	_ = c.JSON(common.HTTPStatus(kind), body)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339),
		"active_pipelines": s.progress.ActiveCount(),
	})
}
