// Package store provides typed access to the persistent entities of the
// Archon core plus the two indexed operations the retrieval engine relies on:
// cosine-similarity top-K over pgvector embedding columns and trigram lexical
// ranking over page content. All mutating operations are transactional;
// cross-entity invariants are enforced inside a single transaction.
package store

import "time"

// KnowledgeType classifies a source.
type KnowledgeType string

const (
	KnowledgeTechnical KnowledgeType = "technical"
	KnowledgeBusiness  KnowledgeType = "business"
)

// Source is an ingestible origin (URL, sitemap, uploaded file).
type Source struct {
	ID                  string        `json:"id"`
	DisplayName         string        `json:"display_name"`
	OriginURL           string        `json:"origin_url,omitempty"`
	FileRef             string        `json:"file_ref,omitempty"`
	KnowledgeType       KnowledgeType `json:"knowledge_type"`
	Tags                []string      `json:"tags"`
	ExtractCodeExamples bool          `json:"extract_code_examples"`
	ProjectID           *string       `json:"project_id,omitempty"`
	IsProjectPrivate    bool          `json:"is_project_private"`
	PromotedAt          *time.Time    `json:"promoted_at,omitempty"`
	PromotedBy          *string       `json:"promoted_by,omitempty"`
	PageCount           int           `json:"page_count"`
	WordCount           int64         `json:"word_count"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// SourceFilter narrows source listings.
type SourceFilter struct {
	KnowledgeType  KnowledgeType
	Tag            string
	ProjectID      string
	IncludePrivate bool
	Limit          int
	Offset         int
}

// Page is an ingested chunk of a document within a source.
type Page struct {
	ID          string                 `json:"id"`
	SourceID    string                 `json:"source_id"`
	URL         string                 `json:"url"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	ContentHash string                 `json:"content_hash"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// PageInsert is the write shape for InsertPages. NeedsEmbedding is set on the
// returned records whose content hash changed (or which are new), telling the
// pipeline which chunks to re-embed.
type PageInsert struct {
	SourceID       string
	URL            string
	ChunkNumber    int
	Content        string
	ContentHash    string
	Metadata       map[string]interface{}
	PageID         string
	NeedsEmbedding bool
}

// CodeExample is an extracted fenced-code span with its generated summary.
type CodeExample struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Language  string    `json:"language,omitempty"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchFilters narrow both vector and lexical candidate generation.
type SearchFilters struct {
	SourceID      string
	KnowledgeType KnowledgeType
	Tags          []string
	ProjectID     string
}

// VectorHit is one vector-search candidate; Score is cosine similarity in
// [-1, 1].
type VectorHit struct {
	PageID string
	Score  float64
}

// TextHit is one lexical candidate; Rank is an opaque non-negative number.
type TextHit struct {
	PageID string
	Rank   float64
}

// PageResult carries the fields the retrieval engine returns per candidate.
type PageResult struct {
	PageID      string                 `json:"page_id"`
	SourceID    string                 `json:"source_id"`
	URL         string                 `json:"url"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Priority orders tasks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ProjectType classifies a project.
type ProjectType string

const (
	ProjectSoftware    ProjectType = "software"
	ProjectMarketing   ProjectType = "marketing"
	ProjectResearch    ProjectType = "research"
	ProjectBugTracking ProjectType = "bug-tracking"
	ProjectCustom      ProjectType = "custom"
)

// Project is a unit of work organization; projects form a tree via ParentID.
type Project struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	ParentID     *string     `json:"parent_id,omitempty"`
	WorkflowID   string      `json:"workflow_id"`
	Type         ProjectType `json:"type"`
	OwnerSubject string      `json:"owner_subject"`
	Archived     bool        `json:"archived"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Stage is a named step within a workflow.
type Stage struct {
	ID                 string   `json:"id"`
	WorkflowID         string   `json:"workflow_id"`
	Name               string   `json:"name"`
	Color              string   `json:"color"`
	Position           int      `json:"position"`
	DefaultAssignee    *string  `json:"default_assignee,omitempty"`
	Terminal           bool     `json:"terminal"`
	AllowedTransitions []string `json:"allowed_transitions"`
}

// Workflow is an ordered set of stages applied to a project's tasks.
type Workflow struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	InitialStage string    `json:"initial_stage"`
	Stages       []Stage   `json:"stages"`
	CreatedAt    time.Time `json:"created_at"`
}

// Task is a work item.
type Task struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	WorkflowStageID string    `json:"workflow_stage_id"`
	SprintID        *string   `json:"sprint_id,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Assignee        string    `json:"assignee"`
	Priority        Priority  `json:"priority"`
	EstimatedHours  *float64  `json:"estimated_hours,omitempty"`
	Feature         string    `json:"feature"`
	Archived        bool      `json:"archived"`
	Order           float64   `json:"order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TaskHistory records one stage change of a task.
type TaskHistory struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	OldStageID *string   `json:"old_stage_id,omitempty"`
	NewStageID string    `json:"new_stage_id"`
	ChangedBy  string    `json:"changed_by"`
	ChangedAt  time.Time `json:"changed_at"`
}

// SprintStatus is the sprint lifecycle state.
type SprintStatus string

const (
	SprintPlanned   SprintStatus = "planned"
	SprintActive    SprintStatus = "active"
	SprintCompleted SprintStatus = "completed"
	SprintCancelled SprintStatus = "cancelled"
)

// Sprint is a time-boxed task grouping.
type Sprint struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Name        string       `json:"name"`
	Goal        string       `json:"goal"`
	StartDate   time.Time    `json:"start_date"`
	EndDate     time.Time    `json:"end_date"`
	Status      SprintStatus `json:"status"`
	Velocity    *float64     `json:"velocity,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// SprintTask is one row of a sprint's immutable task snapshot.
type SprintTask struct {
	SprintID       string   `json:"sprint_id"`
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	StageID        string   `json:"stage_id"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Completed      bool     `json:"completed"`
}

// SessionStatus is the MCP session state.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
)

// Session is an MCP client connection as tracked by the core.
type Session struct {
	ID                 string        `json:"id"`
	ClientType         string        `json:"client_type"`
	ClientVersion      string        `json:"client_version"`
	Status             SessionStatus `json:"status"`
	DisconnectReason   *string       `json:"disconnect_reason,omitempty"`
	ConnectedAt        time.Time     `json:"connected_at"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	DisconnectedAt     *time.Time    `json:"disconnected_at,omitempty"`
	ReconnectTokenHash *string       `json:"-"`
	ReconnectExpiresAt *time.Time    `json:"reconnect_expires_at,omitempty"`
	ReconnectCount     int           `json:"reconnect_count"`
	UserID             *string       `json:"user_id,omitempty"`
	UserEmail          *string       `json:"user_email,omitempty"`
	UserDisplayName    *string       `json:"user_display_name,omitempty"`
}

// RequestStatus classifies a tracked tool invocation.
type RequestStatus string

const (
	RequestSuccess RequestStatus = "success"
	RequestError   RequestStatus = "error"
	RequestTimeout RequestStatus = "timeout"
)

// Request is a single tracked tool invocation within a session.
type Request struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	Method           string        `json:"method"`
	ToolName         string        `json:"tool_name,omitempty"`
	Status           RequestStatus `json:"status"`
	DurationMS       int64         `json:"duration_ms"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	EstimatedCost    float64       `json:"estimated_cost"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Subject is an authenticated principal.
type Subject struct {
	ID           string    `json:"id"`
	Email        *string   `json:"email,omitempty"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Grant is one permission row: (subject_or_role, resource, action, scope).
type Grant struct {
	ID            string `json:"id"`
	SubjectOrRole string `json:"subject_or_role"`
	ResourceType  string `json:"resource_type"`
	Action        string `json:"action"`
	Scope         string `json:"scope"`
}

// LinkEntity and LinkItem are the two discriminators of a knowledge link.
type LinkEntity string

const (
	LinkProject LinkEntity = "project"
	LinkTask    LinkEntity = "task"
	LinkSprint  LinkEntity = "sprint"
)

type LinkItem string

const (
	LinkPage        LinkItem = "page"
	LinkCodeExample LinkItem = "code_example"
	LinkSource      LinkItem = "source"
)

// KnowledgeLink associates a work entity with a knowledge item. Relevance is
// set when the link was created by suggestion.
type KnowledgeLink struct {
	ID         string     `json:"id"`
	EntityType LinkEntity `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ItemType   LinkItem   `json:"item_type"`
	ItemID     string     `json:"item_id"`
	Relevance  *float64   `json:"relevance,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// InvitationStatus is the invitation lifecycle state.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Invitation invites an email address into an organization.
type Invitation struct {
	ID        string           `json:"id"`
	OrgID     string           `json:"org_id"`
	Email     string           `json:"email"`
	Role      string           `json:"role"`
	TokenHash string           `json:"-"`
	Status    InvitationStatus `json:"status"`
	ExpiresAt time.Time        `json:"expires_at"`
	CreatedAt time.Time        `json:"created_at"`
}
