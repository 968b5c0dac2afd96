// Package document is the project-scoped wrapper over knowledge sources:
// uploads and crawls linked to a project, privacy-filtered listing, promotion
// into the global knowledge base, and ownership-checked deletion.
package document

import (
	"context"
	"strings"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/ingest"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

// Store is the slice of the storage adapter this service uses.
type Store interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetSource(ctx context.Context, id string) (*store.Source, error)
	ListSources(ctx context.Context, filter store.SourceFilter) ([]*store.Source, error)
	DeleteSource(ctx context.Context, id string) error
	PromoteSource(ctx context.Context, id, promotedBy string) (*store.Source, error)
}

// Ingestor starts ingestion pipelines and returns a progress id.
type Ingestor interface {
	StartCrawl(req ingest.Request) (string, error)
	StartUpload(req ingest.Request, filename string, content []byte) (string, error)
}

// Service implements the document operations.
type Service struct {
	store  Store
	ingest Ingestor
	rbac   *rbac.Engine
}

// New creates the service.
func New(st Store, ing Ingestor, authz *rbac.Engine) *Service {
	return &Service{store: st, ingest: ing, rbac: authz}
}

// UploadRequest describes a project-scoped document upload or crawl.
type UploadRequest struct {
	ProjectID           string
	URL                 string
	Filename            string
	Content             []byte
	DisplayName         string
	KnowledgeType       store.KnowledgeType
	Tags                []string
	MaxDepth            int
	ExtractCodeExamples bool
	IsProjectPrivate    bool
	SendToKB            bool
}

// Upload ingests an uploaded file with the project linkage. The project must
// exist; ingestion then runs asynchronously under the returned progress id.
func (s *Service) Upload(ctx context.Context, p rbac.Principal, req UploadRequest) (string, error) {
	if err := s.authorize(ctx, p, req.ProjectID); err != nil {
		return "", err
	}
	return s.ingest.StartUpload(ingest.Request{
		DisplayName:         req.DisplayName,
		KnowledgeType:       req.KnowledgeType,
		Tags:                req.Tags,
		ExtractCodeExamples: req.ExtractCodeExamples,
		ProjectID:           projectRef(req.ProjectID),
		IsProjectPrivate:    req.IsProjectPrivate,
		SendToKB:            req.SendToKB,
		Subject:             p.SubjectID,
	}, req.Filename, req.Content)
}

// Crawl ingests a URL with the project linkage.
func (s *Service) Crawl(ctx context.Context, p rbac.Principal, req UploadRequest) (string, error) {
	if err := s.authorize(ctx, p, req.ProjectID); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.URL) == "" {
		return "", common.ValidationField("url", "url must not be empty")
	}
	return s.ingest.StartCrawl(ingest.Request{
		URL:                 req.URL,
		DisplayName:         req.DisplayName,
		KnowledgeType:       req.KnowledgeType,
		Tags:                req.Tags,
		MaxDepth:            req.MaxDepth,
		ExtractCodeExamples: req.ExtractCodeExamples,
		ProjectID:           projectRef(req.ProjectID),
		IsProjectPrivate:    req.IsProjectPrivate,
		SendToKB:            req.SendToKB,
		Subject:             p.SubjectID,
	})
}

// List returns a project's sources. Private sources are filtered out before
// pagination unless includePrivate is set.
func (s *Service) List(ctx context.Context, projectID string, includePrivate bool, limit, offset int) ([]*store.Source, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListSources(ctx, store.SourceFilter{
		ProjectID:      projectID,
		IncludePrivate: includePrivate,
		Limit:          limit,
		Offset:         offset,
	})
}

// Promote moves a project-private source into the global knowledge base.
// Already-global sources fail with already_global and are left untouched.
func (s *Service) Promote(ctx context.Context, p rbac.Principal, sourceID string) (*store.Source, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	scope := rbac.ScopeAll
	if src.ProjectID != nil {
		scope = *src.ProjectID
	}
	if err := s.rbac.Authorize(ctx, p, "document", rbac.ActionDocumentManage, scope); err != nil {
		return nil, err
	}
	return s.store.PromoteSource(ctx, sourceID, p.SubjectID)
}

// Delete removes a source after verifying it belongs to the given project.
func (s *Service) Delete(ctx context.Context, p rbac.Principal, projectID, sourceID string) error {
	if err := s.authorize(ctx, p, projectID); err != nil {
		return err
	}
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src.ProjectID == nil || *src.ProjectID != projectID {
		return common.E(common.KindNotFound, "source %s does not belong to project %s", sourceID, projectID)
	}
	return s.store.DeleteSource(ctx, sourceID)
}

func (s *Service) authorize(ctx context.Context, p rbac.Principal, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return common.ValidationField("project_id", "project id must not be empty")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	return s.rbac.Authorize(ctx, p, "document", rbac.ActionDocumentManage, projectID)
}

func projectRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
