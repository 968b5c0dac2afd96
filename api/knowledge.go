package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/document"
	"github.com/archon-kb/archon/ingest"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

type crawlRequest struct {
	URL                 string   `json:"url"`
	DisplayName         string   `json:"display_name"`
	KnowledgeType       string   `json:"knowledge_type"`
	Tags                []string `json:"tags"`
	MaxDepth            int      `json:"max_depth"`
	ExtractCodeExamples bool     `json:"extract_code_examples"`
}

func (s *Server) handleCrawl(c echo.Context) error {
	if err := s.rbac.Authorize(c.Request().Context(), principal(c), "knowledge", rbac.ActionKnowledgeManage, rbac.ScopeAll); err != nil {
		return err
	}
	var req crawlRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}

	progressID, err := s.ingestor.StartCrawl(ingest.Request{
		URL:                 req.URL,
		DisplayName:         req.DisplayName,
		KnowledgeType:       store.KnowledgeType(req.KnowledgeType),
		Tags:                req.Tags,
		MaxDepth:            req.MaxDepth,
		ExtractCodeExamples: req.ExtractCodeExamples,
		SendToKB:            true,
		Subject:             principal(c).SubjectID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"progress_id": progressID})
}

func (s *Server) handleUpload(c echo.Context) error {
	if err := s.rbac.Authorize(c.Request().Context(), principal(c), "knowledge", rbac.ActionKnowledgeManage, rbac.ScopeAll); err != nil {
		return err
	}
	filename, content, err := multipartFile(c)
	if err != nil {
		return err
	}

	progressID, err := s.ingestor.StartUpload(ingest.Request{
		DisplayName:         c.FormValue("display_name"),
		KnowledgeType:       store.KnowledgeType(c.FormValue("knowledge_type")),
		Tags:                c.Request().Form["tags"],
		ExtractCodeExamples: c.FormValue("extract_code_examples") == "true",
		SendToKB:            true,
		Subject:             principal(c).SubjectID,
	}, filename, content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"progress_id": progressID,
		"filename":    filename,
	})
}

func (s *Server) handleListSources(c echo.Context) error {
	sources, err := s.store.ListSources(c.Request().Context(), store.SourceFilter{
		KnowledgeType: store.KnowledgeType(c.QueryParam("knowledge_type")),
		Tag:           c.QueryParam("tag"),
		Limit:         queryInt(c, "limit", 100),
		Offset:        queryInt(c, "offset", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sources": sources})
}

func (s *Server) handleDeleteSource(c echo.Context) error {
	if err := s.rbac.Authorize(c.Request().Context(), principal(c), "knowledge", rbac.ActionKnowledgeManage, rbac.ScopeAll); err != nil {
		return err
	}
	if err := s.store.DeleteSource(c.Request().Context(), c.Param("source_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProgress(c echo.Context) error {
	p, ok := s.progress.Get(c.Param("progress_id"))
	if !ok {
		return common.E(common.KindNotFound, "progress %s not found", c.Param("progress_id"))
	}
	return c.JSON(http.StatusOK, p.Snapshot())
}

func (s *Server) handleProgressCancel(c echo.Context) error {
	if !s.progress.Cancel(c.Param("progress_id")) {
		return common.E(common.KindNotFound, "progress %s not found", c.Param("progress_id"))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type searchRequest struct {
	Query      string `json:"query"`
	MatchCount int    `json:"match_count"`
	Filters    struct {
		SourceID      string   `json:"source_id"`
		KnowledgeType string   `json:"knowledge_type"`
		Tags          []string `json:"tags"`
		ProjectID     string   `json:"project_id"`
	} `json:"filters"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	env, err := s.search.Search(c.Request().Context(), req.Query, store.SearchFilters{
		SourceID:      req.Filters.SourceID,
		KnowledgeType: store.KnowledgeType(req.Filters.KnowledgeType),
		Tags:          req.Filters.Tags,
		ProjectID:     req.Filters.ProjectID,
	}, req.MatchCount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, env)
}

func (s *Server) handleProjectUpload(c echo.Context) error {
	filename, content, err := multipartFile(c)
	if err != nil {
		return err
	}
	progressID, err := s.docs.Upload(c.Request().Context(), principal(c), document.UploadRequest{
		ProjectID:           c.Param("project_id"),
		Filename:            filename,
		Content:             content,
		DisplayName:         c.FormValue("display_name"),
		KnowledgeType:       store.KnowledgeType(c.FormValue("knowledge_type")),
		Tags:                c.Request().Form["tags"],
		ExtractCodeExamples: c.FormValue("extract_code_examples") == "true",
		IsProjectPrivate:    c.FormValue("is_project_private") == "true",
		SendToKB:            c.FormValue("send_to_kb") == "true",
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"progress_id": progressID,
		"filename":    filename,
	})
}

type projectCrawlRequest struct {
	crawlRequest
	IsProjectPrivate bool `json:"is_project_private"`
	SendToKB         bool `json:"send_to_kb"`
}

func (s *Server) handleProjectCrawl(c echo.Context) error {
	var req projectCrawlRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	progressID, err := s.docs.Crawl(c.Request().Context(), principal(c), document.UploadRequest{
		ProjectID:           c.Param("project_id"),
		URL:                 req.URL,
		DisplayName:         req.DisplayName,
		KnowledgeType:       store.KnowledgeType(req.KnowledgeType),
		Tags:                req.Tags,
		MaxDepth:            req.MaxDepth,
		ExtractCodeExamples: req.ExtractCodeExamples,
		IsProjectPrivate:    req.IsProjectPrivate,
		SendToKB:            req.SendToKB,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"progress_id": progressID})
}

func (s *Server) handleProjectDocuments(c echo.Context) error {
	sources, err := s.docs.List(c.Request().Context(), c.Param("project_id"),
		c.QueryParam("include_private") != "false",
		queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sources": sources})
}

func (s *Server) handleProjectDocumentDelete(c echo.Context) error {
	if err := s.docs.Delete(c.Request().Context(), principal(c),
		c.Param("project_id"), c.Param("source_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePromote(c echo.Context) error {
	src, err := s.docs.Promote(c.Request().Context(), principal(c), c.Param("source_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, src)
}

func multipartFile(c echo.Context) (string, []byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", nil, common.ValidationField("file", "a file part is required")
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, common.Wrap(common.KindInternal, err, "open upload")
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return "", nil, common.Wrap(common.KindInternal, err, "read upload")
	}
	return fh.Filename, content, nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	if raw := c.QueryParam(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
