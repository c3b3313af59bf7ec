package http

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/docstore"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/index"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    s.config.Version,
		Provider:   s.config.Provider,
		Partitions: len(s.builder.Registry().Partitions()),
		Active:     len(s.builder.Catalog().Names()),
	})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	k := s.config.DefaultK
	if req.K != nil {
		k = *req.K
	}

	user := c.Request().Header.Get(HeaderUserID)
	res, err := s.engine.RetrieveWithOptions(c.Request().Context(), user, req.Query, k, query.Options{Partitions: req.Partitions})
	if err != nil {
		return toHTTPError(err)
	}
	if res.Passages == nil {
		res.Passages = []query.Passage{}
	}
	return c.JSON(http.StatusOK, QueryResponse{Result: res, K: k})
}

// handlePartitions lists the partitions the caller may query. Admins see
// every known partition.
func (s *Server) handlePartitions(c echo.Context) error {
	ctx := c.Request().Context()
	user := c.Request().Header.Get(HeaderUserID)

	statuses := s.builder.Statuses()
	if _, err := s.resolver.RequireAdmin(ctx, user); err != nil {
		grant := s.resolver.AllowedPartitions(ctx, user)
		visible := statuses[:0:0]
		for _, st := range statuses {
			if grant.Allows(st.Partition) {
				visible = append(visible, st)
			}
		}
		statuses = visible
	}
	return c.JSON(http.StatusOK, PartitionsResponse{Partitions: statuses})
}

func (s *Server) handleRescan(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := s.builder.Registry().Rescan(ctx)
	if err != nil {
		return toHTTPError(err)
	}
	s.logger.Info(ctx, "partitions rescanned",
		zap.Strings("added", res.Added),
		zap.Strings("removed", res.Removed))
	return c.JSON(http.StatusOK, RescanResponse{
		RescanResult: res,
		Partitions:   s.builder.Registry().Partitions(),
	})
}

func (s *Server) handleRebuild(c echo.Context) error {
	name := c.Param("name")
	ctx := logging.WithPartition(c.Request().Context(), name)
	if err := docstore.ValidatePartitionName(name); err != nil {
		return toHTTPError(err)
	}
	if _, err := s.builder.Build(ctx, name); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, RebuildResponse{Status: s.builder.Status(name)})
}

func (s *Server) handleDelete(c echo.Context) error {
	name := c.Param("name")
	ctx := logging.WithPartition(c.Request().Context(), name)
	if err := s.builder.Delete(ctx, name); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRebuildAll rebuilds every registered partition. Partial failures
// are reported in the body; the request fails only if nothing was built.
func (s *Server) handleRebuildAll(c echo.Context) error {
	ctx := c.Request().Context()
	built, err := s.builder.BuildAll(ctx)

	resp := RebuildAllResponse{Built: make([]string, 0, len(built))}
	for name := range built {
		resp.Built = append(resp.Built, name)
	}
	sort.Strings(resp.Built)

	if err != nil {
		if len(built) == 0 {
			return toHTTPError(err)
		}
		resp.Failed = make(map[string]string)
		for _, st := range s.builder.Statuses() {
			if _, ok := built[st.Partition]; !ok && st.Registered {
				resp.Failed[st.Partition] = st.LastError
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// toHTTPError maps domain errors to status codes.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrInvalidInput), errors.Is(err, docstore.ErrInvalidPartition):
		code = http.StatusBadRequest
	case errors.Is(err, query.ErrAccessDenied), errors.Is(err, access.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, docstore.ErrPartitionNotFound), errors.Is(err, index.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, indexer.ErrRebuildInProgress):
		code = http.StatusConflict
	case errors.Is(err, indexer.ErrBuildFailed):
		code = http.StatusInternalServerError
	case errors.Is(err, query.ErrRetrievalFailed), errors.Is(err, embeddings.ErrEmbeddingFailed):
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
