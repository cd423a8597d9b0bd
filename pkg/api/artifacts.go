package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/types"
)

func (s *Server) listRunArtifacts(c *gin.Context) {
	out, err := s.runArtifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// runArtifacts returns artifact metadata only; bytes go through download.
func (s *Server) runArtifacts(ctx context.Context, runID string) ([]*types.RunArtifact, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, notFound(err, errdefs.KindRunNotFound, "run %s not found", runID)
	}
	artifacts, err := s.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []*types.RunArtifact{}
	}
	return artifacts, nil
}

// downloadArtifact streams file bytes after proving the recorded path still
// sits under the artifact root. Rows predate this check, so it runs on every
// download, symlinks resolved.
func (s *Server) downloadArtifact(c *gin.Context) {
	id := c.Param("id")
	a, err := s.store.GetArtifact(c.Request.Context(), id)
	if err != nil {
		respondErr(c, notFound(err, errdefs.KindNotFound, "artifact %s not found", id))
		return
	}

	path, err := s.confinePath(a.Path)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (s *Server) confinePath(p string) (string, error) {
	root, err := filepath.Abs(s.cfg.ArtifactRoot)
	if err != nil {
		return "", errdefs.Internal(err)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", errdefs.New(errdefs.KindNotFound, "artifact file is gone")
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.Validation("artifact path is outside the artifact root")
	}
	return resolved, nil
}
