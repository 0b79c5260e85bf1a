package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	consistencydomain "github.com/smallbiznis/rentway/internal/consistency/domain"
)

func (s *Server) RunConsistencyCheck(c *gin.Context) {
	report, err := s.consistencySvc.RunCheck(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) GetLatestConsistencyReport(c *gin.Context) {
	report, err := s.consistencySvc.LatestReport(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

type repairRequest struct {
	IssueIDs []string `json:"issue_ids"`
	DryRun   bool     `json:"dry_run"`
}

func (s *Server) RunConsistencyRepair(c *gin.Context) {
	var req repairRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ids := make([]string, 0, len(req.IssueIDs))
	for _, id := range req.IssueIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}

	result, err := s.consistencySvc.RunRepair(c.Request.Context(), consistencydomain.RepairRequest{
		IssueIDs: ids,
		Options: consistencydomain.RepairOptions{
			DryRun: req.DryRun,
			Actor:  string(auditdomain.ActorTypeOperator),
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
