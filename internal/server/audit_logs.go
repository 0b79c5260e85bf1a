package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
)

type listAuditLogsQuery struct {
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	Since      string `form:"since"`
	Limit      int    `form:"limit"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", err, "invalid since"))
		return
	}

	logs, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListFilter{
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		Since:      since,
		Limit:      query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}
