package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rentway/internal/apperror"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	consistencydomain "github.com/smallbiznis/rentway/internal/consistency/domain"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Code        string            `json:"code,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return apperror.Validation(ErrInvalidRequest, "request", "invalid request")
}

func newValidationError(field string, cause error, message string) error {
	return apperror.Validation(cause, field, message)
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr, ok := apperror.AsValidation(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   vErr.Field,
				Code:    vErr.Code,
				Message: vErr.Message,
			}},
		}
	}

	if violation, ok := apperror.AsViolation(err); ok {
		return http.StatusConflict, errorPayload{
			Type:        "business_rule_violation",
			Message:     violation.Reason,
			Code:        violation.Rule,
			Remediation: violation.Remediation,
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
			Code:    err.Error(),
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   "request",
				Code:    ErrInvalidRequest.Error(),
				Message: "invalid request",
			}},
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, billingdomain.ErrBillNotFound),
		errors.Is(err, billingdomain.ErrReadingNotFound),
		errors.Is(err, meterdomain.ErrNotFound),
		errors.Is(err, consistencydomain.ErrReportNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger the same classes the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if code == "" && status >= http.StatusInternalServerError {
		code = "internal_error"
	}
	return payload.Type, code
}
