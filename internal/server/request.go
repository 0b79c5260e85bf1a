package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

var (
	errInvalidID   = errors.New("invalid_id")
	errInvalidTime = errors.New("invalid_time")
)

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || parsed == 0 {
		return 0, newValidationError(name, errInvalidID, "invalid "+name)
	}
	return parsed, nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errInvalidID
	}
	return &parsed, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		}
		return &parsed, nil
	}
	return nil, errInvalidTime
}
