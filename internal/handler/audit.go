package handler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/gin-gonic/gin"
)

// auditFilterFrom reads limit/from/to/account query params.
func auditFilterFrom(c *gin.Context) (model.AuditFilter, error) {
	filter := model.AuditFilter{Limit: 100, AccountID: c.Query("account")}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			filter.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return filter, fmt.Errorf("from: %w", err)
		}
		filter.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return filter, fmt.Errorf("to: %w", err)
		}
		filter.To = &t
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
