package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-ID"

type auditLogger interface {
	Log(entry *model.AuditRecord)
}

// AdminAuditMiddleware writes one audit record per admin API call. Request
// bodies are redacted before they are stored.
func AdminAuditMiddleware(audit auditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Header(HeaderRequestID, reqID)

		// 读取请求体并写回, 供后续 Bind 使用
		var reqBodyBytes []byte
		if c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		c.Next()

		result := model.AuditResultSuccess
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			result = model.AuditResultError
		case status >= http.StatusBadRequest:
			result = model.AuditResultFailure
		}

		details := map[string]interface{}{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
			"clientIp":  c.ClientIP(),
		}
		if body := redactAuditBody(c.Request.URL.Path, reqBodyBytes); body != "" {
			details["body"] = body
		}

		audit.Log(&model.AuditRecord{
			ID:        reqID,
			Timestamp: start.UTC(),
			UserID:    c.Param("user"),
			AccountID: c.Param("account"),
			Action:    model.AuditActionAdminRequest,
			Result:    result,
			Details:   details,
		})
	}
}

func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !isSensitivePath(path) {
		return string(body)
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func isSensitivePath(path string) bool {
	return strings.HasSuffix(path, "/credentials") || strings.Contains(path, "/credentials/")
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data, false)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

// redactValue masks sensitive keys. Every string under a "credentials" object is
// masked since bundle field names are exchange specific.
func redactValue(v *interface{}, all bool) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if all || isSensitiveKey(key) {
				if s, ok := val.(string); ok {
					raw[key] = model.MaskSecret(s)
					continue
				}
			}
			vv := val
			redactValue(&vv, all || strings.EqualFold(key, "credentials"))
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv, all)
			raw[i] = vv
		}
	case string:
		if all {
			*v = model.MaskSecret(raw)
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key",
		"api_secret",
		"passphrase",
		"api_passphrase",
		"private_key",
		"secret",
		"admin_key",
		"admin_secret_key":
		return true
	default:
		return false
	}
}
