package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/gin-gonic/gin"
)

type CredentialWriter interface {
	PutCredentialBundle(ctx context.Context, userID, accountID string, bundle model.CredentialBundle) error
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID, accountID string)
}

type AdminHandler struct {
	gate      *service.Gate
	creds     CredentialWriter
	validator CacheInvalidator
}

func NewAdminHandler(gate *service.Gate, creds CredentialWriter, validator CacheInvalidator) *AdminHandler {
	return &AdminHandler{gate: gate, creds: creds, validator: validator}
}

func (h *AdminHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.gate.Settings())
}

func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req model.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	settings := h.gate.ApplySettings(req)
	h.gate.RecordEvent("", "", model.AuditActionSettings, model.AuditResultSuccess, map[string]interface{}{
		"settings": settings,
	})
	c.JSON(http.StatusOK, settings)
}

func (h *AdminHandler) SetRateLimit(c *gin.Context) {
	exchange := strings.ToLower(strings.TrimSpace(c.Param("exchange")))
	if exchange == "" {
		c.Error(apperrors.NewInvalidRequest("exchange required"))
		return
	}
	var req model.RateLimitConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	cfg := req.ToConfig()
	h.gate.SetRateLimitConfig(exchange, cfg)
	h.gate.RecordEvent("", "", model.AuditActionSettings, model.AuditResultSuccess, map[string]interface{}{
		"exchange":  exchange,
		"rateLimit": cfg,
	})
	c.JSON(http.StatusOK, gin.H{"exchange": exchange, "config": cfg})
}

func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	userID, accountID := c.Param("user"), c.Param("account")
	if err := h.gate.ResetRateLimit(c.Request.Context(), userID, accountID); err != nil {
		h.gate.RecordEvent(userID, accountID, model.AuditActionRateLimitReset, model.AuditResultError, map[string]interface{}{
			"error": err.Error(),
		})
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to reset rate limit", err))
		return
	}
	h.gate.RecordEvent(userID, accountID, model.AuditActionRateLimitReset, model.AuditResultSuccess, map[string]interface{}{})
	c.Status(http.StatusNoContent)
}

// UpdateCredentials replaces the stored bundle and drops cached validation
// results so the next check probes the new credentials.
func (h *AdminHandler) UpdateCredentials(c *gin.Context) {
	userID, accountID := c.Param("user"), c.Param("account")
	var req model.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	bundle := model.CredentialBundle(req.Credentials)
	if !bundle.HasValue() {
		c.Error(apperrors.NewInvalidRequest(model.MsgEmptyCredentials))
		return
	}
	ctx := c.Request.Context()
	if err := h.creds.PutCredentialBundle(ctx, userID, accountID, bundle); err != nil {
		h.gate.RecordEvent(userID, accountID, model.AuditActionCredentials, model.AuditResultError, map[string]interface{}{
			"error": err.Error(),
		})
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to store credentials", err))
		return
	}
	if h.validator != nil {
		h.validator.Invalidate(ctx, userID, accountID)
	}
	masked := bundle.Masked()
	h.gate.RecordEvent(userID, accountID, model.AuditActionCredentials, model.AuditResultSuccess, map[string]interface{}{
		"fields": len(masked),
	})
	c.JSON(http.StatusOK, gin.H{"userId": userID, "accountId": accountID, "credentials": masked})
}

// AuditLog lists audit records across users.
func (h *AdminHandler) AuditLog(c *gin.Context) {
	filter, err := auditFilterFrom(c)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	filter.UserID = c.Query("user")
	records, err := h.gate.GetAuditLog(c.Request.Context(), filter)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to read audit log", err))
		return
	}
	c.JSON(http.StatusOK, records)
}
