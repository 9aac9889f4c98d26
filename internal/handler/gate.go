package handler

import (
	"net/http"

	"github.com/GoPolymarket/accountgate/internal/middleware"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
	"github.com/GoPolymarket/accountgate/internal/service"
	"github.com/GoPolymarket/accountgate/internal/stream"
	"github.com/gin-gonic/gin"
)

type GateHandler struct {
	gate *service.Gate
	hub  *stream.Hub
}

func NewGateHandler(gate *service.Gate, hub *stream.Hub) *GateHandler {
	return &GateHandler{gate: gate, hub: hub}
}

func currentUser(c *gin.Context) (*model.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized: missing user context", nil))
		return nil, false
	}
	return user, true
}

// Validate runs the pre-execution gate for one account. A rejected verdict is
// still a 200; callers act on isValid.
func (h *GateHandler) Validate(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	verdict := h.gate.ValidateForAutomation(c.Request.Context(), user.ID, c.Param("id"))
	c.JSON(http.StatusOK, verdict)
}

func (h *GateHandler) ValidateAll(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	verdicts, err := h.gate.ValidateAllUserAccounts(c.Request.Context(), user.ID)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to list accounts", err))
		return
	}
	c.JSON(http.StatusOK, model.BatchVerdictResponse{UserID: user.ID, Verdicts: verdicts})
}

func (h *GateHandler) CheckRateLimit(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	status := h.gate.CheckRateLimit(c.Request.Context(), user.ID, c.Param("id"), c.Query("exchange"))
	c.JSON(http.StatusOK, status)
}

func (h *GateHandler) SecurityReport(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	report, err := h.gate.GetSecurityReport(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to load security report", err))
		return
	}
	if report == nil {
		c.Error(apperrors.NewNotFound("no security report for this account yet"))
		return
	}
	c.JSON(http.StatusOK, report)
}

// AuditLog lists the caller's own audit records.
func (h *GateHandler) AuditLog(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	filter, err := auditFilterFrom(c)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	filter.UserID = user.ID
	records, err := h.gate.GetAuditLog(c.Request.Context(), filter)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to read audit log", err))
		return
	}
	c.JSON(http.StatusOK, records)
}

// Stream 推送当前用户的 verdict
func (h *GateHandler) Stream(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if h.hub == nil {
		c.Error(apperrors.NewNotFound("verdict stream disabled"))
		return
	}
	if err := stream.ServeWS(h.hub, user.ID, c.Writer, c.Request); err != nil {
		// Upgrade 已写入错误响应
		logger.Warn("websocket subscribe failed", "user_id", user.ID, "error", err)
	}
}
