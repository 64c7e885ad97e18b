// internal/api/settings_handlers.go
package api

import (
	"net/http"
	"strconv"

	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/gin-gonic/gin"
)

// GetPipelineSettings 获取当前流水线参数
func (h *Handler) GetPipelineSettings(c *gin.Context) {
	if h.settingsUnavailable(c) {
		return
	}
	userID, _ := GetUserFromContext(c)
	h.Response.Success(c, gin.H{
		"pipeline":     h.Settings.GetPipelineConfig(userID),
		"last_updated": h.Settings.LastUpdated(),
	})
}

// UpdatePipelineSettings 更新流水线参数，对所有会话立即生效
func (h *Handler) UpdatePipelineSettings(c *gin.Context) {
	if h.settingsUnavailable(c) {
		return
	}

	var req config.PipelineConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}

	userID, _ := GetUserFromContext(c)
	if err := h.Settings.UpdatePipelineConfig(req, userID); err != nil {
		h.Response.BadRequest(c, "流水线参数无效", err.Error())
		return
	}
	h.Response.Success(c, gin.H{"pipeline": h.Settings.GetPipelineConfig(userID)}, "设置已保存")
}

// GetSettingsHistory 获取配置变更历史
func (h *Handler) GetSettingsHistory(c *gin.Context) {
	if h.settingsUnavailable(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	h.Response.Success(c, h.Settings.GetChangeHistory(limit))
}

// GetSettingsAudit 获取配置访问审计；未启用审计时返回空列表
func (h *Handler) GetSettingsAudit(c *gin.Context) {
	if h.settingsUnavailable(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries := h.Settings.GetAuditLog(limit)
	if entries == nil {
		h.Response.Success(c, []interface{}{}, "审计未启用")
		return
	}
	h.Response.Success(c, entries)
}

func (h *Handler) settingsUnavailable(c *gin.Context) bool {
	if h.Settings != nil {
		return false
	}
	h.Response.Error(c, http.StatusServiceUnavailable, ErrorUnavailable, "配置服务未初始化")
	return true
}
