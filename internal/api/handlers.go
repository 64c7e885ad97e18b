// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/services"
	"github.com/Corphon/ProposalPilot/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	Sessions         *services.SessionService // 会话与编排器
	Settings         *services.ConfigService  // 运行时配置，可为空
	Metrics          *utils.PipelineMetrics   // 流水线指标
	WebSocketHandler *WebSocketHandler        // WebSocket 处理器
	Response         *ResponseHelper          // 响应助手

	jobs       sync.WaitGroup
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

// SelectClientRequest 切换客户
type SelectClientRequest struct {
	ClientID   string `json:"client_id" binding:"required"`
	ClientName string `json:"client_name"`
}

// UpdateFormRequest 向导输入
type UpdateFormRequest struct {
	Fields     map[string]interface{} `json:"fields"`
	Step       *int                   `json:"step"`
	StepErrors map[string]string      `json:"step_errors"`
	Autosave   *bool                  `json:"autosave"` // 默认 true
}

// JobAccepted 后台任务受理回执
type JobAccepted struct {
	Job       string `json:"job"`
	DraftID   string `json:"draft_id,omitempty"`
	StreamURL string `json:"stream_url"`
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewHandler 创建API处理器
func NewHandler(sessions *services.SessionService, metrics *utils.PipelineMetrics, ws *WebSocketHandler) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		Sessions:         sessions,
		Metrics:          metrics,
		WebSocketHandler: ws,
		Response:         NewResponseHelper(),
		jobCtx:           ctx,
		cancelJobs:       cancel,
	}
}

// ------------------------------------------------
// 会话
// ------------------------------------------------

// session 当前请求对应的会话
func (h *Handler) session(c *gin.Context) *services.ProposalSession {
	userID, _ := GetUserFromContext(c)
	if userID == "" {
		userID = GuestUserID
	}
	return h.Sessions.GetOrCreate(c.Param("workspace_id"), userID)
}

// GetSession 返回会话视图并取走待显示的提示
func (h *Handler) GetSession(c *gin.Context) {
	h.Response.Success(c, h.session(c).View(true))
}

// SelectClient 切换客户并重新引导
func (h *Handler) SelectClient(c *gin.Context) {
	var req SelectClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}

	s := h.session(c)
	if err := h.Sessions.Lifecycle.SelectClient(c.Request.Context(), s, strings.TrimSpace(req.ClientID), req.ClientName); err != nil {
		h.Response.FromError(c, err, "切换客户失败")
		return
	}
	h.Response.Success(c, s.View(true))
}

// Bootstrap 重新加载草稿列表
func (h *Handler) Bootstrap(c *gin.Context) {
	s := h.session(c)
	if err := h.Sessions.Lifecycle.Bootstrap(c.Request.Context(), s); err != nil {
		h.Response.FromError(c, err, "加载草稿失败")
		return
	}
	h.Response.Success(c, s.View(true))
}

// UpdateForm 合并向导输入，默认随后自动保存
func (h *Handler) UpdateForm(c *gin.Context) {
	var req UpdateFormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求参数", err.Error())
		return
	}

	s := h.session(c)
	if !s.UpdateForm(req.Fields, req.Step) {
		h.Response.Error(c, http.StatusConflict, ErrorSubmissionInFlight, "提案生成中，表单已锁定")
		return
	}
	if req.StepErrors != nil {
		s.SetStepErrors(req.StepErrors)
	}

	if req.Autosave == nil || *req.Autosave {
		if err := h.Sessions.Lifecycle.Autosave(c.Request.Context(), s); err != nil {
			h.Response.FromError(c, err, "自动保存失败")
			return
		}
	}
	h.Response.Success(c, s.View(true))
}

// StartNewDraft 放弃当前草稿
func (h *Handler) StartNewDraft(c *gin.Context) {
	s := h.session(c)
	if err := h.Sessions.Lifecycle.StartNewDraft(s); err != nil {
		h.Response.FromError(c, err, "无法开始新草稿")
		return
	}
	h.Response.Success(c, s.View(true))
}

// ------------------------------------------------
// 草稿
// ------------------------------------------------

// EnsureDraft 返回当前草稿 id，必要时创建
func (h *Handler) EnsureDraft(c *gin.Context) {
	s := h.session(c)
	draftID, ok := h.Sessions.Lifecycle.EnsureDraftID(c.Request.Context(), s)
	if !ok {
		h.ensureFailure(c, s)
		return
	}
	h.Response.Success(c, gin.H{"draft_id": draftID, "session": s.View(true)})
}

// ensureFailure 根据最近一条提示选择错误响应
func (h *Handler) ensureFailure(c *gin.Context, s *services.ProposalSession) {
	notice, _ := s.Notices.Last()
	switch notice.Title {
	case services.NoticeDraftNotReady:
		h.Response.FromError(c, apperrors.ErrDraftNotReady, notice.Title)
	case services.NoticeSelectClient:
		h.Response.FromError(c, apperrors.ErrClientNotSelected, notice.Title)
	case services.NoticePleaseWait:
		h.Response.FromError(c, apperrors.ErrJobInFlight, notice.Title)
	case services.NoticeUnableToCreateDraft:
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorDraftCreateFailed, notice.Title)
	case services.NoticeClientChanged:
		h.Response.Conflict(c, "客户已切换，请重试")
	default:
		h.Response.InternalError(c, "创建草稿失败", notice.Title)
	}
}

// ResumeDraft 载入草稿；force_edit=true 时把已完成的提案重置为编辑状态
func (h *Handler) ResumeDraft(c *gin.Context) {
	forceEdit, _ := strconv.ParseBool(c.DefaultQuery("force_edit", "false"))

	s := h.session(c)
	if err := h.Sessions.Lifecycle.Resume(c.Request.Context(), s, c.Param("draft_id"), forceEdit); err != nil {
		h.Response.FromError(c, err, "载入草稿失败")
		return
	}
	h.Response.Success(c, s.View(true))
}

// DeleteDraft 删除草稿，不存在的草稿视为已删除
func (h *Handler) DeleteDraft(c *gin.Context) {
	s := h.session(c)
	if err := h.Sessions.Lifecycle.Remove(c.Request.Context(), s, c.Param("draft_id")); err != nil {
		status, _ := statusForError(err)
		if status == http.StatusInternalServerError {
			h.Response.Error(c, status, ErrorDraftDeleteFailed, "删除草稿失败", err.Error())
			return
		}
		h.Response.FromError(c, err, "删除草稿失败")
		return
	}
	h.Response.Success(c, s.View(true), "草稿已删除")
}

// ------------------------------------------------
// 提交与演示文稿
// ------------------------------------------------

// SubmitProposal 提交当前表单；默认后台执行并返回 202，wait=true 时同步返回结果
func (h *Handler) SubmitProposal(c *gin.Context) {
	s := h.session(c)

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result := h.Sessions.Submission.SubmitProposal(c.Request.Context(), s)
		if result.Err != nil && result.Outcome != services.SubmitPending {
			h.Response.FromError(c, result.Err, "提交失败")
			return
		}
		h.Response.Success(c, gin.H{"result": result, "session": s.View(true)})
		return
	}

	h.runJob("submit", func(ctx context.Context) {
		result := h.Sessions.Submission.SubmitProposal(ctx, s)
		if result.Err != nil {
			log.Printf("⚠️ 提交结束: outcome=%s err=%v", result.Outcome, result.Err)
		}
	})
	h.Response.Accepted(c, JobAccepted{Job: "submit", StreamURL: progressURL(c)})
}

// ContinueEditing 从提交快照回到编辑
func (h *Handler) ContinueEditing(c *gin.Context) {
	s := h.session(c)
	if err := h.Sessions.Submission.ContinueEditingFromSnapshot(c.Request.Context(), s); err != nil {
		h.Response.FromError(c, err, "无法继续编辑")
		return
	}
	h.Response.Success(c, s.View(true))
}

// DownloadDeck 打开或渲染演示文稿；默认后台执行并返回 202，wait=true 时同步返回结果
func (h *Handler) DownloadDeck(c *gin.Context) {
	s := h.session(c)
	draftID := c.Param("draft_id")

	draft, err := h.Sessions.Deps().Store.GetByID(c.Request.Context(), s.WorkspaceID, draftID)
	if err != nil {
		h.Response.FromError(c, err, "读取草稿失败")
		return
	}
	if draft == nil {
		h.Response.NotFound(c, "草稿")
		return
	}

	// 已有地址时同步返回，调用方无需等待推送
	if url := draft.DeckURL(); url != "" {
		result := h.Sessions.Deck.HandleDownloadDeck(c.Request.Context(), s, draft)
		h.Response.Success(c, result)
		return
	}
	if !draft.IsReady() {
		h.Response.Error(c, http.StatusConflict, ErrorDeckNotReady, "提案内容尚未生成")
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result := h.Sessions.Deck.HandleDownloadDeck(c.Request.Context(), s, draft)
		if result.Outcome == services.DeckRejected || result.Outcome == services.DeckFailed {
			h.Response.FromError(c, result.Err, "演示文稿准备失败")
			return
		}
		h.Response.Success(c, result)
		return
	}

	h.runJob("deck", func(ctx context.Context) {
		result := h.Sessions.Deck.HandleDownloadDeck(ctx, s, draft)
		if result.Err != nil {
			log.Printf("⚠️ 演示文稿任务结束: outcome=%s err=%v", result.Outcome, result.Err)
		}
	})
	h.Response.Accepted(c, JobAccepted{Job: "deck", DraftID: draftID, StreamURL: progressURL(c)})
}

// ------------------------------------------------
// 进度
// ------------------------------------------------

// SubscribeProgress 以 SSE 推送会话进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	s := h.session(c)
	tracker := s.Progress

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// 发送初始事件保持连接打开
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				// 会话已回收
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ProposalWebSocket 窗口通道
func (h *Handler) ProposalWebSocket(c *gin.Context) {
	h.WebSocketHandler.ProposalWebSocket(c)
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.WebSocketHandler.GetWebSocketStatus(c)
}

// Healthz 健康检查
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessions":  h.Sessions.Count(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ------------------------------------------------
// 后台任务
// ------------------------------------------------

func (h *Handler) runJob(name string, fn func(ctx context.Context)) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ 后台任务 %s 异常: %v", name, r)
			}
		}()
		fn(h.jobCtx)
	}()
}

// WaitJobs 等待所有后台任务结束
func (h *Handler) WaitJobs() {
	h.jobs.Wait()
}

// Shutdown 等待后台任务结束；超时后取消剩余任务
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancelJobs()
		return nil
	case <-ctx.Done():
		h.cancelJobs()
		<-done
		return ctx.Err()
	}
}

func progressURL(c *gin.Context) string {
	return "/api/workspaces/" + c.Param("workspace_id") + "/proposals/progress"
}
