// internal/services/generation_trigger.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Corphon/ProposalPilot/internal/models"
)

// GenerationTrigger 通知外部服务开始生成；结果只能通过草稿记录观察到
type GenerationTrigger interface {
	RequestContent(ctx context.Context, draft *models.ProposalDraft) error
	RequestDeck(ctx context.Context, draft *models.ProposalDraft) error
}

// NoopTrigger 由数据库触发器等外部机制驱动生成时使用
type NoopTrigger struct{}

// RequestContent 不做任何事
func (NoopTrigger) RequestContent(context.Context, *models.ProposalDraft) error { return nil }

// RequestDeck 不做任何事
func (NoopTrigger) RequestDeck(context.Context, *models.ProposalDraft) error { return nil }

// WebhookPayload 发送给生成服务的请求体
type WebhookPayload struct {
	Event       string `json:"event"`
	WorkspaceID string `json:"workspace_id"`
	DraftID     string `json:"draft_id"`
	ClientID    string `json:"client_id,omitempty"`
}

// WebhookTrigger 以 JSON POST 通知生成服务
type WebhookTrigger struct {
	url    string
	client *http.Client
}

// NewWebhookTrigger 创建 webhook 触发器
func NewWebhookTrigger(url string, client *http.Client) *WebhookTrigger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTrigger{url: url, client: client}
}

// RequestContent 请求生成提案内容
func (w *WebhookTrigger) RequestContent(ctx context.Context, draft *models.ProposalDraft) error {
	return w.post(ctx, "proposal.generate", draft)
}

// RequestDeck 请求渲染演示文稿
func (w *WebhookTrigger) RequestDeck(ctx context.Context, draft *models.ProposalDraft) error {
	return w.post(ctx, "proposal.render_deck", draft)
}

func (w *WebhookTrigger) post(ctx context.Context, event string, draft *models.ProposalDraft) error {
	body, err := json.Marshal(WebhookPayload{
		Event:       event,
		WorkspaceID: draft.WorkspaceID,
		DraftID:     draft.ID,
		ClientID:    draft.ClientID,
	})
	if err != nil {
		return fmt.Errorf("序列化 webhook 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用生成服务失败: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("生成服务返回状态码 %d", resp.StatusCode)
	}
	return nil
}
