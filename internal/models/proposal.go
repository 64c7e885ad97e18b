// internal/models/proposal.go
package models

import (
	"encoding/json"
	"time"
)

// DraftStatus 提案草稿的内容生成状态
type DraftStatus string

const (
	DraftStatusDraft      DraftStatus = "draft"
	DraftStatusInProgress DraftStatus = "in_progress"
	DraftStatusReady      DraftStatus = "ready"
)

// IsValid 检查状态值是否合法
func (s DraftStatus) IsValid() bool {
	switch s {
	case DraftStatusDraft, DraftStatusInProgress, DraftStatusReady:
		return true
	default:
		return false
	}
}

// PresentationDeck 演示文稿产物记录
// StorageURL 是唯一的"可下载"信号，其余字段有值但 StorageURL 为空表示仍在渲染
type PresentationDeck struct {
	StorageURL string `json:"storage_url,omitempty"`
	PptxURL    string `json:"pptx_url,omitempty"`
	ShareURL   string `json:"share_url,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Downloadable 演示文稿是否可下载
func (d *PresentationDeck) Downloadable() bool {
	return d != nil && d.StorageURL != ""
}

// Rendering 演示文稿是否仍在渲染中
func (d *PresentationDeck) Rendering() bool {
	if d == nil || d.StorageURL != "" {
		return false
	}
	return d.PptxURL != "" || d.ShareURL != "" || d.Status != ""
}

// Clone 返回副本
func (d *PresentationDeck) Clone() *PresentationDeck {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// ProposalDraft 提案草稿，持久化的工作单元
type ProposalDraft struct {
	ID               string            `json:"id"`
	WorkspaceID      string            `json:"workspace_id"`
	OwnerID          string            `json:"owner_id"`
	Status           DraftStatus       `json:"status"`
	StepProgress     int               `json:"step_progress"`
	FormData         ProposalForm      `json:"form_data"`
	AISuggestions    json.RawMessage   `json:"ai_suggestions,omitempty"`
	AIInsights       json.RawMessage   `json:"ai_insights,omitempty"`
	PresentationDeck *PresentationDeck `json:"presentation_deck,omitempty"`
	PptURL           string            `json:"ppt_url,omitempty"` // 旧版渲染服务写入的地址
	ClientID         string            `json:"client_id,omitempty"`
	ClientName       string            `json:"client_name,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastAutosaveAt   *time.Time        `json:"last_autosave_at,omitempty"`
}

// DeckURL 返回可打开的演示文稿地址，未就绪时返回空字符串
func (d *ProposalDraft) DeckURL() string {
	if d == nil {
		return ""
	}
	if d.PresentationDeck.Downloadable() {
		return d.PresentationDeck.StorageURL
	}
	return d.PptURL
}

// IsReady 内容是否已生成
func (d *ProposalDraft) IsReady() bool {
	return d != nil && d.Status == DraftStatusReady
}

// Clone 深拷贝草稿
func (d *ProposalDraft) Clone() *ProposalDraft {
	if d == nil {
		return nil
	}
	c := *d
	c.FormData = d.FormData.Clone()
	c.AISuggestions = cloneRaw(d.AISuggestions)
	c.AIInsights = cloneRaw(d.AIInsights)
	c.PresentationDeck = d.PresentationDeck.Clone()
	if d.LastAutosaveAt != nil {
		t := *d.LastAutosaveAt
		c.LastAutosaveAt = &t
	}
	return &c
}

// DraftPatch 部分更新，nil 字段保持不变
type DraftPatch struct {
	Status           *DraftStatus
	StepProgress     *int
	FormData         ProposalForm
	PresentationDeck *PresentationDeck
	AISuggestions    json.RawMessage
	AIInsights       json.RawMessage
	ClientID         *string
	ClientName       *string
	LastAutosaveAt   *time.Time
}

// Apply 将补丁应用到草稿上
func (p DraftPatch) Apply(d *ProposalDraft, now time.Time) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.StepProgress != nil {
		d.StepProgress = *p.StepProgress
	}
	if p.FormData != nil {
		d.FormData = p.FormData.Clone()
	}
	if p.PresentationDeck != nil {
		d.PresentationDeck = p.PresentationDeck.Clone()
	}
	if p.AISuggestions != nil {
		d.AISuggestions = cloneRaw(p.AISuggestions)
	}
	if p.AIInsights != nil {
		d.AIInsights = cloneRaw(p.AIInsights)
	}
	if p.ClientID != nil {
		d.ClientID = *p.ClientID
	}
	if p.ClientName != nil {
		d.ClientName = *p.ClientName
	}
	if p.LastAutosaveAt != nil {
		t := *p.LastAutosaveAt
		d.LastAutosaveAt = &t
	}
	d.UpdatedAt = now
}

// StatusPtr 辅助构造
func StatusPtr(s DraftStatus) *DraftStatus { return &s }

// IntPtr 辅助构造
func IntPtr(i int) *int { return &i }

// StringPtr 辅助构造
func StringPtr(s string) *string { return &s }

// CreateDraftRequest 创建草稿所需字段
type CreateDraftRequest struct {
	WorkspaceID  string
	OwnerID      string
	Status       DraftStatus
	StepProgress int
	FormData     ProposalForm
	ClientID     string
	ClientName   string
}

// SubmissionSnapshot 内容生成成功时的会话内快照，不持久化
type SubmissionSnapshot struct {
	DraftID    string       `json:"draft_id"`
	Form       ProposalForm `json:"form"`
	Step       int          `json:"step"`
	ClientID   string       `json:"client_id"`
	ClientName string       `json:"client_name"`
}

// ResumableFor 快照只在客户未切换时可恢复
func (s *SubmissionSnapshot) ResumableFor(clientID string) bool {
	return s != nil && s.ClientID == clientID
}

// Lease 跨会话互斥租约
type Lease struct {
	Key       string    `json:"key"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired 租约是否已过期
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// HeldBy 租约是否由指定持有者持有且未过期
func (l Lease) HeldBy(ownerID string, now time.Time) bool {
	return l.OwnerID == ownerID && !l.Expired(now)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	c := make(json.RawMessage, len(r))
	copy(c, r)
	return c
}
