// internal/services/notifier.go
package services

import (
	"sync"
	"time"
)

// NoticeVariant 提示样式
type NoticeVariant string

const (
	NoticeDefault     NoticeVariant = "default"
	NoticeDestructive NoticeVariant = "destructive"
)

// 用户可见文案
const (
	NoticeDraftNotReady       = "Draft not ready."
	NoticePleaseWait          = "Please wait"
	NoticeUnableToSave        = "Unable to save proposal"
	NoticeStillGenerating     = "Proposal still generating"
	NoticeProposalReady       = "Proposal ready"
	NoticeGenerationFailed    = "Generation failed"
	NoticePresentationReady   = "Presentation ready"
	NoticeStillProcessing     = "Still processing"
	NoticeUnableToPrepare     = "Unable to prepare presentation"
	NoticeClientChanged       = "Client changed"
	NoticeUnableToDelete      = "Unable to delete draft"
	NoticeSelectClient        = "Select a client"
	NoticeUnableToLoadDrafts  = "Unable to load drafts"
	NoticeUnableToCreateDraft = "Unable to create draft"
)

// Notice 一条用户提示
type Notice struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Variant     NoticeVariant `json:"variant"`
	At          time.Time     `json:"at"`
}

// Notifier 提示输出
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc 函数适配器
type NotifierFunc func(n Notice)

// Notify 实现 Notifier
func (f NotifierFunc) Notify(n Notice) { f(n) }

const maxNotices = 50

// NoticeBoard 会话内的提示队列，保留最近 50 条，并推送给监听者
type NoticeBoard struct {
	mu       sync.Mutex
	notices  []Notice
	listener Notifier
}

// NewNoticeBoard 创建提示板
func NewNoticeBoard() *NoticeBoard {
	return &NoticeBoard{}
}

// SetListener 设置实时推送目标（WebSocket），nil 取消
func (b *NoticeBoard) SetListener(l Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Notify 记录并推送
func (b *NoticeBoard) Notify(n Notice) {
	if n.Variant == "" {
		n.Variant = NoticeDefault
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.Lock()
	b.notices = append(b.notices, n)
	if over := len(b.notices) - maxNotices; over > 0 {
		b.notices = append([]Notice(nil), b.notices[over:]...)
	}
	listener := b.listener
	b.mu.Unlock()

	if listener != nil {
		listener.Notify(n)
	}
}

// Drain 取出并清空
func (b *NoticeBoard) Drain() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.notices
	b.notices = nil
	return out
}

// Peek 只读查看
func (b *NoticeBoard) Peek() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notice, len(b.notices))
	copy(out, b.notices)
	return out
}

// Last 最近一条
func (b *NoticeBoard) Last() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.notices) == 0 {
		return Notice{}, false
	}
	return b.notices[len(b.notices)-1], true
}
