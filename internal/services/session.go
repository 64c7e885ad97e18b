// internal/services/session.go
package services

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/storage"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// PipelineDeps 编排器共享的依赖
type PipelineDeps struct {
	Store     storage.DraftStore
	Trigger   GenerationTrigger
	Analytics *AnalyticsDispatcher
	Locks     *LockManager
	Metrics   *utils.PipelineMetrics
	Config    config.PipelineConfig
	Sleep     Sleeper
	Now       func() time.Time
	Logger    *utils.Logger

	configMu sync.RWMutex
}

// Pipeline 当前流水线参数；运行时可被设置页更新
func (d *PipelineDeps) Pipeline() config.PipelineConfig {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.Config
}

// SetPipeline 替换流水线参数，进行中的轮询保持原参数
func (d *PipelineDeps) SetPipeline(p config.PipelineConfig) {
	d.configMu.Lock()
	defer d.configMu.Unlock()
	d.Config = p
}

func (d *PipelineDeps) withDefaults() {
	if d.Trigger == nil {
		d.Trigger = NoopTrigger{}
	}
	if d.Locks == nil {
		d.Locks = NewLockManager()
	}
	if d.Metrics == nil {
		d.Metrics = utils.GetPipelineMetrics()
	}
	if d.Config.PollMaxAttempts == 0 {
		d.Config = config.DefaultPipelineConfig()
	}
	if d.Sleep == nil {
		d.Sleep = SleepContext
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = utils.GetLogger()
	}
}

func (d *PipelineDeps) pollConfig() PollConfig {
	p := d.Pipeline()
	return PollConfig{Interval: p.PollInterval(), MaxAttempts: p.PollMaxAttempts}
}

// ProposalSession 一个 (workspace, owner) 的提案会话
// 所有字段由 mu 保护；存储调用和轮询等待期间不持有 mu
type ProposalSession struct {
	Key         string
	WorkspaceID string
	OwnerID     string

	Notices  *NoticeBoard
	Progress *ProgressTracker

	mu            sync.Mutex
	clientID      string
	clientName    string
	wizard        WizardState
	activeDraftID string
	submitted     bool
	isSubmitting  bool
	snapshot      *models.SubmissionSnapshot
	deck          *models.PresentationDeck
	suggestions   json.RawMessage
	insights      json.RawMessage
	drafts        []models.ProposalDraft
	fingerprint   string
	deckDraftID   string
	pendingWindow PendingWindow
	window        WindowOpener
	lastAccess    time.Time
}

// SessionKey 会话键
func SessionKey(workspaceID, ownerID string) string {
	return workspaceID + ":" + ownerID
}

func newProposalSession(workspaceID, ownerID string, progress *ProgressTracker) *ProposalSession {
	return &ProposalSession{
		Key:         SessionKey(workspaceID, ownerID),
		WorkspaceID: workspaceID,
		OwnerID:     ownerID,
		Notices:     NewNoticeBoard(),
		Progress:    progress,
		wizard:      NewWizardState(),
		window:      NullWindowOpener{},
		lastAccess:  time.Now(),
	}
}

// SetWindowOpener 绑定窗口通道；nil 表示断开
func (s *ProposalSession) SetWindowOpener(o WindowOpener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = NullWindowOpener{}
	}
	s.window = o
}

func (s *ProposalSession) windowOpener() WindowOpener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// UpdateForm 合并向导输入；提交进行中时拒绝
func (s *ProposalSession) UpdateForm(fields map[string]interface{}, step *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSubmitting {
		return false
	}
	s.wizard.Merge(fields)
	if step != nil && *step >= 0 {
		s.wizard.Step = *step
	}
	return true
}

// SetStepErrors 记录当前步骤的校验错误
func (s *ProposalSession) SetStepErrors(errs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wizard.StepErrors = errs
}

// ActiveDraftID 当前草稿 id
func (s *ProposalSession) ActiveDraftID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDraftID
}

// Snapshot 当前提交快照副本
func (s *ProposalSession) Snapshot() *models.SubmissionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	c := *s.snapshot
	c.Form = s.snapshot.Form.Clone()
	return &c
}

// ClientID 当前客户
func (s *ProposalSession) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// CachedDraft 最近一次列表中的草稿
func (s *ProposalSession) CachedDraft(draftID string) (*models.ProposalDraft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.drafts {
		if s.drafts[i].ID == draftID {
			return s.drafts[i].Clone(), true
		}
	}
	return nil, false
}

func (s *ProposalSession) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *ProposalSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *ProposalSession) notify(title, description string, variant NoticeVariant) {
	s.Notices.Notify(Notice{Title: title, Description: description, Variant: variant})
}

// resetDerivedLocked 清空所有生成结果与表单
func (s *ProposalSession) resetDerivedLocked() {
	s.wizard.Reset()
	s.activeDraftID = ""
	s.submitted = false
	s.snapshot = nil
	s.deck = nil
	s.suggestions = nil
	s.insights = nil
}

// clearResultsLocked 生成失败时清空结果，不动表单
func (s *ProposalSession) clearResultsLocked() {
	s.submitted = false
	s.deck = nil
	s.suggestions = nil
	s.insights = nil
	s.snapshot = nil
}

// updateCachedDeckLocked 同步本地缓存中的演示文稿字段
func (s *ProposalSession) updateCachedDeckLocked(draftID string, deck *models.PresentationDeck) {
	for i := range s.drafts {
		if s.drafts[i].ID == draftID {
			s.drafts[i].PresentationDeck = deck.Clone()
		}
	}
	if s.snapshot != nil && s.snapshot.DraftID == draftID {
		s.deck = deck.Clone()
	}
}

// SessionView 会话对外视图
type SessionView struct {
	WorkspaceID   string                     `json:"workspace_id"`
	OwnerID       string                     `json:"owner_id"`
	ClientID      string                     `json:"client_id,omitempty"`
	ClientName    string                     `json:"client_name,omitempty"`
	Wizard        WizardState                `json:"wizard"`
	ActiveDraftID string                     `json:"active_draft_id,omitempty"`
	Submitted     bool                       `json:"submitted"`
	IsSubmitting  bool                       `json:"is_submitting"`
	DeckInFlight  bool                       `json:"deck_in_flight"`
	Snapshot      *models.SubmissionSnapshot `json:"snapshot,omitempty"`
	Resumable     bool                       `json:"snapshot_resumable"`
	Deck          *models.PresentationDeck   `json:"presentation_deck"`
	Suggestions   json.RawMessage            `json:"ai_suggestions,omitempty"`
	Insights      json.RawMessage            `json:"ai_insights,omitempty"`
	Drafts        []models.ProposalDraft     `json:"drafts"`
	Progress      ProgressUpdate             `json:"progress"`
	Notices       []Notice                   `json:"notices"`
}

// View 生成视图；drain 为 true 时取走待显示的提示
func (s *ProposalSession) View(drain bool) SessionView {
	s.mu.Lock()
	v := SessionView{
		WorkspaceID:   s.WorkspaceID,
		OwnerID:       s.OwnerID,
		ClientID:      s.clientID,
		ClientName:    s.clientName,
		Wizard:        s.wizard.Clone(),
		ActiveDraftID: s.activeDraftID,
		Submitted:     s.submitted,
		IsSubmitting:  s.isSubmitting,
		DeckInFlight:  s.deckDraftID != "",
		Resumable:     s.snapshot.ResumableFor(s.clientID),
		Deck:          s.deck.Clone(),
		Suggestions:   s.suggestions,
		Insights:      s.insights,
		Drafts:        make([]models.ProposalDraft, 0, len(s.drafts)),
	}
	if s.snapshot != nil {
		snap := *s.snapshot
		snap.Form = s.snapshot.Form.Clone()
		v.Snapshot = &snap
	}
	for i := range s.drafts {
		v.Drafts = append(v.Drafts, *s.drafts[i].Clone())
	}
	s.mu.Unlock()

	if s.Progress != nil {
		v.Progress = s.Progress.Current()
	}
	if drain {
		v.Notices = s.Notices.Drain()
	} else {
		v.Notices = s.Notices.Peek()
	}
	if v.Notices == nil {
		v.Notices = []Notice{}
	}
	return v
}

// draftsFingerprint 草稿列表的内容指纹；只看 id、状态与客户，自动保存不会改变它
func draftsFingerprint(clientID string, drafts []models.ProposalDraft) string {
	h := sha1.New()
	h.Write([]byte(clientID))
	for _, d := range drafts {
		h.Write([]byte{0})
		h.Write([]byte(d.ID))
		h.Write([]byte{'|'})
		h.Write([]byte(d.Status))
		h.Write([]byte{'|'})
		h.Write([]byte(d.ClientID))
	}
	return hex.EncodeToString(h.Sum(nil))
}
