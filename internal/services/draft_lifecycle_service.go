// internal/services/draft_lifecycle_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// DraftLifecycleService 管理草稿身份：创建、引导、删除、恢复
type DraftLifecycleService struct {
	deps *PipelineDeps
}

// NewDraftLifecycleService 创建草稿生命周期服务
func NewDraftLifecycleService(deps *PipelineDeps) *DraftLifecycleService {
	deps.withDefaults()
	return &DraftLifecycleService{deps: deps}
}

func createFlightKey(s *ProposalSession) string { return s.Key + "/create" }

// EnsureDraftID 返回当前草稿 id，必要时创建
// 表单为空、未选择客户或已有创建在进行时返回 ("", false) 并提示
func (l *DraftLifecycleService) EnsureDraftID(ctx context.Context, s *ProposalSession) (string, bool) {
	s.mu.Lock()
	if s.activeDraftID != "" {
		id := s.activeDraftID
		s.mu.Unlock()
		return id, true
	}
	if !s.wizard.HasPersistableData() {
		s.mu.Unlock()
		s.notify(NoticeDraftNotReady, "Add some proposal details before saving.", NoticeDefault)
		return "", false
	}
	if s.clientID == "" {
		s.mu.Unlock()
		s.notify(NoticeSelectClient, "Choose a client before saving a proposal.", NoticeDefault)
		return "", false
	}

	release, ok := l.deps.Locks.TryLock(createFlightKey(s))
	if !ok {
		s.mu.Unlock()
		s.notify(NoticePleaseWait, "Your draft is still being created.", NoticeDefault)
		return "", false
	}
	defer release()

	req := models.CreateDraftRequest{
		WorkspaceID:  s.WorkspaceID,
		OwnerID:      s.OwnerID,
		Status:       models.DraftStatusDraft,
		StepProgress: s.wizard.Step,
		FormData:     s.wizard.Form.Clone(),
		ClientID:     s.clientID,
		ClientName:   s.clientName,
	}
	s.mu.Unlock()

	id, err := l.deps.Store.Create(ctx, req)
	if err != nil {
		l.deps.Logger.Error("创建草稿失败", utils.Fields{
			"workspace_id": s.WorkspaceID,
			"client_id":    req.ClientID,
			"error":        err.Error(),
		})
		s.notify(NoticeUnableToCreateDraft, "Please try again.", NoticeDestructive)
		return "", false
	}

	s.mu.Lock()
	// 创建期间切换了客户，新草稿不属于当前会话上下文，删除孤儿记录
	if s.clientID != req.ClientID {
		s.mu.Unlock()
		l.discardOrphan(ctx, s, id, req.ClientID)
		s.notify(NoticeClientChanged, "The client changed while saving. Please try again.", NoticeDefault)
		return "", false
	}
	defer s.mu.Unlock()
	if s.activeDraftID == "" {
		s.activeDraftID = id
	}
	l.deps.Logger.Info("草稿已创建", utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": id})
	return s.activeDraftID, true
}

func (l *DraftLifecycleService) discardOrphan(ctx context.Context, s *ProposalSession, draftID, clientID string) {
	fields := utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": draftID, "client_id": clientID}
	if err := l.deps.Store.Remove(ctx, s.WorkspaceID, draftID); err != nil && !errors.Is(err, apperrors.ErrDraftNotFound) {
		fields["error"] = err.Error()
		l.deps.Logger.Warn("删除孤儿草稿失败", fields)
		return
	}
	l.deps.Logger.Info("客户已切换，删除孤儿草稿", fields)
}

// Bootstrap 根据草稿列表恢复会话；列表指纹未变化时不做任何事
func (l *DraftLifecycleService) Bootstrap(ctx context.Context, s *ProposalSession) error {
	s.mu.Lock()
	clientID := s.clientID
	s.mu.Unlock()

	drafts, err := l.deps.Store.List(ctx, s.WorkspaceID, clientID, l.deps.Pipeline().DraftListLimit)
	if err != nil {
		s.notify(NoticeUnableToLoadDrafts, "Please refresh to try again.", NoticeDestructive)
		return fmt.Errorf("加载草稿列表失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientID != clientID {
		// 期间客户已切换，交给下一次引导
		return nil
	}
	s.drafts = drafts

	fp := draftsFingerprint(clientID, drafts)
	if fp == s.fingerprint {
		return nil
	}
	s.fingerprint = fp

	if s.isSubmitting {
		return nil
	}

	// 其他客户的快照保留在会话中，但不可恢复
	var stale *models.SubmissionSnapshot
	if s.snapshot != nil && s.snapshot.ClientID != clientID {
		stale = s.snapshot
	}
	defer func() {
		if s.snapshot == nil && stale != nil {
			s.snapshot = stale
		}
	}()

	target := pickResumeTarget(drafts)
	if target == nil {
		s.resetDerivedLocked()
		l.deps.Logger.Debug("没有可恢复的草稿", utils.Fields{"workspace_id": s.WorkspaceID, "client_id": clientID})
		return nil
	}

	resumeLocked(s, target, false)
	l.deps.Logger.Info("会话已从草稿恢复", utils.Fields{
		"workspace_id": s.WorkspaceID,
		"draft_id":     target.ID,
		"status":       string(target.Status),
	})
	return nil
}

// pickResumeTarget 优先最近的 draft 状态记录，否则取最近的任意记录
func pickResumeTarget(drafts []models.ProposalDraft) *models.ProposalDraft {
	for i := range drafts {
		if drafts[i].Status == models.DraftStatusDraft {
			return &drafts[i]
		}
	}
	if len(drafts) > 0 {
		return &drafts[0]
	}
	return nil
}

// resumeLocked 把草稿载入会话；ready 且非强制编辑时重建提交快照，显示结果视图
func resumeLocked(s *ProposalSession, d *models.ProposalDraft, forceEdit bool) {
	s.deck = deckFromRecord(d)

	if d.IsReady() && !forceEdit {
		s.snapshot = &models.SubmissionSnapshot{
			DraftID:    d.ID,
			Form:       d.FormData.Clone(),
			Step:       d.StepProgress,
			ClientID:   d.ClientID,
			ClientName: d.ClientName,
		}
		s.submitted = true
		s.suggestions = d.AISuggestions
		s.insights = d.AIInsights
		s.activeDraftID = ""
		s.wizard.Reset()
		return
	}

	s.wizard.Load(d.FormData, d.StepProgress)
	s.activeDraftID = d.ID
	s.submitted = false
	s.snapshot = nil
	s.suggestions = nil
	s.insights = nil
}

// Resume 载入用户选择的草稿
func (l *DraftLifecycleService) Resume(ctx context.Context, s *ProposalSession, draftID string, forceEdit bool) error {
	// 生成进行中拒绝，且不触碰存储
	s.mu.Lock()
	busy := s.isSubmitting
	s.mu.Unlock()
	if busy {
		s.notify(NoticePleaseWait, "Finish the current generation before opening another draft.", NoticeDefault)
		return apperrors.ErrJobInFlight
	}

	draft, err := l.deps.Store.GetByID(ctx, s.WorkspaceID, draftID)
	if err != nil {
		s.notify(NoticeUnableToLoadDrafts, "Please try again.", NoticeDestructive)
		return fmt.Errorf("读取草稿失败: %w", err)
	}
	if draft == nil {
		s.notify(NoticeUnableToLoadDrafts, "This draft no longer exists.", NoticeDestructive)
		return apperrors.ErrDraftNotFound
	}

	if forceEdit && draft.IsReady() {
		// 重新编辑已完成的提案，记录回到 draft 状态
		if err := l.deps.Store.Update(ctx, s.WorkspaceID, draftID, models.DraftPatch{
			Status: models.StatusPtr(models.DraftStatusDraft),
		}); err != nil {
			s.notify(NoticeUnableToSave, "Please try again.", NoticeDestructive)
			return fmt.Errorf("重置草稿状态失败: %w", err)
		}
		draft.Status = models.DraftStatusDraft
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSubmitting {
		s.notify(NoticePleaseWait, "Finish the current generation before opening another draft.", NoticeDefault)
		return apperrors.ErrJobInFlight
	}
	if s.clientID == "" {
		s.clientID, s.clientName = draft.ClientID, draft.ClientName
	}
	resumeLocked(s, draft, forceEdit)
	for i := range s.drafts {
		if s.drafts[i].ID == draft.ID {
			s.drafts[i] = *draft.Clone()
		}
	}
	return nil
}

// Remove 删除草稿；删除的是当前草稿时清空所有相关状态
func (l *DraftLifecycleService) Remove(ctx context.Context, s *ProposalSession, draftID string) error {
	if err := l.deps.Store.Remove(ctx, s.WorkspaceID, draftID); err != nil {
		if !errors.Is(err, apperrors.ErrDraftNotFound) {
			s.notify(NoticeUnableToDelete, "Please try again.", NoticeDestructive)
			return fmt.Errorf("删除草稿失败: %w", err)
		}
		// 已经不存在，按删除成功处理本地状态
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeDraftID == draftID || (s.snapshot != nil && s.snapshot.DraftID == draftID) {
		s.resetDerivedLocked()
	}
	kept := s.drafts[:0]
	for _, d := range s.drafts {
		if d.ID != draftID {
			kept = append(kept, d)
		}
	}
	s.drafts = kept
	s.fingerprint = draftsFingerprint(s.clientID, s.drafts)

	l.deps.Logger.Info("草稿已删除", utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": draftID})
	return nil
}

// Autosave 把当前表单写入当前草稿，首次有内容时创建草稿
func (l *DraftLifecycleService) Autosave(ctx context.Context, s *ProposalSession) error {
	s.mu.Lock()
	skip := s.isSubmitting || s.submitted || !s.wizard.HasPersistableData() || s.clientID == ""
	s.mu.Unlock()
	if skip {
		return nil
	}

	draftID, ok := l.EnsureDraftID(ctx, s)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.activeDraftID != draftID {
		s.mu.Unlock()
		return nil
	}
	form := s.wizard.Form.Clone()
	step := s.wizard.Step
	s.mu.Unlock()

	now := l.deps.Now()
	if err := l.deps.Store.Update(ctx, s.WorkspaceID, draftID, models.DraftPatch{
		FormData:       form,
		StepProgress:   models.IntPtr(step),
		LastAutosaveAt: &now,
	}); err != nil {
		l.deps.Logger.Warn("自动保存失败", utils.Fields{
			"workspace_id": s.WorkspaceID,
			"draft_id":     draftID,
			"error":        err.Error(),
		})
		return fmt.Errorf("自动保存失败: %w", err)
	}
	return nil
}

// SelectClient 切换客户并重新引导；快照保留但不再可恢复
func (l *DraftLifecycleService) SelectClient(ctx context.Context, s *ProposalSession, clientID, clientName string) error {
	s.mu.Lock()
	if s.isSubmitting {
		s.mu.Unlock()
		s.notify(NoticePleaseWait, "Finish the current generation before switching clients.", NoticeDefault)
		return apperrors.ErrJobInFlight
	}
	changed := s.clientID != clientID
	s.clientID = clientID
	s.clientName = clientName
	if changed {
		s.fingerprint = ""
		s.activeDraftID = ""
		s.submitted = false
		s.deck = nil
		s.suggestions = nil
		s.insights = nil
		s.wizard.Reset()
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return l.Bootstrap(ctx, s)
}

// StartNewDraft 放弃当前草稿，下一次 EnsureDraftID 会创建新记录
func (l *DraftLifecycleService) StartNewDraft(s *ProposalSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSubmitting {
		return apperrors.ErrJobInFlight
	}
	previous := s.activeDraftID
	s.resetDerivedLocked()
	l.deps.Logger.Info("开始新草稿", utils.Fields{"workspace_id": s.WorkspaceID, "previous_draft_id": previous})
	return nil
}
