// internal/services/submission_service.go
package services

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// SubmitOutcome 一次提交的结果
type SubmitOutcome string

const (
	SubmitReady    SubmitOutcome = "ready"
	SubmitPending  SubmitOutcome = "pending"
	SubmitFailed   SubmitOutcome = "failed"
	SubmitRejected SubmitOutcome = "rejected"
)

// SubmissionResult 提交结果
type SubmissionResult struct {
	Outcome SubmitOutcome            `json:"outcome"`
	DraftID string                   `json:"draft_id,omitempty"`
	Deck    *models.PresentationDeck `json:"presentation_deck,omitempty"`
	Err     error                    `json:"-"`
}

// SubmissionService 保存 → 生成 → 轮询 → 就绪 状态机
type SubmissionService struct {
	deps      *PipelineDeps
	lifecycle *DraftLifecycleService
}

// NewSubmissionService 创建提交编排器
func NewSubmissionService(deps *PipelineDeps, lifecycle *DraftLifecycleService) *SubmissionService {
	deps.withDefaults()
	return &SubmissionService{deps: deps, lifecycle: lifecycle}
}

func submitFlightKey(s *ProposalSession) string { return s.Key + "/submit" }

// DraftLeaseKey 草稿生成租约键
func DraftLeaseKey(workspaceID, draftID string) string {
	return "draft:" + workspaceID + "/" + draftID
}

// SubmitProposal 提交当前表单并等待内容生成
// 所有失败都在这里转换为提示，返回值只用于调用方展示与测试
func (svc *SubmissionService) SubmitProposal(ctx context.Context, s *ProposalSession) SubmissionResult {
	release, ok := svc.deps.Locks.TryLock(submitFlightKey(s))
	if !ok {
		s.notify(NoticePleaseWait, "Your proposal is already being generated.", NoticeDefault)
		return SubmissionResult{Outcome: SubmitRejected, Err: apperrors.ErrJobInFlight}
	}
	defer release()

	s.mu.Lock()
	s.isSubmitting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isSubmitting = false
		s.mu.Unlock()
	}()

	draftID, ok := svc.lifecycle.EnsureDraftID(ctx, s)
	if !ok {
		return SubmissionResult{Outcome: SubmitRejected, Err: apperrors.ErrDraftNotReady}
	}

	leaseKey := DraftLeaseKey(s.WorkspaceID, draftID)
	ttl := svc.deps.Pipeline().LeaseTTL()
	if _, err := svc.deps.Locks.AcquireLease(leaseKey, s.Key, ttl); err != nil {
		s.notify(NoticePleaseWait, "This proposal is being generated in another session.", NoticeDefault)
		return SubmissionResult{Outcome: SubmitRejected, DraftID: draftID, Err: err}
	}
	defer svc.deps.Locks.ReleaseLease(leaseKey, s.Key)

	log := svc.deps.Logger.With(utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": draftID})
	progress := s.Progress
	progress.SetStage(JobContent, StageInitializing)
	defer progress.HideAfter(JobContent, svc.deps.Pipeline().ProgressHideDelay())

	// 先持久化表单，未保存的草稿绝不触发生成
	s.mu.Lock()
	form := s.wizard.Form.Clone()
	step := s.wizard.Step
	clientID, clientName := s.clientID, s.clientName
	s.mu.Unlock()

	log.Info("保存提交快照", utils.Fields{"stage": "saving-form"})
	now := svc.deps.Now()
	if err := svc.deps.Store.Update(ctx, s.WorkspaceID, draftID, models.DraftPatch{
		FormData:       form,
		StepProgress:   models.IntPtr(step),
		LastAutosaveAt: &now,
	}); err != nil {
		log.Error("保存提交快照失败", utils.Fields{"error": err.Error()})
		progress.SetStage(JobContent, StageError)
		svc.deps.Metrics.RecordGeneration(utils.OutcomeFailed, 0)
		s.notify(NoticeUnableToSave, "Your changes were not saved. Please try again.", NoticeDestructive)
		return SubmissionResult{Outcome: SubmitFailed, DraftID: draftID, Err: err}
	}

	s.mu.Lock()
	s.wizard.ClearErrors()
	s.suggestions = nil
	s.insights = nil
	s.mu.Unlock()

	event := AnalyticsEvent{WorkspaceID: s.WorkspaceID, DraftID: draftID, ClientID: clientID, ClientName: clientName}
	svc.track(event, EventGenerationStarted, nil)
	started := time.Now()

	record, outcome, err := svc.awaitGeneration(ctx, s, draftID, leaseKey, log)
	if err != nil {
		return svc.fail(s, event, draftID, err, log)
	}

	if outcome == PollTimedOut {
		log.Info("内容生成超出轮询预算", utils.Fields{"stage": "queued"})
		progress.SetStage(JobContent, StageQueued)
		svc.deps.Metrics.RecordGeneration(utils.OutcomePending, time.Since(started))
		s.notify(NoticeStillGenerating, "Your plan is still being generated. Check back in a moment.", NoticeDefault)
		return SubmissionResult{Outcome: SubmitPending, DraftID: draftID}
	}

	var deck *models.PresentationDeck
	if url := record.DeckURL(); url != "" {
		deck = deckFromRecord(record)
	}

	s.mu.Lock()
	s.snapshot = &models.SubmissionSnapshot{
		DraftID:    draftID,
		Form:       form,
		Step:       step,
		ClientID:   clientID,
		ClientName: clientName,
	}
	s.submitted = true
	s.deck = deck.Clone()
	s.suggestions = record.AISuggestions
	s.insights = record.AIInsights
	if s.activeDraftID == draftID {
		s.activeDraftID = ""
		s.wizard.Reset()
	}
	s.mu.Unlock()

	svc.track(event, EventGenerationCompleted, map[string]interface{}{"has_deck": deck != nil})
	svc.deps.Metrics.RecordGeneration(utils.OutcomeReady, time.Since(started))
	progress.SetStage(JobContent, StageLaunching)
	log.Info("内容生成完成", utils.Fields{"stage": "ready", "has_deck": deck != nil})

	if deck != nil {
		s.notify(NoticeProposalReady, "Your proposal and presentation are ready.", NoticeDefault)
	} else {
		s.notify(NoticeProposalReady, "Your presentation is still generating. Check back shortly.", NoticeDefault)
	}
	return SubmissionResult{Outcome: SubmitReady, DraftID: draftID, Deck: deck}
}

// awaitGeneration 先轮询内容状态，就绪但没有演示文稿地址时继续轮询同一记录
func (svc *SubmissionService) awaitGeneration(ctx context.Context, s *ProposalSession, draftID, leaseKey string, log *utils.Logger) (*models.ProposalDraft, PollOutcome, error) {
	requestDraft := &models.ProposalDraft{ID: draftID, WorkspaceID: s.WorkspaceID, ClientID: s.ClientID()}
	if err := svc.deps.Trigger.RequestContent(ctx, requestDraft); err != nil {
		return nil, PollTimedOut, fmt.Errorf("触发内容生成失败: %w", err)
	}

	s.Progress.SetStage(JobContent, StagePolling)
	log.Debug("开始轮询内容状态", utils.Fields{"stage": "awaiting-generation"})

	ttl := svc.deps.Pipeline().LeaseTTL()
	var record *models.ProposalDraft
	fetch := func(ctx context.Context, kind string) (*models.ProposalDraft, error) {
		svc.deps.Metrics.RecordPollAttempt(kind)
		// 心跳续期
		if _, err := svc.deps.Locks.RenewLease(leaseKey, s.Key, ttl); err != nil {
			log.Warn("租约续期失败", utils.Fields{"error": err.Error()})
		}
		rec, err := svc.deps.Store.GetByID(ctx, s.WorkspaceID, draftID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, apperrors.ErrDraftNotFound
		}
		return rec, nil
	}

	outcome, err := PollUntil(ctx, svc.deps.pollConfig(), svc.deps.Sleep, func(ctx context.Context, _ int) (bool, error) {
		rec, err := fetch(ctx, utils.PollKindContent)
		if err != nil {
			return false, err
		}
		record = rec
		return rec.IsReady(), nil
	})
	if err != nil || outcome == PollTimedOut {
		return record, outcome, err
	}

	if record.DeckURL() != "" {
		return record, PollReady, nil
	}

	// 内容就绪，演示文稿仍可能稍后出现
	log.Debug("内容已就绪，继续等待演示文稿", utils.Fields{"stage": "awaiting-deck"})
	_, err = PollUntil(ctx, svc.deps.pollConfig(), svc.deps.Sleep, func(ctx context.Context, _ int) (bool, error) {
		rec, err := fetch(ctx, utils.PollKindDeckLink)
		if err != nil {
			return false, err
		}
		record = rec
		return rec.DeckURL() != "", nil
	})
	if err != nil {
		return nil, PollTimedOut, err
	}
	// 演示文稿超时不影响内容就绪
	return record, PollReady, nil
}

// fail 异常失败：清空所有生成结果，记录分析事件并提示
func (svc *SubmissionService) fail(s *ProposalSession, event AnalyticsEvent, draftID string, err error, log *utils.Logger) SubmissionResult {
	log.Error("提案生成失败", utils.Fields{"stage": "failed", "error": err.Error()})

	s.mu.Lock()
	s.clearResultsLocked()
	s.mu.Unlock()

	s.Progress.SetStage(JobContent, StageError)
	svc.deps.Metrics.RecordGeneration(utils.OutcomeFailed, 0)
	svc.track(event, EventGenerationFailed, map[string]interface{}{"error": err.Error()})
	s.notify(NoticeGenerationFailed, "We couldn't generate your proposal. Please try again.", NoticeDestructive)
	return SubmissionResult{Outcome: SubmitFailed, DraftID: draftID, Err: err}
}

func (svc *SubmissionService) track(base AnalyticsEvent, name string, extra map[string]interface{}) {
	base.Name = name
	base.Extra = extra
	svc.deps.Analytics.Track(base)
}

// ContinueEditingFromSnapshot 从提交快照回到编辑
// 快照客户与当前客户不一致时拒绝且不修改任何状态
func (svc *SubmissionService) ContinueEditingFromSnapshot(ctx context.Context, s *ProposalSession) error {
	s.mu.Lock()
	snap := s.snapshot
	if snap == nil {
		s.mu.Unlock()
		s.notify(NoticeDraftNotReady, "There is no completed proposal to edit.", NoticeDefault)
		return apperrors.ErrSnapshotMissing
	}
	if !snap.ResumableFor(s.clientID) {
		s.mu.Unlock()
		s.notify(NoticeClientChanged, "This proposal belongs to a different client.", NoticeDefault)
		return apperrors.ErrSnapshotClientMismatch
	}
	if s.isSubmitting {
		s.mu.Unlock()
		s.notify(NoticePleaseWait, "Your proposal is still being generated.", NoticeDefault)
		return apperrors.ErrJobInFlight
	}
	s.mu.Unlock()

	if err := svc.deps.Store.Update(ctx, s.WorkspaceID, snap.DraftID, models.DraftPatch{
		Status: models.StatusPtr(models.DraftStatusDraft),
	}); err != nil {
		s.notify(NoticeUnableToSave, "Please try again.", NoticeDestructive)
		return fmt.Errorf("重置草稿状态失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != snap {
		// 期间快照已被替换或丢弃
		return apperrors.ErrSnapshotMissing
	}
	s.wizard.Load(snap.Form, snap.Step)
	s.activeDraftID = snap.DraftID
	s.snapshot = nil
	s.submitted = false
	s.suggestions = nil
	s.insights = nil
	for i := range s.drafts {
		if s.drafts[i].ID == snap.DraftID {
			s.drafts[i].Status = models.DraftStatusDraft
		}
	}

	svc.deps.Logger.Info("从快照继续编辑", utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": snap.DraftID})
	return nil
}

func deckFromRecord(d *models.ProposalDraft) *models.PresentationDeck {
	if d.PresentationDeck.Downloadable() {
		return d.PresentationDeck.Clone()
	}
	if d.PptURL != "" {
		deck := d.PresentationDeck.Clone()
		if deck == nil {
			deck = &models.PresentationDeck{}
		}
		deck.StorageURL = d.PptURL
		return deck
	}
	return nil
}
