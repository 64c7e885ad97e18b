// internal/services/deck_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// DeckOutcome 演示文稿准备结果
type DeckOutcome string

const (
	DeckOpened   DeckOutcome = "opened"
	DeckFastPath DeckOutcome = "fast_path"
	DeckQueued   DeckOutcome = "queued"
	DeckFailed   DeckOutcome = "failed"
	DeckRejected DeckOutcome = "rejected"
)

// DeckResult 演示文稿准备结果
type DeckResult struct {
	Outcome DeckOutcome `json:"outcome"`
	DraftID string      `json:"draft_id"`
	URL     string      `json:"url,omitempty"`
	Err     error       `json:"-"`
}

// DeckService 演示文稿准备编排器
type DeckService struct {
	deps *PipelineDeps
}

// NewDeckService 创建演示文稿编排器
func NewDeckService(deps *PipelineDeps) *DeckService {
	deps.withDefaults()
	return &DeckService{deps: deps}
}

func deckFlightKey(s *ProposalSession) string { return s.Key + "/deck" }

// HandleDownloadDeck 打开已有的演示文稿，或触发渲染并等待地址出现
func (svc *DeckService) HandleDownloadDeck(ctx context.Context, s *ProposalSession, draft *models.ProposalDraft) DeckResult {
	if draft == nil {
		return DeckResult{Outcome: DeckRejected, Err: apperrors.ErrDraftNotFound}
	}
	log := svc.deps.Logger.With(utils.Fields{"workspace_id": s.WorkspaceID, "draft_id": draft.ID})

	// 已有地址直接打开，不启动任务
	if url := draft.DeckURL(); url != "" {
		if err := svc.OpenDeckURL(ctx, s, url, nil); err != nil {
			log.Warn("打开演示文稿失败", utils.Fields{"error": err.Error()})
		}
		svc.deps.Metrics.RecordDeck(utils.OutcomeFastPath)
		return DeckResult{Outcome: DeckFastPath, DraftID: draft.ID, URL: url}
	}

	release, ok := svc.deps.Locks.TryLock(deckFlightKey(s))
	if !ok {
		s.notify(NoticePleaseWait, "A presentation is already being prepared.", NoticeDefault)
		svc.deps.Metrics.RecordDeck(utils.OutcomeRejected)
		return DeckResult{Outcome: DeckRejected, DraftID: draft.ID, Err: apperrors.ErrJobInFlight}
	}

	progress := s.Progress
	defer func() {
		s.mu.Lock()
		s.pendingWindow = nil
		s.deckDraftID = ""
		s.mu.Unlock()
		release()
		progress.HideAfter(JobDeck, svc.deps.Pipeline().ProgressHideDelay())
	}()

	// 占位窗口必须在任何异步调用之前打开
	win, err := s.windowOpener().OpenPlaceholder(ctx)
	if err != nil {
		log.Warn("无法打开占位窗口，完成后返回地址", utils.Fields{"error": err.Error()})
		win = nil
	} else if err := win.WriteDocument(PlaceholderDocument); err != nil {
		log.Warn("写入占位文档失败", utils.Fields{"error": err.Error()})
	}

	s.mu.Lock()
	s.pendingWindow = win
	s.deckDraftID = draft.ID
	s.mu.Unlock()

	progress.SetStage(JobDeck, StageInitializing)
	event := AnalyticsEvent{
		WorkspaceID: s.WorkspaceID,
		DraftID:     draft.ID,
		ClientID:    draft.ClientID,
		ClientName:  draft.ClientName,
	}
	svc.track(event, EventDeckStarted, nil)

	record, outcome, err := svc.awaitDeck(ctx, s, draft, log)
	switch {
	case err != nil:
		log.Error("演示文稿准备失败", utils.Fields{"stage": string(StageError), "error": err.Error()})
		progress.SetStage(JobDeck, StageError)
		closeWindow(win, log)
		svc.track(event, EventDeckFailed, map[string]interface{}{"error": err.Error()})
		svc.deps.Metrics.RecordDeck(utils.OutcomeFailed)
		s.notify(NoticeUnableToPrepare, "Something went wrong while rendering. Please try again.", NoticeDestructive)
		return DeckResult{Outcome: DeckFailed, DraftID: draft.ID, Err: err}

	case outcome == PollTimedOut:
		log.Info("演示文稿仍在渲染", utils.Fields{"stage": string(StageQueued)})
		progress.SetStage(JobDeck, StageQueued)
		closeWindow(win, log)
		svc.deps.Metrics.RecordDeck(utils.OutcomePending)
		s.notify(NoticeStillProcessing, "Your presentation is still rendering. Check back in a moment.", NoticeDefault)
		return DeckResult{Outcome: DeckQueued, DraftID: draft.ID}
	}

	url := record.DeckURL()
	progress.SetStage(JobDeck, StageLaunching)
	if err := svc.OpenDeckURL(ctx, s, url, win); err != nil {
		log.Warn("打开演示文稿失败", utils.Fields{"error": err.Error()})
	}

	s.mu.Lock()
	s.updateCachedDeckLocked(draft.ID, deckFromRecord(record))
	s.mu.Unlock()

	svc.track(event, EventDeckCompleted, map[string]interface{}{"url": url})
	svc.deps.Metrics.RecordDeck(utils.OutcomeReady)
	s.notify(NoticePresentationReady, "Your presentation is opening.", NoticeDefault)
	log.Info("演示文稿已就绪", utils.Fields{"stage": string(StageLaunching)})
	return DeckResult{Outcome: DeckOpened, DraftID: draft.ID, URL: url}
}

func (svc *DeckService) awaitDeck(ctx context.Context, s *ProposalSession, draft *models.ProposalDraft, log *utils.Logger) (*models.ProposalDraft, PollOutcome, error) {
	if err := svc.deps.Trigger.RequestDeck(ctx, draft); err != nil {
		return nil, PollTimedOut, fmt.Errorf("触发演示文稿渲染失败: %w", err)
	}

	s.Progress.SetStage(JobDeck, StagePolling)
	log.Debug("开始轮询演示文稿地址", utils.Fields{"stage": string(StagePolling)})

	var record *models.ProposalDraft
	outcome, err := PollUntil(ctx, svc.deps.pollConfig(), svc.deps.Sleep, func(ctx context.Context, _ int) (bool, error) {
		svc.deps.Metrics.RecordPollAttempt(utils.PollKindDeck)
		rec, err := svc.deps.Store.GetByID(ctx, s.WorkspaceID, draft.ID)
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, apperrors.ErrDraftNotFound
		}
		record = rec
		return rec.DeckURL() != "", nil
	})
	return record, outcome, err
}

// OpenDeckURL 优先复用仍打开的占位窗口，否则打开新标签页
// 窗口在检查之后被关闭时导航返回 ErrWindowUnavailable，同样改用新标签页
func (svc *DeckService) OpenDeckURL(ctx context.Context, s *ProposalSession, url string, pending PendingWindow) error {
	if pending != nil && !pending.Closed() {
		err := pending.NavigateTo(url)
		if !errors.Is(err, apperrors.ErrWindowUnavailable) {
			return err
		}
		svc.deps.Logger.Debug("占位窗口已不可用，改为打开新标签页", utils.Fields{"window_id": pending.ID()})
	}
	return s.windowOpener().OpenTab(ctx, url)
}

func (svc *DeckService) track(base AnalyticsEvent, name string, extra map[string]interface{}) {
	base.Name = name
	base.Extra = extra
	svc.deps.Analytics.Track(base)
}

func closeWindow(win PendingWindow, log *utils.Logger) {
	if win == nil || win.Closed() {
		return
	}
	if err := win.Close(); err != nil {
		log.Warn("关闭占位窗口失败", utils.Fields{"error": err.Error()})
	}
}
