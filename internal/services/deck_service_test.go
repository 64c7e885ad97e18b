package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
)

func (h *harness) readyDraft(mutate func(d *models.ProposalDraft)) *models.ProposalDraft {
	h.t.Helper()
	id := h.seed(models.DraftStatusReady, models.ProposalForm{"title": "done"}, mutate)
	d, err := h.store.GetByID(h.ctx, testWorkspace, id)
	require.NoError(h.t, err)
	return d
}

func TestDeckFastPathOpensTab(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(func(d *models.ProposalDraft) {
		d.PresentationDeck = &models.PresentationDeck{StorageURL: "https://cdn/deck.pptx"}
	})

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckFastPath, res.Outcome)
	assert.Equal(t, "https://cdn/deck.pptx", res.URL)
	windows, tabs := h.windows.Counts()
	assert.Zero(t, windows)
	assert.Equal(t, 1, tabs)
	_, deck := h.trigger.calls()
	assert.Zero(t, deck)
	assert.Equal(t, StageHidden, h.session.Progress.Stage())
}

func TestDeckFastPathLegacyURL(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(func(d *models.ProposalDraft) {
		d.PptURL = "https://legacy/deck.pptx"
	})

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckFastPath, res.Outcome)
	assert.Equal(t, []string{"https://legacy/deck.pptx"}, h.windows.Tabs)
}

func TestDeckOpensPlaceholderBeforeTriggerAndNavigatesIt(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)

	var windowsAtTrigger int
	h.trigger.onDeck = func(id string) {
		windowsAtTrigger, _ = h.windows.Counts()
		assert.True(t, h.session.View(false).DeckInFlight)
		h.setDeckURL(id, "https://cdn/rendered.pptx")
	}

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	require.Equal(t, DeckOpened, res.Outcome, "%v", res.Err)
	assert.Equal(t, 1, windowsAtTrigger)

	require.Len(t, h.windows.Windows, 1)
	win := h.windows.Windows[0]
	assert.Equal(t, PlaceholderDocument, win.Document)
	assert.Equal(t, []string{"https://cdn/rendered.pptx"}, win.NavigatedURLs())
	assert.Zero(t, win.CloseCalls())
	assert.Empty(t, h.windows.Tabs)

	assert.Equal(t, StageLaunching, h.session.Progress.Stage())
	assert.Equal(t, NoticePresentationReady, h.lastNotice().Title)
	assert.False(t, h.session.View(false).DeckInFlight)
	h.requireEvents(EventDeckStarted, EventDeckCompleted)
}

func TestDeckUserClosedPlaceholderOpensTab(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	h.trigger.onDeck = func(id string) {
		h.windows.Windows[0].CloseByUser()
		h.setDeckURL(id, "https://cdn/rendered.pptx")
	}

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	require.Equal(t, DeckOpened, res.Outcome)
	assert.Empty(t, h.windows.Windows[0].NavigatedURLs())
	assert.Equal(t, []string{"https://cdn/rendered.pptx"}, h.windows.Tabs)
}

func TestDeckPlaceholderClosedDuringNavigateOpensTab(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	h.trigger.onDeck = func(id string) {
		h.windows.Windows[0].CloseDuringNavigate()
		h.setDeckURL(id, "https://cdn/rendered.pptx")
	}

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	require.Equal(t, DeckOpened, res.Outcome)
	assert.Empty(t, h.windows.Windows[0].NavigatedURLs())
	assert.Equal(t, []string{"https://cdn/rendered.pptx"}, h.windows.Tabs)
}

func TestDeckJobDuringSubmissionKeepsContentProgress(t *testing.T) {
	h := newHarness(t)
	p := h.deps.Pipeline()
	p.PollMaxAttempts = 6
	p.ProgressHideDelayMS = 0
	h.deps.SetPipeline(p)
	h.fillForm()

	history := h.readyDraft(nil)
	h.trigger.onDeck = func(id string) { h.setDeckURL(id, "https://cdn/history.pptx") }

	var contentID string
	h.trigger.onContent = func(id string) { contentID = id }

	var deckRes DeckResult
	var during []ProgressUpdate
	h.onSleep = func(n int) {
		switch {
		case n == 1:
			// 内容轮询期间为历史草稿准备演示文稿
			deckRes = h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, history)
		case n < 4:
			during = append(during, h.session.Progress.Current())
		case n == 4:
			h.markReady(contentID, "https://cdn/deck.pptx")
		}
	}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitReady, res.Outcome, "%v", res.Err)
	assert.Equal(t, DeckOpened, deckRes.Outcome)
	assert.Equal(t, StageHidden, h.session.Progress.StageOf(JobDeck))
	require.Len(t, during, 2)
	for _, cur := range during {
		assert.True(t, cur.Visible)
		assert.Equal(t, JobContent, cur.Kind)
		assert.Equal(t, StagePolling, cur.Stage)
	}
}

func TestDeckWithoutWindowChannelStillReturnsURL(t *testing.T) {
	h := newHarness(t)
	h.windows.FailOpen = true
	draft := h.readyDraft(nil)
	h.trigger.onDeck = func(id string) { h.setDeckURL(id, "https://cdn/rendered.pptx") }

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckOpened, res.Outcome)
	assert.Equal(t, "https://cdn/rendered.pptx", res.URL)
}

func TestDeckTimeoutClosesPlaceholder(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckQueued, res.Outcome)
	assert.Equal(t, 2, h.sleepCount())
	require.Len(t, h.windows.Windows, 1)
	assert.Equal(t, 1, h.windows.Windows[0].CloseCalls())
	assert.Empty(t, h.windows.Windows[0].NavigatedURLs())
	assert.Equal(t, StageQueued, h.session.Progress.Stage())
	assert.Equal(t, NoticeStillProcessing, h.lastNotice().Title)
}

func TestDeckTriggerErrorClosesPlaceholder(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	h.trigger.err = errors.New("renderer down")

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Equal(t, 1, h.windows.Windows[0].CloseCalls())
	assert.Equal(t, StageError, h.session.Progress.Stage())
	n := h.lastNotice()
	assert.Equal(t, NoticeUnableToPrepare, n.Title)
	assert.Equal(t, NoticeDestructive, n.Variant)
	h.requireEvents(EventDeckStarted, EventDeckFailed)
}

func TestDeckSingleFlight(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	release, ok := h.deps.Locks.TryLock(deckFlightKey(h.session))
	require.True(t, ok)
	defer release()

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)

	assert.Equal(t, DeckRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrJobInFlight)
	assert.Equal(t, NoticePleaseWait, h.lastNotice().Title)
	windows, _ := h.windows.Counts()
	assert.Zero(t, windows)
}

func TestDeckSecondRequestAfterCompletion(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	h.trigger.onDeck = func(id string) { h.setDeckURL(id, "https://cdn/rendered.pptx") }

	first := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)
	require.Equal(t, DeckOpened, first.Outcome)

	// 标志已释放，重新读取的记录走快速路径
	fresh, err := h.store.GetByID(h.ctx, testWorkspace, draft.ID)
	require.NoError(t, err)
	second := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, fresh)
	assert.Equal(t, DeckFastPath, second.Outcome)
	_, deckCalls := h.trigger.calls()
	assert.Equal(t, 1, deckCalls)
}

func TestDeckUpdatesCachedDraftAndSnapshotDeck(t *testing.T) {
	h := newHarness(t)
	draft := h.readyDraft(nil)
	require.NoError(t, h.svc.Lifecycle.SelectClient(h.ctx, h.session, testClient, "Acme"))
	require.NotNil(t, h.session.Snapshot())
	h.trigger.onDeck = func(id string) { h.setDeckURL(id, "https://cdn/rendered.pptx") }

	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, draft)
	require.Equal(t, DeckOpened, res.Outcome)

	cached, ok := h.session.CachedDraft(draft.ID)
	require.True(t, ok)
	assert.Equal(t, "https://cdn/rendered.pptx", cached.DeckURL())
	view := h.session.View(false)
	require.NotNil(t, view.Deck)
	assert.Equal(t, "https://cdn/rendered.pptx", view.Deck.StorageURL)
}

func TestDeckNilDraft(t *testing.T) {
	h := newHarness(t)
	res := h.svc.Deck.HandleDownloadDeck(h.ctx, h.session, nil)
	assert.Equal(t, DeckRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrDraftNotFound)
}
