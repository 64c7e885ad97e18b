package services

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/storage"
)

func TestSubmitReadyWithDeckOnFirstPoll(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	h.trigger.onContent = func(id string) { h.markReady(id, "https://cdn/deck.pptx") }

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitReady, res.Outcome, "%v", res.Err)
	require.NotNil(t, res.Deck)
	assert.Equal(t, "https://cdn/deck.pptx", res.Deck.StorageURL)
	assert.Zero(t, h.sleepCount())

	view := h.session.View(false)
	assert.True(t, view.Submitted)
	assert.False(t, view.IsSubmitting)
	assert.Empty(t, view.ActiveDraftID)
	assert.Empty(t, view.Wizard.Form)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, res.DraftID, view.Snapshot.DraftID)
	assert.Equal(t, testClient, view.Snapshot.ClientID)
	assert.Equal(t, "Q3 retainer", view.Snapshot.Form["title"])
	assert.JSONEq(t, `{"summary":"ok"}`, string(view.Suggestions))
	require.NotNil(t, view.Deck)
	assert.Equal(t, "https://cdn/deck.pptx", view.Deck.StorageURL)
	assert.Equal(t, StageLaunching, view.Progress.Stage)

	n := h.lastNotice()
	assert.Equal(t, NoticeProposalReady, n.Title)
	assert.NotContains(t, n.Description, "still generating")

	h.requireEvents(EventGenerationStarted, EventGenerationCompleted)
	_, held := h.deps.Locks.CurrentLease(DraftLeaseKey(testWorkspace, res.DraftID))
	assert.False(t, held)
	assert.False(t, h.deps.Locks.IsLocked(submitFlightKey(h.session)))
}

func TestSubmitPersistsBeforeGenerating(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	require.NoError(t, h.svc.Lifecycle.Autosave(h.ctx, h.session))
	h.session.UpdateForm(map[string]interface{}{"title": "Final title"}, nil)

	var seenTitle interface{}
	var editAccepted bool
	h.trigger.onContent = func(id string) {
		rec, err := h.store.GetByID(context.Background(), testWorkspace, id)
		require.NoError(t, err)
		seenTitle = rec.FormData["title"]
		// 提交进行中表单被冻结
		editAccepted = h.session.UpdateForm(map[string]interface{}{"title": "late"}, nil)
		h.markReady(id, "https://cdn/deck.pptx")
	}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitReady, res.Outcome)
	assert.Equal(t, "Final title", seenTitle)
	assert.False(t, editAccepted)
}

func TestSubmitDeckAppearsAfterContent(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	var draftID string
	h.trigger.onContent = func(id string) {
		draftID = id
		h.markReady(id, "")
	}
	h.onSleep = func(n int) {
		if n == 1 {
			h.setDeckURL(draftID, "https://cdn/late.pptx")
		}
	}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitReady, res.Outcome)
	require.NotNil(t, res.Deck)
	assert.Equal(t, "https://cdn/late.pptx", res.Deck.StorageURL)
	assert.Equal(t, 1, h.sleepCount())

	// content 与 deck_after_content 两类轮询
	series, err := testutil.GatherAndCount(h.deps.Metrics.Registry(), "proposal_poll_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestSubmitReadyWithoutDeck(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	h.trigger.onContent = func(id string) { h.markReady(id, "") }

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitReady, res.Outcome)
	assert.Nil(t, res.Deck)
	// 演示文稿轮询预算 3 次，最后一次后不等待
	assert.Equal(t, 2, h.sleepCount())

	view := h.session.View(false)
	assert.True(t, view.Submitted)
	assert.Nil(t, view.Deck)
	n := h.lastNotice()
	assert.Equal(t, NoticeProposalReady, n.Title)
	assert.Contains(t, n.Description, "still generating")
}

func TestSubmitPendingWhenContentNeverReady(t *testing.T) {
	h := newHarness(t)
	h.fillForm()

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitPending, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, h.sleepCount())

	view := h.session.View(false)
	assert.False(t, view.Submitted)
	assert.False(t, view.IsSubmitting)
	assert.Nil(t, view.Snapshot)
	assert.Equal(t, res.DraftID, view.ActiveDraftID)
	assert.Equal(t, StageQueued, view.Progress.Stage)
	assert.Equal(t, NoticeStillGenerating, h.lastNotice().Title)
}

func TestSubmitHeartbeatRenewsLease(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	var owners []string
	h.onSleep = func(int) {
		id := h.session.ActiveDraftID()
		if lease, ok := h.deps.Locks.CurrentLease(DraftLeaseKey(testWorkspace, id)); ok {
			owners = append(owners, lease.OwnerID)
		}
	}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitPending, res.Outcome)
	assert.Equal(t, []string{h.session.Key, h.session.Key}, owners)
	_, held := h.deps.Locks.CurrentLease(DraftLeaseKey(testWorkspace, res.DraftID))
	assert.False(t, held)
}

func TestSubmitTriggerFailureClearsResults(t *testing.T) {
	h := newHarness(t)
	// 先有一个已完成的提案
	h.seed(models.DraftStatusReady, models.ProposalForm{"title": "earlier"}, func(d *models.ProposalDraft) {
		d.PresentationDeck = &models.PresentationDeck{StorageURL: "https://cdn/old.pptx"}
	})
	h.fillForm()
	require.True(t, h.session.View(false).Submitted)
	h.session.UpdateForm(map[string]interface{}{"title": "next"}, nil)
	h.trigger.err = errors.New("generator unreachable")

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitFailed, res.Outcome)
	require.Error(t, res.Err)

	view := h.session.View(false)
	assert.False(t, view.Submitted)
	assert.Nil(t, view.Snapshot)
	assert.Nil(t, view.Deck)
	assert.Nil(t, view.Suggestions)
	assert.Equal(t, StageError, view.Progress.Stage)

	n := h.lastNotice()
	assert.Equal(t, NoticeGenerationFailed, n.Title)
	assert.Equal(t, NoticeDestructive, n.Variant)
	h.requireEvents(EventGenerationStarted, EventGenerationFailed)
}

func TestSubmitStoreReadFailureDuringPoll(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	h.trigger.onContent = func(id string) {
		_ = h.store.Remove(context.Background(), testWorkspace, id)
	}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrDraftNotFound)
	assert.Equal(t, NoticeGenerationFailed, h.lastNotice().Title)
}

type failingUpdateStore struct {
	*storage.MemoryDraftStore
}

func (failingUpdateStore) Update(context.Context, string, string, models.DraftPatch) error {
	return apperrors.NewUnavailableError("写入草稿失败", errors.New("disk full"))
}

func TestSubmitPersistFailureNeverGenerates(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	h.deps.Store = failingUpdateStore{h.store}

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	require.Equal(t, SubmitFailed, res.Outcome)
	content, _ := h.trigger.calls()
	assert.Zero(t, content)

	n := h.lastNotice()
	assert.Equal(t, NoticeUnableToSave, n.Title)
	assert.Equal(t, NoticeDestructive, n.Variant)

	view := h.session.View(false)
	assert.Equal(t, "Q3 retainer", view.Wizard.Form["title"])
	assert.Equal(t, res.DraftID, view.ActiveDraftID)
	assert.Empty(t, h.sink.names())
}

func TestSubmitRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	release, ok := h.deps.Locks.TryLock(submitFlightKey(h.session))
	require.True(t, ok)
	defer release()

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	assert.Equal(t, SubmitRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrJobInFlight)
	assert.Equal(t, NoticePleaseWait, h.lastNotice().Title)
	assert.Empty(t, h.session.ActiveDraftID())
}

func TestSubmitRejectedWhenAnotherSessionHoldsLease(t *testing.T) {
	h := newHarness(t)
	h.fillForm()
	draftID, ok := h.svc.Lifecycle.EnsureDraftID(h.ctx, h.session)
	require.True(t, ok)
	_, err := h.deps.Locks.AcquireLease(DraftLeaseKey(testWorkspace, draftID), "ws-1:someone-else", h.deps.Config.LeaseTTL())
	require.NoError(t, err)

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	assert.Equal(t, SubmitRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, apperrors.ErrLeaseHeld)
	content, _ := h.trigger.calls()
	assert.Zero(t, content)
}

func TestSubmitEmptyFormRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Lifecycle.SelectClient(h.ctx, h.session, testClient, "Acme"))

	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)

	assert.Equal(t, SubmitRejected, res.Outcome)
	assert.Equal(t, NoticeDraftNotReady, h.lastNotice().Title)
	assert.False(t, h.session.View(false).IsSubmitting)
}

func submitReady(t *testing.T, h *harness) SubmissionResult {
	t.Helper()
	h.fillForm()
	h.trigger.onContent = func(id string) { h.markReady(id, "https://cdn/deck.pptx") }
	res := h.svc.Submission.SubmitProposal(h.ctx, h.session)
	require.Equal(t, SubmitReady, res.Outcome)
	return res
}

func TestContinueEditingFromSnapshot(t *testing.T) {
	h := newHarness(t)
	res := submitReady(t, h)

	require.NoError(t, h.svc.Submission.ContinueEditingFromSnapshot(h.ctx, h.session))

	view := h.session.View(false)
	assert.Equal(t, res.DraftID, view.ActiveDraftID)
	assert.Equal(t, "Q3 retainer", view.Wizard.Form["title"])
	assert.Equal(t, 2, view.Wizard.Step)
	assert.Nil(t, view.Snapshot)
	assert.False(t, view.Submitted)
	assert.Nil(t, view.Suggestions)
	// 已生成的演示文稿保留
	require.NotNil(t, view.Deck)

	rec, err := h.store.GetByID(h.ctx, testWorkspace, res.DraftID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusDraft, rec.Status)
}

func TestContinueEditingRejectsAfterClientSwitch(t *testing.T) {
	h := newHarness(t)
	res := submitReady(t, h)

	require.NoError(t, h.svc.Lifecycle.SelectClient(h.ctx, h.session, "client-2", "Globex"))
	before := h.session.View(false)
	require.NotNil(t, before.Snapshot)
	assert.False(t, before.Resumable)

	err := h.svc.Submission.ContinueEditingFromSnapshot(h.ctx, h.session)

	assert.ErrorIs(t, err, apperrors.ErrSnapshotClientMismatch)
	assert.Equal(t, NoticeClientChanged, h.lastNotice().Title)
	after := h.session.View(false)
	assert.Equal(t, before.Wizard, after.Wizard)
	assert.Equal(t, before.ActiveDraftID, after.ActiveDraftID)

	rec, err := h.store.GetByID(h.ctx, testWorkspace, res.DraftID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusReady, rec.Status)
}

func TestContinueEditingWithoutSnapshot(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Submission.ContinueEditingFromSnapshot(h.ctx, h.session)
	assert.ErrorIs(t, err, apperrors.ErrSnapshotMissing)
}
