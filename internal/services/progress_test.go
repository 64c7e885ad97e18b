package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCopyByKind(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("ws:user")
	assert.Same(t, tracker, ps.CreateTracker("ws:user"))

	cur := tracker.Current()
	assert.False(t, cur.Visible)
	assert.Equal(t, StageHidden, cur.Stage)

	tracker.SetStage(JobDeck, StageInitializing)
	cur = tracker.Current()
	assert.True(t, cur.Visible)
	assert.Equal(t, "Preparing presentation", cur.Title)

	tracker.SetStage(JobDeck, StageQueued)
	assert.Equal(t, "Still processing", tracker.Current().Title)

	tracker.SetStage(JobContent, StageError)
	assert.Equal(t, "Generation failed", tracker.Current().Title)
	assert.Equal(t, 100, tracker.Current().Progress)
}

func TestProgressHideAfterDelay(t *testing.T) {
	tracker := NewProgressService().CreateTracker("t")
	tracker.SetStage(JobDeck, StageLaunching)
	tracker.HideAfter(JobDeck, 10*time.Millisecond)

	assert.Equal(t, StageLaunching, tracker.Stage())
	require.Eventually(t, func() bool { return tracker.Stage() == StageHidden }, time.Second, 2*time.Millisecond)
}

func TestProgressNewStageCancelsPendingHide(t *testing.T) {
	tracker := NewProgressService().CreateTracker("t")
	tracker.SetStage(JobDeck, StageError)
	tracker.HideAfter(JobDeck, 20*time.Millisecond)

	tracker.SetStage(JobDeck, StagePolling)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StagePolling, tracker.Stage())
}

func TestProgressJobsKeepSeparateStages(t *testing.T) {
	tracker := NewProgressService().CreateTracker("t")
	tracker.SetStage(JobContent, StagePolling)
	tracker.SetStage(JobDeck, StageLaunching)

	cur := tracker.Current()
	assert.Equal(t, JobDeck, cur.Kind)
	assert.Equal(t, "Presentation ready", cur.Title)

	// 演示文稿任务结束隐藏后，仍在进行的内容任务重新可见
	tracker.HideAfter(JobDeck, 0)
	cur = tracker.Current()
	assert.True(t, cur.Visible)
	assert.Equal(t, JobContent, cur.Kind)
	assert.Equal(t, StagePolling, cur.Stage)
	assert.Equal(t, "Generating proposal", cur.Title)
	assert.Equal(t, StageHidden, tracker.StageOf(JobDeck))

	tracker.SetStage(JobContent, StageLaunching)
	tracker.HideAfter(JobContent, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !tracker.Current().Visible }, time.Second, 2*time.Millisecond)
}

func TestProgressHideOnlyAffectsOwnJob(t *testing.T) {
	tracker := NewProgressService().CreateTracker("t")
	tracker.SetStage(JobContent, StageInitializing)
	tracker.SetStage(JobDeck, StageQueued)
	tracker.HideAfter(JobDeck, 10*time.Millisecond)

	tracker.SetStage(JobContent, StagePolling)
	require.Eventually(t, func() bool { return tracker.StageOf(JobDeck) == StageHidden }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StagePolling, tracker.Stage())
	assert.Equal(t, JobContent, tracker.Current().Kind)
}

func TestProgressHideAfterZeroHidesNow(t *testing.T) {
	tracker := NewProgressService().CreateTracker("t")
	tracker.SetStage(JobContent, StageQueued)
	tracker.HideAfter(JobContent, 0)
	assert.Equal(t, StageHidden, tracker.Stage())
}

func TestProgressSubscribe(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("t")
	tracker.SetStage(JobContent, StageInitializing)

	ch := tracker.Subscribe()
	first := <-ch
	assert.Equal(t, StageInitializing, first.Stage)

	tracker.SetStage(JobContent, StagePolling)
	next := <-ch
	assert.Equal(t, StagePolling, next.Stage)
	assert.Equal(t, "Generating proposal", next.Title)

	ps.RemoveTracker("t")
	_, open := <-ch
	assert.False(t, open)
	_, ok := ps.GetTracker("t")
	assert.False(t, ok)
}

func TestStageIsTerminal(t *testing.T) {
	assert.True(t, StageLaunching.IsTerminal())
	assert.True(t, StageQueued.IsTerminal())
	assert.True(t, StageError.IsTerminal())
	assert.False(t, StagePolling.IsTerminal())
	assert.False(t, StageHidden.IsTerminal())
}
