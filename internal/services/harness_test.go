package services

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Corphon/ProposalPilot/internal/config"
	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/storage"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

const (
	testWorkspace = "ws-1"
	testOwner     = "user-1"
	testClient    = "client-1"
)

type recordingSink struct {
	mu     sync.Mutex
	events []AnalyticsEvent
}

func (r *recordingSink) Track(_ context.Context, e AnalyticsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

type recordingTrigger struct {
	mu        sync.Mutex
	content   []string
	deck      []string
	err       error
	onContent func(draftID string)
	onDeck    func(draftID string)
}

func (r *recordingTrigger) RequestContent(_ context.Context, d *models.ProposalDraft) error {
	r.mu.Lock()
	r.content = append(r.content, d.ID)
	hook, err := r.onContent, r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(d.ID)
	}
	return nil
}

func (r *recordingTrigger) RequestDeck(_ context.Context, d *models.ProposalDraft) error {
	r.mu.Lock()
	r.deck = append(r.deck, d.ID)
	hook, err := r.onDeck, r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(d.ID)
	}
	return nil
}

func (r *recordingTrigger) calls() (content, deck int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.content), len(r.deck)
}

// recordingWindowOpener 记录所有窗口操作
type recordingWindowOpener struct {
	mu       sync.Mutex
	Windows  []*recordingWindow
	Tabs     []string
	FailOpen bool
	nextID   int
}

func (o *recordingWindowOpener) OpenPlaceholder(context.Context) (PendingWindow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailOpen {
		return nil, apperrors.ErrWindowUnavailable
	}
	o.nextID++
	w := &recordingWindow{id: "win-" + strconv.Itoa(o.nextID)}
	o.Windows = append(o.Windows, w)
	return w, nil
}

func (o *recordingWindowOpener) OpenTab(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Tabs = append(o.Tabs, url)
	return nil
}

func (o *recordingWindowOpener) Counts() (windows, tabs int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Windows), len(o.Tabs)
}

type recordingWindow struct {
	mu         sync.Mutex
	id         string
	Document   string
	Navigated  []string
	closed     bool
	closeCalls int

	// closedOnNavigate 模拟导航前一刻用户关闭了窗口
	closedOnNavigate bool
}

func (w *recordingWindow) ID() string { return w.id }

func (w *recordingWindow) WriteDocument(html string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Document = html
	return nil
}

func (w *recordingWindow) NavigateTo(url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closedOnNavigate {
		w.closed = true
		return apperrors.ErrWindowUnavailable
	}
	w.Navigated = append(w.Navigated, url)
	return nil
}

func (w *recordingWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closeCalls++
	return nil
}

func (w *recordingWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *recordingWindow) CloseByUser() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *recordingWindow) CloseDuringNavigate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closedOnNavigate = true
}

func (w *recordingWindow) NavigatedURLs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.Navigated...)
}

func (w *recordingWindow) CloseCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCalls
}

// harness 内存存储 + 记录型触发器 + 不真正等待的 Sleeper
type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *storage.MemoryDraftStore
	trigger *recordingTrigger
	sink    *recordingSink
	windows *recordingWindowOpener
	deps    *PipelineDeps
	svc     *SessionService
	session *ProposalSession

	mu      sync.Mutex
	sleeps  int
	onSleep func(n int)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   storage.NewMemoryDraftStore(),
		trigger: &recordingTrigger{},
		sink:    &recordingSink{},
		windows: &recordingWindowOpener{},
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)

	h.deps = &PipelineDeps{
		Store:     h.store,
		Trigger:   h.trigger,
		Analytics: NewAnalyticsDispatcher(h.sink),
		Locks:     locks,
		Metrics:   utils.NewPipelineMetrics(),
		Config: config.PipelineConfig{
			PollIntervalMS:      1,
			PollMaxAttempts:     3,
			ProgressHideDelayMS: 60000,
			DraftListLimit:      20,
			LeaseTTLSeconds:     60,
		},
		Sleep: h.sleep,
	}
	h.svc = NewSessionService(h.deps)
	t.Cleanup(h.svc.Stop)

	h.session = h.svc.GetOrCreate(testWorkspace, testOwner)
	h.session.SetWindowOpener(h.windows)
	t.Cleanup(func() { h.svc.Progress.RemoveTracker(h.session.Key) })
	return h
}

func (h *harness) sleep(ctx context.Context, _ time.Duration) error {
	h.mu.Lock()
	h.sleeps++
	n, hook := h.sleeps, h.onSleep
	h.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (h *harness) sleepCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sleeps
}

// fillForm 选择客户并填入表单
func (h *harness) fillForm() {
	h.t.Helper()
	require.NoError(h.t, h.svc.Lifecycle.SelectClient(h.ctx, h.session, testClient, "Acme"))
	step := 2
	require.True(h.t, h.session.UpdateForm(map[string]interface{}{
		"title":  "Q3 retainer",
		"budget": 5000,
	}, &step))
}

// seed 直接写入一条草稿记录
func (h *harness) seed(status models.DraftStatus, form models.ProposalForm, mutate func(d *models.ProposalDraft)) string {
	h.t.Helper()
	id, err := h.store.Create(h.ctx, models.CreateDraftRequest{
		WorkspaceID:  testWorkspace,
		OwnerID:      testOwner,
		Status:       status,
		StepProgress: 1,
		FormData:     form,
		ClientID:     testClient,
		ClientName:   "Acme",
	})
	require.NoError(h.t, err)
	if mutate != nil {
		h.store.Mutate(testWorkspace, id, mutate)
	}
	return id
}

// markReady 模拟外部生成服务写入结果
func (h *harness) markReady(draftID, deckURL string) {
	h.store.Mutate(testWorkspace, draftID, func(d *models.ProposalDraft) {
		d.Status = models.DraftStatusReady
		d.AISuggestions = json.RawMessage(`{"summary":"ok"}`)
		if deckURL != "" {
			d.PresentationDeck = &models.PresentationDeck{StorageURL: deckURL}
		}
	})
}

func (h *harness) setDeckURL(draftID, url string) {
	h.store.Mutate(testWorkspace, draftID, func(d *models.ProposalDraft) {
		d.PresentationDeck = &models.PresentationDeck{StorageURL: url}
	})
}

func (h *harness) lastNotice() Notice {
	h.t.Helper()
	n, ok := h.session.Notices.Last()
	require.True(h.t, ok, "expected a notice")
	return n
}

func (h *harness) requireEvents(names ...string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got := h.sink.names()
		for _, want := range names {
			found := false
			for _, g := range got {
				if g == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}
