package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
)

// 每次调用前进一秒的时钟，保证 UpdatedAt 有序
func steppingClock() func() time.Time {
	t := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

type storeFactory func(t *testing.T) DraftStore

func newMemoryStore(t *testing.T) DraftStore {
	s := NewMemoryDraftStore()
	s.SetClock(steppingClock())
	return s
}

func newFileStore(t *testing.T) DraftStore {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(fs.Close)
	s := NewFileDraftStore(fs)
	s.now = steppingClock()
	return s
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": newMemoryStore,
		"file":   newFileStore,
	}
}

func TestDraftStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			id, err := store.Create(ctx, models.CreateDraftRequest{
				WorkspaceID:  "ws1",
				OwnerID:      "u1",
				StepProgress: 2,
				FormData:     models.ProposalForm{"title": "Rebrand"},
				ClientID:     "c1",
				ClientName:   "Acme",
			})
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := store.GetByID(ctx, "ws1", id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, models.DraftStatusDraft, got.Status)
			assert.Equal(t, 2, got.StepProgress)
			assert.Equal(t, "Rebrand", got.FormData["title"])
			assert.Equal(t, "Acme", got.ClientName)

			missing, err := store.GetByID(ctx, "ws1", "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestDraftStore_UpdateAppliesPatch(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			id, err := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1", FormData: models.ProposalForm{"a": "1"}})
			require.NoError(t, err)

			err = store.Update(ctx, "ws1", id, models.DraftPatch{
				Status:           models.StatusPtr(models.DraftStatusReady),
				AISuggestions:    json.RawMessage(`{"headline":"x"}`),
				PresentationDeck: &models.PresentationDeck{StorageURL: "https://cdn/deck.pdf"},
			})
			require.NoError(t, err)

			got, err := store.GetByID(ctx, "ws1", id)
			require.NoError(t, err)
			assert.True(t, got.IsReady())
			assert.Equal(t, "https://cdn/deck.pdf", got.DeckURL())
			assert.JSONEq(t, `{"headline":"x"}`, string(got.AISuggestions))
			// 未出现在补丁中的字段保持不变
			assert.Equal(t, "1", got.FormData["a"])
			assert.True(t, got.UpdatedAt.After(got.CreatedAt))

			err = store.Update(ctx, "ws1", "missing", models.DraftPatch{StepProgress: models.IntPtr(1)})
			assert.ErrorIs(t, err, apperrors.ErrDraftNotFound)
		})
	}
}

func TestDraftStore_ListFiltersSortsAndLimits(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			first, _ := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1", ClientID: "c1"})
			second, _ := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1", ClientID: "c1"})
			_, _ = store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1", ClientID: "c2"})
			_, _ = store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "other", ClientID: "c1"})

			// 更新 first 使其成为最新
			require.NoError(t, store.Update(ctx, "ws1", first, models.DraftPatch{StepProgress: models.IntPtr(3)}))

			drafts, err := store.List(ctx, "ws1", "c1", 10)
			require.NoError(t, err)
			require.Len(t, drafts, 2)
			assert.Equal(t, first, drafts[0].ID)
			assert.Equal(t, second, drafts[1].ID)

			all, err := store.List(ctx, "ws1", "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			limited, err := store.List(ctx, "ws1", "", 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestDraftStore_Remove(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			id, err := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1"})
			require.NoError(t, err)

			require.NoError(t, store.Remove(ctx, "ws1", id))
			got, err := store.GetByID(ctx, "ws1", id)
			require.NoError(t, err)
			assert.Nil(t, got)

			assert.ErrorIs(t, store.Remove(ctx, "ws1", id), apperrors.ErrDraftNotFound)
		})
	}
}

func TestMemoryDraftStore_MutateSimulatesExternalWriter(t *testing.T) {
	store := NewMemoryDraftStore()
	ctx := context.Background()
	id, err := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: "ws1"})
	require.NoError(t, err)

	ok := store.Mutate("ws1", id, func(d *models.ProposalDraft) {
		d.PptURL = "https://legacy/deck.pptx"
	})
	require.True(t, ok)

	got, err := store.GetByID(ctx, "ws1", id)
	require.NoError(t, err)
	assert.Equal(t, "https://legacy/deck.pptx", got.DeckURL())
	assert.False(t, store.Mutate("ws1", "missing", func(*models.ProposalDraft) {}))
}

func TestFileDraftStore_SanitizesWorkspacePath(t *testing.T) {
	assert.Equal(t, "workspaces/___etc/drafts", draftsDir("../../etc"))
}

func TestPostgresDraftStore_Contract(t *testing.T) {
	url := os.Getenv("PROPOSALS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PROPOSALS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := ConnectPostgresDraftStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(ctx))

	ws := "test-" + time.Now().Format("150405.000000")
	id, err := store.Create(ctx, models.CreateDraftRequest{WorkspaceID: ws, ClientID: "c1", FormData: models.ProposalForm{"x": "y"}})
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, ws, id, models.DraftPatch{
		Status:           models.StatusPtr(models.DraftStatusReady),
		PresentationDeck: &models.PresentationDeck{StorageURL: "https://cdn/d.pdf"},
	}))

	got, err := store.GetByID(ctx, ws, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsReady())
	assert.Equal(t, "https://cdn/d.pdf", got.DeckURL())

	drafts, err := store.List(ctx, ws, "c1", 5)
	require.NoError(t, err)
	assert.Len(t, drafts, 1)

	require.NoError(t, store.Remove(ctx, ws, id))
	assert.ErrorIs(t, store.Remove(ctx, ws, id), apperrors.ErrDraftNotFound)
}

func TestPatchAssignments_OnlyTouchedColumns(t *testing.T) {
	sets, args, err := patchAssignments(models.DraftPatch{
		StepProgress: models.IntPtr(4),
		ClientName:   models.StringPtr("Acme"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"step_progress = $1", "client_name = $2", "updated_at = now()"}, sets)
	assert.Equal(t, []interface{}{4, "Acme"}, args)
}
