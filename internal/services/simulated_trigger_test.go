package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/storage"
)

func TestSimulatedTriggerMarksReadyThenRendersDeck(t *testing.T) {
	store := storage.NewMemoryDraftStore()
	ctx := context.Background()
	id, err := store.Create(ctx, models.CreateDraftRequest{
		WorkspaceID: "ws",
		OwnerID:     "u",
		ClientID:    "c1",
		FormData:    models.ProposalForm{"title": "Retainer"},
	})
	require.NoError(t, err)
	draft, err := store.GetByID(ctx, "ws", id)
	require.NoError(t, err)

	trigger := NewSimulatedTrigger(store, 0)
	require.NoError(t, trigger.RequestContent(ctx, draft))
	trigger.Wait()

	rec, err := store.GetByID(ctx, "ws", id)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusReady, rec.Status)
	assert.Contains(t, string(rec.AISuggestions), "Proposal for Retainer")
	assert.Equal(t, "https://decks.local/ws/"+id+".pptx", rec.DeckURL())
}
