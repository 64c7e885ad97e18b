// internal/services/simulated_trigger.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/storage"
)

// SimulatedTrigger 本地演示生成器：延迟后直接改写内存存储中的记录
type SimulatedTrigger struct {
	Store       *storage.MemoryDraftStore
	Delay       time.Duration
	DeckBaseURL string

	wg sync.WaitGroup
}

// NewSimulatedTrigger 创建演示生成器
func NewSimulatedTrigger(store *storage.MemoryDraftStore, delay time.Duration) *SimulatedTrigger {
	return &SimulatedTrigger{Store: store, Delay: delay, DeckBaseURL: "https://decks.local"}
}

// RequestContent 延迟后标记为 ready 并写入建议与洞察，再过一个延迟补上演示文稿
func (t *SimulatedTrigger) RequestContent(ctx context.Context, draft *models.ProposalDraft) error {
	ws, id := draft.WorkspaceID, draft.ID
	title, _ := draft.FormData["title"].(string)
	clientName := draft.ClientName
	t.after(func() {
		suggestions, _ := json.Marshal(map[string]interface{}{
			"summary":    fmt.Sprintf("Proposal for %s", title),
			"next_steps": []string{"Review scope", "Confirm budget"},
		})
		insights, _ := json.Marshal(map[string]interface{}{
			"client": clientName,
			"risk":   "low",
		})
		t.Store.Mutate(ws, id, func(d *models.ProposalDraft) {
			d.Status = models.DraftStatusReady
			d.AISuggestions = suggestions
			d.AIInsights = insights
			d.PresentationDeck = &models.PresentationDeck{Status: "rendering"}
		})
		t.RequestDeck(ctx, draft)
	})
	return nil
}

// RequestDeck 延迟后写入演示文稿地址
func (t *SimulatedTrigger) RequestDeck(_ context.Context, draft *models.ProposalDraft) error {
	ws, id := draft.WorkspaceID, draft.ID
	url := fmt.Sprintf("%s/%s/%s.pptx", t.DeckBaseURL, ws, id)
	t.after(func() {
		t.Store.Mutate(ws, id, func(d *models.ProposalDraft) {
			d.PresentationDeck = &models.PresentationDeck{StorageURL: url, Status: "complete"}
		})
	})
	return nil
}

// Wait 等待所有延迟写入完成
func (t *SimulatedTrigger) Wait() {
	t.wg.Wait()
}

func (t *SimulatedTrigger) after(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.Delay > 0 {
			time.Sleep(t.Delay)
		}
		fn()
	}()
}
