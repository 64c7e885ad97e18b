// internal/storage/draft_store.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
)

// DraftStore 草稿持久化适配器，不包含业务逻辑
type DraftStore interface {
	Create(ctx context.Context, req models.CreateDraftRequest) (string, error)
	Update(ctx context.Context, workspaceID, draftID string, patch models.DraftPatch) error
	Remove(ctx context.Context, workspaceID, draftID string) error
	// List 按更新时间倒序返回，clientID 为空时不过滤
	List(ctx context.Context, workspaceID, clientID string, limit int) ([]models.ProposalDraft, error)
	// GetByID 记录不存在时返回 (nil, nil)
	GetByID(ctx context.Context, workspaceID, draftID string) (*models.ProposalDraft, error)
}

// newDraft 根据创建请求构造草稿记录
func newDraft(req models.CreateDraftRequest, now time.Time) *models.ProposalDraft {
	status := req.Status
	if !status.IsValid() {
		status = models.DraftStatusDraft
	}
	form := req.FormData.Clone()
	if form == nil {
		form = models.ProposalForm{}
	}
	return &models.ProposalDraft{
		ID:           uuid.NewString(),
		WorkspaceID:  req.WorkspaceID,
		OwnerID:      req.OwnerID,
		Status:       status,
		StepProgress: req.StepProgress,
		FormData:     form,
		ClientID:     req.ClientID,
		ClientName:   req.ClientName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// sortAndLimit 按 UpdatedAt 倒序（同一时间按 CreatedAt 倒序）并截断
func sortAndLimit(drafts []models.ProposalDraft, limit int) []models.ProposalDraft {
	sort.SliceStable(drafts, func(i, j int) bool {
		if drafts[i].UpdatedAt.Equal(drafts[j].UpdatedAt) {
			return drafts[i].CreatedAt.After(drafts[j].CreatedAt)
		}
		return drafts[i].UpdatedAt.After(drafts[j].UpdatedAt)
	})
	if limit > 0 && len(drafts) > limit {
		drafts = drafts[:limit]
	}
	return drafts
}

func validateKey(workspaceID, draftID string) error {
	if workspaceID == "" {
		return apperrors.NewValidationError("workspace_id 不能为空", nil)
	}
	if draftID == "" {
		return apperrors.NewValidationError("draft_id 不能为空", nil)
	}
	return nil
}

// MemoryDraftStore 进程内草稿存储
type MemoryDraftStore struct {
	mu     sync.RWMutex
	drafts map[string]map[string]*models.ProposalDraft // workspace -> id -> draft
	now    func() time.Time
}

// NewMemoryDraftStore 创建内存存储
func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{
		drafts: make(map[string]map[string]*models.ProposalDraft),
		now:    time.Now,
	}
}

// SetClock 替换时间源
func (s *MemoryDraftStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create 创建草稿
func (s *MemoryDraftStore) Create(ctx context.Context, req models.CreateDraftRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.WorkspaceID == "" {
		return "", apperrors.NewValidationError("workspace_id 不能为空", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := newDraft(req, s.now())
	ws, ok := s.drafts[req.WorkspaceID]
	if !ok {
		ws = make(map[string]*models.ProposalDraft)
		s.drafts[req.WorkspaceID] = ws
	}
	ws[draft.ID] = draft
	return draft.ID, nil
}

// Update 部分更新
func (s *MemoryDraftStore) Update(ctx context.Context, workspaceID, draftID string, patch models.DraftPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[workspaceID][draftID]
	if !ok {
		return fmt.Errorf("更新草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
	}
	patch.Apply(draft, s.now())
	return nil
}

// Remove 删除草稿
func (s *MemoryDraftStore) Remove(ctx context.Context, workspaceID, draftID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drafts[workspaceID][draftID]; !ok {
		return fmt.Errorf("删除草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
	}
	delete(s.drafts[workspaceID], draftID)
	return nil
}

// List 列出草稿
func (s *MemoryDraftStore) List(ctx context.Context, workspaceID, clientID string, limit int) ([]models.ProposalDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ProposalDraft
	for _, d := range s.drafts[workspaceID] {
		if clientID != "" && d.ClientID != clientID {
			continue
		}
		out = append(out, *d.Clone())
	}
	return sortAndLimit(out, limit), nil
}

// GetByID 按 id 读取
func (s *MemoryDraftStore) GetByID(ctx context.Context, workspaceID, draftID string) (*models.ProposalDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[workspaceID][draftID]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

// Mutate 直接修改记录，模拟外部生成服务写入结果
func (s *MemoryDraftStore) Mutate(workspaceID, draftID string, fn func(d *models.ProposalDraft)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[workspaceID][draftID]
	if !ok {
		return false
	}
	fn(d)
	d.UpdatedAt = s.now()
	return true
}
