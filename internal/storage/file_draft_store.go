// internal/storage/file_draft_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

const draftFileSuffix = ".json"

// FileDraftStore 基于 FileStorage 的草稿存储
// 路径: workspaces/<workspace>/drafts/<id>.json
type FileDraftStore struct {
	fs  *FileStorage
	now func() time.Time

	// Update 是读-改-写，按草稿加锁避免同进程内丢失更新
	draftLocks sync.Map
}

// NewFileDraftStore 创建文件草稿存储
func NewFileDraftStore(fs *FileStorage) *FileDraftStore {
	return &FileDraftStore{fs: fs, now: time.Now}
}

func draftsDir(workspaceID string) string {
	return filepath.Join("workspaces", sanitizeSegment(workspaceID), "drafts")
}

// sanitizeSegment 防止路径穿越
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return strings.ReplaceAll(s, "\\", "_")
}

func (s *FileDraftStore) lockFor(workspaceID, draftID string) *sync.Mutex {
	v, _ := s.draftLocks.LoadOrStore(workspaceID+"/"+draftID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create 创建草稿
func (s *FileDraftStore) Create(ctx context.Context, req models.CreateDraftRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.WorkspaceID == "" {
		return "", apperrors.NewValidationError("workspace_id 不能为空", nil)
	}

	draft := newDraft(req, s.now())
	if err := s.fs.SaveJSONFile(draftsDir(req.WorkspaceID), draft.ID+draftFileSuffix, draft); err != nil {
		return "", apperrors.NewUnavailableError("创建草稿失败", err)
	}
	return draft.ID, nil
}

// Update 部分更新，最后写入者生效
func (s *FileDraftStore) Update(ctx context.Context, workspaceID, draftID string, patch models.DraftPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}

	lock := s.lockFor(workspaceID, draftID)
	lock.Lock()
	defer lock.Unlock()

	draft, err := s.load(workspaceID, draftID)
	if err != nil {
		return err
	}
	if draft == nil {
		return fmt.Errorf("更新草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
	}

	patch.Apply(draft, s.now())
	if err := s.fs.SaveJSONFile(draftsDir(workspaceID), sanitizeSegment(draftID)+draftFileSuffix, draft); err != nil {
		return apperrors.NewUnavailableError("保存草稿失败", err)
	}
	return nil
}

// Remove 删除草稿
func (s *FileDraftStore) Remove(ctx context.Context, workspaceID, draftID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}

	lock := s.lockFor(workspaceID, draftID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.fs.DeleteFile(draftsDir(workspaceID), sanitizeSegment(draftID)+draftFileSuffix); err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return fmt.Errorf("删除草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
		}
		return apperrors.NewUnavailableError("删除草稿失败", err)
	}
	s.draftLocks.Delete(workspaceID + "/" + draftID)
	return nil
}

// List 列出草稿
func (s *FileDraftStore) List(ctx context.Context, workspaceID, clientID string, limit int) ([]models.ProposalDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := s.fs.ListFiles(draftsDir(workspaceID), draftFileSuffix)
	if err != nil {
		return nil, apperrors.NewUnavailableError("列出草稿失败", err)
	}

	drafts := make([]models.ProposalDraft, 0, len(files))
	for _, name := range files {
		draft, err := s.load(workspaceID, strings.TrimSuffix(name, draftFileSuffix))
		if err != nil {
			// 单个损坏文件不影响列表
			utils.GetLogger().Warn("跳过无法读取的草稿文件", utils.Fields{
				"workspace_id": workspaceID,
				"file":         name,
				"error":        err.Error(),
			})
			continue
		}
		if draft == nil || (clientID != "" && draft.ClientID != clientID) {
			continue
		}
		drafts = append(drafts, *draft)
	}
	return sortAndLimit(drafts, limit), nil
}

// GetByID 按 id 读取
func (s *FileDraftStore) GetByID(ctx context.Context, workspaceID, draftID string) (*models.ProposalDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(workspaceID, draftID); err != nil {
		return nil, err
	}
	return s.load(workspaceID, draftID)
}

func (s *FileDraftStore) load(workspaceID, draftID string) (*models.ProposalDraft, error) {
	var draft models.ProposalDraft
	err := s.fs.LoadJSONFile(draftsDir(workspaceID), sanitizeSegment(draftID)+draftFileSuffix, &draft)
	if errors.Is(err, ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewUnavailableError("读取草稿失败", err)
	}
	return &draft, nil
}
