// internal/storage/postgres_draft_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
)

const draftSchema = `
CREATE TABLE IF NOT EXISTS proposal_drafts (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL,
	owner_id          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'draft',
	step_progress     INTEGER NOT NULL DEFAULT 0,
	form_data         JSONB NOT NULL DEFAULT '{}'::jsonb,
	ai_suggestions    JSONB,
	ai_insights       JSONB,
	presentation_deck JSONB,
	ppt_url           TEXT NOT NULL DEFAULT '',
	client_id         TEXT NOT NULL DEFAULT '',
	client_name       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_autosave_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS proposal_drafts_ws_client_updated
	ON proposal_drafts (workspace_id, client_id, updated_at DESC);
`

const draftColumns = `id, workspace_id, owner_id, status, step_progress, form_data,
	ai_suggestions, ai_insights, presentation_deck, ppt_url, client_id, client_name,
	created_at, updated_at, last_autosave_at`

// PostgresDraftStore 基于 pgxpool 的草稿存储
type PostgresDraftStore struct {
	db *pgxpool.Pool
}

// ConnectPostgresDraftStore 连接数据库并确认可达
func ConnectPostgresDraftStore(ctx context.Context, connString string) (*PostgresDraftStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("解析数据库地址失败: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("数据库不可达: %w", err)
	}

	return &PostgresDraftStore{db: pool}, nil
}

// EnsureSchema 创建表和索引
func (s *PostgresDraftStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, draftSchema); err != nil {
		return fmt.Errorf("创建 proposal_drafts 表失败: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (s *PostgresDraftStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Create 创建草稿
func (s *PostgresDraftStore) Create(ctx context.Context, req models.CreateDraftRequest) (string, error) {
	if req.WorkspaceID == "" {
		return "", apperrors.NewValidationError("workspace_id 不能为空", nil)
	}
	status := req.Status
	if !status.IsValid() {
		status = models.DraftStatusDraft
	}
	form, err := json.Marshal(nonNilForm(req.FormData))
	if err != nil {
		return "", fmt.Errorf("序列化表单失败: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO proposal_drafts (id, workspace_id, owner_id, status, step_progress, form_data, client_id, client_name)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		id, req.WorkspaceID, req.OwnerID, string(status), req.StepProgress, string(form), req.ClientID, req.ClientName)
	if err != nil {
		return "", apperrors.NewUnavailableError("创建草稿失败", err)
	}
	return id, nil
}

// Update 部分更新，只写入补丁中出现的列
func (s *PostgresDraftStore) Update(ctx context.Context, workspaceID, draftID string, patch models.DraftPatch) error {
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}

	query, args, err := updateStatement(workspaceID, draftID, patch)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return apperrors.NewUnavailableError("保存草稿失败", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("更新草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
	}
	return nil
}

// updateStatement 补丁列在前，workspace_id 与 id 占最后两个参数
func updateStatement(workspaceID, draftID string, patch models.DraftPatch) (string, []interface{}, error) {
	sets, args, err := patchAssignments(patch)
	if err != nil {
		return "", nil, err
	}
	args = append(args, workspaceID, draftID)
	query := fmt.Sprintf("UPDATE proposal_drafts SET %s WHERE workspace_id = $%d AND id = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))
	return query, args, nil
}

// patchAssignments 生成 SET 子句，updated_at 总是刷新
func patchAssignments(p models.DraftPatch) ([]string, []interface{}, error) {
	var sets []string
	var args []interface{}
	add := func(col, cast string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
	}

	if p.Status != nil {
		add("status", "", string(*p.Status))
	}
	if p.StepProgress != nil {
		add("step_progress", "", *p.StepProgress)
	}
	if p.FormData != nil {
		b, err := json.Marshal(p.FormData)
		if err != nil {
			return nil, nil, fmt.Errorf("序列化表单失败: %w", err)
		}
		add("form_data", "::jsonb", string(b))
	}
	if p.PresentationDeck != nil {
		b, err := json.Marshal(p.PresentationDeck)
		if err != nil {
			return nil, nil, fmt.Errorf("序列化演示文稿失败: %w", err)
		}
		add("presentation_deck", "::jsonb", string(b))
	}
	if p.AISuggestions != nil {
		add("ai_suggestions", "::jsonb", string(p.AISuggestions))
	}
	if p.AIInsights != nil {
		add("ai_insights", "::jsonb", string(p.AIInsights))
	}
	if p.ClientID != nil {
		add("client_id", "", *p.ClientID)
	}
	if p.ClientName != nil {
		add("client_name", "", *p.ClientName)
	}
	if p.LastAutosaveAt != nil {
		add("last_autosave_at", "", *p.LastAutosaveAt)
	}
	sets = append(sets, "updated_at = now()")
	return sets, args, nil
}

// Remove 删除草稿
func (s *PostgresDraftStore) Remove(ctx context.Context, workspaceID, draftID string) error {
	if err := validateKey(workspaceID, draftID); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM proposal_drafts WHERE workspace_id = $1 AND id = $2", workspaceID, draftID)
	if err != nil {
		return apperrors.NewUnavailableError("删除草稿失败", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("删除草稿 %s: %w", draftID, apperrors.ErrDraftNotFound)
	}
	return nil
}

// List 列出草稿
func (s *PostgresDraftStore) List(ctx context.Context, workspaceID, clientID string, limit int) ([]models.ProposalDraft, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+draftColumns+` FROM proposal_drafts
		WHERE workspace_id = $1 AND ($2 = '' OR client_id = $2)
		ORDER BY updated_at DESC, created_at DESC
		LIMIT $3`, workspaceID, clientID, limit)
	if err != nil {
		return nil, apperrors.NewUnavailableError("列出草稿失败", err)
	}
	defer rows.Close()

	var drafts []models.ProposalDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewUnavailableError("列出草稿失败", err)
	}
	return drafts, nil
}

// GetByID 按 id 读取
func (s *PostgresDraftStore) GetByID(ctx context.Context, workspaceID, draftID string) (*models.ProposalDraft, error) {
	if err := validateKey(workspaceID, draftID); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+draftColumns+` FROM proposal_drafts WHERE workspace_id = $1 AND id = $2`,
		workspaceID, draftID)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func scanDraft(row pgx.Row) (*models.ProposalDraft, error) {
	var (
		d                          models.ProposalDraft
		status                     string
		form, suggestions, insight []byte
		deck                       []byte
	)
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.OwnerID, &status, &d.StepProgress, &form,
		&suggestions, &insight, &deck, &d.PptURL, &d.ClientID, &d.ClientName,
		&d.CreatedAt, &d.UpdatedAt, &d.LastAutosaveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.NewUnavailableError("读取草稿失败", err)
	}

	d.Status = models.DraftStatus(status)
	if len(form) > 0 {
		if err := json.Unmarshal(form, &d.FormData); err != nil {
			return nil, fmt.Errorf("解析表单失败: %w", err)
		}
	}
	if len(deck) > 0 && string(deck) != "null" {
		d.PresentationDeck = &models.PresentationDeck{}
		if err := json.Unmarshal(deck, d.PresentationDeck); err != nil {
			return nil, fmt.Errorf("解析演示文稿失败: %w", err)
		}
	}
	d.AISuggestions = rawColumn(suggestions)
	d.AIInsights = rawColumn(insight)
	return &d, nil
}

// rawColumn SQL NULL 与 JSON null 都视为未生成
func rawColumn(b []byte) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.RawMessage(b)
}

func nonNilForm(f models.ProposalForm) models.ProposalForm {
	if f == nil {
		return models.ProposalForm{}
	}
	return f
}
