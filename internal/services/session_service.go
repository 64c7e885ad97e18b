// internal/services/session_service.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/models"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// SessionService 会话注册表，并持有三个编排器
type SessionService struct {
	Lifecycle  *DraftLifecycleService
	Submission *SubmissionService
	Deck       *DeckService
	Progress   *ProgressService

	deps     *PipelineDeps
	sessions map[string]*ProposalSession
	mutex    sync.RWMutex
	maxIdle  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionService 创建会话服务
func NewSessionService(deps *PipelineDeps) *SessionService {
	deps.withDefaults()
	lifecycle := NewDraftLifecycleService(deps)
	svc := &SessionService{
		Lifecycle:  lifecycle,
		Submission: NewSubmissionService(deps, lifecycle),
		Deck:       NewDeckService(deps),
		Progress:   NewProgressService(),
		deps:       deps,
		sessions:   make(map[string]*ProposalSession),
		maxIdle:    2 * time.Hour,
		stop:       make(chan struct{}),
	}

	deps.Locks.OnLeaseChange(func(key string, lease *models.Lease) {
		if lease == nil {
			deps.Logger.Debug("生成租约已释放", utils.Fields{"lease": key})
			return
		}
		deps.Logger.Debug("生成租约更新", utils.Fields{
			"lease":      key,
			"owner":      lease.OwnerID,
			"expires_at": lease.ExpiresAt.Format(time.RFC3339),
		})
	})
	return svc
}

// Deps 共享依赖
func (svc *SessionService) Deps() *PipelineDeps {
	return svc.deps
}

// GetOrCreate 获取会话，不存在时创建
func (svc *SessionService) GetOrCreate(workspaceID, ownerID string) *ProposalSession {
	key := SessionKey(workspaceID, ownerID)

	svc.mutex.RLock()
	s, ok := svc.sessions[key]
	svc.mutex.RUnlock()
	if ok {
		s.touch()
		return s
	}

	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	if s, ok := svc.sessions[key]; ok {
		s.touch()
		return s
	}
	s = newProposalSession(workspaceID, ownerID, svc.Progress.CreateTracker(key))
	svc.sessions[key] = s
	svc.deps.Metrics.SetActiveSessions(len(svc.sessions))
	svc.deps.Logger.Info("创建提案会话", utils.Fields{"workspace_id": workspaceID, "owner_id": ownerID})
	return s
}

// OnConfigChanged 设置页更新流水线参数后立即生效
func (svc *SessionService) OnConfigChanged(_, newConfig *config.AppConfig) {
	if newConfig == nil {
		return
	}
	svc.deps.SetPipeline(newConfig.Pipeline)
	svc.deps.Logger.Info("流水线参数已更新", utils.Fields{
		"poll_interval_ms":  newConfig.Pipeline.PollIntervalMS,
		"poll_max_attempts": newConfig.Pipeline.PollMaxAttempts,
	})
}

// Get 获取已有会话
func (svc *SessionService) Get(workspaceID, ownerID string) (*ProposalSession, bool) {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	s, ok := svc.sessions[SessionKey(workspaceID, ownerID)]
	return s, ok
}

// Count 当前会话数
func (svc *SessionService) Count() int {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	return len(svc.sessions)
}

// StartCleanup 定期清理空闲会话
func (svc *SessionService) StartCleanup(every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				svc.EvictIdle(time.Now())
			case <-svc.stop:
				return
			}
		}
	}()
}

// EvictIdle 移除超过 maxIdle 未访问且没有任务的会话
func (svc *SessionService) EvictIdle(now time.Time) int {
	svc.mutex.Lock()
	var evicted []string
	for key, s := range svc.sessions {
		if now.Sub(s.idleSince()) <= svc.maxIdle {
			continue
		}
		if svc.deps.Locks.IsLocked(submitFlightKey(s)) || svc.deps.Locks.IsLocked(deckFlightKey(s)) {
			continue
		}
		delete(svc.sessions, key)
		evicted = append(evicted, key)
	}
	svc.deps.Metrics.SetActiveSessions(len(svc.sessions))
	svc.mutex.Unlock()

	for _, key := range evicted {
		svc.Progress.RemoveTracker(key)
	}
	if len(evicted) > 0 {
		svc.deps.Logger.Info("清理空闲会话", utils.Fields{"count": len(evicted)})
	}
	return len(evicted)
}

// Stop 停止后台任务
func (svc *SessionService) Stop() {
	svc.stopOnce.Do(func() {
		close(svc.stop)
	})
}
