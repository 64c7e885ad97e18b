// internal/services/config_service.go
package services

import (
	"errors"
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/config"
)

// ConfigService 提供运行时配置管理：流水线参数的读取、更新、变更历史与审计
type ConfigService struct {
	// 缓存最近获取的配置，减少反复访问底层存储
	cachedConfig *config.AppConfig

	// 配置更新时间
	lastUpdated time.Time

	// 配置变更事件订阅者
	subscribers []ConfigChangeSubscriber

	// 配置历史记录
	changeHistory []ConfigChangeRecord

	// 互斥锁保护内部状态
	mu sync.RWMutex

	// 配置访问审计
	auditEnabled bool
	auditLog     []ConfigAuditEntry
}

// ConfigChangeSubscriber 配置变更订阅者接口
type ConfigChangeSubscriber interface {
	OnConfigChanged(oldConfig, newConfig *config.AppConfig)
}

// ConfigChangeRecord 配置变更记录
type ConfigChangeRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	ChangedBy string      `json:"changed_by"`
	Section   string      `json:"section"`
	OldValue  interface{} `json:"old_value"`
	NewValue  interface{} `json:"new_value"`
}

// ConfigAuditEntry 配置访问审计条目
type ConfigAuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // "read", "write"
	Section   string    `json:"section"`
	User      string    `json:"user"`
}

const maxConfigRecords = 1000

// NewConfigService 创建配置服务实例
func NewConfigService() *ConfigService {
	return &ConfigService{
		cachedConfig:  config.GetCurrentConfig(),
		lastUpdated:   time.Now(),
		subscribers:   make([]ConfigChangeSubscriber, 0),
		changeHistory: make([]ConfigChangeRecord, 0, 100),
		auditLog:      make([]ConfigAuditEntry, 0, 100),
	}
}

// GetCurrentConfig 获取当前配置
func (s *ConfigService) GetCurrentConfig(user string) *config.AppConfig {
	s.recordAudit("read", "全局配置", user)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedConfig == nil {
		s.cachedConfig = config.GetCurrentConfig()
	}
	cfg := *s.cachedConfig
	return &cfg
}

// GetPipelineConfig 获取流水线参数
func (s *ConfigService) GetPipelineConfig(user string) config.PipelineConfig {
	return s.GetCurrentConfig(user).Pipeline
}

// UpdatePipelineConfig 校验并持久化流水线参数，成功后通知订阅者
func (s *ConfigService) UpdatePipelineConfig(p config.PipelineConfig, changedBy string) error {
	if changedBy == "" {
		return errors.New("changedBy 不能为空")
	}

	oldConfig := s.GetCurrentConfig(changedBy)
	s.recordAudit("write", "流水线参数", changedBy)

	if err := config.UpdatePipelineConfig(p); err != nil {
		return err
	}

	newConfig := config.GetCurrentConfig()
	s.mu.Lock()
	s.cachedConfig = newConfig
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	s.recordChange("流水线参数", oldConfig.Pipeline, newConfig.Pipeline, changedBy)
	s.notifySubscribers(oldConfig, newConfig)
	return nil
}

// LastUpdated 缓存最近一次刷新时间
func (s *ConfigService) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// SubscribeToChanges 订阅配置变更事件
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 取消配置变更订阅
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// notifySubscribers 同步通知，更新接口返回时新参数已生效
func (s *ConfigService) notifySubscribers(oldConfig, newConfig *config.AppConfig) {
	s.mu.RLock()
	subscribers := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber.OnConfigChanged(oldConfig, newConfig)
	}
}

// GetChangeHistory 获取最近的配置变更
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]ConfigChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

// recordChange 记录配置变更
func (s *ConfigService) recordChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 限制历史记录数量，避免无限增长
	if len(s.changeHistory) >= maxConfigRecords {
		s.changeHistory = s.changeHistory[1:]
	}
	s.changeHistory = append(s.changeHistory, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

// EnableAudit 启用配置访问审计
func (s *ConfigService) EnableAudit(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditEnabled = enabled
}

// GetAuditLog 获取配置访问审计日志；未启用审计时返回 nil
func (s *ConfigService) GetAuditLog(limit int) []ConfigAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.auditEnabled {
		return nil
	}
	if limit <= 0 || limit > len(s.auditLog) {
		limit = len(s.auditLog)
	}

	entries := make([]ConfigAuditEntry, limit)
	copy(entries, s.auditLog[len(s.auditLog)-limit:])
	return entries
}

// recordAudit 记录配置访问
func (s *ConfigService) recordAudit(action, section, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.auditEnabled {
		return
	}
	if len(s.auditLog) >= maxConfigRecords {
		s.auditLog = s.auditLog[1:]
	}
	s.auditLog = append(s.auditLog, ConfigAuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Section:   section,
		User:      user,
	})
}
