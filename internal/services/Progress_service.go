// internal/services/Progress_service.go
package services

import (
	"sync"
	"time"
)

// ProgressStage 进度阶段，空字符串表示隐藏
type ProgressStage string

const (
	StageHidden       ProgressStage = ""
	StageInitializing ProgressStage = "initializing"
	StagePolling      ProgressStage = "polling"
	StageLaunching    ProgressStage = "launching"
	StageQueued       ProgressStage = "queued"
	StageError        ProgressStage = "error"
)

// IsTerminal 终态阶段在展示一段时间后隐藏
func (s ProgressStage) IsTerminal() bool {
	return s == StageLaunching || s == StageQueued || s == StageError
}

// JobKind 任务类型
type JobKind string

const (
	JobContent JobKind = "content"
	JobDeck    JobKind = "deck"
)

type stageCopy struct {
	Title    string
	Message  string
	Progress int
}

// 阶段 → 文案映射
var progressCopy = map[JobKind]map[ProgressStage]stageCopy{
	JobDeck: {
		StageInitializing: {"Preparing presentation", "Opening a window for your deck…", 10},
		StagePolling:      {"Rendering presentation", "This can take up to a minute.", 40},
		StageLaunching:    {"Presentation ready", "Opening your deck…", 100},
		StageQueued:       {"Still processing", "We'll keep rendering. Check back shortly.", 100},
		StageError:        {"Unable to prepare presentation", "Something went wrong. Please try again.", 100},
	},
	JobContent: {
		StageInitializing: {"Saving proposal", "Saving your latest answers…", 10},
		StagePolling:      {"Generating proposal", "Drafting strategy and insights…", 40},
		StageLaunching:    {"Proposal ready", "Your proposal has been generated.", 100},
		StageQueued:       {"Proposal still generating", "We'll keep working on it in the background.", 100},
		StageError:        {"Generation failed", "Something went wrong. Please try again.", 100},
	},
}

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID   string        `json:"task_id"`
	Kind     JobKind       `json:"kind,omitempty"`
	Stage    ProgressStage `json:"stage"`
	Visible  bool          `json:"visible"`
	Title    string        `json:"title,omitempty"`
	Message  string        `json:"message,omitempty"`
	Progress int           `json:"progress"`
	At       time.Time     `json:"at"`
}

// ProgressTracker 一个会话的进度状态，阶段只由调用方写入
// 内容与演示文稿任务各占一个槽位，互不覆盖；展示最近更新的可见槽位
type ProgressTracker struct {
	TaskID      string
	slots       map[JobKind]*progressSlot
	subscribers map[chan ProgressUpdate]bool
	seq         uint64
	closed      bool
	mutex       sync.Mutex
}

type progressSlot struct {
	stage      ProgressStage
	updateTime time.Time
	order      uint64
	hideTimer  *time.Timer
	generation uint64 // 每次写入递增，过期的隐藏定时器据此失效
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建新的进度跟踪器，已存在时返回现有实例
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	tracker := &ProgressTracker{
		TaskID:      taskID,
		slots:       make(map[JobKind]*progressSlot),
		subscribers: make(map[chan ProgressUpdate]bool),
	}
	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// RemoveTracker 移除并关闭跟踪器
func (s *ProgressService) RemoveTracker(taskID string) {
	s.mutex.Lock()
	tracker, exists := s.trackers[taskID]
	delete(s.trackers, taskID)
	s.mutex.Unlock()

	if exists {
		tracker.Close()
	}
}

// SetStage 写入该任务的阶段，取消该任务尚未触发的隐藏
func (t *ProgressTracker) SetStage(kind JobKind, stage ProgressStage) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.setStageLocked(kind, stage)
}

func (t *ProgressTracker) slotLocked(kind JobKind) *progressSlot {
	slot, ok := t.slots[kind]
	if !ok {
		slot = &progressSlot{}
		t.slots[kind] = slot
	}
	return slot
}

func (t *ProgressTracker) setStageLocked(kind JobKind, stage ProgressStage) {
	slot := t.slotLocked(kind)
	if slot.hideTimer != nil {
		slot.hideTimer.Stop()
		slot.hideTimer = nil
	}
	t.seq++
	slot.generation++
	slot.order = t.seq
	slot.stage = stage
	slot.updateTime = time.Now()
	t.broadcastLocked()
}

// Hide 立即隐藏该任务
func (t *ProgressTracker) Hide(kind JobKind) {
	t.SetStage(kind, StageHidden)
}

// HideAfter 该任务终态展示 delay 后隐藏；delay<=0 立即隐藏
// 期间该任务若有新的 SetStage，本次隐藏作废；其他任务不受影响
func (t *ProgressTracker) HideAfter(kind JobKind, delay time.Duration) {
	if delay <= 0 {
		t.Hide(kind)
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	slot := t.slotLocked(kind)
	if slot.hideTimer != nil {
		slot.hideTimer.Stop()
	}
	gen := slot.generation
	slot.hideTimer = time.AfterFunc(delay, func() {
		t.mutex.Lock()
		defer t.mutex.Unlock()
		if slot.generation != gen || t.closed {
			return
		}
		slot.hideTimer = nil
		t.setStageLocked(kind, StageHidden)
	})
}

// Current 当前状态
func (t *ProgressTracker) Current() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

// Stage 当前展示的阶段
func (t *ProgressTracker) Stage() ProgressStage {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked().Stage
}

// StageOf 某个任务自己的阶段
func (t *ProgressTracker) StageOf(kind JobKind) ProgressStage {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if slot, ok := t.slots[kind]; ok {
		return slot.stage
	}
	return StageHidden
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	if t.closed {
		close(subscriber)
		return subscriber
	}
	t.subscribers[subscriber] = true
	subscriber <- t.snapshotLocked()
	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.subscribers[subscriber]; ok {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

// Close 关闭所有订阅
func (t *ProgressTracker) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, slot := range t.slots {
		if slot.hideTimer != nil {
			slot.hideTimer.Stop()
		}
	}
	for subscriber := range t.subscribers {
		close(subscriber)
	}
	t.subscribers = make(map[chan ProgressUpdate]bool)
}

// snapshotLocked 取最近更新的可见任务；都隐藏时返回隐藏状态
func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	update := ProgressUpdate{TaskID: t.TaskID, Stage: StageHidden}
	var shown *progressSlot
	for _, kind := range []JobKind{JobContent, JobDeck} {
		slot, ok := t.slots[kind]
		if !ok {
			continue
		}
		if slot.updateTime.After(update.At) {
			update.At = slot.updateTime
		}
		if slot.stage == StageHidden {
			continue
		}
		if shown == nil || slot.order > shown.order {
			shown = slot
			update.Kind = kind
		}
	}
	if shown == nil {
		return update
	}
	update.Stage = shown.stage
	update.Visible = true
	update.At = shown.updateTime
	if c, ok := progressCopy[update.Kind][update.Stage]; ok {
		update.Title = c.Title
		update.Message = c.Message
		update.Progress = c.Progress
	}
	return update
}

func (t *ProgressTracker) broadcastLocked() {
	if t.closed {
		return
	}
	update := t.snapshotLocked()
	for subscriber := range t.subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- update:
		default:
		}
	}
}
