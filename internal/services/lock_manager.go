// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/models"
)

// LeaseListener 租约变化回调；lease 为 nil 表示释放或过期
type LeaseListener func(key string, lease *models.Lease)

// LockManager 单飞标志与跨会话租约管理
type LockManager struct {
	locks      map[string]*LockInfo
	leases     map[string]models.Lease
	listeners  []LeaseListener
	globalLock sync.Mutex
	lockTTL    time.Duration
	now        func() time.Time

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// LockInfo 单飞标志
type LockInfo struct {
	Held     bool
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		locks:   make(map[string]*LockInfo),
		leases:  make(map[string]models.Lease),
		lockTTL: 30 * time.Minute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	// 启动清理器
	lm.startCleanup(time.Minute)
	return lm
}

// TryLock 非阻塞获取单飞标志；已被持有时 ok=false
// release 可重复调用
func (lm *LockManager) TryLock(key string) (release func(), ok bool) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.locks[key]
	if !exists {
		info = &LockInfo{}
		lm.locks[key] = info
	}
	if info.Held {
		return func() {}, false
	}
	info.Held = true
	info.LastUsed = lm.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.globalLock.Lock()
			defer lm.globalLock.Unlock()
			if cur, ok := lm.locks[key]; ok {
				cur.Held = false
				cur.LastUsed = lm.now()
			}
		})
	}, true
}

// IsLocked 标志是否被持有
func (lm *LockManager) IsLocked(key string) bool {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	info, ok := lm.locks[key]
	return ok && info.Held
}

// OnLeaseChange 注册租约变化回调
func (lm *LockManager) OnLeaseChange(fn LeaseListener) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	lm.listeners = append(lm.listeners, fn)
}

// AcquireLease 获取或续期租约；其他持有者的未过期租约返回 ErrLeaseHeld
func (lm *LockManager) AcquireLease(key, ownerID string, ttl time.Duration) (models.Lease, error) {
	lm.globalLock.Lock()
	now := lm.now()
	if cur, ok := lm.leases[key]; ok && !cur.Expired(now) && cur.OwnerID != ownerID {
		lm.globalLock.Unlock()
		return cur, apperrors.ErrLeaseHeld
	}
	lease := models.Lease{Key: key, OwnerID: ownerID, ExpiresAt: now.Add(ttl)}
	lm.leases[key] = lease
	listeners := lm.snapshotListenersLocked()
	lm.globalLock.Unlock()

	notify(listeners, key, &lease)
	return lease, nil
}

// RenewLease 心跳续期，只有当前持有者可以续期
func (lm *LockManager) RenewLease(key, ownerID string, ttl time.Duration) (models.Lease, error) {
	lm.globalLock.Lock()
	now := lm.now()
	cur, ok := lm.leases[key]
	if !ok || !cur.HeldBy(ownerID, now) {
		lm.globalLock.Unlock()
		return cur, apperrors.ErrLeaseHeld
	}
	cur.ExpiresAt = now.Add(ttl)
	lm.leases[key] = cur
	listeners := lm.snapshotListenersLocked()
	lm.globalLock.Unlock()

	notify(listeners, key, &cur)
	return cur, nil
}

// ReleaseLease 释放租约，非持有者调用无效
func (lm *LockManager) ReleaseLease(key, ownerID string) {
	lm.globalLock.Lock()
	cur, ok := lm.leases[key]
	if !ok || cur.OwnerID != ownerID {
		lm.globalLock.Unlock()
		return
	}
	delete(lm.leases, key)
	listeners := lm.snapshotListenersLocked()
	lm.globalLock.Unlock()

	notify(listeners, key, nil)
}

// CurrentLease 当前有效租约
func (lm *LockManager) CurrentLease(key string) (models.Lease, bool) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	cur, ok := lm.leases[key]
	if !ok || cur.Expired(lm.now()) {
		return models.Lease{}, false
	}
	return cur, true
}

// Stop 停止清理器
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() {
		close(lm.stop)
		if lm.cleanupTicker != nil {
			lm.cleanupTicker.Stop()
		}
	})
}

func (lm *LockManager) snapshotListenersLocked() []LeaseListener {
	out := make([]LeaseListener, len(lm.listeners))
	copy(out, lm.listeners)
	return out
}

func notify(listeners []LeaseListener, key string, lease *models.Lease) {
	for _, fn := range listeners {
		fn(key, lease)
	}
}

// 定期清理未使用的标志和过期租约
func (lm *LockManager) startCleanup(every time.Duration) {
	lm.cleanupTicker = time.NewTicker(every)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanup()
			case <-lm.stop:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanup() {
	lm.globalLock.Lock()
	now := lm.now()
	for key, info := range lm.locks {
		if !info.Held && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.locks, key)
		}
	}
	var expired []string
	for key, lease := range lm.leases {
		if lease.Expired(now) {
			delete(lm.leases, key)
			expired = append(expired, key)
		}
	}
	listeners := lm.snapshotListenersLocked()
	lm.globalLock.Unlock()

	for _, key := range expired {
		notify(listeners, key, nil)
	}
}
