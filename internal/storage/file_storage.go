// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/ProposalPilot/internal/utils"
)

// ErrFileNotFound 文件不存在
var ErrFileNotFound = errors.New("文件不存在")

// FileStorage 提供 JSON 文档存储：原子写入、文件级锁、读缓存
type FileStorage struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 简单缓存
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileStorage 创建文件存储服务
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 200,
		stopCleanup:  make(chan struct{}),
	}

	// 启动缓存清理
	go fs.cacheCleanupLoop(2 * time.Minute)

	return fs, nil
}

// Close 停止后台缓存清理
func (fs *FileStorage) Close() {
	fs.stopOnce.Do(func() { close(fs.stopCleanup) })
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveJSONFile 原子写入 JSON 文档（tmp + rename）
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	fullDirPath := filepath.Join(fs.BaseDir, dirPath)
	fullPath := filepath.Join(fullDirPath, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fullDirPath, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("清理临时文件失败", utils.Fields{"path": tempPath, "error": removeErr.Error()})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)
	return nil
}

// LoadJSONFile 读取并解析 JSON 文档，文件不存在时返回 ErrFileNotFound
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := fs.loadFile(filepath.Join(fs.BaseDir, dirPath, filename))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

func (fs *FileStorage) loadFile(fullPath string) ([]byte, error) {
	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	// 双重检查缓存
	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fullPath)
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)
	return content, nil
}

// DeleteFile 删除文件
func (fs *FileStorage) DeleteFile(dirPath, filename string) error {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			fs.invalidateCache(fullPath)
			return fmt.Errorf("%w: %s", ErrFileNotFound, fullPath)
		}
		return fmt.Errorf("删除文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// ListFiles 列出目录下指定后缀的文件名；目录不存在返回空列表
func (fs *FileStorage) ListFiles(dirPath, suffix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, dirPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// FileExists 检查文件是否存在
func (fs *FileStorage) FileExists(dirPath, filename string) bool {
	_, err := os.Stat(filepath.Join(fs.BaseDir, dirPath, filename))
	return err == nil
}

func (fs *FileStorage) cached(path string) ([]byte, bool) {
	fs.cacheMutex.RLock()
	defer fs.cacheMutex.RUnlock()
	entry, exists := fs.cache[path]
	if !exists || time.Since(entry.Timestamp) >= fs.cacheExpiry {
		return nil, false
	}
	return entry.Data, true
}

func (fs *FileStorage) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{Data: data, Timestamp: time.Now()}
	if len(fs.cache) > fs.maxCacheSize {
		fs.evictOldestLocked(len(fs.cache) - fs.maxCacheSize)
	}
}

func (fs *FileStorage) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()
	delete(fs.cache, path)
}

func (fs *FileStorage) cacheCleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.cleanupExpiredCache()
		case <-fs.stopCleanup:
			return
		}
	}
}

func (fs *FileStorage) cleanupExpiredCache() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
		}
	}
}

// evictOldestLocked 按时间戳淘汰最旧的 n 个条目，调用方持有 cacheMutex
func (fs *FileStorage) evictOldestLocked(n int) {
	type keyAge struct {
		key string
		ts  time.Time
	}
	entries := make([]keyAge, 0, len(fs.cache))
	for key, entry := range fs.cache {
		entries = append(entries, keyAge{key, entry.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for i := 0; i < n && i < len(entries); i++ {
		delete(fs.cache, entries[i].key)
	}
}
