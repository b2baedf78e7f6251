package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rollingFile 是按大小滚动的文件写入器。
// 滚动时当前文件改名为 <path>.1，旧备份依次后移，超龄备份被清理。
type rollingFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	written  int64
	limit    int64
	backups  int
	lifetime time.Duration
}

func newRollingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rollingFile, error) {
	if path == "" {
		return nil, errors.New("滚动日志路径不能为空")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &rollingFile{
		path:     path,
		limit:    int64(maxSizeMB) << 20,
		backups:  maxBackups,
		lifetime: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	if r.limit > 0 && r.written+int64(len(p)) > r.limit {
		if err := r.roll(); err != nil {
			return 0, err
		}
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.written = 0
	return err
}

// open 惰性打开目标文件并记录现有大小，追加写入跨进程重启仍正确计数。
func (r *rollingFile) open() error {
	if r.file != nil {
		return nil
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("读取审计日志信息失败: %w", err)
	}
	r.file = file
	r.written = info.Size()
	return nil
}

func (r *rollingFile) roll() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.written = 0

	if r.backups <= 0 {
		_ = os.Remove(r.path)
		return nil
	}
	// 从最旧的备份开始后移，腾出 .1 给当前文件。
	for i := r.backups - 1; i >= 1; i-- {
		older := r.backupName(i)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, r.backupName(i+1))
		}
	}
	if _, err := os.Stat(r.path); err == nil {
		_ = os.Rename(r.path, r.backupName(1))
	}
	r.pruneExpired()
	return nil
}

func (r *rollingFile) backupName(index int) string {
	return fmt.Sprintf("%s.%d", r.path, index)
}

func (r *rollingFile) pruneExpired() {
	if r.lifetime <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.lifetime)
	for i := 1; i <= r.backups; i++ {
		name := r.backupName(i)
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}
