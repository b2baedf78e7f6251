package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadSession 读取指定运行的完整轨迹。
func ReadSession(dir, runID string) ([]Entry, error) {
	path := filepath.Join(dir, runID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开轨迹文件失败: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	// 单行可能携带较长的决策文本。
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("解析轨迹行失败: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取轨迹文件失败: %w", err)
	}
	return entries, nil
}

// Sessions 返回目录下最近的运行轨迹，按修改时间倒序。
func Sessions(dir string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("扫描轨迹目录失败: %w", err)
	}

	type session struct {
		id    string
		mtime int64
	}
	sessions := make([]session, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		sessions = append(sessions, session{id: id, mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].mtime > sessions[j].mtime
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.id)
	}
	return ids, nil
}
