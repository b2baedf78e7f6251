package transcript

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// StepRow 表示一条步骤的落库结构，供审计查询使用。
type StepRow struct {
	RunID      string `json:"run_id"`
	StepIndex  int    `json:"step_index"`
	Thought    string `json:"thought"`
	ActionKind string `json:"action_kind"`
	ActionJSON string `json:"action_json"`
	Outcome    string `json:"outcome"`
	Note       string `json:"note"`
	Consuming  bool   `json:"consuming"`
	ImagePath  string `json:"image_path"`
	CreatedAt  int64  `json:"created_at"`
}

// StepArchive 抽象步骤数据的持久化接口。
type StepArchive interface {
	Save(ctx context.Context, row StepRow) error
	ListLatest(ctx context.Context, runID string, limit int) ([]StepRow, error)
}

// MemoryStepArchive 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryStepArchive struct {
	mu       sync.RWMutex
	dataFile string
	rows     []StepRow
}

// NewMemoryStepArchive 创建一个内存步骤归档。
func NewMemoryStepArchive(dataDir string) (*MemoryStepArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "steps.log")
	archive := &MemoryStepArchive{dataFile: path}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Save 以追加写的方式记录步骤。
func (m *MemoryStepArchive) Save(_ context.Context, row StepRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开步骤日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("序列化步骤记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入步骤日志失败: %w", err)
	}

	m.rows = append([]StepRow{row}, m.rows...)
	if len(m.rows) > 2048 {
		m.rows = m.rows[:2048]
	}
	return nil
}

// ListLatest 返回某次运行最近的步骤记录，按时间倒序排列。
func (m *MemoryStepArchive) ListLatest(_ context.Context, runID string, limit int) ([]StepRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	results := make([]StepRow, 0, limit)
	for _, row := range m.rows {
		if runID != "" && row.RunID != runID {
			continue
		}
		results = append(results, row)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryStepArchive) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取步骤日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []StepRow
	for scanner.Scan() {
		var row StepRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		restored = append([]StepRow{row}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析步骤日志失败: %w", err)
	}

	if len(restored) > 2048 {
		restored = restored[:2048]
	}
	if len(restored) > 0 {
		m.rows = restored
	}
	return nil
}

// SQLStepArchive 使用真实的 MySQL 数据库存储步骤信息。
type SQLStepArchive struct {
	db *sql.DB
}

// NewSQLStepArchive 创建连接池并初始化数据表。
func NewSQLStepArchive(dsn string) (*SQLStepArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	archive := &SQLStepArchive{db: db}
	if err := archive.initSchema(); err != nil {
		return nil, err
	}
	return archive, nil
}

func (s *SQLStepArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS run_steps (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        run_id VARCHAR(64) NOT NULL,
        step_index INT NOT NULL,
        thought TEXT NOT NULL,
        action_kind VARCHAR(32) NOT NULL,
        action_json TEXT NOT NULL,
        outcome VARCHAR(255) DEFAULT '',
        note TEXT NOT NULL,
        consuming TINYINT(1) NOT NULL DEFAULT 1,
        image_path VARCHAR(512) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_run_id (run_id),
        INDEX idx_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 run_steps 表失败: %w", err)
	}
	return nil
}

// Save 将步骤记录写入 MySQL。
func (s *SQLStepArchive) Save(ctx context.Context, row StepRow) error {
	const stmt = `INSERT INTO run_steps
        (run_id, step_index, thought, action_kind, action_json, outcome, note, consuming, image_path, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		row.RunID,
		row.StepIndex,
		row.Thought,
		row.ActionKind,
		row.ActionJSON,
		row.Outcome,
		row.Note,
		row.Consuming,
		row.ImagePath,
		row.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询某次运行最近的若干条步骤记录。
func (s *SQLStepArchive) ListLatest(ctx context.Context, runID string, limit int) ([]StepRow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT run_id, step_index, thought, action_kind, action_json, outcome, note, consuming, image_path, created_at
        FROM run_steps`
	args := make([]any, 0, 2)
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %w", err)
	}
	defer rows.Close()

	var results []StepRow
	for rows.Next() {
		var row StepRow
		if err := rows.Scan(&row.RunID, &row.StepIndex, &row.Thought, &row.ActionKind, &row.ActionJSON, &row.Outcome, &row.Note, &row.Consuming, &row.ImagePath, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析步骤记录失败: %w", err)
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历步骤记录失败: %w", err)
	}

	return results, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStepArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
