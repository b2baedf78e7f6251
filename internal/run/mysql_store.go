package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PhonePilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录运行状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS run_states (
        id VARCHAR(64) PRIMARY KEY,
        instruction TEXT NOT NULL,
        device_id VARCHAR(255) NOT NULL,
        step_budget INT NOT NULL DEFAULT 25,
        locale VARCHAR(32) DEFAULT '',
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_final_status VARCHAR(32) DEFAULT '',
        result_reason VARCHAR(255) DEFAULT '',
        result_message TEXT,
        result_step_count INT NOT NULL DEFAULT 0,
        result_last_step INT NOT NULL DEFAULT -1,
        result_transcript VARCHAR(512) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_run_status (status),
        INDEX idx_run_device (device_id),
        INDEX idx_run_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_states 表失败")
	}
	return nil
}

const runColumns = `id, instruction, device_id, step_budget, locale, metadata, status, attempts, max_retries, last_error, error_code,
        result_final_status, result_reason, result_message, result_step_count, result_last_step, result_transcript, created_at, updated_at`

// Create 插入新的运行记录。
func (s *MySQLStore) Create(ctx context.Context, record *Run) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now

	metadataValue, err := marshalMetadata(record.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行 metadata 失败")
	}

	const stmt = `INSERT INTO run_states
        (id, instruction, device_id, step_budget, locale, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Instruction,
		record.DeviceID,
		record.StepBudget,
		record.Locale,
		metadataValue,
		record.Status,
		record.Attempts,
		record.MaxRetries,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_states WHERE id = ?`, id)
	record, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行失败")
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var record Run
	var outcome Outcome
	var metadata sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.Instruction,
		&record.DeviceID,
		&record.StepBudget,
		&record.Locale,
		&metadata,
		&record.Status,
		&record.Attempts,
		&record.MaxRetries,
		&record.LastError,
		&record.ErrorCode,
		&outcome.FinalStatus,
		&outcome.Reason,
		&outcome.Message,
		&outcome.StepCount,
		&outcome.LastStepIndex,
		&outcome.Transcript,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	record.Metadata = decoded
	if outcome.FinalStatus != "" {
		record.Result = &outcome
	}
	return &record, nil
}

// Claim 将运行标记为执行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	const updateStmt = `UPDATE run_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		record, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case record.Status == StatusCompleted || record.Status == StatusAborted:
			return record, ErrRunFinished
		case record.Status == StatusRunning || record.Status == StatusAwaitingConfirmation || record.Status == StatusAwaitingTakeover:
			return record, ErrRunConflict
		case record.Attempts >= record.MaxRetries:
			return record, ErrRunExhausted
		default:
			return record, ErrRunConflict
		}
	}
	return s.Get(ctx, id)
}

// SetGateState 切换等待人工决策的可见状态。
func (s *MySQLStore) SetGateState(ctx context.Context, id string, status Status) error {
	if status != StatusRunning && status != StatusAwaitingConfirmation && status != StatusAwaitingTakeover {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的门控状态: "+string(status))
	}
	const stmt = `UPDATE run_states SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		time.Now().Unix(),
		id,
		StatusRunning,
		StatusAwaitingConfirmation,
		StatusAwaitingTakeover,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新门控状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		record, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if Terminal(record.Status) {
			return ErrRunFinished
		}
		return ErrRunConflict
	}
	return nil
}

// MarkCompleted 将运行标记为完成。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, outcome Outcome) error {
	return s.finish(ctx, id, StatusCompleted, outcome)
}

// MarkAborted 将运行标记为干净中止。
func (s *MySQLStore) MarkAborted(ctx context.Context, id string, outcome Outcome) error {
	return s.finish(ctx, id, StatusAborted, outcome)
}

func (s *MySQLStore) finish(ctx context.Context, id string, status Status, outcome Outcome) error {
	const stmt = `UPDATE run_states SET status = ?, result_final_status = ?, result_reason = ?, result_message = ?,
        result_step_count = ?, result_last_step = ?, result_transcript = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		outcome.FinalStatus,
		outcome.Reason,
		outcome.Message,
		outcome.StepCount,
		outcome.LastStepIndex,
		outcome.Transcript,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行终态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkFailed 将运行标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE run_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// List 返回最近的运行。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM run_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	records := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) AS awaiting,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS aborted,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM run_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusRunning),
		string(StatusAwaitingConfirmation),
		string(StatusAwaitingTakeover),
		string(StatusCompleted),
		string(StatusAborted),
		string(StatusFailed),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats RunStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Awaiting,
		&stats.Completed,
		&stats.Aborted,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, opts.DeviceID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result_final_status <> ''")
		} else {
			conditions = append(conditions, "result_final_status = ''")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR instruction LIKE ? OR device_id LIKE ? OR last_error LIKE ? OR result_reason LIKE ? OR result_message LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
