package transcript

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PhonePilot/internal/action"
	"PhonePilot/internal/agent"
	"PhonePilot/internal/device"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imageDir := filepath.Join(dir, "screens")

	writer, err := NewWriter(Config{Dir: dir, ImageDir: imageDir}, "run-1")
	if err != nil {
		t.Fatalf("创建轨迹写入器失败: %v", err)
	}

	task := agent.Task{Instruction: "打开设置", DeviceID: "dev-1", StepBudget: 25}
	writer.RunStarted(task)

	shot := &device.Screenshot{
		Data:    []byte{0x89, 0x50, 0x4e, 0x47},
		Format:  "png",
		Width:   1080,
		Height:  2400,
		TakenAt: time.Now(),
	}
	step := agent.Step{
		Index:      0,
		Screenshot: shot,
		Thought:    "需要先打开设置应用",
		Action:     action.Action{Kind: action.KindLaunch, Package: "com.android.settings"},
		Outcome:    "执行成功",
		Consuming:  true,
		At:         time.Now(),
	}
	writer.StepRecorded(step)

	writer.RunFinished(agent.RunResult{
		Status: agent.StatusCompleted,
		Steps:  []agent.Step{step},
		Reason: "已打开设置",
	})

	entries, err := ReadSession(dir, "run-1")
	if err != nil {
		t.Fatalf("读取轨迹失败: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.SessionID != "run-1" {
			t.Fatalf("unexpected session id: %s", entry.SessionID)
		}
		if entry.Timestamp == "" {
			t.Fatalf("timestamp must be set")
		}
	}

	var start SessionStart
	if err := json.Unmarshal(entries[0].Message, &start); err != nil {
		t.Fatalf("解析会话首条记录失败: %v", err)
	}
	if start.LogType != "session_start" || start.Task != "打开设置" || start.DeviceID != "dev-1" {
		t.Fatalf("unexpected session start: %+v", start)
	}

	var record StepRecord
	if err := json.Unmarshal(entries[1].Message, &record); err != nil {
		t.Fatalf("解析步骤记录失败: %v", err)
	}
	if record.Decision.Kind != string(action.KindLaunch) {
		t.Fatalf("unexpected action kind: %s", record.Decision.Kind)
	}
	if record.Decision.Outcome != "执行成功" || !record.Decision.Consuming {
		t.Fatalf("unexpected decision: %+v", record.Decision)
	}
	if record.Environment.Width != 1080 || record.Environment.Height != 2400 {
		t.Fatalf("unexpected environment: %+v", record.Environment)
	}

	imagePath := filepath.Join(imageDir, "run-1_step_1.png")
	if record.Environment.Image != imagePath {
		t.Fatalf("unexpected image reference: %s", record.Environment.Image)
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatalf("读取截图文件失败: %v", err)
	}
	if len(data) != len(shot.Data) {
		t.Fatalf("screenshot bytes mismatch: %d", len(data))
	}

	var end SessionEnd
	if err := json.Unmarshal(entries[2].Message, &end); err != nil {
		t.Fatalf("解析会话末条记录失败: %v", err)
	}
	if end.LogType != "session_end" || end.Status != string(agent.StatusCompleted) || end.Steps != 1 {
		t.Fatalf("unexpected session end: %+v", end)
	}
}

func TestWriterSkipsMissingScreenshot(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(Config{Dir: dir}, "run-2")
	if err != nil {
		t.Fatalf("创建轨迹写入器失败: %v", err)
	}
	defer writer.Close()

	writer.StepRecorded(agent.Step{
		Index:   0,
		Action:  action.Action{Kind: action.KindEscalate, Reason: "login"},
		Outcome: "人工接管完成",
	})

	entries, err := ReadSession(dir, "run-2")
	if err != nil {
		t.Fatalf("读取轨迹失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	var record StepRecord
	if err := json.Unmarshal(entries[0].Message, &record); err != nil {
		t.Fatalf("解析步骤记录失败: %v", err)
	}
	if record.Environment.Image != "" {
		t.Fatalf("escalation step must not reference an image: %s", record.Environment.Image)
	}
	if record.Decision.Consuming {
		t.Fatalf("escalation step must not consume budget")
	}
}

func TestSessionsOrdering(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"old", "new"} {
		writer, err := NewWriter(Config{Dir: dir}, id)
		if err != nil {
			t.Fatalf("创建轨迹写入器失败: %v", err)
		}
		writer.RunStarted(agent.Task{Instruction: "task", DeviceID: "dev-1"})
		writer.Close()
		// 文件系统时间戳粒度可能较粗。
		time.Sleep(10 * time.Millisecond)
	}

	ids, err := Sessions(dir, 10)
	if err != nil {
		t.Fatalf("列举轨迹失败: %v", err)
	}
	if len(ids) != 2 || ids[0] != "new" || ids[1] != "old" {
		t.Fatalf("unexpected ordering: %v", ids)
	}

	ids, err = Sessions(dir, 1)
	if err != nil {
		t.Fatalf("列举轨迹失败: %v", err)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("unexpected limited listing: %v", ids)
	}
}

func TestMemoryStepArchive(t *testing.T) {
	archive, err := NewMemoryStepArchive(t.TempDir())
	if err != nil {
		t.Fatalf("创建步骤归档失败: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		row := StepRow{
			RunID:      "run-1",
			StepIndex:  i,
			ActionKind: string(action.KindTap),
			ActionJSON: `{"type":"tap","x":10,"y":20}`,
			Outcome:    "执行成功",
			Consuming:  true,
			CreatedAt:  time.Now().Unix(),
		}
		if err := archive.Save(ctx, row); err != nil {
			t.Fatalf("保存步骤失败: %v", err)
		}
	}
	if err := archive.Save(ctx, StepRow{RunID: "run-2", ActionKind: string(action.KindKey)}); err != nil {
		t.Fatalf("保存步骤失败: %v", err)
	}

	rows, err := archive.ListLatest(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("查询步骤失败: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// 倒序：最新的步骤排在最前。
	if rows[0].StepIndex != 2 || rows[1].StepIndex != 1 {
		t.Fatalf("unexpected ordering: %+v", rows)
	}
	for _, row := range rows {
		if row.RunID != "run-1" {
			t.Fatalf("filter leaked foreign run: %+v", row)
		}
	}
}
