package run

import (
	"context"
	"testing"
)

func TestSubmitAppliesDefaultLocale(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3, 25, WithDefaultLocale("zh-CN"))

	record, err := service.Submit(context.Background(), SubmitRequest{
		Instruction: "打开设置",
		DeviceID:    "dev-1",
	})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}
	if record.Locale != "zh-CN" {
		t.Fatalf("unspecified locale must fall back to the default, got %q", record.Locale)
	}

	record, err = service.Submit(context.Background(), SubmitRequest{
		Instruction: "open settings",
		DeviceID:    "dev-1",
		Locale:      "en-US",
	})
	if err != nil {
		t.Fatalf("提交运行失败: %v", err)
	}
	if record.Locale != "en-US" {
		t.Fatalf("explicit locale must win over the default, got %q", record.Locale)
	}
}
