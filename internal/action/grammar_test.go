package action

import (
	"strings"
	"testing"
)

func TestParseDecisionStrict(t *testing.T) {
	raw := `{"thought":"桌面上有目标应用","action":{"type":"tap","x":120,"y":480}}`
	decision, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Thought != "桌面上有目标应用" {
		t.Fatalf("unexpected thought: %q", decision.Thought)
	}
	if decision.Action.Kind != KindTap || decision.Action.X != 120 || decision.Action.Y != 480 {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
}

func TestParseDecisionFencedOutput(t *testing.T) {
	raw := "```json\n{\"thought\":\"ok\",\"action\":{\"type\":\"launch\",\"package\":\"com.android.settings\"}}\n```"
	decision, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action.Kind != KindLaunch || decision.Action.Package != "com.android.settings" {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
}

func TestParseDecisionRepairsDrift(t *testing.T) {
	// 缺少收尾括号且带尾逗号，应走容错修复路径。
	raw := `{"thought":"继续","action":{"type":"key","code":4,}`
	decision, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action.Kind != KindKey || decision.Action.Code != 4 {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
}

func TestParseDecisionSurroundingProse(t *testing.T) {
	raw := `好的，下一步：{"thought":"输入搜索词","action":{"type":"text","text":"天气"}} 以上。`
	decision, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action.Kind != KindText || decision.Action.Text != "天气" {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	if _, err := ParseDecision("我无法确定下一步该做什么"); err == nil {
		t.Fatalf("expected parse error for non-JSON output")
	}
	if _, err := ParseDecision(""); err == nil {
		t.Fatalf("expected parse error for empty output")
	}
}

func TestParseDecisionRejectsUnknownKind(t *testing.T) {
	raw := `{"thought":"","action":{"type":"reboot"}}`
	if _, err := ParseDecision(raw); err == nil {
		t.Fatalf("expected error for unknown action kind")
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	cases := []Action{
		Tap(10, 20),
		Swipe(Point{X: 1, Y: 2}, Point{X: 300, Y: 400}),
		TextInput("你好"),
		KeyEvent(3),
		AppLaunch("com.example.app"),
		Wait(1500),
		Escalate("login"),
		Done(DoneSuccess, "已完成"),
	}
	for _, act := range cases {
		encoded, err := MarshalDecision(Decision{Thought: "t", Action: act})
		if err != nil {
			t.Fatalf("marshal %s: %v", act.Kind, err)
		}
		decoded, err := ParseDecision(encoded)
		if err != nil {
			t.Fatalf("parse %s: %v", act.Kind, err)
		}
		if !decoded.Action.Equal(act) {
			t.Fatalf("round trip mismatch for %s: %+v != %+v", act.Kind, decoded.Action, act)
		}
	}
}

func TestGrammarPromptListsAllKinds(t *testing.T) {
	kinds := []Kind{KindTap, KindSwipe, KindText, KindKey, KindLaunch, KindWait, KindEscalate, KindDone}
	for _, kind := range kinds {
		if !strings.Contains(GrammarPrompt, string(kind)) {
			t.Fatalf("grammar prompt missing kind %q", kind)
		}
	}
}
