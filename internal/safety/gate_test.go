package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"PhonePilot/internal/action"
	"PhonePilot/internal/apps"
)

func paymentRules() *RuleTable {
	return NewRuleTable(
		Rule{
			Name:        "payment-launch",
			Description: "启动支付类应用",
			Kinds:       []string{"launch"},
			Categories:  []string{"payment"},
		},
		Rule{
			Name:     "blocked-package",
			Kinds:    []string{"launch"},
			Packages: []string{"com.bank.app"},
		},
	)
}

func paymentCatalog() *apps.Catalog {
	return apps.NewCatalog([]apps.Entry{
		{Name: "支付宝", Package: "com.eg.android.AlipayGphone", Category: "payment"},
		{Name: "设置", Package: "com.android.settings", Category: "system"},
	})
}

func TestClassifySensitiveByCategory(t *testing.T) {
	gate := NewGate(paymentRules(), paymentCatalog())

	rule, sensitive := gate.Classify(action.AppLaunch("com.eg.android.AlipayGphone"), "")
	if !sensitive || rule.Name != "payment-launch" {
		t.Fatalf("expected payment rule, got %+v sensitive=%v", rule, sensitive)
	}
}

func TestClassifySensitiveByPackage(t *testing.T) {
	gate := NewGate(paymentRules(), paymentCatalog())

	if _, sensitive := gate.Classify(action.AppLaunch("com.bank.app"), ""); !sensitive {
		t.Fatalf("expected package rule to match")
	}
}

func TestClassifyBenign(t *testing.T) {
	gate := NewGate(paymentRules(), paymentCatalog())

	if _, sensitive := gate.Classify(action.AppLaunch("com.android.settings"), ""); sensitive {
		t.Fatalf("settings launch must not be sensitive")
	}
	if _, sensitive := gate.Classify(action.Tap(10, 10), ""); sensitive {
		t.Fatalf("plain tap must not be sensitive")
	}
}

func TestClassifyByForegroundApp(t *testing.T) {
	table := NewRuleTable(Rule{
		Name:       "payment-input",
		Kinds:      []string{"text", "tap"},
		Categories: []string{"payment"},
	})
	gate := NewGate(table, paymentCatalog())

	rule, sensitive := gate.Classify(action.TextInput("转账 1000 元"), "com.eg.android.AlipayGphone")
	if !sensitive || rule.Name != "payment-input" {
		t.Fatalf("text inside a payment app must be sensitive, got %+v sensitive=%v", rule, sensitive)
	}
	if _, sensitive := gate.Classify(action.Tap(540, 1200), "com.eg.android.AlipayGphone"); !sensitive {
		t.Fatalf("tap inside a payment app must be sensitive")
	}
	// 前台是非敏感分类的应用时不得命中。
	if _, sensitive := gate.Classify(action.TextInput("天气"), "com.android.settings"); sensitive {
		t.Fatalf("text inside a system app must not be sensitive")
	}
	// 前台未知时分类约束不生效。
	if _, sensitive := gate.Classify(action.TextInput("天气"), ""); sensitive {
		t.Fatalf("unknown foreground must not match category rules")
	}
}

func TestConfirmInvokedExactlyOnce(t *testing.T) {
	gate := NewGate(paymentRules(), paymentCatalog())
	calls := 0
	confirm := func(ctx context.Context, description string) (bool, error) {
		calls++
		if description == "" {
			t.Fatalf("description must not be empty")
		}
		return false, nil
	}

	approved, err := gate.Confirm(context.Background(), action.AppLaunch("com.bank.app"), Rule{Name: "blocked-package"}, confirm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved {
		t.Fatalf("expected denial")
	}
	if calls != 1 {
		t.Fatalf("confirm callback must run exactly once, ran %d times", calls)
	}
}

func TestAwaitTakeoverBlocksUntilDone(t *testing.T) {
	done := false
	err := AwaitTakeover(context.Background(), "login", func(ctx context.Context, reason string) error {
		if reason != "login" {
			t.Fatalf("unexpected reason: %q", reason)
		}
		done = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("takeover callback must have completed")
	}
}

func TestLoadRulesFromYAML(t *testing.T) {
	content := `version: 2
rules:
  - name: payment
    description: 支付操作
    kinds: [launch, text]
    categories: [payment]
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	table, err := LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Version != 2 || len(table.Rules) != 1 || table.Rules[0].Name != "payment" {
		t.Fatalf("unexpected table: %+v", table)
	}
}

func TestLoadRulesRejectsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatalf("expected error for missing version")
	}
}
