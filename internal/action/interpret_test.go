package action

import (
	"errors"
	"testing"

	"PhonePilot/internal/apps"
	xerrors "PhonePilot/internal/errors"
)

var testProfile = DeviceProfile{
	Bounds:        Bounds{Width: 1080, Height: 2400},
	ExtendedInput: true,
}

func TestInterpretTapInBounds(t *testing.T) {
	act, err := Interpret(Tap(540, 1200), testProfile, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.Kind != KindTap || act.X != 540 {
		t.Fatalf("unexpected action: %+v", act)
	}
}

func TestInterpretTapOutOfBounds(t *testing.T) {
	_, err := Interpret(Tap(1080, 100), testProfile, nil)
	if err == nil {
		t.Fatalf("expected out of bounds error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeActionOutOfBounds {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestInterpretSwipeOutOfBounds(t *testing.T) {
	_, err := Interpret(Swipe(Point{X: 10, Y: 10}, Point{X: 10, Y: 9000}), testProfile, nil)
	if err == nil {
		t.Fatalf("expected out of bounds error")
	}
}

func TestInterpretTextWithoutExtendedInput(t *testing.T) {
	profile := testProfile
	profile.ExtendedInput = false

	act, err := Interpret(TextInput("hello"), profile, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.Kind != KindEscalate || act.Reason != "input-method" {
		t.Fatalf("expected input-method escalation, got %+v", act)
	}
}

func TestInterpretLaunchResolvesAppName(t *testing.T) {
	catalog := apps.NewCatalog([]apps.Entry{
		{Name: "设置", Package: "com.android.settings", Keywords: []string{"settings"}},
	})

	act, err := Interpret(AppLaunch("设置"), testProfile, catalog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.Package != "com.android.settings" {
		t.Fatalf("unexpected package: %q", act.Package)
	}
}

func TestInterpretLaunchUnknownName(t *testing.T) {
	_, err := Interpret(AppLaunch("不存在的应用"), testProfile, apps.NewCatalog(nil))
	if err == nil {
		t.Fatalf("expected error for unresolvable app name")
	}
}

func TestInterpretLaunchRawPackagePassesThrough(t *testing.T) {
	act, err := Interpret(AppLaunch("com.vendor.app"), testProfile, apps.NewCatalog(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.Package != "com.vendor.app" {
		t.Fatalf("unexpected package: %q", act.Package)
	}
}

func TestInterpretWaitTooLong(t *testing.T) {
	_, err := Interpret(Wait(120000), testProfile, nil)
	if err == nil {
		t.Fatalf("expected error for oversized wait")
	}
}

func TestInterpretRejectsMalformedVariant(t *testing.T) {
	var target *xerrors.Error
	_, err := Interpret(Action{Kind: KindLaunch}, testProfile, nil)
	if err == nil || !errors.As(err, &target) {
		t.Fatalf("expected coded error, got %v", err)
	}
}
