package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "opsnotify/internal/transport"
	logx "opsnotify/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText short = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 8)
	if len(got) != 2 {
		t.Fatalf("chunks = %d (%q), want 2", len(got), got)
	}
	if got[0] != strings.Repeat("a", 6) || got[1] != strings.Repeat("b", 6) {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestClassifyForbidden(t *testing.T) {
	t.Parallel()
	if err := classify(tele.ErrBlockedByUser); !errors.Is(err, kit.ErrForbidden) {
		t.Fatalf("blocked by user should map to ErrForbidden, got %v", err)
	}
	other := errors.New("telegram: Bad Request: chat not found (400)")
	if err := classify(other); errors.Is(err, kit.ErrForbidden) {
		t.Fatalf("400 must not map to ErrForbidden")
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
