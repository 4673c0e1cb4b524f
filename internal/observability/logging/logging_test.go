package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"ERROR": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		logger, err := New(in, "test")
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if !logger.Core().Enabled(want) {
			t.Errorf("New(%q) does not enable %s", in, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Errorf("New(%q) enables %s", in, want-1)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", "test"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
