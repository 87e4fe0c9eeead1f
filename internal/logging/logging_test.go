package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, dev := range []bool{false, true} {
		l, err := New("warn", dev)
		if err != nil {
			t.Fatalf("New(warn, %v): %v", dev, err)
		}
		if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
			t.Errorf("development=%v: level not applied", dev)
		}
	}
	if _, err := New("chatty", false); err == nil {
		t.Error("New accepted an unknown level")
	}
}
