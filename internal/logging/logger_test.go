package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	for _, testCase := range []struct {
		level    string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{level: "debug", enabled: zapcore.DebugLevel},
		{level: "", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{level: " WARNING ", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{level: "error", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		{level: "verbose", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
	} {
		logger, err := NewLogger(testCase.level, "json")
		if err != nil {
			testContext.Fatalf("level %q: %v", testCase.level, err)
		}
		core := logger.Core()
		if !core.Enabled(testCase.enabled) {
			testContext.Fatalf("level %q should enable %s", testCase.level, testCase.enabled)
		}
		if testCase.level != "debug" && core.Enabled(testCase.disabled) {
			testContext.Fatalf("level %q should disable %s", testCase.level, testCase.disabled)
		}
	}
}

func TestNewLoggerFormats(testContext *testing.T) {
	if _, err := NewLogger("info", "xml"); err == nil {
		testContext.Fatalf("expected unknown format error")
	}
	if _, err := NewLogger("info", "console"); err != nil {
		testContext.Fatalf("console format failed: %v", err)
	}
}
