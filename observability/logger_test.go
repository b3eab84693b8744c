package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"peerlink/config"
)

func TestSetupLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "peerlink.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	logger.Named("link").Debug("session connected", zap.String("role", "listener"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	line := string(raw)
	for _, want := range []string{`"msg":"session connected"`, `"logger":"link"`, `"role":"listener"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in log output, got %s", want, line)
		}
	}
}

func TestSetupLoggerRotatedFile(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "info",
		Outputs: []string{"file"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	logger.Info("hello")
	logger.Debug("filtered")
	_ = logger.Sync()

	raw, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatalf("read rotated log failed: %v", err)
	}
	if !strings.Contains(string(raw), "hello") || strings.Contains(string(raw), "filtered") {
		t.Fatalf("unexpected rotated log contents: %s", raw)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("WARNING"); err != nil || lvl != zap.WarnLevel {
		t.Fatalf("expected warn level, got %v (%v)", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level error")
	}
}
