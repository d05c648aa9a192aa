package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
)

func decodeLastLine(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger_WritesToFileAndStdout(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "test.log")
	var stdout bytes.Buffer

	logging, err := NewLogger(config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "both",
		FilePath: logFile,
	}, &stdout)
	require.NoError(t, err)

	logging.Logger.Info("test message", "key", "value")
	require.NoError(t, logging.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)

	entry := decodeLastLine(t, content)
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, string(content), stdout.String())
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logging, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}, &buf)
	require.NoError(t, err)

	ctx := WithTraceID(context.Background(), "test-trace-123")
	logging.Logger.InfoContext(ctx, "test with trace")

	entry := decodeLastLine(t, buf.Bytes())
	assert.Equal(t, "test-trace-123", entry["trace_id"])
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level       string
		debugLogged bool
		warnLogged  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logging, err := NewLogger(config.LoggingConfig{Level: tt.level, Format: "json", Output: "stdout"}, &buf)
			require.NoError(t, err)

			logging.Logger.Debug("debug line")
			logging.Logger.Warn("warn line")

			assert.Equal(t, tt.debugLogged, strings.Contains(buf.String(), "debug line"))
			assert.Equal(t, tt.warnLogged, strings.Contains(buf.String(), "warn line"))
		})
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logging, err := NewLogger(config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}, &buf)
	require.NoError(t, err)

	logging.Logger.Info("plain", "component", "cache")
	assert.Contains(t, buf.String(), "msg=plain")
	assert.Contains(t, buf.String(), "component=cache")
}

func TestContextHelpers(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)

	assert.Equal(t, traceID, GetTraceID(EnsureTraceID(ctx)), "existing trace ID must be kept")
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logging, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, &buf)
	require.NoError(t, err)

	WithComponent(logging.Logger, "fingerprint").Info("test message")
	entry := decodeLastLine(t, buf.Bytes())
	assert.Equal(t, "fingerprint", entry["component"])

	assert.NotPanics(t, func() { WithComponent(nil, "x").Info("discarded") })
}

func TestMaskLicenseKey(t *testing.T) {
	assert.Equal(t, "ALM-****WXYZ", MaskLicenseKey("ALM-ABCD-EFGH-WXYZ"))
	assert.Equal(t, "****", MaskLicenseKey("SHORT"))
	assert.Equal(t, "0123ABCD-…", MaskFingerprint("0123ABCD-4567EF01"))
	assert.Equal(t, "ABC", MaskFingerprint("ABC"))
}
