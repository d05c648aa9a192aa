package offline

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/shared/testutil"
)

const testHW = "0123ABCD-4567EF01-89ABCDEF-01234567-89ABCDEF-01234567-89ABCDEF-01234567"

var validatedAt = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func testConfig(dir string) config.ClientConfig {
	return config.ClientConfig{
		DataDir:     dir,
		CacheFile:   "entitlement.cache",
		CacheSecret: "unit-test-cache-secret",
		GraceWindow: 168 * time.Hour,
		ClockSkew:   5 * time.Minute,
		ScryptN:     1024,
	}
}

func newTestCache(t *testing.T, cfg config.ClientConfig, hw string, clock *testutil.Clock) (*Cache, *testutil.BufferedSlogHandler) {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	c, err := NewCache(cfg, hw, logger, WithClock(clock.Now))
	require.NoError(t, err)
	return c, logs
}

func testRecord() Record {
	exp := validatedAt.AddDate(1, 0, 0)
	return Record{
		LicenseKey:  "ALM-7K2Q-M9X4-PA3D-R8TN",
		HardwareID:  testHW,
		Source:      "server",
		Plan:        "pro",
		Features:    []string{"reports"},
		ExpiresAt:   &exp,
		SeatsUsed:   1,
		SeatsMax:    3,
		ValidatedAt: validatedAt,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewClock(validatedAt)
	c, _ := newTestCache(t, testConfig(dir), testHW, clock)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, testRecord()))

	entry, ok := c.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, "pro", entry.Plan)
	assert.Equal(t, []string{"reports"}, entry.Features)
	assert.True(t, validatedAt.Add(168*time.Hour).Equal(entry.CacheExpiresAt))
	assert.True(t, validatedAt.Equal(entry.LastSeenAt))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(c.Path())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// the license key must not be readable on disk
	raw, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ALM-7K2Q")

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1, "no temp files left behind")
}

func TestSave_RejectsOtherMachine(t *testing.T) {
	c, _ := newTestCache(t, testConfig(t.TempDir()), testHW, testutil.NewClock(validatedAt))
	rec := testRecord()
	rec.HardwareID = "OTHER"
	assert.ErrorIs(t, c.Save(context.Background(), rec), ErrHardwareMismatch)
}

func TestLoad_Failures(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(validatedAt)

	t.Run("missing", func(t *testing.T) {
		c, logs := newTestCache(t, testConfig(t.TempDir()), testHW, clock)
		_, ok := c.Load(ctx)
		assert.False(t, ok)
		assert.Zero(t, logs.Count())
	})

	t.Run("corrupt", func(t *testing.T) {
		c, logs := newTestCache(t, testConfig(t.TempDir()), testHW, clock)
		require.NoError(t, os.WriteFile(c.Path(), []byte("{not json"), 0o600))
		_, ok := c.Load(ctx)
		assert.False(t, ok)
		testutil.AssertLogContains(t, logs, slog.LevelWarn, "offline cache corrupt")
	})

	t.Run("copied to another machine", func(t *testing.T) {
		dir := t.TempDir()
		original, _ := newTestCache(t, testConfig(dir), testHW, clock)
		require.NoError(t, original.Save(ctx, testRecord()))

		other, logs := newTestCache(t, testConfig(dir), "FFFF0000-other-machine", clock)
		_, ok := other.Load(ctx)
		assert.False(t, ok)
		testutil.AssertLogContains(t, logs, slog.LevelWarn, "offline cache does not open on this machine")
	})

	t.Run("wrong secret", func(t *testing.T) {
		dir := t.TempDir()
		original, _ := newTestCache(t, testConfig(dir), testHW, clock)
		require.NoError(t, original.Save(ctx, testRecord()))

		cfg := testConfig(dir)
		cfg.CacheSecret = "another-cache-secret!"
		other, _ := newTestCache(t, cfg, testHW, clock)
		_, ok := other.Load(ctx)
		assert.False(t, ok)
	})

	t.Run("tampered", func(t *testing.T) {
		c, _ := newTestCache(t, testConfig(t.TempDir()), testHW, clock)
		require.NoError(t, c.Save(ctx, testRecord()))
		raw, err := os.ReadFile(c.Path())
		require.NoError(t, err)
		// flip a byte inside the base64 ciphertext
		i := len(raw) - 10
		if raw[i] == 'A' {
			raw[i] = 'B'
		} else {
			raw[i] = 'A'
		}
		require.NoError(t, os.WriteFile(c.Path(), raw, 0o600))
		_, ok := c.Load(ctx)
		assert.False(t, ok)
	})
}

func TestIsWithinGrace(t *testing.T) {
	ctx := context.Background()
	// the local clock runs ahead of the server; the deadline still follows server time
	clock := testutil.NewClock(validatedAt.Add(2 * time.Hour))
	c, _ := newTestCache(t, testConfig(t.TempDir()), testHW, clock)
	require.NoError(t, c.Save(ctx, testRecord()))
	entry, ok := c.Load(ctx)
	require.True(t, ok)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just saved", validatedAt.Add(2 * time.Hour), true},
		{"six days later", validatedAt.Add(6 * 24 * time.Hour), true},
		{"at the deadline", validatedAt.Add(168 * time.Hour), true},
		{"past the deadline", validatedAt.Add(168*time.Hour + time.Second), false},
		{"within skew before last seen", validatedAt.Add(2*time.Hour - 4*time.Minute), true},
		{"clock turned back", validatedAt.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Set(tt.at)
			assert.Equal(t, tt.want, c.IsWithinGrace(ctx, entry))
		})
	}

	assert.False(t, c.IsWithinGrace(ctx, nil))
}

func TestTouch_DetectsRollback(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(validatedAt)
	c, logs := newTestCache(t, testConfig(t.TempDir()), testHW, clock)
	require.NoError(t, c.Save(ctx, testRecord()))

	entry, ok := c.Load(ctx)
	require.True(t, ok)
	clock.Advance(10 * time.Hour)
	require.True(t, c.IsWithinGrace(ctx, entry))
	require.NoError(t, c.Touch(ctx, entry))

	reloaded, ok := c.Load(ctx)
	require.True(t, ok)
	assert.True(t, validatedAt.Add(10*time.Hour).Equal(reloaded.LastSeenAt))
	assert.True(t, entry.CacheExpiresAt.Equal(reloaded.CacheExpiresAt))

	// an earlier clock never moves LastSeenAt backwards
	clock.Set(validatedAt.Add(time.Hour))
	require.NoError(t, c.Touch(ctx, reloaded))
	assert.True(t, validatedAt.Add(10*time.Hour).Equal(reloaded.LastSeenAt))
	assert.False(t, c.IsWithinGrace(ctx, reloaded))
	testutil.AssertLogContains(t, logs, slog.LevelWarn, "local clock is behind the last observed time, offline cache not trusted")
}

func TestRollbackWarningCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	logging, err := infrastructure.NewLogger(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, &buf)
	require.NoError(t, err)

	clock := testutil.NewClock(validatedAt.Add(10 * time.Hour))
	c, err := NewCache(testConfig(t.TempDir()), testHW, logging.Logger, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := infrastructure.WithTraceID(context.Background(), "rollback-check")
	require.NoError(t, c.Save(ctx, testRecord()))
	entry, ok := c.Load(ctx)
	require.True(t, ok)
	require.NoError(t, c.Touch(ctx, entry))

	clock.Set(validatedAt.Add(time.Hour))
	require.False(t, c.IsWithinGrace(ctx, entry))

	assert.Contains(t, buf.String(), `"event":"clock_rollback"`)
	assert.Contains(t, buf.String(), `"trace_id":"rollback-check"`)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, testConfig(t.TempDir()), testHW, testutil.NewClock(validatedAt))

	require.NoError(t, c.Clear(ctx), "clearing a missing cache is not an error")
	require.NoError(t, c.Save(ctx, testRecord()))
	require.NoError(t, c.Clear(ctx))
	_, ok := c.Load(ctx)
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(filepath.Dir(c.Path()), "entitlement.cache"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewCache_Validation(t *testing.T) {
	_, err := NewCache(testConfig(t.TempDir()), "", nil)
	assert.Error(t, err)

	cfg := testConfig(t.TempDir())
	cfg.ScryptN = 1000
	_, err = NewCache(cfg, testHW, nil)
	assert.Error(t, err)

	cfg = testConfig(t.TempDir())
	cfg.GraceWindow = 0
	c, err := NewCache(cfg, testHW, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultGraceWindow, c.grace)
}
