package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bufferLogger builds a JSON logger writing into a buffer so entries
// can be decoded back.
func bufferLogger(level zapcore.Level) (*zap.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			MessageKey:     "msg",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
		}),
		zapcore.AddSync(&buf),
		level,
	)
	return zap.New(core), &buf
}

func TestConfigs(t *testing.T) {
	t.Run("default is console on stdout", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, "info", cfg.Level)
		assert.Equal(t, "console", cfg.Format)
		assert.Equal(t, "stdout", cfg.Output)
		assert.NotEmpty(t, cfg.TimeFormat)
	})

	t.Run("production emits JSON for log shippers", func(t *testing.T) {
		cfg := ProductionConfig()
		assert.Equal(t, "info", cfg.Level)
		assert.Equal(t, "json", cfg.Format)
		assert.Equal(t, "stdout", cfg.Output)
	})
}

func TestNew(t *testing.T) {
	cases := []struct {
		name string
		cfg  *Config
	}{
		{"default config", DefaultConfig()},
		{"production config", ProductionConfig()},
		{"debug console", &Config{Level: "debug", Format: "console", Output: "stdout", TimeFormat: "2006-01-02T15:04:05Z07:00"}},
		{"error-level json", &Config{Level: "error", Format: "json", Output: "stderr", TimeFormat: "2006-01-02T15:04:05Z07:00"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			assert.Equal(t, tc.want, parseLevel(tc.level))
		})
	}
}

func TestCreateEncoder(t *testing.T) {
	t.Run("console", func(t *testing.T) {
		assert.NotNil(t, createEncoder(DefaultConfig()))
	})
	t.Run("json", func(t *testing.T) {
		assert.NotNil(t, createEncoder(ProductionConfig()))
	})
}

func TestCreateWriter(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", "STDOUT"} {
		t.Run(output, func(t *testing.T) {
			assert.NotNil(t, createWriter(output))
		})
	}

	t.Run("file path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metering.log")
		writer := createWriter(path)
		require.NotNil(t, writer)

		_, err := writer.Write([]byte("consolidation run started\n"))
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "consolidation run started")
	})

	t.Run("unwritable path falls back to stdout", func(t *testing.T) {
		assert.NotNil(t, createWriter(filepath.Join(t.TempDir(), "missing", "nested", "metering.log")))
	})
}

func TestSync(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)

	// Sync on stdout can fail on some platforms; it only must not panic.
	_ = Sync(logger)
}

func TestStructuredOutput(t *testing.T) {
	logger, buf := bufferLogger(zapcore.InfoLevel)

	logger.Info("usage event recorded",
		zap.String("reference_id", "evt-20260901-0007"),
		zap.String("tenant_id", "5f8a2dc1-8c7e-4f2a-9d64-0a1b2c3d4e5f"),
		zap.Int("total_tokens", 1536),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "usage event recorded", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "evt-20260901-0007", entry["reference_id"])
	assert.Equal(t, float64(1536), entry["total_tokens"])
}

func TestLevelFiltering(t *testing.T) {
	t.Run("debug core keeps debug entries", func(t *testing.T) {
		logger, buf := bufferLogger(zapcore.DebugLevel)
		logger.Debug("duplicate event skipped")
		assert.True(t, strings.Contains(buf.String(), "duplicate event skipped"))
	})

	t.Run("info core drops debug entries", func(t *testing.T) {
		logger, buf := bufferLogger(zapcore.InfoLevel)
		logger.Debug("duplicate event skipped")
		assert.Empty(t, buf.String())

		logger.Info("daily consolidation finished")
		assert.True(t, strings.Contains(buf.String(), "daily consolidation finished"))
	})
}
