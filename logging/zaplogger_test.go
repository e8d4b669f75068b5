package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"dev", "prod", "json", "nop", ""} {
		t.Run(format, func(t *testing.T) {
			logger := NewLogger(format)
			require.NotNil(t, logger)
			assert.IsType(t, &ZapLogger{}, logger)
		})
	}
}

func TestEnsureLogger(t *testing.T) {
	ctx := EnsureLogger(context.Background(), "nop")
	require.NotNil(t, FromContext(ctx))

	existing := NewNopLogger()
	ctx = With(context.Background(), existing)
	assert.Same(t, existing, FromContext(EnsureLogger(ctx, "dev")))
}

func TestZapLoggerLevels(t *testing.T) {
	core, obs := observer.New(zap.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debugw("debug message", "key", "value")
	logger.Infof("info %s", "message")
	logger.Warn("warn message")
	logger.Errorw("error message", "key", 1)

	require.Equal(t, 4, obs.Len())
	entries := obs.All()
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "value", entries[0].ContextMap()["key"])
	assert.Equal(t, "info message", entries[1].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestZapLoggerPanicw(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	assert.Panics(t, func() {
		logger.Panicw("panic message", "key", "value")
	})
}

func TestZapLoggerNamedAndWith(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Named("plugins").With("plugin", "acme.motd").Info("started")

	require.Equal(t, 1, obs.Len())
	entry := obs.All()[0]
	assert.Equal(t, "plugins", entry.LoggerName)
	assert.Equal(t, "acme.motd", entry.ContextMap()["plugin"])
}
