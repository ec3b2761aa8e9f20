package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.log")
	l, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("invoice generated", zap.String("invoice_number", "INV-202507-000001"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"invoice_number":"INV-202507-000001"`))
}

func TestNew_BadPath(t *testing.T) {
	_, err := New(Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestContext_RequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx, l := WithRequestID(context.Background(), zap.New(core), "req-1")

	l.Info("hello")
	FromContext(ctx).Info("again")

	assert.Equal(t, "req-1", RequestID(ctx))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "req-1", logs.All()[1].ContextMap()["request_id"])
	assert.NotNil(t, FromContext(context.Background()))
}

func TestGormLogger_Trace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), gormlogger.Warn)
	fc := func() (string, int64) { return "SELECT 1", 1 }

	gl.Trace(context.Background(), time.Now(), fc, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	gl.Trace(context.Background(), time.Now(), fc, errors.New("disk I/O error"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "sql error", logs.All()[0].Message)

	gl.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	assert.Equal(t, 2, logs.Len())

	quiet := gl.LogMode(gormlogger.Silent)
	quiet.Trace(context.Background(), time.Now(), fc, errors.New("ignored"))
	assert.Equal(t, 2, logs.Len())
}

func TestGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Info, GormLevel("debug"))
	assert.Equal(t, gormlogger.Warn, GormLevel("info"))
	assert.Equal(t, gormlogger.Silent, GormLevel("silent"))
}
