package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "syslog"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestFileOutputWritesThroughRotator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = "json"
	cfg.File = filepath.Join(t.TempDir(), "nested", "assetflow.log")
	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("hello", zap.String("asset", "raw"))
	_ = l.Sync()

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"asset":"raw"`)
}

func TestFromContextFallsBackToNop(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	l := zap.NewExample()
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}

func TestCronLogger(t *testing.T) {
	cl := CronLogger(zap.NewNop())
	cl.Info("tick", "job", "all_assets_job")
	cl.Error(errors.New("boom"), "failed", "job", "all_assets_job")
}
