package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAppendsToWorkspaceLog(t *testing.T) {
	root := t.TempDir()
	logger, err := New(root, zapcore.InfoLevel)
	require.NoError(t, err)
	logger.With("module", "routes").Infof("activated %d producers", 2)
	logger.Debugf("hidden")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(root, ".exthost", "logs", "exthost.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"activated 2 producers"`)
	assert.Contains(t, string(data), `"module":"routes"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsole(&buf, zapcore.DebugLevel)
	logger.Named("worker").Warnw("slow producer", "producer", "routes")
	assert.Contains(t, buf.String(), "slow producer")
	assert.Contains(t, buf.String(), "worker")
}

func TestObserverCore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewWithCore(core)
	logger.Printf("line %s\n", "one")
	logger.Errorw("failed", "code", "X")
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "line one", logs.All()[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestNilAndNopLoggers(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Printf("ignored")
	assert.NoError(t, nilLogger.Close())
	NewNop().Errorf("ignored")
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}
