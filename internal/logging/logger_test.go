package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/config"
)

func TestNewCreatesLogDirAndLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := New("info", dir, config.LogRotationConfig{MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)
	defer logger.Sync()

	logger.Info("hello")

	_, err = os.Stat(filepath.Join(dir, "gateway-proxy.log"))
	require.NoError(t, err)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, zap.InfoLevel, parseLevel(""))
	require.Equal(t, zap.InfoLevel, parseLevel("unknown"))
	require.Equal(t, zap.DebugLevel, parseLevel("debug"))
	require.Equal(t, zap.WarnLevel, parseLevel("warn"))
	require.Equal(t, zap.ErrorLevel, parseLevel("error"))
}

func TestDirUsesEnvironmentOverride(t *testing.T) {
	t.Setenv("GATEWAY_PROXY_LOGS_DIR", "/tmp/custom-logs")
	require.Equal(t, "/tmp/custom-logs", Dir())

	t.Setenv("GATEWAY_PROXY_LOGS_DIR", "")
	require.Equal(t, "logs", Dir())
}
