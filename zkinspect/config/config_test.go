package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	tempDir, err := os.MkdirTemp("", "zkinspect-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir

	err = os.Chdir(tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultHosts, cfg.Connection.Hosts)
	assert.Equal(suite.T(), internal.DefaultSessionTimeout, cfg.Connection.SessionTimeout)
	assert.Equal(suite.T(), 40, cfg.Refresh.Workers)
	assert.Equal(suite.T(), 1, cfg.Refresh.ExpandDepth)
	assert.Equal(suite.T(), 1, cfg.Refresh.InitialDepth)
	assert.Empty(suite.T(), cfg.Refresh.SkipPatterns)
	assert.Equal(suite.T(), 4, cfg.Dispatch.Workers)
	assert.Equal(suite.T(), 256, cfg.Dispatch.QueueCapacity)
	assert.True(suite.T(), cfg.Watch.RefreshOnEvent)
	assert.Equal(suite.T(), "info", cfg.Log.Level)
	assert.Empty(suite.T(), cfg.Metrics.Listen)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
connection:
  hosts:
    - "zk1:2181"
    - "zk2:2181"
  sessionTimeout: 10s
refresh:
  workers: 8
  expandDepth: 2
  skipPatterns:
    - "/zookeeper"
dispatch:
  workers: 2
  queueCapacity: 16
watch:
  refreshOnEvent: false
log:
  level: debug
metrics:
  listen: ":9102"
`

	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), []string{"zk1:2181", "zk2:2181"}, cfg.Connection.Hosts)
	assert.Equal(suite.T(), "zk1:2181,zk2:2181", cfg.ConnectString())
	assert.Equal(suite.T(), 10*time.Second, cfg.Connection.SessionTimeout)
	assert.Equal(suite.T(), 8, cfg.Refresh.Workers)
	assert.Equal(suite.T(), 2, cfg.Refresh.ExpandDepth)
	assert.Equal(suite.T(), 1, cfg.Refresh.InitialDepth)
	assert.Equal(suite.T(), []string{"/zookeeper"}, cfg.Refresh.SkipPatterns)
	assert.Equal(suite.T(), 2, cfg.Dispatch.Workers)
	assert.Equal(suite.T(), 16, cfg.Dispatch.QueueCapacity)
	assert.False(suite.T(), cfg.Watch.RefreshOnEvent)
	assert.Equal(suite.T(), "debug", cfg.Log.Level)
	assert.Equal(suite.T(), ":9102", cfg.Metrics.Listen)
}

func (suite *ConfigTestSuite) TestLoadConfigFromWorkingDirectory() {
	configContent := `
refresh:
  workers: 12
`
	err := os.WriteFile(filepath.Join(suite.tempDir, "config.yaml"), []byte(configContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 12, cfg.Refresh.Workers)
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	suite.T().Setenv("ZKINSPECT_LOG_LEVEL", "warn")
	suite.T().Setenv("ZKINSPECT_REFRESH_WORKERS", "3")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "warn", cfg.Log.Level)
	assert.Equal(suite.T(), 3, cfg.Refresh.Workers)
}

func (suite *ConfigTestSuite) TestInvalidConfigFile() {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte("refresh: [unterminated"), 0o644)
	require.NoError(suite.T(), err)

	_, err = LoadConfig(configFile)
	assert.Error(suite.T(), err)
}

func (suite *ConfigTestSuite) TestRejectsInvalidValues() {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte("refresh:\n  workers: 0\n"), 0o644)
	require.NoError(suite.T(), err)

	_, err = LoadConfig(configFile)
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "refresh.workers")
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:2181", cfg.ConnectString())

	cfg.Dispatch.QueueCapacity = 0
	assert.Error(t, cfg.Validate())
}
