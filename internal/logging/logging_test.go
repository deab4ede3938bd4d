package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesRotatingFile(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	path := filepath.Join(t.TempDir(), "logs", "ammd.log")

	closer, err := Init(Config{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	Component("test").Debug("hello from the sandbox")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from the sandbox")
	assert.Contains(t, string(b), "component=test")
}

func TestInitBadLevelFallsBackToInfo(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	closer, err := Init(Config{Level: "chatty"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.NoError(t, closer.Close())
}
