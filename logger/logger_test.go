package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(logrus.DebugLevel, &buf)
	l.WithField("tablespace", 3).Warn("device full")

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "device full")
	assert.Contains(t, line, "tablespace=3")
}

func TestInitLoggerWithFiles(t *testing.T) {
	dir := t.TempDir()
	err := InitLogger(LogConfig{
		ErrorLogPath: filepath.Join(dir, "logs", "error.log"),
		InfoLogPath:  filepath.Join(dir, "logs", "falcon.log"),
		LogLevel:     "debug",
		DebugMask:    DebugGopher,
	})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	assert.True(t, DebugEnabled(DebugGopher))
	assert.False(t, DebugEnabled(DebugMDL))
	Infof("opened %s", dir)

	SetDebugMask(0)
	assert.False(t, DebugEnabled(DebugGopher))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, logrus.InfoLevel, parseLogLevel("bogus"))
}
