/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logging_test.go
Description: Tests for logger setup, file output and the custom formatter.
*/

package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomFormatterPlain(t *testing.T) {
	f := &CustomFormatter{}
	entry := &logrus.Entry{
		Level:   logrus.WarnLevel,
		Message: "Console client connected",
		Data: logrus.Fields{
			"subsystem": SubsystemDrain,
			"channel":   "secure",
			"addr":      "127.0.0.1:54321",
			"elapsed":   1500 * time.Millisecond,
			"error":     errors.New("boom"),
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "WARNING [DRAIN] Console client connected addr=127.0.0.1:54321 channel=secure elapsed=1.5s error=boom\n", string(out))
}

func TestCustomFormatterUnknownSubsystem(t *testing.T) {
	f := &CustomFormatter{}
	out, err := f.Format(&logrus.Entry{Level: logrus.InfoLevel, Message: "hi", Data: logrus.Fields{"subsystem": "cli"}})
	require.NoError(t, err)
	assert.Equal(t, "INFO [CLI] hi\n", string(out))

	out, err = f.Format(&logrus.Entry{Level: logrus.InfoLevel, Message: "hi", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "INFO hi\n", string(out))
}

func TestLoggerConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Format = "xml"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Level = "verbose"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.OutputDir = t.TempDir()
	bad.MaxFiles = 0
	assert.Error(t, bad.Validate())
}

func TestLoggerWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	dir := t.TempDir()
	l, err := NewLogger(&LoggerConfig{
		Level:     LogLevelInfo,
		Format:    LogFormatCustom,
		OutputDir: dir,
		MaxFiles:  2,
		Console:   &console,
	})
	require.NoError(t, err)

	l.LogInstanceFinished(3, 2*time.Second, nil)
	l.LogInstanceFinished(4, time.Second, errors.New("launch failed"))
	path := l.FilePath()
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, console.String(), string(data))
	assert.Contains(t, string(data), "[INSTANCE] Instance finished elapsed=2s instance=3")
	assert.Contains(t, string(data), "ERROR [INSTANCE] Instance failed")
}

func TestLoggerPrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2020-01-01_00-00-00", "2020-01-02_00-00-00", "2020-01-03_00-00-00"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, logFilePrefix+name+".log"), nil, 0644))
	}

	l, err := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON, OutputDir: dir, MaxFiles: 2, Console: &bytes.Buffer{}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, logFilePrefix+"*.log"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[0], "2020-01-03_00-00-00.log"))
	assert.Equal(t, l.FilePath(), files[1])
}

func TestSubsystemEntry(t *testing.T) {
	var console bytes.Buffer
	l, err := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: LogFormatJSON, Console: &console})
	require.NoError(t, err)

	l.Subsystem(SubsystemSupervisor).WithField("pid", 42).Info("Child started")
	assert.Contains(t, console.String(), `"subsystem":"supervisor"`)
	assert.Contains(t, console.String(), `"pid":42`)
	assert.Equal(t, logrus.DebugLevel, l.GetLogger().GetLevel())
}
