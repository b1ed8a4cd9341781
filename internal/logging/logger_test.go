package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{"", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, false},
		{" WARN ", logrus.WarnLevel, false},
		{"error", logrus.ErrorLevel, false},
		{"loud", logrus.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "error", Verbose: true}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestJSONFormatWithFileTee(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "run.log")

	l, err := newLogger(Config{Format: "json", OutputFile: path}, &buf)
	require.NoError(t, err)
	l.WithField("stage", "normalize").Info("Stage finished")
	require.NoError(t, l.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "normalize", entry["stage"])
	assert.Equal(t, "Stage finished", entry["msg"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
}

func TestUnknownFormat(t *testing.T) {
	_, err := newLogger(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRotateIfNeeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 32)), 0644))
	require.NoError(t, os.WriteFile(path+".1", []byte("old"), 0644))

	require.NoError(t, rotateIfNeeded(path, 16, 3))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Len(t, rotated, 32)
	older, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "old", string(older))
}

func TestRotateSkipsSmallFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte("small"), 0644))
	require.NoError(t, rotateIfNeeded(path, 1024, 3))
	_, err := os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}
