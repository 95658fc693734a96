package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFileRotatesPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	r := &rotatingFile{path: filepath.Join(dir, defaultLogFile), maxSize: 16}
	require.NoError(t, r.open())
	defer r.Close()

	_, err := r.Write([]byte(strings.Repeat("a", 20)))
	require.NoError(t, err)
	_, err = r.Write([]byte("b"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	data, err := os.ReadFile(r.path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestNopLoggerAcceptsAllLevels(t *testing.T) {
	l := NewNop()
	l.SetLevel(DEBUG)
	l.Debug("x %d", 1)
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	assert.NotNil(t, l.Named("test"))
	assert.Equal(t, "", l.GetLogPath())
}
