package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesAtCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := SetupWithSize(path, 10)
	require.NoError(t, err)
	defer rw.Close()

	_, err = rw.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)

	_, statErr := os.Stat(path + ".1")
	assert.NoError(t, statErr, "expected rotated backup file to exist")
}

func TestSetLevelGatesDebugf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rw, err := SetupWithSize(path, defaultMaxLogSize)
	require.NoError(t, err)
	defer rw.Close()

	SetLevel("info")
	Debugf("should not appear %d", 1)

	SetLevel("debug")
	Debugf("should appear %d", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "should not appear"))
	assert.True(t, strings.Contains(string(data), "should appear"))
}
