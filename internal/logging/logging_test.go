package logging

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTailAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "portknox.log")
	l := New(path, "debug")
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Logger.Info("line", "n", i)
	}

	tail, err := l.ReadTail(2)
	require.NoError(t, err)
	lines := strings.Split(tail, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "n=3")
	assert.Contains(t, lines[1], "n=4")

	require.NoError(t, l.Clear())
	tail, err = l.ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestReadTailWithoutFile(t *testing.T) {
	l := New("", "info")
	tail, err := l.ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.NoError(t, l.Clear())
}
