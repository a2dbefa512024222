package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, l)

	l, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, l)

	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, l)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevelFilteringAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	Info("hidden", "a", 1)
	Warn("shown", "team", "u17", "title", "Tuesday practice")
	Error("failed", errors.New("boom"), "doc_id", "x_1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown team=u17 title=\"Tuesday practice\"")
	assert.Contains(t, out, "[ERROR] failed err=boom doc_id=x_1")
}
