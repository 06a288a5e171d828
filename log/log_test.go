package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "")
	l.SetLevel(LogInfo)

	l.Debugf("dropped %d", 1)
	l.Infof("kept %d", 2)
	l.Warn("kept too")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[info] kept 2")
	assert.Contains(t, out, "[warning] kept too")
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LogWarn, StringToLogLevel("warning"))
	assert.Equal(t, LogWarn, StringToLogLevel("WARN"))
	assert.Equal(t, LogError, StringToLogLevel("error"))
	assert.Equal(t, LogDebug, StringToLogLevel("anything else"))
}

func TestQuietBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "")
	l.SetLevel(LogError)
	l.Infof("nope")
	l.Errorf("yes")
	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 1, lines)
}
