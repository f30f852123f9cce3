package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriorityRoundTrip(t *testing.T) {
	for _, name := range []string{"EMERG", "warning", "Info", "trace"} {
		p, err := ParsePriority(name)
		require.NoError(t, err)
		assert.NotEmpty(t, p.String())
	}

	_, err := ParsePriority("bogus")
	assert.Error(t, err)
}

func TestLoggerDefaultsToVoid(t *testing.T) {
	l := New("test")
	// No destination configured: nothing should panic, and nothing is
	// observable since the writer is io.Discard.
	l.Log(Info, "f.go", 1, "hello %d", 1)
}

func TestLoggerWritesToStderrLikeWriter(t *testing.T) {
	l := New("test")
	require.NoError(t, l.SetDestination(Warning, ToStderr, ModeNormal))

	// Redirect by swapping the perLevel writer through a file-backed
	// destination instead of relying on actual os.Stderr capture.
	tmp := t.TempDir() + "/log.txt"
	require.NoError(t, l.OpenFile(tmp))
	require.NoError(t, l.SetDestination(Warning, ToFile, ModeWithLocation))

	l.Log(Warning, "widget.go", 42, "something happened: %s", "oops")

	data, err := readFile(tmp)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "[WARN]"))
	assert.True(t, strings.Contains(string(data), "widget.go:42"))
}

func TestLogTextBlockNumbersLines(t *testing.T) {
	l := New("test")
	tmp := t.TempDir() + "/log.txt"
	require.NoError(t, l.OpenFile(tmp))
	require.NoError(t, l.SetDestination(Warning, ToFile, ModeNormal))

	l.LogTextBlock(Warning, "/templates/y", "one\ntwo\n")

	data, err := readFile(tmp)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "/templates/y[1]: one")
	assert.Contains(t, lines[1], "/templates/y[2]: two")
}

func TestFunctionTraceGatedByToggle(t *testing.T) {
	l := New("test")
	var buf bytes.Buffer
	l.levels[Functions] = perLevel{writer: &buf, mode: ModeNormal}

	l.Log(Functions, "", 0, "enter foo()")
	assert.Empty(t, buf.String())

	l.SetFunctionTrace(true)
	l.Log(Functions, "", 0, "enter foo()")
	assert.Contains(t, buf.String(), "enter foo()")
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
