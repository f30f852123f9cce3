package exectemplate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-chambers/templatefs/internal/logging"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecuteCapturesStdout(t *testing.T) {
	script := writeScript(t, "printf 'one\\ntwo\\n'\n")
	log := logging.New("test")

	result, err := Execute(script, "/mount/y", DefaultConfig(), log)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(result.Stdout))
	assert.Equal(t, 0, result.ExitStatus)
}

func TestExecutePassesLowerPathAsArgv1(t *testing.T) {
	script := writeScript(t, "printf '%s' \"$1\"\n")
	log := logging.New("test")

	result, err := Execute(script, "/mount/y", DefaultConfig(), log)
	require.NoError(t, err)
	assert.Equal(t, "/mount/y", string(result.Stdout))
}

func TestExecuteSurfacesNonZeroExitStatus(t *testing.T) {
	script := writeScript(t, "exit 7\n")
	log := logging.New("test")

	result, err := Execute(script, "/mount/y", DefaultConfig(), log)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitStatus)
}

func TestExecuteZeroByteStdoutSucceeds(t *testing.T) {
	script := writeScript(t, "true\n")
	log := logging.New("test")

	result, err := Execute(script, "/mount/y", DefaultConfig(), log)
	require.NoError(t, err)
	assert.Empty(t, result.Stdout)
}

func TestExecuteCapturesStderrSeparatelyFromStdout(t *testing.T) {
	script := writeScript(t, "printf 'out\\n'; printf 'warn\\n' >&2\n")
	log := logging.New("test")

	result, err := Execute(script, "/mount/y", DefaultConfig(), log)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(result.Stdout))
}
