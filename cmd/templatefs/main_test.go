package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paul-chambers/templatefs/internal/fserrors"
	"github.com/paul-chambers/templatefs/internal/logging"
)

func TestParseMountOptionsSplitsCommaJoinedList(t *testing.T) {
	opts := parseMountOptions([]string{"templates=/a/b,allow_other"})
	assert.Equal(t, "/a/b", opts["templates"])
	assert.Equal(t, "true", opts["allow_other"])
}

func TestParseMountOptionsMergesRepeatedFlags(t *testing.T) {
	opts := parseMountOptions([]string{"templates=/x", "allow_other"})
	assert.Equal(t, "/x", opts["templates"])
	assert.Equal(t, "true", opts["allow_other"])
}

func TestParseMountOptionsIgnoresBlankEntries(t *testing.T) {
	opts := parseMountOptions([]string{"templates=/x,,  ,"})
	assert.Len(t, opts, 1)
}

func TestDestinationFromNameMapsKnownNames(t *testing.T) {
	assert.Equal(t, logging.ToStderr, destinationFromName("stderr"))
	assert.Equal(t, logging.ToFile, destinationFromName("FILE"))
	assert.Equal(t, logging.ToSyslog, destinationFromName("Syslog"))
	assert.Equal(t, logging.ToVoid, destinationFromName("nonsense"))
}

func TestExitCodeForStartupErrorUsesMappedCode(t *testing.T) {
	err := fserrors.New(fserrors.CodeMissingTemplates, "no templates root")
	assert.Equal(t, 2, exitCodeFor(err))
}

func TestExitCodeForUnmappedStructuredErrorDefaultsToOne(t *testing.T) {
	err := fserrors.New(fserrors.CodeNoHandle, "no such handle")
	assert.Equal(t, 1, exitCodeFor(err))
}

func TestExitCodeForPlainErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
}

func TestRunMountRejectsMissingTemplatesOption(t *testing.T) {
	optionStrings = nil
	configPath = ""
	err := runMount(rootCmd(), []string{t.TempDir()})
	assert.ErrorContains(t, err, "templates")
}
