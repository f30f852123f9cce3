package fserrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDerivesCategory(t *testing.T) {
	e := New(CodeMountFailed, "mount failed")
	assert.Equal(t, CategoryMount, e.Category)
	assert.Contains(t, e.Error(), "MOUNT_FAILED")
}

func TestWithHelpersChain(t *testing.T) {
	cause := errors.New("boom")
	e := New(CodeForkFailed, "fork failed").
		WithComponent("exectemplate").
		WithOperation("execute").
		WithCause(cause).
		WithDetail("pid", 123)

	assert.Equal(t, "exectemplate", e.Component)
	assert.Equal(t, "execute", e.Operation)
	assert.Equal(t, cause, e.Unwrap())
	assert.Equal(t, 123, e.Details["pid"])
	assert.Contains(t, e.Error(), "exectemplate:execute")
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeNoHandle, "no handle")
	b := New(CodeNoHandle, "different message")
	c := New(CodeWrongVariant, "wrong variant")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestExitCodeMapping(t *testing.T) {
	code, ok := ExitCode(CodeMissingTemplates)
	assert.True(t, ok)
	assert.Equal(t, 2, code)

	_, ok = ExitCode(CodeNoHandle)
	assert.False(t, ok)
}

func TestErrnoMapping(t *testing.T) {
	errno, ok := Errno(CodeNoHandle)
	assert.True(t, ok)
	assert.Equal(t, syscall.ENFILE, errno)
}

func TestFromErrno(t *testing.T) {
	assert.Equal(t, int32(0), FromErrno(nil))
	assert.Equal(t, int32(-int32(syscall.ENOENT)), FromErrno(syscall.ENOENT))
	assert.Equal(t, int32(-int32(syscall.EIO)), FromErrno(errors.New("not an errno")))
}
