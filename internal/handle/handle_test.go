package handle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAllocateAndGetFileHandle(t *testing.T) {
	s := NewStore()
	f := openTemp(t)

	token := s.AllocateFile(&FileVariant{File: f, IsTemplate: false})
	v, err := s.GetFile(token)
	require.NoError(t, err)
	assert.Same(t, f, v.File)
	assert.False(t, v.IsTemplate)
}

func TestAllocateAndGetDirHandle(t *testing.T) {
	s := NewStore()
	token := s.AllocateDir(&DirVariant{Offset: 0})

	v, err := s.GetDir(token)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Offset)
}

func TestGetFileOnUnknownTokenFails(t *testing.T) {
	s := NewStore()
	_, err := s.GetFile(9999)
	assert.Error(t, err)
}

func TestGetFileOnDirTokenFailsWithWrongVariant(t *testing.T) {
	s := NewStore()
	token := s.AllocateDir(&DirVariant{})
	_, err := s.GetFile(token)
	assert.Error(t, err)
}

func TestGetDirOnFileTokenFailsWithWrongVariant(t *testing.T) {
	s := NewStore()
	token := s.AllocateFile(&FileVariant{})
	_, err := s.GetDir(token)
	assert.Error(t, err)
}

func TestReleaseClosesFileAndForgetsToken(t *testing.T) {
	s := NewStore()
	f := openTemp(t)
	token := s.AllocateFile(&FileVariant{File: f})

	require.NoError(t, s.Release(token))
	assert.Equal(t, 0, s.Len())

	_, err := s.GetFile(token)
	assert.Error(t, err)
}

func TestReleaseUnknownTokenIsNoop(t *testing.T) {
	s := NewStore()
	assert.NoError(t, s.Release(42))
}

func TestTokensAreUniquePerAllocation(t *testing.T) {
	s := NewStore()
	a := s.AllocateDir(&DirVariant{})
	b := s.AllocateDir(&DirVariant{})
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, s.Len())
}
