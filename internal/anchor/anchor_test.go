package anchor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupResolvesAndOpensDirectory(t *testing.T) {
	dir := t.TempDir()
	tree, err := Setup(dir)
	require.NoError(t, err)
	defer tree.Close()

	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, real, tree.Path)
	assert.Greater(t, tree.Fd(), -1)
}

func TestSetupRejectsMissingPath(t *testing.T) {
	_, err := Setup(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestSetupRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Setup(file)
	assert.Error(t, err)
}

func TestSetupPairResolvesBoth(t *testing.T) {
	mount := t.TempDir()
	templates := t.TempDir()

	pair, err := SetupPair(mount, templates)
	require.NoError(t, err)
	defer pair.Close()

	assert.NotEqual(t, pair.Mount.Path, pair.Templates.Path)
}

func TestSetupPairFailsOnTemplatesError(t *testing.T) {
	mount := t.TempDir()
	_, err := SetupPair(mount, filepath.Join(mount, "missing-templates"))
	assert.Error(t, err)
}

func TestRelativeStripsLeadingSlash(t *testing.T) {
	assert.Equal(t, "", Relative("/"))
	assert.Equal(t, "", Relative(""))
	assert.Equal(t, "a/b", Relative("/a/b"))
	assert.Equal(t, "a/b", Relative("a/b"))
}

func TestFaccessatDistinguishesMissingFromPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present"), []byte("x"), 0o644))

	tree, err := Setup(dir)
	require.NoError(t, err)
	defer tree.Close()

	assert.NoError(t, tree.Faccessat("/present", 4 /* R_OK */))
	assert.Error(t, tree.Faccessat("/absent", 4))
}

func TestOpenatOpensFileRelativeToAnchor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0o644))

	tree, err := Setup(dir)
	require.NoError(t, err)
	defer tree.Close()

	fd, err := tree.Openat("/f.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer os.NewFile(uintptr(fd), "f.txt").Close()
	assert.Greater(t, fd, -1)
}

func TestOpenRootDupReturnsIndependentHandle(t *testing.T) {
	dir := t.TempDir()
	tree, err := Setup(dir)
	require.NoError(t, err)
	defer tree.Close()

	dup, err := tree.OpenRootDup()
	require.NoError(t, err)
	defer dup.Close()

	names, err := dup.Readdirnames(-1)
	require.NoError(t, err)
	assert.Empty(t, names)
}
