package configstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
greeting = "hello"
count    = 3
enabled  = true

user {
  name = "Ada"
  role = "admin"
}

item "array" {
  value = "first"
}
item "array" {
  value = "second"
}
item "array" {
  value = "third"
}
`

func TestGetScalarValues(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	v, ok := ks.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	v, ok = ks.Get("count")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	v, ok = ks.Get("enabled")
	require.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestGetMissingKeyFails(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	_, ok := ks.Get("nope")
	assert.False(t, ok)
}

func TestSubDescendsIntoNestedObject(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	user, ok := ks.Sub("user")
	require.True(t, ok)

	v, ok := user.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Ada", v)
}

func TestGetNestedPathDirectly(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	v, ok := ks.Get("user/role")
	require.True(t, ok)
	assert.Equal(t, "admin", v)
}

func TestArrayShapedKeyReportsLengthAndIsArray(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	assert.True(t, ks.IsArray("item"))
	assert.Equal(t, 3, ks.ArrayLen("item"))
}

func TestIndexSelectsArrayElement(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	second, ok := ks.Index("item", 1)
	require.True(t, ok)

	v, ok := second.Get("value")
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestIndexOutOfRangeFails(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	_, ok := ks.Index("item", 99)
	assert.False(t, ok)
}

func TestKeysListsAttributesThenGroupsInOrder(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	keys := ks.Keys()
	assert.Contains(t, keys, "greeting")
	assert.Contains(t, keys, "user")
	assert.Contains(t, keys, "item")
	assert.Equal(t, []string{"greeting", "count", "enabled", "user", "item"}, keys)
}

func TestHasDistinguishesPresentFromAbsent(t *testing.T) {
	ks, err := LoadString(sample, "sample.hcl")
	require.NoError(t, err)

	assert.True(t, ks.Has("greeting"))
	assert.True(t, ks.Has("user"))
	assert.False(t, ks.Has("nonexistent"))
}

func TestLoadStringRejectsInvalidSyntax(t *testing.T) {
	_, err := LoadString("this is not { valid hcl", "bad.hcl")
	assert.Error(t, err)
}
