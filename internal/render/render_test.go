package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-chambers/templatefs/internal/configstore"
)

const sampleStore = `
greeting = "hello"

sys {
  name = "world"
}

items "array" {
  value = "a"
}
items "array" {
  value = "b"
}
items "array" {
  value = "c"
}
`

func TestRenderSimpleVariable(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	out, err := Render("hi {{sys/name}}!", NewContext(store))
	require.NoError(t, err)
	assert.Equal(t, "hi world!", out)
}

func TestRenderArraySection(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	out, err := Render("{{#items}}[{{.}}]{{/items}}", NewContext(store))
	require.NoError(t, err)
	assert.Equal(t, "[a][b][c]", out)
}

func TestRenderMissingVariableYieldsEmpty(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	out, err := Render("x[{{nope}}]y", NewContext(store))
	require.NoError(t, err)
	assert.Equal(t, "x[]y", out)
}

func TestRenderRejectsUnterminatedSection(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	_, err = Render("{{#items}}[{{.}}]", NewContext(store))
	assert.Error(t, err)
}

func TestSectionStackNonEmptyBetweenStartAndStop(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	ctx := NewContext(store)
	ctx.Start()
	assert.False(t, ctx.Stack.Empty())
	ctx.Stop(0)
}

func TestEnterLeaveBalanced(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	ctx := NewContext(store)
	ctx.Start()
	defer ctx.Stop(0)

	depthBefore := ctx.Stack.Len()
	ctx.Enter(0)
	assert.Equal(t, depthBefore+1, ctx.Stack.Len())
	ctx.Leave()
	assert.Equal(t, depthBefore, ctx.Stack.Len())
}

func TestLeaveOnLastFrameIsTooDeep(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	ctx := NewContext(store)
	ctx.Start()
	defer ctx.Stop(0)

	assert.Equal(t, ErrTooDeep, ctx.Leave())
}

// TestNextAdvancesNearestEnclosingArrayFrame exercises the design note's
// resolved ambiguity: Next() searches from the stack top downward for
// the nearest section flagged is_array, rather than assuming a fixed
// caller-supplied frame. Enter copies the parent's array state into the
// child (stack discipline preserves outer array state across nested
// pushes), so the nearest enclosing array frame is ordinarily the top of
// the stack itself; Next() advances that frame's own cursor, which is
// independent of any frame still beneath it until a fresh Sel/Next
// re-synchronizes them.
func TestNextAdvancesNearestEnclosingArrayFrame(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	ctx := NewContext(store)
	ctx.Start()
	defer ctx.Stop(0)

	ctx.Enter(0)
	ctx.Sel("items")
	require.True(t, ctx.Stack.Top().IsArray)
	assert.Equal(t, 0, ctx.Stack.Top().Cursor)

	// A transient child frame pushed inside the array inherits its
	// array state by value.
	ctx.Enter(-1)
	require.True(t, ctx.Stack.Top().IsArray)
	assert.Equal(t, 0, ctx.Stack.Top().Cursor)

	rc := ctx.Next()
	assert.Equal(t, 1, rc)
	assert.Equal(t, 1, ctx.Stack.Top().Cursor)
	ctx.Leave()

	// The enclosing array section's own cursor, untouched by the
	// transient child, still reads 0; the loop driver is responsible
	// for calling Next() itself once the child is popped.
	assert.Equal(t, 0, ctx.Stack.Top().Cursor)
	assert.Equal(t, 1, ctx.Next())
	assert.Equal(t, 1, ctx.Stack.Top().Cursor)
}

func TestArrayExhaustionReturnsZero(t *testing.T) {
	store, err := configstore.LoadString(sampleStore, "sample.hcl")
	require.NoError(t, err)

	ctx := NewContext(store)
	ctx.Start()
	defer ctx.Stop(0)

	ctx.Enter(0)
	ctx.Sel("items")
	for ctx.Next() == 1 {
	}
	assert.Equal(t, 0, ctx.Next())
}
