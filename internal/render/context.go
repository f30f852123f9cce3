package render

import (
	"fmt"
	"strings"

	"github.com/paul-chambers/templatefs/internal/configstore"
)

// Engine-specific reserved error codes, returned (as negative values)
// from callbacks that the contract designates "engine error" rather than
// "-errno" or "0/1".
const (
	ErrTooDeep  = -1 // pop on an empty stack
	ErrBadKind  = -2 // unrecognized materialization "kind"
)

// Context is a RenderContext: the state of one render invocation, owning
// a key-set snapshot and the section stack that navigates it. Created by
// Start, torn down by Stop.
type Context struct {
	Store *configstore.KeySet
	Stack *Stack
}

// NewContext creates a Context over store. The stack is populated by a
// subsequent call to Start.
func NewContext(store *configstore.KeySet) *Context {
	return &Context{Store: store}
}

// Start pushes the initial section selecting the key-set root, with
// iterator depth -1 and is_array false.
func (ctx *Context) Start() int {
	ctx.Stack = &Stack{}
	ctx.Stack.Push(&Section{Depth: -1, Cursor: -1})
	return 0
}

// Stop pops the remaining section(s) and tears down the context. status
// is accepted for interface symmetry with the callback contract; this
// implementation does not vary teardown behavior on it.
func (ctx *Context) Stop(status int) int {
	for !ctx.Stack.Empty() {
		ctx.Stack.Pop()
	}
	return 0
}

// current resolves a section's selected configstore node, relative to
// the context's root key-set. Every section is expressed as a path from
// ctx.Store rather than threading its own base pointer.
func (ctx *Context) current(sec *Section) (*configstore.KeySet, bool) {
	if sec.IsArray {
		return ctx.Store.Index(sec.ArrayBase, sec.Cursor)
	}
	if sec.Name == "" {
		return ctx.Store, true
	}
	return ctx.Store.Sub(sec.Name)
}

// isReplaceMode reports whether name triggers sel's "replace" syntactic
// case: a leading "/" (absolute) or a ":" appearing before the first "/"
// (namespaced). Anything else is "append" mode.
func isReplaceMode(name string) bool {
	if strings.HasPrefix(name, "/") {
		return true
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '/':
			return false
		case ':':
			return true
		}
	}
	return false
}

// stripNamespace drops a leading "ns:" prefix and leading slash from an
// absolute/namespaced name, leaving a path relative to the context root
// (which is already rooted at the configuration store's well-known base
// key).
func stripNamespace(name string) string {
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.TrimPrefix(name, "/")
}

func joinKey(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "/" + b
}

// Sel selects a key by name on the current (top) section. Returns 1 on
// success per the callback contract.
func (ctx *Context) Sel(name string) int {
	top := ctx.Stack.Top()

	if isReplaceMode(name) {
		top.Name = stripNamespace(name)
	} else {
		if ctx.Stack.Len() >= 2 {
			parent := ctx.Stack.frames[ctx.Stack.Len()-2]
			// Refresh the current section's key from the parent's
			// current selection so an append lands beneath the array
			// index (or whatever the parent currently points at)
			// rather than beneath a stale previous sibling.
			top.Name = parent.Name
			top.IsArray = parent.IsArray
			top.ArrayBase = parent.ArrayBase
			top.Cursor = parent.Cursor
		}
		top.Name = joinKey(top.Name, name)
		top.IsArray = false
		top.ArrayBase = ""
	}

	ctx.UpdateSelection(top)
	return 1
}

// UpdateSelection looks up the section's selection in the key-set. If it
// names an array-shaped key, the section is switched into array mode and
// advanced to its first direct child.
func (ctx *Context) UpdateSelection(sec *Section) int {
	root := ctx.Store
	if sec.Name != "" && root.IsArray(sec.Name) {
		sec.IsArray = true
		sec.ArrayBase = sec.Name
		sec.Cursor = -1
		ctx.SelectNextArrayKey(sec)
		return 1
	}

	sec.IsArray = false
	sec.ArrayBase = ""
	if sec.Name != "" && !root.Has(sec.Name) {
		return 0
	}
	return 1
}

// SelectNextArrayKey advances sec's cursor to the next direct child of
// its array base, returning 1 when a next element was activated and 0
// when the array is exhausted.
func (ctx *Context) SelectNextArrayKey(sec *Section) int {
	sec.Cursor++
	if sec.Cursor >= ctx.Store.ArrayLen(sec.ArrayBase) {
		return 0
	}
	return 1
}

// Enter pushes a new section copying the parent's selection, array
// state, and cursor, tagged with the expansion engine's iterator depth.
func (ctx *Context) Enter(iterDepth int) int {
	parent := ctx.Stack.Top()
	child := parent.clone()
	child.Depth = iterDepth
	ctx.Stack.Push(child)
	return 0
}

// Leave pops the current section. Popping the last remaining frame (the
// one Start pushed) is the "too deep" programming error.
func (ctx *Context) Leave() int {
	if ctx.Stack.Len() <= 1 {
		return ErrTooDeep
	}
	ctx.Stack.Pop()
	return 0
}

// Next advances the nearest enclosing array section's cursor, searching
// from the top of the stack downward — the interpretation this
// implementation commits to for the source's ambiguous "top vs. parent"
// call sites (see DESIGN.md).
func (ctx *Context) Next() int {
	for i := ctx.Stack.Len() - 1; i >= 0; i-- {
		sec := ctx.Stack.frames[i]
		if sec.IsArray {
			return ctx.SelectNextArrayKey(sec)
		}
	}
	return 0
}

// Subsel is reserved; this implementation returns 0 (out of scope).
func (ctx *Context) Subsel(name string) int { return 0 }

// Compare is reserved; this implementation returns 0 (out of scope).
func (ctx *Context) Compare(value string) int { return 0 }

// keyName formats the current section's full key name, used for kind!=0
// Get calls.
func (ctx *Context) keyName(sec *Section) string {
	if sec.IsArray {
		return fmt.Sprintf("%s/#%d", sec.ArrayBase, sec.Cursor)
	}
	return sec.Name
}

// Present reports whether the current (non-array) section resolves to a
// truthy value, used by section rendering to decide whether its block
// renders at all.
func (ctx *Context) Present() bool {
	top := ctx.Stack.Top()
	if top.IsArray {
		return true
	}
	if top.Name == "" {
		return true
	}
	v, ok := ctx.Get(0)
	if ok != 1 {
		return false
	}
	return v != "" && v != "false" && v != "0"
}

// Get materializes the current selection's value (kind==0) or its full
// key name (kind!=0). Returns the text and 1 when bytes were produced,
// "" and 0 when not possible.
func (ctx *Context) Get(kind int) (string, int) {
	top := ctx.Stack.Top()
	if kind != 0 {
		return ctx.keyName(top), 1
	}

	if top.IsArray {
		cur, ok := ctx.current(top)
		if !ok {
			return "", 0
		}
		if v, ok := cur.Get("value"); ok {
			return v, 1
		}
		return "", 0
	}

	if top.Name == "" {
		return "", 0
	}

	v, ok := ctx.Store.Get(top.Name)
	if !ok {
		return "", 0
	}
	return v, 1
}
