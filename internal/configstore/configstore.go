// Package configstore implements the hierarchical "system:/config" key-set
// that backs template rendering: a tree of named scalar and object keys,
// with repeated same-named blocks modeling array-shaped keys. It stands in
// for the hierarchical configuration-store library the render engine's
// callback protocol was originally written against, using HCL's block and
// attribute model (github.com/hashicorp/hcl/v2) as a real, pack-grounded
// substitute — see DESIGN.md for why no closer equivalent exists in the
// retrieval pack.
package configstore

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/paul-chambers/templatefs/internal/fserrors"
)

// node is one position in the key-set tree: its own scalar attributes,
// plus named groups of child nodes. A group with more than one member is
// an array-shaped key; a group with exactly one is a plain nested object.
type node struct {
	attrs  map[string]cty.Value
	attrOrder []string
	groups map[string][]*node
	groupOrder []string
}

func newNode() *node {
	return &node{attrs: make(map[string]cty.Value), groups: make(map[string][]*node)}
}

// KeySet is a parsed, navigable hierarchical configuration tree.
type KeySet struct {
	root *node
}

// Load parses the HCL file at path into a KeySet.
func Load(path string) (*KeySet, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "failed to parse config store").
			WithComponent("configstore").WithOperation("Load").
			WithCause(diags).WithDetail("path", path)
	}
	return fromFile(f)
}

// LoadString parses src (as if read from filename, used only for
// diagnostics) into a KeySet. Used by tests and by callers that already
// hold the configuration in memory.
func LoadString(src, filename string) (*KeySet, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL([]byte(src), filename)
	if diags.HasErrors() {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "failed to parse config store").
			WithComponent("configstore").WithOperation("LoadString").
			WithCause(diags).WithDetail("file", filename)
	}
	return fromFile(f)
}

func fromFile(f *hcl.File) (*KeySet, error) {
	body, ok := f.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "unsupported HCL body implementation").
			WithComponent("configstore").WithOperation("fromFile")
	}
	root, err := nodeFromBody(body)
	if err != nil {
		return nil, err
	}
	return &KeySet{root: root}, nil
}

func nodeFromBody(body *hclsyntax.Body) (*node, error) {
	n := newNode()

	names := make([]string, 0, len(body.Attributes))
	for name := range body.Attributes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return body.Attributes[names[i]].SrcRange.Start.Byte < body.Attributes[names[j]].SrcRange.Start.Byte
	})
	for _, name := range names {
		attr := body.Attributes[name]
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fserrors.New(fserrors.CodeBadValueKind, "unevaluable attribute expression").
				WithComponent("configstore").WithOperation("nodeFromBody").
				WithCause(diags).WithDetail("attribute", name)
		}
		n.attrs[name] = val
		n.attrOrder = append(n.attrOrder, name)
	}

	for _, block := range body.Blocks {
		child, err := nodeFromBody(block.Body)
		if err != nil {
			return nil, err
		}
		if _, seen := n.groups[block.Type]; !seen {
			n.groupOrder = append(n.groupOrder, block.Type)
		}
		n.groups[block.Type] = append(n.groups[block.Type], child)
	}

	return n, nil
}

// walk splits a "/"-separated path and descends through nested groups,
// taking the sole member of each group (array-shaped groups must be
// indexed via Index, not walked directly).
func (n *node) walk(parts []string) (*node, bool) {
	cur := n
	for _, p := range parts {
		if p == "" {
			continue
		}
		group, ok := cur.groups[p]
		if !ok || len(group) == 0 {
			return nil, false
		}
		cur = group[0]
	}
	return cur, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		parts = append(parts, path[start:])
	}
	return parts
}

// Get returns the scalar value at path, coerced to a string, following
// the render engine's "everything is text" convention.
func (ks *KeySet) Get(path string) (string, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", false
	}
	leaf, rest := parts[len(parts)-1], parts[:len(parts)-1]
	n, ok := ks.root.walk(rest)
	if !ok {
		return "", false
	}
	val, ok := n.attrs[leaf]
	if !ok {
		return "", false
	}
	return coerceString(val)
}

func coerceString(val cty.Value) (string, bool) {
	if val.IsNull() {
		return "", false
	}
	switch val.Type() {
	case cty.String:
		return val.AsString(), true
	case cty.Number:
		bf := val.AsBigFloat()
		return bf.Text('f', -1), true
	case cty.Bool:
		if val.True() {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// IsArray reports whether path names a group with more than one member,
// i.e. an array-shaped key per the repeated-block convention.
func (ks *KeySet) IsArray(path string) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}
	leaf, rest := parts[len(parts)-1], parts[:len(parts)-1]
	n, ok := ks.root.walk(rest)
	if !ok {
		return false
	}
	group, ok := n.groups[leaf]
	return ok && len(group) > 1
}

// ArrayLen returns the number of elements in the array-shaped key at
// path, or 0 if path does not name a group.
func (ks *KeySet) ArrayLen(path string) int {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0
	}
	leaf, rest := parts[len(parts)-1], parts[:len(parts)-1]
	n, ok := ks.root.walk(rest)
	if !ok {
		return 0
	}
	return len(n.groups[leaf])
}

// Index returns a KeySet rooted at the idx'th element of the array-shaped
// (or singleton) group at path, used by the render engine's array-section
// cursor to step through elements.
func (ks *KeySet) Index(path string, idx int) (*KeySet, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	leaf, rest := parts[len(parts)-1], parts[:len(parts)-1]
	n, ok := ks.root.walk(rest)
	if !ok {
		return nil, false
	}
	group, ok := n.groups[leaf]
	if !ok || idx < 0 || idx >= len(group) {
		return nil, false
	}
	return &KeySet{root: group[idx]}, true
}

// Sub returns a KeySet rooted at the nested object (a singleton group) at
// path.
func (ks *KeySet) Sub(path string) (*KeySet, bool) {
	parts := splitPath(path)
	n, ok := ks.root.walk(parts)
	if !ok {
		return nil, false
	}
	return &KeySet{root: n}, true
}

// Keys returns the direct child key names of the root node — scalar
// attributes first in declaration order, then group names — used by the
// render engine's "next" callback to enumerate a section's members.
func (ks *KeySet) Keys() []string {
	keys := make([]string, 0, len(ks.root.attrOrder)+len(ks.root.groupOrder))
	keys = append(keys, ks.root.attrOrder...)
	keys = append(keys, ks.root.groupOrder...)
	return keys
}

// Has reports whether path resolves to any value (scalar or group).
func (ks *KeySet) Has(path string) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}
	leaf, rest := parts[len(parts)-1], parts[:len(parts)-1]
	n, ok := ks.root.walk(rest)
	if !ok {
		return false
	}
	if _, ok := n.attrs[leaf]; ok {
		return true
	}
	_, ok = n.groups[leaf]
	return ok
}

// String renders a human-readable dump of path's resolved value, used in
// error details and debug logging.
func (ks *KeySet) String(path string) string {
	if v, ok := ks.Get(path); ok {
		return v
	}
	if ks.IsArray(path) {
		return fmt.Sprintf("<array:%d>", ks.ArrayLen(path))
	}
	return "<unset:" + strconv.Quote(path) + ">"
}
