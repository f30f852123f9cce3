package render

import "strings"

// node is one parsed template element: literal text, a variable
// reference, or a section (with its own nested nodes).
type node struct {
	kind     nodeKind
	text     string // literal text, or the {{name}} / {{#name}} key name
	children []node
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVariable
	nodeSection
)

// parse tokenizes a logic-less template into a tree of nodes. This is a
// minimal stand-in for the expansion engine's own tokenizer/control-flow
// parser, which the callback contract this package implements against
// treats as an external dependency (out of scope; see DESIGN.md). It
// supports the subset exercised by that contract: {{name}}, {{.}}, and
// {{#name}}...{{/name}} sections.
func parse(tmpl string) ([]node, error) {
	nodes, rest, err := parseUntil(tmpl, "")
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, &TokenizeError{Message: "unexpected trailing content after top-level section close"}
	}
	return nodes, nil
}

// TokenizeError reports a malformed template.
type TokenizeError struct {
	Message string
}

func (e *TokenizeError) Error() string { return "render: " + e.Message }

// parseUntil parses nodes until it encounters a closing tag matching
// closeName (or, at the top level, end of input with closeName == "").
// It returns the remaining unconsumed template text, which is non-empty
// only when a closing tag was found.
func parseUntil(tmpl string, closeName string) ([]node, string, error) {
	var nodes []node
	for {
		open := strings.Index(tmpl, "{{")
		if open < 0 {
			if closeName != "" {
				return nil, "", &TokenizeError{Message: "unterminated section {{#" + closeName + "}}"}
			}
			if tmpl != "" {
				nodes = append(nodes, node{kind: nodeText, text: tmpl})
			}
			return nodes, "", nil
		}

		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: tmpl[:open]})
		}

		close := strings.Index(tmpl[open:], "}}")
		if close < 0 {
			return nil, "", &TokenizeError{Message: "unterminated tag"}
		}
		close += open

		tag := strings.TrimSpace(tmpl[open+2 : close])
		rest := tmpl[close+2:]

		switch {
		case strings.HasPrefix(tag, "#"):
			name := strings.TrimSpace(tag[1:])
			inner, remainder, err := parseUntil(rest, name)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, node{kind: nodeSection, text: name, children: inner})
			tmpl = remainder
		case strings.HasPrefix(tag, "/"):
			name := strings.TrimSpace(tag[1:])
			if name != closeName {
				return nil, "", &TokenizeError{Message: "mismatched section close {{/" + name + "}}"}
			}
			return nodes, rest, nil
		default:
			nodes = append(nodes, node{kind: nodeVariable, text: tag})
			tmpl = rest
		}
	}
}

// Render expands tmpl against ctx, driving the callback contract
// (Start/Sel/UpdateSelection/Enter/Leave/Next/Get/Stop) to produce the
// synthesized text.
func Render(tmpl string, ctx *Context) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	ctx.Start()
	defer ctx.Stop(0)

	var out strings.Builder
	if err := renderNodes(nodes, ctx, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

func renderNodes(nodes []node, ctx *Context, out *strings.Builder) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			out.WriteString(n.text)
		case nodeVariable:
			if err := renderVariable(n.text, ctx, out); err != nil {
				return err
			}
		case nodeSection:
			if err := renderSection(n, ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderVariable(name string, ctx *Context, out *strings.Builder) error {
	if name == "." {
		v, ok := ctx.Get(0)
		if ok == 1 {
			out.WriteString(v)
		}
		return nil
	}

	if rc := ctx.Enter(-1); rc < 0 {
		return &TokenizeError{Message: "enter failed rendering variable"}
	}
	defer ctx.Leave()

	ctx.Sel(name)
	v, ok := ctx.Get(0)
	if ok == 1 {
		out.WriteString(v)
	}
	return nil
}

func renderSection(n node, ctx *Context, out *strings.Builder) error {
	if rc := ctx.Enter(0); rc < 0 {
		return &TokenizeError{Message: "enter failed rendering section " + n.text}
	}
	defer ctx.Leave()

	ctx.Sel(n.text)
	top := ctx.Stack.Top()

	if top.IsArray {
		for {
			if err := renderNodes(n.children, ctx, out); err != nil {
				return err
			}
			if ctx.Next() == 0 {
				break
			}
		}
		return nil
	}

	if ctx.Present() {
		return renderNodes(n.children, ctx, out)
	}
	return nil
}
