package sourcecheck

import (
	"fmt"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// pythonTypes maps annotation names to JSON Schema types. Unknown or
// missing annotations fall back to "string".
var pythonTypes = map[string]string{
	"int":   "integer",
	"float": "number",
	"str":   "string",
	"bool":  "boolean",
	"list":  "array",
	"List":  "array",
	"tuple": "array",
	"Tuple": "array",
	"dict":  "object",
	"Dict":  "object",
	"None":  "null",
}

// pythonFunction finds a top-level def (possibly decorated) named function.
func pythonFunction(root *tree_sitter.Node, src []byte, function string) (*Report, error) {
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		if n == nil {
			continue
		}
		if n.Kind() == "decorated_definition" {
			n = n.ChildByFieldName("definition")
			if n == nil {
				continue
			}
		}
		if n.Kind() != "function_definition" {
			continue
		}
		name := n.ChildByFieldName("name")
		if name == nil || name.Utf8Text(src) != function {
			continue
		}

		report := &Report{
			Function: function,
			Async:    strings.HasPrefix(strings.TrimSpace(n.Utf8Text(src)), "async"),
		}
		if params := n.ChildByFieldName("parameters"); params != nil {
			report.Parameters = pythonParameters(params, src)
		}
		return report, nil
	}
	return nil, fmt.Errorf("%w: no top-level def %q", ErrFunctionNotFound, function)
}

func pythonParameters(params *tree_sitter.Node, src []byte) []Parameter {
	var out []Parameter
	for i := uint(0); i < params.NamedChildCount(); i++ {
		p := params.NamedChild(i)
		if p == nil {
			continue
		}

		var (
			name       string
			annotation *tree_sitter.Node
			hasDefault bool
		)
		switch p.Kind() {
		case "identifier":
			name = p.Utf8Text(src)
		case "typed_parameter":
			// typed_parameter has no name field; the identifier is its first named child.
			if first := p.NamedChild(0); first != nil && first.Kind() == "identifier" {
				name = first.Utf8Text(src)
			}
			annotation = p.ChildByFieldName("type")
		case "default_parameter":
			if n := p.ChildByFieldName("name"); n != nil {
				name = n.Utf8Text(src)
			}
			hasDefault = true
		case "typed_default_parameter":
			if n := p.ChildByFieldName("name"); n != nil {
				name = n.Utf8Text(src)
			}
			annotation = p.ChildByFieldName("type")
			hasDefault = true
		default:
			// *args, **kwargs and separators do not map to named arguments.
			continue
		}
		if name == "" || name == "self" || name == "cls" {
			continue
		}

		typ, optional := "string", false
		if annotation != nil {
			typ, optional = pythonAnnotation(annotation.Utf8Text(src))
		}
		out = append(out, Parameter{
			Name:     name,
			Type:     typ,
			Required: !hasDefault && !optional,
		})
	}
	return out
}

// pythonAnnotation maps annotation text to a JSON Schema type and reports
// whether it is Optional[...] (or X | None).
func pythonAnnotation(text string) (string, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "typing.")

	if inner, ok := strings.CutPrefix(text, "Optional["); ok {
		typ, _ := pythonAnnotation(strings.TrimSuffix(inner, "]"))
		return typ, true
	}
	if parts := strings.Split(text, "|"); len(parts) == 2 {
		a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch {
		case b == "None":
			typ, _ := pythonAnnotation(a)
			return typ, true
		case a == "None":
			typ, _ := pythonAnnotation(b)
			return typ, true
		}
	}

	base := text
	if i := strings.IndexByte(base, '['); i >= 0 {
		base = base[:i]
	}
	if typ, ok := pythonTypes[base]; ok {
		return typ, false
	}
	return "string", false
}
