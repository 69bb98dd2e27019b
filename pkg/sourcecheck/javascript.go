package sourcecheck

import (
	"fmt"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// javascriptFunction finds a top-level function named function. Accepted
// forms are function declarations and const/let/var bindings of a function
// or arrow function expression, optionally exported.
//
// JavaScript tools receive their arguments as a single object. When that
// parameter is a destructuring pattern, its keys are reported as parameters.
func javascriptFunction(root *tree_sitter.Node, src []byte, function string) (*Report, error) {
	for i := uint(0); i < root.NamedChildCount(); i++ {
		n := root.NamedChild(i)
		if n == nil {
			continue
		}
		if n.Kind() == "export_statement" {
			n = n.ChildByFieldName("declaration")
			if n == nil {
				continue
			}
		}

		if fn := matchJSFunction(n, src, function); fn != nil {
			report := &Report{Function: function, Async: isAsync(fn, src)}
			if params := fn.ChildByFieldName("parameters"); params != nil {
				report.Parameters = javascriptParameters(params, src)
			}
			return report, nil
		}
	}
	return nil, fmt.Errorf("%w: no top-level function %q", ErrFunctionNotFound, function)
}

func matchJSFunction(n *tree_sitter.Node, src []byte, function string) *tree_sitter.Node {
	switch n.Kind() {
	case "function_declaration", "generator_function_declaration":
		if name := n.ChildByFieldName("name"); name != nil && name.Utf8Text(src) == function {
			return n
		}
	case "lexical_declaration", "variable_declaration":
		for i := uint(0); i < n.NamedChildCount(); i++ {
			d := n.NamedChild(i)
			if d == nil || d.Kind() != "variable_declarator" {
				continue
			}
			name := d.ChildByFieldName("name")
			value := d.ChildByFieldName("value")
			if name == nil || value == nil || name.Utf8Text(src) != function {
				continue
			}
			switch value.Kind() {
			case "arrow_function", "function_expression", "function":
				return value
			}
		}
	}
	return nil
}

func isAsync(fn *tree_sitter.Node, src []byte) bool {
	first := fn.Child(0)
	return first != nil && first.Utf8Text(src) == "async"
}

func javascriptParameters(params *tree_sitter.Node, src []byte) []Parameter {
	if params.Kind() == "identifier" {
		// Single bare arrow parameter: x => ...
		return nil
	}
	if params.NamedChildCount() != 1 {
		return nil
	}
	pattern := params.NamedChild(0)
	if pattern == nil {
		return nil
	}
	if pattern.Kind() == "assignment_pattern" {
		pattern = pattern.ChildByFieldName("left")
		if pattern == nil {
			return nil
		}
	}
	if pattern.Kind() != "object_pattern" {
		return nil
	}

	var out []Parameter
	for i := uint(0); i < pattern.NamedChildCount(); i++ {
		p := pattern.NamedChild(i)
		if p == nil {
			continue
		}
		switch p.Kind() {
		case "shorthand_property_identifier_pattern":
			out = append(out, Parameter{Name: p.Utf8Text(src), Required: true})
		case "object_assignment_pattern":
			if left := p.ChildByFieldName("left"); left != nil {
				out = append(out, Parameter{Name: left.Utf8Text(src)})
			}
		case "pair_pattern":
			if key := p.ChildByFieldName("key"); key != nil {
				value := p.ChildByFieldName("value")
				required := value == nil || value.Kind() != "assignment_pattern"
				out = append(out, Parameter{Name: key.Utf8Text(src), Required: required})
			}
		}
	}
	return out
}
