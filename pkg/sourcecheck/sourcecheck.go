// Package sourcecheck performs registration-time static validation of
// tool source code.
//
// Source is parsed with tree-sitter grammars for each supported language.
// A check rejects empty or unparseable source, requires a top-level
// function with the tool's name, and rejects source that references a
// forbidden identifier. For Python tools it also derives a JSON Schema
// from the function signature.
package sourcecheck

import (
	"errors"
	"fmt"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"

	"github.com/rhuss/toolrunner/pkg/api"
)

var (
	// ErrEmptySource is returned for empty or whitespace-only source.
	ErrEmptySource = errors.New("source is empty")

	// ErrSourceTooLarge is returned when source exceeds the size limit.
	ErrSourceTooLarge = errors.New("source exceeds size limit")

	// ErrSyntax is returned when the source does not parse.
	ErrSyntax = errors.New("source does not parse")

	// ErrFunctionNotFound is returned when no top-level function matches the tool name.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrForbidden is returned when the source references a denylisted identifier.
	ErrForbidden = errors.New("forbidden operation")

	// ErrUnsupportedLanguage is returned for languages without a grammar.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// DefaultForbidden is the identifier denylist applied when no override
// is configured.
var DefaultForbidden = map[api.Language][]string{
	api.LanguagePython:     {"exec", "eval", "__import__", "compile", "open"},
	api.LanguageJavaScript: {"eval", "Function", "require", "process"},
}

var grammars = map[api.Language]*tree_sitter.Language{
	api.LanguagePython:     tree_sitter.NewLanguage(tree_sitter_python.Language()),
	api.LanguageJavaScript: tree_sitter.NewLanguage(tree_sitter_javascript.Language()),
}

// Parameter is one declared parameter of a tool function.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"` // JSON Schema type, empty when unconstrained
	Required bool   `json:"required"`
}

// Report is the result of a successful check.
type Report struct {
	Function   string      `json:"function"`
	Async      bool        `json:"async"`
	Parameters []Parameter `json:"parameters"`
}

// Checker validates tool source. It is safe for concurrent use; each
// Check call allocates its own parser.
type Checker struct {
	forbidden map[api.Language]map[string]bool
	maxBytes  int
}

// Option configures a Checker.
type Option func(*Checker)

// WithForbidden replaces the denylist for one language.
func WithForbidden(lang api.Language, idents []string) Option {
	return func(c *Checker) {
		c.forbidden[lang] = toSet(idents)
	}
}

// WithMaxSourceBytes limits accepted source size. Zero disables the limit.
func WithMaxSourceBytes(n int) Option {
	return func(c *Checker) {
		c.maxBytes = n
	}
}

// New creates a Checker with the default denylists.
func New(opts ...Option) *Checker {
	c := &Checker{forbidden: make(map[api.Language]map[string]bool)}
	for lang, idents := range DefaultForbidden {
		c.forbidden[lang] = toSet(idents)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check validates source for the given language and function name.
func (c *Checker) Check(lang api.Language, function, source string) (*Report, error) {
	grammar, ok := grammars[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}
	if c.maxBytes > 0 && len(source) > c.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSourceTooLarge, len(source), c.maxBytes)
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(grammar); err != nil {
		return nil, fmt.Errorf("loading %s grammar: %w", lang, err)
	}

	src := []byte(source)
	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, fmt.Errorf("%w: parser returned no tree", ErrSyntax)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%w: %s", ErrSyntax, firstError(root))
	}

	if err := c.checkForbidden(lang, root, src); err != nil {
		return nil, err
	}

	switch lang {
	case api.LanguagePython:
		return pythonFunction(root, src, function)
	default:
		return javascriptFunction(root, src, function)
	}
}

// checkForbidden walks every identifier node of the tree.
func (c *Checker) checkForbidden(lang api.Language, root *tree_sitter.Node, src []byte) error {
	deny := c.forbidden[lang]
	if len(deny) == 0 {
		return nil
	}

	var found error
	walk(root, func(n *tree_sitter.Node) bool {
		if found != nil {
			return false
		}
		switch n.Kind() {
		case "identifier", "property_identifier", "shorthand_property_identifier":
			name := n.Utf8Text(src)
			if deny[name] {
				pos := n.StartPosition()
				found = fmt.Errorf("%w: %q at line %d", ErrForbidden, name, pos.Row+1)
				return false
			}
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first until visit returns false.
func walk(n *tree_sitter.Node, visit func(*tree_sitter.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for i := uint(0); i < n.ChildCount(); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

// firstError locates the first ERROR or missing node for the message.
func firstError(root *tree_sitter.Node) string {
	msg := "syntax error"
	walk(root, func(n *tree_sitter.Node) bool {
		if n.IsError() || n.IsMissing() {
			pos := n.StartPosition()
			msg = fmt.Sprintf("syntax error at line %d, column %d", pos.Row+1, pos.Column+1)
			return false
		}
		return true
	})
	return msg
}

func toSet(idents []string) map[string]bool {
	m := make(map[string]bool, len(idents))
	for _, id := range idents {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = true
		}
	}
	return m
}
