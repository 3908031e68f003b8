package autofix

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

// maxExpansionFactor caps syntactic expansion at this many times the window,
// so a finding inside a huge function does not pull the whole file into the prompt.
const maxExpansionFactor = 4

type grammar struct {
	name       string
	language   *sitter.Language
	enclosures map[string]bool
}

var grammars = map[string]grammar{
	".py": {
		name:     "python",
		language: python.GetLanguage(),
		enclosures: map[string]bool{
			"function_definition": true,
			"class_definition":    true,
		},
	},
	".go": {
		name:     "go",
		language: golang.GetLanguage(),
		enclosures: map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"func_literal":         true,
		},
	},
	".js": jsGrammar, ".jsx": jsGrammar, ".mjs": jsGrammar, ".cjs": jsGrammar,
}

var jsGrammar = grammar{
	name:     "javascript",
	language: javascript.GetLanguage(),
	enclosures: map[string]bool{
		"function_declaration": true,
		"function_expression":  true,
		"function":             true,
		"arrow_function":       true,
		"method_definition":    true,
		"class_declaration":    true,
	},
}

// CodeContext is the excerpt of a file shown to the model.
type CodeContext struct {
	Language string
	Start    int // First line shown, 1-based.
	End      int // Last line shown, inclusive.
	Text     string
}

// ContextExtractor cuts a window of lines around an issue. When syntax
// expansion is enabled and the file's grammar is known, the window grows to
// cover the enclosing function or class.
type ContextExtractor struct {
	logger *zap.Logger
	window int
	expand bool
}

// NewContextExtractor returns an extractor showing window lines on each side
// of the flagged range.
func NewContextExtractor(logger *zap.Logger, window int, expand bool) *ContextExtractor {
	if window < 0 {
		window = 0
	}
	return &ContextExtractor{logger: logger.Named("context"), window: window, expand: expand}
}

// Extract renders the excerpt with line numbers. Flagged lines carry a "->" marker.
func (x *ContextExtractor) Extract(ctx context.Context, path string, source []byte, flagged schemas.LineRange) CodeContext {
	lines := strings.Split(string(source), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	g, known := grammars[strings.ToLower(filepath.Ext(path))]
	out := CodeContext{Language: g.name}
	if len(lines) == 0 {
		return out
	}

	first := clamp(flagged.Start, 1, len(lines))
	last := clamp(flagged.End, first, len(lines))
	start := clamp(first-x.window, 1, len(lines))
	end := clamp(last+x.window, 1, len(lines))

	if x.expand && known {
		if s, e, ok := x.enclosing(ctx, g, source, first, last); ok && e-s+1 <= maxExpansionFactor*(2*x.window+1)+(last-first) {
			start = min(start, s)
			end = max(end, e)
		}
	}

	width := int(math.Log10(float64(end))) + 1
	var b strings.Builder
	for n := start; n <= end; n++ {
		marker := "  "
		if n >= first && n <= last {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %*d: %s\n", marker, width, n, lines[n-1])
	}

	out.Start, out.End = start, end
	out.Text = strings.TrimRight(b.String(), "\n")
	return out
}

// enclosing finds the innermost function or class around the flagged lines
// and returns its 1-based line span.
func (x *ContextExtractor) enclosing(ctx context.Context, g grammar, source []byte, first, last int) (int, int, bool) {
	parser := sitter.NewParser()
	parser.SetLanguage(g.language)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		x.logger.Debug("Syntax expansion unavailable", zap.String("language", g.name), zap.Error(err))
		return 0, 0, false
	}
	defer tree.Close()

	root := tree.RootNode()
	node := root.NamedDescendantForPointRange(
		sitter.Point{Row: uint32(first - 1)},
		sitter.Point{Row: uint32(last - 1)},
	)
	for ; node != nil; node = node.Parent() {
		if g.enclosures[node.Type()] {
			return int(node.StartPoint().Row) + 1, int(node.EndPoint().Row) + 1, true
		}
	}
	return 0, 0, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
