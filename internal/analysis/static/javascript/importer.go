// Package javascript imports client-side JavaScript into the hybrid program
// graph. Sources are parsed with tree-sitter, converted to ESTree-shaped
// nodes and enriched with control flow, data dependence and call edges.
package javascript

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
)

// Script is one block of JavaScript source and its position in the page it
// was taken from. Line and Column are zero based.
type Script struct {
	Source []byte
	Offset int
	Line   int
	Column int
}

// Stats summarizes one import.
type Stats struct {
	Scripts  int
	Nodes    int
	PDGEdges int
	CGEdges  int
	// SyntaxErrors counts scripts tree-sitter could only partially parse.
	SyntaxErrors int
}

// Importer builds page graphs from JavaScript and HTML sources. It is safe
// for concurrent use; each import uses its own parser.
type Importer struct {
	logger *zap.Logger
}

// NewImporter creates a new importer.
func NewImporter(logger *zap.Logger) *Importer {
	return &Importer{
		logger: logger.Named("js_importer"),
	}
}

// ImportFile reads a page from disk and imports it. Files ending in .html or
// .htm have their inline scripts extracted; anything else is treated as a
// single script.
func (im *Importer) ImportFile(ctx context.Context, path string) (*hpg.Builder, Stats, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to expand page path %s: %w", path, err)
	}
	content, err := os.ReadFile(expanded)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to read page %s: %w", expanded, err)
	}
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".html", ".htm":
		return im.ImportHTML(ctx, path, content)
	}
	return im.ImportJS(ctx, path, content)
}

// ImportJS imports a single script.
func (im *Importer) ImportJS(ctx context.Context, page string, src []byte) (*hpg.Builder, Stats, error) {
	return im.Import(ctx, page, []Script{{Source: src}})
}

// ImportHTML imports the inline scripts of an HTML document.
func (im *Importer) ImportHTML(ctx context.Context, page string, doc []byte) (*hpg.Builder, Stats, error) {
	scripts := ExtractScripts(doc)
	if len(scripts) == 0 {
		im.logger.Debug("Page has no inline scripts", zap.String("page", page))
	}
	return im.Import(ctx, page, scripts)
}

// Import parses scripts in order and concatenates their top-level
// statements into one Program.
func (im *Importer) Import(ctx context.Context, page string, scripts []Script) (*hpg.Builder, Stats, error) {
	stats := Stats{Scripts: len(scripts)}

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	program := &gnode{node: schemas.ProgramNode{
		Type:     schemas.NodeProgram,
		Location: schemas.Location{File: page, StartLine: 1, EndLine: 1},
	}}
	unknown := make(map[string]int)
	body := 0

	for i, s := range scripts {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		tree, err := parser.ParseCtx(ctx, nil, s.Source)
		if err != nil {
			return nil, stats, fmt.Errorf("tree-sitter failed to parse script %d of %s: %w", i, page, err)
		}

		root := tree.RootNode()
		if root.HasError() {
			stats.SyntaxErrors++
			im.logger.Warn("Tree-sitter detected syntax errors; graph may be incomplete",
				zap.String("page", page), zap.Int("script", i))
		}

		conv := &converter{page: page, script: s, unknown: unknown}
		for _, stmt := range namedChildren(root) {
			if g := conv.convert(stmt); g != nil {
				program.attach(g, schemas.RelBody, body)
				body++
			}
		}
		if i == len(scripts)-1 {
			program.node.Location.EndLine = s.Line + int(root.EndPoint().Row) + 1
			program.node.Range.End = s.Offset + int(root.EndByte())
		}
		tree.Close()
	}

	for kind, n := range unknown {
		im.logger.Debug("Kept unmapped syntax kind", zap.String("kind", kind), zap.Int("count", n))
	}

	b := hpg.NewBuilder("n")
	emit(b, program)
	controlFlow(b, program)

	flow := newDataflow(b)
	flow.run(program)
	stats.PDGEdges = flow.edges
	stats.CGEdges = callGraph(b, program, im.logger)
	stats.Nodes = len(b.Nodes())

	im.logger.Debug("Imported page graph",
		zap.String("page", page),
		zap.Int("scripts", stats.Scripts),
		zap.Int("nodes", stats.Nodes),
		zap.Int("pdg_edges", stats.PDGEdges),
		zap.Int("cg_edges", stats.CGEdges),
	)
	return b, stats, nil
}

// executableTypes are the script type attributes browsers execute as
// classic or module scripts.
var executableTypes = map[string]bool{
	"":                       true,
	"text/javascript":        true,
	"application/javascript": true,
	"text/ecmascript":        true,
	"application/ecmascript": true,
	"text/jscript":           true,
	"module":                 true,
}

// ExtractScripts returns the inline scripts of an HTML document in document
// order. Data blocks (JSON, templates) and external scripts are skipped.
func ExtractScripts(doc []byte) []Script {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var (
		scripts  []Script
		offset   int
		inScript bool
	)
	for {
		tt := z.Next()
		raw := z.Raw()
		start := offset
		offset += len(raw)

		switch tt {
		case html.ErrorToken:
			return scripts
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			inScript = string(name) == "script" && isExecutable(z, hasAttr)
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript || len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			line, col := position(doc, start)
			scripts = append(scripts, Script{
				Source: append([]byte(nil), raw...),
				Offset: start,
				Line:   line,
				Column: col,
			})
		}
	}
}

func isExecutable(z *html.Tokenizer, hasAttr bool) bool {
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "type":
			if !executableTypes[strings.ToLower(strings.TrimSpace(string(val)))] {
				return false
			}
		case "src":
			return false
		}
	}
	return true
}

// position converts a byte offset into a zero based line and column.
func position(doc []byte, offset int) (line, col int) {
	if offset > len(doc) {
		offset = len(doc)
	}
	prefix := doc[:offset]
	line = bytes.Count(prefix, []byte{'\n'})
	col = offset - (bytes.LastIndexByte(prefix, '\n') + 1)
	return line, col
}
