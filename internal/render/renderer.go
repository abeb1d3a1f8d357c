package render

import (
	"bytes"
	_ "embed"
	"fmt"
	"html"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/lexers"
	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/beeender/ComradeNeovim/internal/contracts"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extensionast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
)

const lineAttribute = "data-source-line"

// Renderer turns monitor snapshots into HTML through a goldmark pipeline.
type Renderer struct {
	md goldmark.Markdown
}

//go:embed page.html
var pageTemplate string

func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			highlighting.NewHighlighting(
				highlighting.WithWrapperRenderer(renderHighlightedCodeWrapper),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
					chromahtml.WithLineNumbers(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
	return &Renderer{md: md}
}

// ConvertFragment parses markdown source and returns the HTML fragment
// with data-source-line attributes attached to block elements.
func (r *Renderer) ConvertFragment(source []byte) (string, error) {
	doc := r.md.Parser().Parse(text.NewReader(source))
	annotateLines(doc, source)

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, source, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// StatusMarkdown builds the markdown of a status page: one table row per
// buffer and a warning callout for every faulted buffer.
func StatusMarkdown(msg contracts.StatusMessage) string {
	var sb strings.Builder
	sb.WriteString("# comrade-nvim\n\n")
	if msg.Session != "" {
		fmt.Fprintf(&sb, "Session `%s`, channel %d\n\n", msg.Session, msg.Channel)
	}
	if len(msg.Buffers) == 0 {
		sb.WriteString("No synced buffers.\n")
		return sb.String()
	}

	sb.WriteString("| Buffer | Path | Changedtick | State | Pending |\n")
	sb.WriteString("|---:|---|---:|---|---:|\n")
	for _, b := range msg.Buffers {
		fmt.Fprintf(&sb, "| [%d](/buffers/%d) | `%s` | %d | %s | %d |\n",
			b.ID, b.ID, escapeCell(b.Path), b.Changedtick, b.State, b.Pending)
	}

	for _, b := range msg.Buffers {
		if b.Fault == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n> [!WARNING]\n> Buffer %d `%s` is %s.\n>\n> %s\n",
			b.ID, escapeCell(b.Path), b.State, strings.ReplaceAll(b.Fault, "\n", "\n> "))
	}
	return sb.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// RenderStatus renders a status snapshot as an HTML fragment.
func (r *Renderer) RenderStatus(msg contracts.StatusMessage) (string, error) {
	return r.ConvertFragment([]byte(StatusMarkdown(msg)))
}

// BufferMarkdown wraps content in a fenced code block whose language is
// guessed from path.
func BufferMarkdown(path, content string) string {
	fence := "```"
	for strings.Contains(content, fence) {
		fence += "`"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", filepath.Base(path))
	sb.WriteString(fence)
	sb.WriteString(Language(path))
	sb.WriteString("\n")
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(fence)
	sb.WriteString("\n")
	return sb.String()
}

// Language returns the chroma alias for path, or "" when no lexer matches.
func Language(path string) string {
	lexer := lexers.Match(filepath.Base(path))
	if lexer == nil {
		return ""
	}
	cfg := lexer.Config()
	if len(cfg.Aliases) > 0 {
		return cfg.Aliases[0]
	}
	return strings.ToLower(cfg.Name)
}

// RenderBuffer renders the content of a buffer as highlighted HTML.
func (r *Renderer) RenderBuffer(path, content string) (string, error) {
	return r.ConvertFragment([]byte(BufferMarkdown(path, content)))
}

// RenderPage returns a complete HTML page with the fragment inserted at
// the {{CONTENT}} placeholder.
func (r *Renderer) RenderPage(title, fragment string) string {
	page := strings.Replace(pageTemplate, "{{TITLE}}", html.EscapeString(title), 1)
	return strings.Replace(page, "{{CONTENT}}", fragment, 1)
}

// RenderShell returns an empty HTML page shell for the initial WebSocket connection.
// Content will be injected dynamically via WebSocket messages.
func (r *Renderer) RenderShell() string {
	return r.RenderPage("comrade-nvim", "")
}

// annotateLines attaches data-source-line to block-level elements.
func annotateLines(doc ast.Node, source []byte) {
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || !shouldAnnotateNode(n) {
			return ast.WalkContinue, nil
		}
		if offset, ok := firstNodeOffset(n); ok {
			n.SetAttributeString(lineAttribute, strconv.Itoa(offsetToLine(source, offset)))
		}
		return ast.WalkContinue, nil
	})
}

func shouldAnnotateNode(n ast.Node) bool {
	switch n.Kind() {
	case ast.KindHeading,
		ast.KindParagraph,
		ast.KindBlockquote,
		ast.KindFencedCodeBlock,
		extensionast.KindTable:
		return true
	default:
		return false
	}
}

// firstNodeOffset returns the byte offset of the first line in a node,
// searching children for nodes without lines of their own.
func firstNodeOffset(n ast.Node) (int, bool) {
	if n == nil {
		return 0, false
	}

	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, true
	}

	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if offset, ok := firstNodeOffset(child); ok {
			return offset, true
		}
	}

	return 0, false
}

// offsetToLine converts a byte offset to a 1-based line number.
func offsetToLine(source []byte, offset int) int {
	if offset < 0 {
		offset = 0
	}

	if offset > len(source) {
		offset = len(source)
	}

	return bytes.Count(source[:offset], []byte{'\n'}) + 1
}

// renderHighlightedCodeWrapper keeps the line attribute of a code block on
// a wrapping div, since the highlighter drops node attributes.
func renderHighlightedCodeWrapper(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
	line, ok := highlightedCodeLine(context)
	if !ok {
		return
	}

	if entering {
		_, _ = w.WriteString("<div ")
		_, _ = w.WriteString(lineAttribute)
		_, _ = w.WriteString(`="`)
		_, _ = w.WriteString(line)
		_, _ = w.WriteString(`">`)
		return
	}

	_, _ = w.WriteString("</div>")
}

func highlightedCodeLine(context highlighting.CodeBlockContext) (string, bool) {
	if context == nil {
		return "", false
	}

	attrs := context.Attributes()
	if attrs == nil {
		return "", false
	}

	v, ok := attrs.GetString(lineAttribute)
	if !ok {
		return "", false
	}

	switch typed := v.(type) {
	case string:
		return typed, typed != ""
	case []byte:
		if len(typed) == 0 {
			return "", false
		}
		return string(typed), true
	default:
		return "", false
	}
}
