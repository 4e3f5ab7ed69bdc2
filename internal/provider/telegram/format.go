package telegram

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
)

// htmlRenderer renders markdown into the HTML subset Telegram accepts:
// b, i, s, code, pre, blockquote and a. Everything else is flattened
// to plain text.
type htmlRenderer struct {
	html.Config
}

func newHTMLRenderer() renderer.Renderer {
	r := &htmlRenderer{Config: html.NewConfig()}
	return renderer.NewRenderer(
		renderer.WithNodeRenderers(
			util.Prioritized(r, 100),
		),
	)
}

// RegisterFuncs registers rendering functions for node types.
func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderDocument)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindBlockquote, r.renderBlockquote)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindRawHTML, r.renderRawHTML)

	// GFM tables have no Telegram HTML equivalent, rendered as <pre> text
	reg.Register(east.KindTable, r.renderTable)
	reg.Register(east.KindTableHeader, r.renderTableRowPart)
	reg.Register(east.KindTableRow, r.renderTableRowPart)
	reg.Register(east.KindTableCell, r.renderTableRowPart)

	reg.Register(east.KindStrikethrough, r.renderStrikethrough)
}

func (r *htmlRenderer) renderDocument(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderParagraph(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		w.WriteString("\n\n")
	}
	return ast.WalkContinue, nil
}

// renderHeading renders every heading level as bold, Telegram has no
// heading markup.
func (r *htmlRenderer) renderHeading(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<b>")
	} else {
		w.WriteString("</b>\n\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<pre>")
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			w.WriteString(escapeHTMLString(string(line.Value(source))))
		}
		w.WriteString("</pre>\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderThematicBreak(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("\n---\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderBlockquote(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<blockquote>")
	} else {
		w.WriteString("</blockquote>\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderList(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

// renderListItem numbers items of ordered lists and bullets the rest.
func (r *htmlRenderer) renderListItem(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if list, ok := node.Parent().(*ast.List); ok && list.IsOrdered() {
			n := list.Start
			for sib := node.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
				n++
			}
			fmt.Fprintf(w, "%d. ", n)
		} else {
			w.WriteString("• ")
		}
	} else {
		w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.Text)
		w.WriteString(escapeHTMLString(string(n.Segment.Value(source))))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderString(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.String)
		w.WriteString(escapeHTMLString(string(n.Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEmphasis(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Emphasis)
	tag := "i"
	if n.Level == 2 {
		tag = "b"
	}
	if entering {
		w.WriteString("<" + tag + ">")
	} else {
		w.WriteString("</" + tag + ">")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeSpan(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<code>")
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				w.WriteString(escapeHTMLString(string(t.Segment.Value(source))))
			}
		}
		w.WriteString("</code>")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Link)
	if entering {
		w.WriteString(`<a href="`)
		w.WriteString(escapeHTMLString(string(n.Destination)))
		w.WriteString(`">`)
	} else {
		w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.AutoLink)
	if entering {
		url := escapeHTMLString(string(n.URL(source)))
		w.WriteString(`<a href="`)
		w.WriteString(url)
		w.WriteString(`">`)
		w.WriteString(url)
		w.WriteString("</a>")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// renderRawHTML drops inline HTML, anything not on Telegram's tag
// whitelist gets the whole message rejected.
func (r *htmlRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderStrikethrough(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<s>")
	} else {
		w.WriteString("</s>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderTable(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("<pre>")
		r.renderTableAsText(w, source, node)
		w.WriteString("</pre>\n")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// renderTableAsText lays a table out with pipe borders, padding cells
// by display width so emoji and CJK text keep columns aligned.
func (r *htmlRenderer) renderTableAsText(w util.BufWriter, source []byte, table ast.Node) {
	var colWidths []int
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		col := 0
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			width := runewidth.StringWidth(r.cellText(source, cell))
			if col >= len(colWidths) {
				colWidths = append(colWidths, width)
			} else if width > colWidths[col] {
				colWidths[col] = width
			}
			col++
		}
	}

	isHeader := true
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		w.WriteString("|")
		col := 0
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			text := r.cellText(source, cell)
			w.WriteString(" ")
			if col < len(colWidths) {
				w.WriteString(runewidth.FillRight(text, colWidths[col]))
			} else {
				w.WriteString(text)
			}
			w.WriteString(" |")
			col++
		}
		w.WriteString("\n")

		if isHeader {
			w.WriteString("|")
			for _, width := range colWidths {
				w.WriteString(strings.Repeat("-", width+2))
				w.WriteString("|")
			}
			w.WriteString("\n")
			isHeader = false
		}
	}
}

func (r *htmlRenderer) cellText(source []byte, cell ast.Node) string {
	var buf bytes.Buffer
	for child := cell.FirstChild(); child != nil; child = child.NextSibling() {
		r.extractText(&buf, source, child)
	}
	return strings.TrimSpace(buf.String())
}

func (r *htmlRenderer) extractText(buf *bytes.Buffer, source []byte, node ast.Node) {
	switch n := node.(type) {
	case *ast.Text:
		buf.Write(n.Segment.Value(source))
	case *ast.String:
		buf.Write(n.Value)
	default:
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			r.extractText(buf, source, child)
		}
	}
}

// renderTableRowPart is a no-op, rows and cells are walked by
// renderTable directly.
func (r *htmlRenderer) renderTableRowPart(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func escapeHTMLString(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// FormatMessage converts markdown to Telegram-compatible HTML. On
// conversion failure the original markdown is returned so the reply
// still reaches the operator as plain text.
func FormatMessage(markdown string) string {
	if markdown == "" {
		return ""
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRenderer(newHTMLRenderer()),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return markdown
	}

	result := strings.TrimSpace(buf.String())
	if result == "" {
		return markdown
	}
	return result
}

// splitMessage breaks text into chunks that fit Telegram's message
// length limit, preferring paragraph, then line, then word boundaries
// in the back half of each chunk. Splits never land inside a rune.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		runes := []rune(text)
		if len(runes) <= limit {
			chunks = append(chunks, text)
			break
		}

		// Byte offset of the rune limit, then back up to a boundary.
		cut := len(string(runes[:limit]))
		end := cut
		window := text[:cut]
		if idx := strings.LastIndex(window, "\n\n"); idx > cut/2 {
			end = idx + 2
		} else if idx := strings.LastIndex(window, "\n"); idx > cut/2 {
			end = idx + 1
		} else if idx := strings.LastIndex(window, " "); idx > cut/2 {
			end = idx + 1
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
